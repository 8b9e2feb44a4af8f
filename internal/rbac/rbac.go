package rbac

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelConf string

var enforcer *casbin.Enforcer

// InitEnforcer initializes the Casbin enforcer
func InitEnforcer(db *gorm.DB, logger *slog.Logger) error {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return fmt.Errorf("failed to create casbin adapter: %w", err)
	}

	// Load model from embedded string
	m, err := model.NewModelFromString(modelConf)
	if err != nil {
		return fmt.Errorf("failed to parse casbin model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	// Load policies from database
	if err := e.LoadPolicy(); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	enforcer = e

	if err := syncRolePolicies(db); err != nil {
		return fmt.Errorf("failed to sync role policies: %w", err)
	}

	logger.Info("RBAC enforcer initialized")
	return nil
}

// GetEnforcer returns the global enforcer instance
func GetEnforcer() *casbin.Enforcer {
	return enforcer
}

// syncRolePolicies mirrors the permissions table into casbin policy rows.
// Rows already present are left alone, so repeated startups are safe.
func syncRolePolicies(db *gorm.DB) error {
	type rolePermission struct {
		RoleName string
		Resource string
		Action   string
	}
	var perms []rolePermission
	err := db.Model(&models.Permission{}).
		Select("roles.name AS role_name, permissions.resource, permissions.action").
		Joins("JOIN roles ON roles.id = permissions.role_id").
		Scan(&perms).Error
	if err != nil {
		return err
	}

	for _, p := range perms {
		if _, err := enforcer.AddPolicy(roleSubject(p.RoleName), p.Resource, p.Action); err != nil {
			return err
		}
	}
	return enforcer.SavePolicy()
}

func roleSubject(roleName string) string {
	return "role:" + roleName
}

// Can checks whether a user may perform an action on a resource class.
func Can(userID uuid.UUID, resource, action string) (bool, error) {
	return enforcer.Enforce(userID.String(), resource, action)
}

// CanDeployWorkshop checks if user can start workshop deployments
func CanDeployWorkshop(userID uuid.UUID) (bool, error) {
	return Can(userID, "workshops", "deploy")
}

// CanDestroyWorkshop checks if user can tear down workshop infrastructure
func CanDestroyWorkshop(userID uuid.UUID) (bool, error) {
	return Can(userID, "workshops", "destroy")
}

// CanCancelDeployment checks if user can cancel an in-flight deployment
func CanCancelDeployment(userID uuid.UUID) (bool, error) {
	return Can(userID, "deployments", "cancel")
}

// CanWriteTemplates checks if user can register or publish templates
func CanWriteTemplates(userID uuid.UUID) (bool, error) {
	return Can(userID, "templates", "write")
}

// IsAdmin checks if user has admin privileges
func IsAdmin(userID uuid.UUID) (bool, error) {
	return enforcer.HasGroupingPolicy(userID.String(), roleSubject("admin"))
}

// AssignRole places a user in a role
func AssignRole(userID uuid.UUID, roleName string) error {
	_, err := enforcer.AddGroupingPolicy(userID.String(), roleSubject(roleName))
	if err != nil {
		return err
	}
	return enforcer.SavePolicy()
}

// RevokeRole removes a user from a role
func RevokeRole(userID uuid.UUID, roleName string) error {
	_, err := enforcer.RemoveGroupingPolicy(userID.String(), roleSubject(roleName))
	if err != nil {
		return err
	}
	return enforcer.SavePolicy()
}

// UserRoles returns the role names a user belongs to
func UserRoles(userID uuid.UUID) ([]string, error) {
	groups, err := enforcer.GetFilteredGroupingPolicy(0, userID.String())
	if err != nil {
		return nil, err
	}

	roles := make([]string, 0, len(groups))
	for _, g := range groups {
		if len(g) >= 2 && len(g[1]) > 5 && g[1][:5] == "role:" {
			roles = append(roles, g[1][5:])
		}
	}
	return roles, nil
}

// GetAllAdminUserIDs returns a set of all user IDs that belong to the admin role
func GetAllAdminUserIDs() (map[uuid.UUID]bool, error) {
	groups, err := enforcer.GetFilteredGroupingPolicy(1, roleSubject("admin"))
	if err != nil {
		return nil, err
	}

	adminUserIDs := make(map[uuid.UUID]bool, len(groups))
	for _, g := range groups {
		if len(g) >= 1 {
			if userID, err := uuid.Parse(g[0]); err == nil {
				adminUserIDs[userID] = true
			}
		}
	}

	return adminUserIDs, nil
}
