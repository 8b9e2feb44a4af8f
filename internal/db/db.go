package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New creates a new database connection based on configuration
func New(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		// WAL mode and busy timeout for better concurrency
		dialector = sqlite.Open(cfg.DSN + "?_journal_mode=WAL&_busy_timeout=5000")
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// WAL allows concurrent reads but only one writer; a single
		// connection sidesteps SQLITE_BUSY during status transitions.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		slog.Info("Configured SQLite with WAL mode and single connection")
	} else {
		maxIdleConns := cfg.MaxIdleConns
		if maxIdleConns <= 0 {
			maxIdleConns = 10
		}
		maxOpenConns := cfg.MaxOpenConns
		if maxOpenConns <= 0 {
			maxOpenConns = 100
		}
		connMaxLifetime := cfg.ConnMaxLifetime
		if connMaxLifetime <= 0 {
			connMaxLifetime = 60 // minutes
		}

		sqlDB.SetMaxIdleConns(maxIdleConns)
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Duration(connMaxLifetime) * time.Minute)

		slog.Info("Configured PostgreSQL connection pool",
			"max_idle_conns", maxIdleConns,
			"max_open_conns", maxOpenConns,
			"conn_max_lifetime_min", connMaxLifetime)
	}

	return db, nil
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	slog.Info("Running database migrations...")

	err := db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.Permission{},
		&models.Environment{},
		&models.Template{},
		&models.TemplateGroup{},
		&models.TemplateGroupAssignment{},
		&models.Workshop{},
		&models.Deployment{},
		&models.AuditLog{},
		&models.ProviderCredential{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := seedDefaultRoles(db); err != nil {
		return fmt.Errorf("failed to seed default roles: %w", err)
	}

	return nil
}

// seedDefaultRoles creates the built-in roles and their permission rows.
// The casbin policy set is seeded from these in rbac.InitEnforcer.
func seedDefaultRoles(db *gorm.DB) error {
	defaultRoles := []struct {
		role        models.Role
		permissions [][2]string // resource, action
	}{
		{
			role: models.Role{Name: "admin", Description: "Full access including template management"},
			permissions: [][2]string{
				{"workshops", "read"}, {"workshops", "deploy"}, {"workshops", "destroy"},
				{"deployments", "read"}, {"deployments", "cancel"},
				{"templates", "read"}, {"templates", "write"},
			},
		},
		{
			role: models.Role{Name: "instructor", Description: "Can run and tear down workshops"},
			permissions: [][2]string{
				{"workshops", "read"}, {"workshops", "deploy"}, {"workshops", "destroy"},
				{"deployments", "read"}, {"deployments", "cancel"},
				{"templates", "read"},
			},
		},
		{
			role: models.Role{Name: "attendee", Description: "Read-only access to workshop state"},
			permissions: [][2]string{
				{"workshops", "read"}, {"deployments", "read"}, {"templates", "read"},
			},
		},
	}

	for _, entry := range defaultRoles {
		var existing models.Role
		result := db.Where("name = ?", entry.role.Name).First(&existing)
		if result.Error == gorm.ErrRecordNotFound {
			if err := db.Create(&entry.role).Error; err != nil {
				return err
			}
			existing = entry.role
			slog.Info("Created default role", "role", entry.role.Name)
		} else if result.Error != nil {
			return result.Error
		}

		for _, pa := range entry.permissions {
			var perm models.Permission
			err := db.Where("role_id = ? AND resource = ? AND action = ?", existing.ID, pa[0], pa[1]).
				First(&perm).Error
			if err == gorm.ErrRecordNotFound {
				perm = models.Permission{RoleID: existing.ID, Resource: pa[0], Action: pa[1]}
				if err := db.Create(&perm).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
	}

	return nil
}
