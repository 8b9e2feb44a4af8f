package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a conditional update matched no row: another writer
// changed the status first. Callers treat this as losing the race, never as
// a reason to retry the same transition blindly.
var ErrConflict = errors.New("conditional update conflict")

// ErrInvalidTransition indicates the requested status change is not in the
// transition table. This is a programming or race anomaly, not user error.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store wraps the database with the typed operations the orchestration core
// relies on: conditional status transitions, ordered log appends and the
// expiry claim used by the scheduler.
type Store struct {
	db *gorm.DB
}

// New creates a Store on top of an opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that manage their own
// queries (rbac adapter, audit recorder).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetUserByUsername resolves a username to its user row.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateTemplate persists a new template row.
func (s *Store) CreateTemplate(ctx context.Context, template *models.Template) error {
	return s.db.WithContext(ctx).Create(template).Error
}

// GetTemplate fetches a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var template models.Template
	if err := s.db.WithContext(ctx).First(&template, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &template, nil
}

// UpdateTemplateSchema stores the parsed variable schema, the UI-visible
// subset and validation issues after a (re-)validation pass.
func (s *Store) UpdateTemplateSchema(ctx context.Context, id uuid.UUID, variables, uiVariables []models.VariableSpec, issues []string) error {
	result := s.db.WithContext(ctx).Model(&models.Template{}).Where("id = ?", id).Updates(map[string]interface{}{
		"variables":         variables,
		"ui_variables":      uiVariables,
		"validation_issues": issues,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTemplateGroup fetches a group by ID.
func (s *Store) GetTemplateGroup(ctx context.Context, id uuid.UUID) (*models.TemplateGroup, error) {
	var group models.TemplateGroup
	if err := s.db.WithContext(ctx).First(&group, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// GroupTemplateIDs returns the member template IDs of a group in assignment
// order.
func (s *Store) GroupTemplateIDs(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	var assignments []models.TemplateGroupAssignment
	err := s.db.WithContext(ctx).
		Where("template_group_id = ?", groupID).
		Order("created_at ASC, id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.TemplateID)
	}
	return ids, nil
}

// TemplateIDsForWorkshop resolves the template set a workshop fans out to:
// the single referenced template, or every member of the referenced group.
func (s *Store) TemplateIDsForWorkshop(ctx context.Context, workshop *models.Workshop) ([]uuid.UUID, error) {
	switch {
	case workshop.TemplateID != nil:
		return []uuid.UUID{*workshop.TemplateID}, nil
	case workshop.TemplateGroupID != nil:
		ids, err := s.GroupTemplateIDs(ctx, *workshop.TemplateGroupID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("template group %s has no templates assigned", workshop.TemplateGroupID)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("workshop %s references neither a template nor a template group", workshop.ID)
	}
}
