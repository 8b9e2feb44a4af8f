package store

import (
	"context"
	"errors"
	"time"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateWorkshop persists a new workshop row.
func (s *Store) CreateWorkshop(ctx context.Context, workshop *models.Workshop) error {
	return s.db.WithContext(ctx).Create(workshop).Error
}

// GetWorkshop fetches a workshop by ID.
func (s *Store) GetWorkshop(ctx context.Context, id uuid.UUID) (*models.Workshop, error) {
	var workshop models.Workshop
	if err := s.db.WithContext(ctx).First(&workshop, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &workshop, nil
}

// ListWorkshops returns workshops newest first, optionally scoped to a
// creating user.
func (s *Store) ListWorkshops(ctx context.Context, createdBy *uuid.UUID) ([]models.Workshop, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if createdBy != nil {
		q = q.Where("created_by = ?", *createdBy)
	}
	var workshops []models.Workshop
	if err := q.Find(&workshops).Error; err != nil {
		return nil, err
	}
	return workshops, nil
}

// TransitionWorkshop performs a compare-and-set status change. The update
// matches only while the row still holds one of the expected statuses, so
// exactly one of any set of racing claimants wins. Every from→to pair must
// be legal per the transition table or ErrInvalidTransition is returned
// before touching the database.
func (s *Store) TransitionWorkshop(ctx context.Context, id uuid.UUID, from []models.WorkshopStatus, to models.WorkshopStatus) error {
	if len(from) == 0 {
		return ErrInvalidTransition
	}
	for _, f := range from {
		if !f.CanTransition(to) {
			return ErrInvalidTransition
		}
	}

	result := s.db.WithContext(ctx).Model(&models.Workshop{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{"status": to})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SetWorkshopExpiry stamps expires_at = created_at + ttl_hours, but only once:
// the IS NULL guard makes the first successful deploy the only writer. A
// workshop that never reached deployed keeps a NULL expiry and is never swept.
func (s *Store) SetWorkshopExpiry(ctx context.Context, id uuid.UUID) error {
	workshop, err := s.GetWorkshop(ctx, id)
	if err != nil {
		return err
	}
	if workshop.ExpiresAt != nil {
		return nil
	}

	expiresAt := workshop.CreatedAt.Add(time.Duration(workshop.TTLHours) * time.Hour)
	return s.db.WithContext(ctx).Model(&models.Workshop{}).
		Where("id = ? AND expires_at IS NULL", id).
		Updates(map[string]interface{}{"expires_at": expiresAt}).Error
}

// SetWorkshopOutput stores the aggregate deployment output blob.
func (s *Store) SetWorkshopOutput(ctx context.Context, id uuid.UUID, output map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.Workshop{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"output": output})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimExpired atomically claims workshops whose TTL has lapsed, moving each
// deployed (and optionally failed) row to destroying. Each claim is its own
// compare-and-set, so concurrent sweeps split the expired set between them
// and no workshop is claimed twice.
func (s *Store) ClaimExpired(ctx context.Context, now time.Time, includeFailed bool, limit int) ([]models.Workshop, error) {
	statuses := []models.WorkshopStatus{models.WorkshopStatusDeployed}
	if includeFailed {
		statuses = append(statuses, models.WorkshopStatusFailed)
	}

	var candidates []models.Workshop
	q := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND status IN ?", now, statuses).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]models.Workshop, 0, len(candidates))
	for _, candidate := range candidates {
		err := s.TransitionWorkshop(ctx, candidate.ID, []models.WorkshopStatus{candidate.Status}, models.WorkshopStatusDestroying)
		if errors.Is(err, ErrConflict) {
			continue // another sweep got there first
		}
		if err != nil {
			return claimed, err
		}
		candidate.Status = models.WorkshopStatusDestroying
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}
