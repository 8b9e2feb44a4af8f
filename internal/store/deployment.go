package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FinalizePatch carries the terminal fields written together with a
// deployment's last status transition.
type FinalizePatch struct {
	StateKey     string
	Output       map[string]interface{}
	ErrorMessage string
}

// CreateDeployment persists a new deployment row.
func (s *Store) CreateDeployment(ctx context.Context, deployment *models.Deployment) error {
	return s.db.WithContext(ctx).Create(deployment).Error
}

// GetDeployment fetches a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	var deployment models.Deployment
	if err := s.db.WithContext(ctx).First(&deployment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &deployment, nil
}

// ListDeploymentsByWorkshop returns a workshop's deployments newest first.
func (s *Store) ListDeploymentsByWorkshop(ctx context.Context, workshopID uuid.UUID) ([]models.Deployment, error) {
	var deployments []models.Deployment
	err := s.db.WithContext(ctx).
		Where("workshop_id = ?", workshopID).
		Order("created_at DESC, id DESC").
		Find(&deployments).Error
	if err != nil {
		return nil, err
	}
	return deployments, nil
}

// LatestDeploymentPerTemplate returns, for each template the workshop has
// ever run, its most recent deployment row.
func (s *Store) LatestDeploymentPerTemplate(ctx context.Context, workshopID uuid.UUID) (map[uuid.UUID]models.Deployment, error) {
	deployments, err := s.ListDeploymentsByWorkshop(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	latest := make(map[uuid.UUID]models.Deployment)
	for _, d := range deployments {
		if _, seen := latest[d.TemplateID]; !seen {
			latest[d.TemplateID] = d
		}
	}
	return latest, nil
}

// FindStalledDeployments returns rows still marked deploying whose last write
// predates cutoff. Live runs touch their row at claim time, so with a cutoff
// taken before any worker in this process started, every match was abandoned
// by a dead process.
func (s *Store) FindStalledDeployments(ctx context.Context, cutoff time.Time) ([]models.Deployment, error) {
	var deployments []models.Deployment
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.DeploymentStatusDeploying, cutoff).
		Order("created_at ASC, id ASC").
		Find(&deployments).Error
	if err != nil {
		return nil, err
	}
	return deployments, nil
}

// TransitionDeployment performs a compare-and-set status change validated
// against the transition table. Exactly one of any set of racing writers
// observes success; the rest get ErrConflict.
func (s *Store) TransitionDeployment(ctx context.Context, id uuid.UUID, from, to models.DeploymentStatus) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{"status": to}
	if to.Terminal() {
		updates["completed_at"] = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// FinalizeDeployment writes a terminal transition together with its result
// fields in one conditional statement, so a status reader never observes a
// terminal status without its outputs or error message.
func (s *Store) FinalizeDeployment(ctx context.Context, id uuid.UUID, from, to models.DeploymentStatus, patch FinalizePatch) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	if !to.Terminal() {
		return ErrInvalidTransition
	}

	updates := map[string]interface{}{
		"status":       to,
		"completed_at": time.Now().UTC(),
	}
	if patch.StateKey != "" {
		updates["state_key"] = patch.StateKey
	}
	if patch.Output != nil {
		updates["output"] = patch.Output
	}
	if patch.ErrorMessage != "" {
		updates["error_message"] = patch.ErrorMessage
	}

	result := s.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// HasRemoteState reports whether any earlier run of this workshop/template
// pair recorded a state key, meaning the backend already holds a state object
// and init must reconfigure instead of starting fresh.
func (s *Store) HasRemoteState(ctx context.Context, workshopID, templateID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("workshop_id = ? AND template_id = ? AND state_key <> ''", workshopID, templateID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendDeploymentLogs appends lines to the deployment's log in emission
// order. The COALESCE keeps the very first append from vanishing into a NULL
// column; a single UPDATE keeps the append atomic under the one-writer-per-
// deployment discipline.
func (s *Store) AppendDeploymentLogs(ctx context.Context, id uuid.UUID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	chunk := strings.Join(lines, "\n") + "\n"

	result := s.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ?", id).
		UpdateColumn("logs", gorm.Expr("COALESCE(logs, '') || ?", chunk))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeploymentLogs returns the ordered log lines captured so far.
func (s *Store) DeploymentLogs(ctx context.Context, id uuid.UUID) ([]string, error) {
	deployment, err := s.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if deployment.Logs == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(deployment.Logs, "\n"), "\n"), nil
}
