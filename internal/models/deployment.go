package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeploymentStatus represents the state of a single terraform run
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusDeployed  DeploymentStatus = "deployed"
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusCancelled DeploymentStatus = "cancelled"
)

// deploymentTransitions is the full transition table. Every persisted status
// change is validated against it; ad-hoc string comparisons are not allowed.
var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:   {DeploymentStatusDeploying, DeploymentStatusCancelled},
	DeploymentStatusDeploying: {DeploymentStatusDeployed, DeploymentStatusFailed, DeploymentStatusCancelled},
	DeploymentStatusDeployed:  {},
	DeploymentStatusFailed:    {},
	DeploymentStatusCancelled: {},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DeploymentStatus) Terminal() bool {
	return len(deploymentTransitions[s]) == 0
}

// Cancellable reports whether an explicit cancel request is still honored.
func (s DeploymentStatus) Cancellable() bool {
	return s == DeploymentStatusPending || s == DeploymentStatusDeploying
}

// Deployment represents one terraform run for one template within a workshop.
// Destroy operations create fresh rows; the parent workshop's status carries
// whether the run applies or destroys.
type Deployment struct {
	ID           uuid.UUID              `gorm:"type:text;primary_key" json:"id"`
	WorkshopID   uuid.UUID              `gorm:"type:text;not null;index" json:"workshop_id"`
	Workshop     Workshop               `gorm:"foreignKey:WorkshopID;constraint:OnDelete:CASCADE" json:"workshop,omitempty"`
	TemplateID   uuid.UUID              `gorm:"type:text;not null;index" json:"template_id"`
	Template     Template               `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	CreatedBy    uuid.UUID              `gorm:"type:text;index" json:"created_by"`
	Status       DeploymentStatus       `gorm:"not null;default:'pending';index" json:"status"`
	Variables    map[string]interface{} `gorm:"serializer:json" json:"variables,omitempty"`
	Logs         string                 `gorm:"type:text" json:"logs"`
	StateKey     string                 `json:"state_key,omitempty"`
	Output       map[string]interface{} `gorm:"serializer:json" json:"output,omitempty"`
	ErrorMessage string                 `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time              `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// BeforeCreate hook to generate UUID
func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
