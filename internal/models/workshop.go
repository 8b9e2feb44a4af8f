package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkshopStatus represents the aggregate state of a provisioning request
type WorkshopStatus string

const (
	WorkshopStatusPending    WorkshopStatus = "pending"
	WorkshopStatusDeploying  WorkshopStatus = "deploying"
	WorkshopStatusDeployed   WorkshopStatus = "deployed"
	WorkshopStatusFailed     WorkshopStatus = "failed"
	WorkshopStatusDestroying WorkshopStatus = "destroying"
	WorkshopStatusDestroyed  WorkshopStatus = "destroyed"
)

// workshopTransitions is the aggregate state machine. A cancelled run returns
// the workshop to pending so it can be redeployed; a failed destroy lands in
// failed and stays there until destroy is requested again.
var workshopTransitions = map[WorkshopStatus][]WorkshopStatus{
	WorkshopStatusPending:    {WorkshopStatusDeploying},
	WorkshopStatusDeploying:  {WorkshopStatusDeployed, WorkshopStatusFailed, WorkshopStatusPending},
	WorkshopStatusDeployed:   {WorkshopStatusDestroying},
	WorkshopStatusFailed:     {WorkshopStatusDestroying},
	WorkshopStatusDestroying: {WorkshopStatusDestroyed, WorkshopStatusFailed},
	WorkshopStatusDestroyed:  {},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s WorkshopStatus) CanTransition(next WorkshopStatus) bool {
	for _, allowed := range workshopTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether an operation currently holds the workshop. New
// deploy/destroy requests against an active workshop are rejected.
func (s WorkshopStatus) Active() bool {
	return s == WorkshopStatusDeploying || s == WorkshopStatusDestroying
}

// Workshop represents a provisioning intent and its aggregate outcome.
// Exactly one of TemplateID/TemplateGroupID is set; group workshops fan out
// into one deployment per member template.
type Workshop struct {
	ID              uuid.UUID              `gorm:"type:text;primary_key" json:"id"`
	Name            string                 `gorm:"not null" json:"name"`
	TemplateID      *uuid.UUID             `gorm:"type:text;index" json:"template_id,omitempty"`
	Template        *Template              `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	TemplateGroupID *uuid.UUID             `gorm:"type:text;index" json:"template_group_id,omitempty"`
	TemplateGroup   *TemplateGroup         `gorm:"foreignKey:TemplateGroupID" json:"template_group,omitempty"`
	EnvironmentID   *uuid.UUID             `gorm:"type:text;index" json:"environment_id,omitempty"`
	Environment     *Environment           `gorm:"foreignKey:EnvironmentID" json:"environment,omitempty"`
	Variables       map[string]interface{} `gorm:"serializer:json" json:"variables,omitempty"`
	Status          WorkshopStatus         `gorm:"not null;default:'pending';index" json:"status"`
	TTLHours        int                    `gorm:"not null;default:48" json:"ttl_hours"`
	ExpiresAt       *time.Time             `gorm:"index" json:"expires_at,omitempty"`
	Output          map[string]interface{} `gorm:"serializer:json" json:"output,omitempty"`
	CreatedBy       uuid.UUID              `gorm:"type:text;index" json:"created_by"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	DeletedAt       gorm.DeletedAt         `gorm:"index" json:"-"`
}

// BeforeCreate hook to generate UUID
func (w *Workshop) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
