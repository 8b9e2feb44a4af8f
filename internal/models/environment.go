package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Environment is a logical isolation container scoping workshops within an
// organization. Purely organizational; it carries no runtime behavior.
type Environment struct {
	ID          uuid.UUID      `gorm:"type:text;primary_key" json:"id"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Description string         `json:"description"`
	CreatedBy   uuid.UUID      `gorm:"type:text;index" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook to generate UUID
func (e *Environment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
