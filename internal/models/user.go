package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User anchors ownership of templates, workshops and deployments.
// Authentication happens outside this engine; rows here are provisioned by
// the identity layer.
type User struct {
	ID        uuid.UUID      `gorm:"type:text;primary_key" json:"id"`
	Username  string         `gorm:"uniqueIndex;not null" json:"username"`
	Email     string         `gorm:"uniqueIndex;not null" json:"email"`
	FullName  string         `json:"full_name"`
	Active    bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook to generate UUID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
