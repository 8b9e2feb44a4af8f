package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TemplateGroup is a named, org-wide collection of templates. A workshop
// referencing a group fans out into one deployment per member template.
type TemplateGroup struct {
	ID          uuid.UUID      `gorm:"type:text;primary_key" json:"id"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Description string         `json:"description"`
	CreatedBy   uuid.UUID      `gorm:"type:text;index" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook to generate UUID
func (g *TemplateGroup) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// TemplateGroupAssignment joins templates into groups (many-to-many).
type TemplateGroupAssignment struct {
	ID              uint          `gorm:"primarykey" json:"id"`
	TemplateGroupID uuid.UUID     `gorm:"type:text;not null;uniqueIndex:idx_group_template" json:"template_group_id"`
	TemplateGroup   TemplateGroup `gorm:"foreignKey:TemplateGroupID;constraint:OnDelete:CASCADE" json:"template_group,omitempty"`
	TemplateID      uuid.UUID     `gorm:"type:text;not null;uniqueIndex:idx_group_template" json:"template_id"`
	Template        Template      `gorm:"foreignKey:TemplateID;constraint:OnDelete:CASCADE" json:"template,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
