package models

import (
	"time"

	"gorm.io/gorm"
)

// Permission grants a role one action on one resource kind, e.g.
// (workshops, deploy). Rows seed the casbin policy set; the orchestration
// core only consumes the resulting decisions.
type Permission struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	RoleID    uint           `gorm:"not null;uniqueIndex:idx_role_resource_action" json:"role_id"`
	Role      Role           `gorm:"foreignKey:RoleID" json:"role,omitempty"`
	Resource  string         `gorm:"not null;uniqueIndex:idx_role_resource_action" json:"resource"`
	Action    string         `gorm:"not null;uniqueIndex:idx_role_resource_action" json:"action"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
