package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider identifies the cloud platform a template targets. It selects which
// credential set is overlaid onto the terraform process environment.
type Provider string

const (
	ProviderAWS       Provider = "AWS"
	ProviderGCP       Provider = "GCP"
	ProviderAzure     Provider = "AZURE"
	ProviderMongoDB   Provider = "MONGODB"
	ProviderSnowflake Provider = "SNOWFLAKE"
)

// KnownProviders lists every supported provider tag.
var KnownProviders = []Provider{ProviderAWS, ProviderGCP, ProviderAzure, ProviderMongoDB, ProviderSnowflake}

// Valid reports whether p is a supported provider tag.
func (p Provider) Valid() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// VariableSpec is one entry of a template's parsed variable schema.
type VariableSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Required    bool        `json:"required"`
	Sensitive   bool        `json:"sensitive,omitempty"`
}

// Template describes a deployable infrastructure bundle. Once a workshop
// references it the row is treated as immutable by the orchestration core.
type Template struct {
	ID               uuid.UUID      `gorm:"type:text;primary_key" json:"id"`
	Name             string         `gorm:"not null;index" json:"name"`
	Version          string         `gorm:"not null" json:"version"`
	Description      string         `json:"description"`
	ArtifactKey      string         `gorm:"not null" json:"artifact_key"` // store key or oci://repo:tag
	Provider         Provider       `gorm:"not null;default:'AWS'" json:"provider"`
	Variables        []VariableSpec `gorm:"serializer:json" json:"variables,omitempty"`
	UIVariables      []VariableSpec `gorm:"serializer:json" json:"ui_variables,omitempty"`
	ValidationIssues []string       `gorm:"serializer:json" json:"validation_issues,omitempty"`
	CreatedBy        uuid.UUID      `gorm:"type:text;index" json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook to generate UUID
func (t *Template) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
