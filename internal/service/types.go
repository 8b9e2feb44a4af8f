package service

import (
	"time"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/google/uuid"
)

// CreateWorkshopRequest describes a provisioning intent. Exactly one of
// TemplateID and TemplateGroupID must be set; a zero TTLHours falls back to
// the 48 hour default.
type CreateWorkshopRequest struct {
	Name            string
	TemplateID      *uuid.UUID
	TemplateGroupID *uuid.UUID
	EnvironmentID   *uuid.UUID
	Variables       map[string]interface{}
	TTLHours        int
}

// DeployRequest carries the variable values for one deploy operation.
// TemplateVariables override Variables for a single member template, which
// in turn override the values stored on the workshop.
type DeployRequest struct {
	Variables         map[string]interface{}
	TemplateVariables map[uuid.UUID]map[string]interface{}
}

// RegisterTemplateRequest describes a template row to create. ArtifactKey is
// either a store-relative archive path or an oci://repository:tag reference.
type RegisterTemplateRequest struct {
	Name        string
	Version     string
	Description string
	ArtifactKey string
	Provider    models.Provider
}

// RunStatus is everything a caller can observe about one deployment run.
type RunStatus struct {
	DeploymentID uuid.UUID
	WorkshopID   uuid.UUID
	TemplateID   uuid.UUID
	Status       models.DeploymentStatus
	Logs         []string
	Outputs      []terraform.DisplayOutput
	Error        string
	StateKey     string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
