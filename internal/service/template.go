package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/audit"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/rbac"
	"github.com/elaas-dev/forge/internal/tfschema"
	"github.com/elaas-dev/forge/internal/workspace"
	"github.com/google/uuid"
)

// RegisterTemplate inspects an artifact and records it as a deployable
// template: the archive is fetched, extracted into a scratch directory, and
// its variable schema, optional ui-variables sidecar and convention issues
// are persisted on the row. Archives that cannot deploy at all (no .tf
// files, syntax errors) are rejected; softer issues are stored as warnings.
func (s *WorkshopService) RegisterTemplate(ctx context.Context, actor uuid.UUID, req RegisterTemplateRequest) (*models.Template, error) {
	if err := s.authorize(actor, rbac.CanWriteTemplates); err != nil {
		return nil, err
	}

	var fields []string
	if req.Name == "" {
		fields = append(fields, "name is required")
	}
	if req.Version == "" {
		fields = append(fields, "version is required")
	}
	if req.ArtifactKey == "" {
		fields = append(fields, "artifact_key is required")
	}
	provider := req.Provider
	if provider == "" {
		provider = models.ProviderAWS
	}
	if !provider.Valid() {
		fields = append(fields, fmt.Sprintf("unknown provider %q", req.Provider))
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Message: "invalid template", Fields: fields}
	}

	schema, uiVars, issues, err := s.inspectArtifact(ctx, req.ArtifactKey)
	if err != nil {
		return nil, err
	}

	tmpl := &models.Template{
		Name:             req.Name,
		Version:          req.Version,
		Description:      req.Description,
		ArtifactKey:      req.ArtifactKey,
		Provider:         provider,
		Variables:        schema,
		UIVariables:      uiVars,
		ValidationIssues: issues,
		CreatedBy:        actor,
	}
	if err := s.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}

	audit.LogAction(s.store.DB(), actor, audit.ActionTemplateRegister, "template:"+tmpl.ID.String(), map[string]interface{}{
		"name":         tmpl.Name,
		"version":      tmpl.Version,
		"artifact_key": tmpl.ArtifactKey,
	})

	return tmpl, nil
}

// RevalidateTemplate re-reads the artifact and refreshes the stored schema
// and validation issues. Mutable artifact references (an oci tag that was
// republished) are the reason this exists.
func (s *WorkshopService) RevalidateTemplate(ctx context.Context, actor uuid.UUID, templateID uuid.UUID) (*models.Template, error) {
	if err := s.authorize(actor, rbac.CanWriteTemplates); err != nil {
		return nil, err
	}

	tmpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, notFoundOr(err)
	}

	schema, uiVars, issues, err := s.inspectArtifact(ctx, tmpl.ArtifactKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTemplateSchema(ctx, tmpl.ID, schema, uiVars, issues); err != nil {
		return nil, notFoundOr(err)
	}

	tmpl.Variables = schema
	tmpl.UIVariables = uiVars
	tmpl.ValidationIssues = issues
	return tmpl, nil
}

// GetTemplate returns a single template by ID.
func (s *WorkshopService) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	tmpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return tmpl, nil
}

// inspectArtifact extracts the archive into a scratch directory and runs
// the schema parser and the bundle conventions check over it.
func (s *WorkshopService) inspectArtifact(ctx context.Context, key string) (schema, uiVars []models.VariableSpec, issues []string, err error) {
	src, err := s.artifacts.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, nil, nil, &ValidationError{Message: fmt.Sprintf("artifact %q not found", key)}
		}
		return nil, nil, nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer src.Close()

	dir, err := os.MkdirTemp("", "forge-template-*")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := workspace.Extract(src, dir); err != nil {
		return nil, nil, nil, &ValidationError{Message: fmt.Sprintf("extract artifact %q: %v", key, err)}
	}

	ok, found := tfschema.Validate(dir)
	if !ok {
		return nil, nil, nil, &ValidationError{Message: "template failed validation", Fields: found}
	}
	issues = found

	schema, err = tfschema.Parse(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse template schema: %w", err)
	}
	uiVars, err = tfschema.ParseUIVariables(dir)
	if err != nil {
		issues = append(issues, err.Error())
		uiVars = nil
	}
	return schema, uiVars, issues, nil
}
