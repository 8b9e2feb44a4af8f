package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/credentials"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/tfschema"
	"github.com/google/uuid"
)

// Materializer turns a template artifact plus variables into a ready-to-run
// terraform working directory. Every attempt gets a fresh directory; nothing
// is ever reused between runs.
type Materializer struct {
	artifacts artifact.Store
	baseDir   string
}

// NewMaterializer creates a materializer. baseDir may be empty to use the
// system temp directory.
func NewMaterializer(artifacts artifact.Store, baseDir string) *Materializer {
	return &Materializer{artifacts: artifacts, baseDir: baseDir}
}

// Spec describes what to materialize for one deployment attempt.
type Spec struct {
	DeploymentID uuid.UUID
	TemplateName string
	ArtifactKey  string
	Variables    map[string]interface{}
	Schema       []models.VariableSpec
	Backend      Backend
}

// Workspace is a materialized working directory. ModuleDir is where the
// terraform commands run; Root is what Close removes.
type Workspace struct {
	Root      string
	ModuleDir string
}

// Close deletes the whole workspace tree. Safe to call more than once.
func (w *Workspace) Close() error {
	if w == nil || w.Root == "" {
		return nil
	}
	err := os.RemoveAll(w.Root)
	w.Root = ""
	if err != nil {
		slog.Warn("Failed to clean up workspace", "error", err)
	}
	return err
}

// Materialize validates variables, extracts the artifact and writes
// terraform.tfvars.json and backend.tf into the discovered module root.
// Returned warnings are non-fatal findings for the deployment log. On error
// no directory is left behind.
func (m *Materializer) Materialize(ctx context.Context, spec Spec) (*Workspace, []string, error) {
	safeVars := credentials.StripCredentialKeys(spec.Variables)
	if safeVars == nil {
		safeVars = map[string]interface{}{}
	}
	warnings, violations := tfschema.ValidateValues(spec.Schema, safeVars)
	if len(violations) > 0 {
		return nil, nil, &VariablesError{Violations: violations}
	}

	root, err := os.MkdirTemp(m.baseDir, fmt.Sprintf("terraform-%s-", spec.DeploymentID))
	if err != nil {
		return nil, nil, fmt.Errorf("workspace: create root: %w", err)
	}
	ws := &Workspace{Root: root}

	fail := func(err error) (*Workspace, []string, error) {
		ws.Close()
		return nil, nil, err
	}

	archive, err := m.artifacts.Fetch(ctx, spec.ArtifactKey)
	if err != nil {
		return fail(fmt.Errorf("workspace: fetch template artifact: %w", err))
	}
	extractDir := filepath.Join(root, sanitizeName(spec.TemplateName))
	err = Extract(archive, extractDir)
	archive.Close()
	if err != nil {
		return fail(err)
	}

	moduleDir := findModuleRoot(extractDir)
	if moduleDir == "" {
		return fail(&ExtractionError{Msg: "no .tf files found in extracted template"})
	}
	ws.ModuleDir = moduleDir

	if err := writeTFVars(moduleDir, safeVars); err != nil {
		return fail(err)
	}
	if err := writeBackendFile(moduleDir, spec.Backend); err != nil {
		return fail(err)
	}

	return ws, warnings, nil
}

// findModuleRoot returns the first directory containing .tf files directly,
// checking each directory's own files before descending and skipping dot
// directories. Empty string when the tree has none.
func findModuleRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tf") {
			return dir
		}
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if found := findModuleRoot(filepath.Join(dir, e.Name())); found != "" {
				return found
			}
		}
	}
	return ""
}

// sanitizeName keeps template names usable as a single path element.
func sanitizeName(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
	mapped = strings.Trim(mapped, ".")
	if mapped == "" {
		return "template"
	}
	return mapped
}

// writeTFVars renders the variable map as terraform.tfvars.json. The file is
// mode 0600: user variables may hold their own secrets.
func writeTFVars(moduleDir string, vars map[string]interface{}) error {
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode tfvars: %w", err)
	}
	path := filepath.Join(moduleDir, "terraform.tfvars.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("workspace: write tfvars: %w", err)
	}
	return nil
}
