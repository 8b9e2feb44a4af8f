package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/elaas-dev/forge/internal/models"
)

func TestRegisterTemplateParsesSchema(t *testing.T) {
	env := testSetup(t)
	actor := newInstructor(t, env, "alice")

	archive := buildZip(t, map[string]string{
		"main.tf": `
resource "null_resource" "anchor" {}
`,
		"variables.tf": `
variable "region" {
  type        = string
  description = "AWS region to deploy into"
}

variable "node_count" {
  type        = number
  description = "Worker nodes"
  default     = 3
}

variable "db_password" {
  type        = string
  description = "Initial database password"
  sensitive   = true
  default     = ""
}
`,
		"outputs.tf": `
output "endpoint" {
  value = "https://example.invalid"
}
`,
		"ui-variables.json": `[{"name":"region","type":"string","description":"Region","required":true}]`,
	})
	if err := env.arts.Put(context.Background(), "templates/eks.zip", bytes.NewReader(archive)); err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	tmpl, err := env.svc.RegisterTemplate(context.Background(), actor, RegisterTemplateRequest{
		Name:        "eks-cluster",
		Version:     "2.1.0",
		ArtifactKey: "templates/eks.zip",
		Provider:    models.ProviderAWS,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	byName := map[string]models.VariableSpec{}
	for _, v := range tmpl.Variables {
		byName[v.Name] = v
	}
	region, ok := byName["region"]
	if !ok || !region.Required || region.Type != "string" {
		t.Errorf("region spec = %+v, want required string", region)
	}
	nodes, ok := byName["node_count"]
	if !ok || nodes.Required || nodes.Type != "number" {
		t.Errorf("node_count spec = %+v, want optional number", nodes)
	}
	if pw := byName["db_password"]; !pw.Sensitive {
		t.Errorf("db_password spec = %+v, want sensitive", pw)
	}
	if len(tmpl.UIVariables) != 1 || tmpl.UIVariables[0].Name != "region" {
		t.Errorf("ui variables = %+v, want the sidecar content", tmpl.UIVariables)
	}
	if len(tmpl.ValidationIssues) != 0 {
		t.Errorf("validation issues = %v, want none", tmpl.ValidationIssues)
	}
}

func TestRegisterTemplateStoresConventionIssues(t *testing.T) {
	env := testSetup(t)
	actor := newInstructor(t, env, "alice")

	// Well-formed HCL that breaks the bundle conventions: no main.tf and a
	// variable without a description.
	archive := buildZip(t, map[string]string{
		"cluster.tf": `
variable "region" {
  type = string
}

output "id" {
  value = "x"
}
`,
	})
	if err := env.arts.Put(context.Background(), "templates/untidy.zip", bytes.NewReader(archive)); err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	tmpl, err := env.svc.RegisterTemplate(context.Background(), actor, RegisterTemplateRequest{
		Name:        "untidy",
		Version:     "0.1.0",
		ArtifactKey: "templates/untidy.zip",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(tmpl.ValidationIssues) == 0 {
		t.Fatal("expected convention issues to be recorded")
	}
	joined := strings.Join(tmpl.ValidationIssues, "\n")
	if !strings.Contains(joined, "main.tf") {
		t.Errorf("issues = %v, want a missing main.tf warning", tmpl.ValidationIssues)
	}
	if !strings.Contains(joined, "description") {
		t.Errorf("issues = %v, want a missing description warning", tmpl.ValidationIssues)
	}
}

func TestRegisterTemplateRejectsBrokenArchives(t *testing.T) {
	env := testSetup(t)
	actor := newInstructor(t, env, "alice")

	broken := buildZip(t, map[string]string{
		"main.tf": `variable "region" {`,
	})
	if err := env.arts.Put(context.Background(), "templates/broken.zip", bytes.NewReader(broken)); err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	_, err := env.svc.RegisterTemplate(context.Background(), actor, RegisterTemplateRequest{
		Name:        "broken",
		Version:     "0.0.1",
		ArtifactKey: "templates/broken.zip",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for syntax errors, got %T: %v", err, err)
	}

	_, err = env.svc.RegisterTemplate(context.Background(), actor, RegisterTemplateRequest{
		Name:        "ghost",
		Version:     "0.0.1",
		ArtifactKey: "templates/does-not-exist.zip",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for a missing artifact, got %T: %v", err, err)
	}

	var count int64
	env.store.DB().Model(&models.Template{}).Count(&count)
	if count != 0 {
		t.Errorf("template rows = %d, want 0 after rejected registrations", count)
	}
}

func TestRegisterTemplateRequiredFields(t *testing.T) {
	env := testSetup(t)
	actor := newInstructor(t, env, "alice")

	_, err := env.svc.RegisterTemplate(context.Background(), actor, RegisterTemplateRequest{
		Provider: models.Provider("OVH"),
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if len(ve.Fields) != 4 {
		t.Errorf("violations = %v, want name, version, artifact_key and provider listed", ve.Fields)
	}
}

func TestRegisterTemplateForbidden(t *testing.T) {
	env := testSetup(t)
	outsider := newUser(t, env, "mallory")

	_, err := env.svc.RegisterTemplate(context.Background(), outsider, RegisterTemplateRequest{
		Name:        "x",
		Version:     "1",
		ArtifactKey: "templates/x.zip",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRevalidateTemplateRefreshesSchema(t *testing.T) {
	env := testSetup(t)
	actor := newInstructor(t, env, "alice")
	tmpl := seedTemplate(t, env, actor, "vpc")

	// Republish the same key with an extra variable.
	updated := buildZip(t, map[string]string{
		"main.tf": vpcModule + `
variable "az_count" {
  type        = number
  description = "Availability zones"
  default     = 2
}
`,
	})
	if err := env.arts.Put(context.Background(), tmpl.ArtifactKey, bytes.NewReader(updated)); err != nil {
		t.Fatalf("replace artifact: %v", err)
	}

	fresh, err := env.svc.RevalidateTemplate(context.Background(), actor, tmpl.ID)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	found := false
	for _, v := range fresh.Variables {
		if v.Name == "az_count" {
			found = true
		}
	}
	if !found {
		t.Errorf("variables = %+v, want az_count after revalidation", fresh.Variables)
	}

	stored, err := env.svc.GetTemplate(context.Background(), tmpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if len(stored.Variables) != len(fresh.Variables) {
		t.Errorf("stored schema has %d variables, returned %d", len(stored.Variables), len(fresh.Variables))
	}
}
