package tfschema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// uiVariablesFile is an optional sidecar that overrides the generated form
// schema for frontend rendering.
const uiVariablesFile = "ui-variables.json"

var topLevelSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

var variableSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "type"},
		{Name: "description"},
		{Name: "default"},
		{Name: "sensitive"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "validation"},
	},
}

// fileInfo is the parse result for one .tf file.
type fileInfo struct {
	relPath   string
	variables []models.VariableSpec
	hasOutput bool
	parseErrs []string
}

// tfFiles lists every .tf file under dir, skipping dot directories. Paths are
// returned relative to dir in sorted order.
func tfFiles(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.tf")
	if err != nil {
		return nil, fmt.Errorf("tfschema: glob %q: %w", dir, err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if hiddenPath(m) {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func hiddenPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func parseFile(dir, rel string) fileInfo {
	info := fileInfo{relPath: rel}

	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if diags.HasErrors() {
		for _, d := range diags.Errs() {
			info.parseErrs = append(info.parseErrs, fmt.Sprintf("syntax error in %s: %s", rel, d))
		}
		return info
	}

	content, _, _ := f.Body.PartialContent(topLevelSchema)
	for _, block := range content.Blocks {
		switch block.Type {
		case "output":
			info.hasOutput = true
		case "variable":
			info.variables = append(info.variables, parseVariable(block))
		}
	}
	return info
}

func parseVariable(block *hcl.Block) models.VariableSpec {
	spec := models.VariableSpec{
		Name:     block.Labels[0],
		Required: true,
	}

	content, _, _ := block.Body.PartialContent(variableSchema)

	if attr, ok := content.Attributes["type"]; ok {
		if ty, diags := typeexpr.TypeConstraint(attr.Expr); !diags.HasErrors() {
			spec.Type = ty.FriendlyName()
		}
	}

	if attr, ok := content.Attributes["description"]; ok {
		if v, diags := attr.Expr.Value(nil); !diags.HasErrors() && v.Type().FriendlyName() == "string" {
			spec.Description = v.AsString()
		}
	}

	if attr, ok := content.Attributes["default"]; ok {
		spec.Required = false
		if v, diags := attr.Expr.Value(nil); !diags.HasErrors() {
			if data, err := ctyjson.Marshal(v, v.Type()); err == nil {
				var decoded interface{}
				if json.Unmarshal(data, &decoded) == nil {
					spec.Default = decoded
				}
			}
		}
	}

	if attr, ok := content.Attributes["sensitive"]; ok {
		if v, diags := attr.Expr.Value(nil); !diags.HasErrors() && v.Type().FriendlyName() == "bool" {
			spec.Sensitive = v.True()
		}
	}

	return spec
}

// Parse extracts the variable schema from every .tf file under dir. A
// variable declared in several files keeps its first position but takes the
// last definition. Files that fail to parse are skipped; Validate reports
// them.
func Parse(dir string) ([]models.VariableSpec, error) {
	files, err := tfFiles(dir)
	if err != nil {
		return nil, err
	}

	var order []string
	byName := make(map[string]models.VariableSpec)
	for _, rel := range files {
		info := parseFile(dir, rel)
		for _, v := range info.variables {
			if v.Type == "" {
				v.Type = "string"
			}
			if _, seen := byName[v.Name]; !seen {
				order = append(order, v.Name)
			}
			byName[v.Name] = v
		}
	}

	specs := make([]models.VariableSpec, 0, len(order))
	for _, name := range order {
		specs = append(specs, byName[name])
	}
	return specs, nil
}

// Validate checks a template tree against the conventions deployable bundles
// are expected to follow. The bool result is false only for hard errors (no
// .tf files, syntax errors); everything else is reported as a warning in the
// issues list.
func Validate(dir string) (bool, []string) {
	var errs, warnings []string

	files, err := tfFiles(dir)
	if err != nil {
		return false, []string{err.Error()}
	}
	if len(files) == 0 {
		return false, []string{"no .tf files found in the template"}
	}

	hasMain := false
	for _, rel := range files {
		base := strings.ToLower(filepath.Base(rel))
		if base == "main.tf" {
			hasMain = true
		}

		info := parseFile(dir, rel)
		errs = append(errs, info.parseErrs...)
		if len(info.parseErrs) > 0 {
			continue
		}

		if base == "variables.tf" || base == "variable.tf" {
			if len(info.variables) == 0 {
				warnings = append(warnings, fmt.Sprintf("%s contains no variable definitions", rel))
			}
		}
		if base == "outputs.tf" || base == "output.tf" {
			if !info.hasOutput {
				warnings = append(warnings, fmt.Sprintf("%s contains no output definitions", rel))
			}
		}

		for _, v := range info.variables {
			if v.Description == "" {
				warnings = append(warnings, fmt.Sprintf("variable %q is missing a description", v.Name))
			}
			if v.Type == "" {
				warnings = append(warnings, fmt.Sprintf("variable %q is missing a type definition", v.Name))
			}
		}
	}

	if !hasMain {
		warnings = append(warnings, "no main.tf file found")
	}

	return len(errs) == 0, append(errs, warnings...)
}

// ParseUIVariables loads the optional ui-variables.json sidecar. Returns nil
// with no error when the file is absent.
func ParseUIVariables(dir string) ([]models.VariableSpec, error) {
	var path string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") && p != dir {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == uiVariablesFile && path == "" {
			path = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tfschema: scan for %s: %w", uiVariablesFile, err)
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tfschema: read %s: %w", uiVariablesFile, err)
	}
	var specs []models.VariableSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("tfschema: parse %s: %w", uiVariablesFile, err)
	}
	return specs, nil
}

// ValidateValues checks user-supplied variables against a parsed schema.
// Violations (missing required values, wrong primitive types) block the run;
// unknown keys are only warnings because templates may read them via
// locals or ignore them entirely.
func ValidateValues(schema []models.VariableSpec, vars map[string]interface{}) (warnings, violations []string) {
	known := make(map[string]models.VariableSpec, len(schema))
	for _, spec := range schema {
		known[spec.Name] = spec
	}

	for _, spec := range schema {
		value, present := vars[spec.Name]
		if !present {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("missing required variable %q", spec.Name))
			}
			continue
		}
		if msg := checkPrimitive(spec, value); msg != "" {
			violations = append(violations, msg)
		}
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			warnings = append(warnings, fmt.Sprintf("variable %q is not declared by the template", name))
		}
	}
	return warnings, violations
}

func checkPrimitive(spec models.VariableSpec, value interface{}) string {
	switch spec.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("variable %q must be a string", spec.Name)
		}
	case "number":
		switch value.(type) {
		case int, int64, float64, json.Number:
		default:
			return fmt.Sprintf("variable %q must be a number", spec.Name)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("variable %q must be a bool", spec.Name)
		}
	}
	return ""
}
