// Package terraform wraps the terraform binary for the deployment engine:
// init against the S3 state backend, plain or phased applies, destroys and
// output collection. All invocations go through the runner so timeouts and
// cancellation tear the whole process group down.
package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/runner"
	"github.com/google/uuid"
)

// phasesManifest is the optional per-template deploy manifest. Templates with
// ordering constraints between resources ship it next to their .tf files.
const phasesManifest = "elaas-deploy.json"

// CLI invokes the terraform binary in a prepared working directory.
type CLI struct {
	bin   string
	grace time.Duration

	initTimeout    time.Duration
	applyTimeout   time.Duration
	destroyTimeout time.Duration
	outputTimeout  time.Duration
}

func New(cfg config.TerraformConfig) *CLI {
	bin := cfg.BinPath
	if bin == "" {
		bin = "terraform"
	}
	return &CLI{
		bin:            bin,
		grace:          secondsOr(cfg.CancelGrace, 3),
		initTimeout:    secondsOr(cfg.InitTimeout, 300),
		applyTimeout:   secondsOr(cfg.ApplyTimeout, 3600),
		destroyTimeout: secondsOr(cfg.DestroyTimeout, 1800),
		outputTimeout:  secondsOr(cfg.OutputTimeout, 60),
	}
}

func secondsOr(s, fallback int) time.Duration {
	if s <= 0 {
		s = fallback
	}
	return time.Duration(s) * time.Second
}

// StateKey is the remote state object key for one template within one
// workshop. Deploy and destroy must use the same key to hit the same state.
func StateKey(workshopID, templateID uuid.UUID) string {
	return fmt.Sprintf("terraform-state/workshops/%s/templates/%s/terraform.tfstate", workshopID, templateID)
}

// Init runs terraform init. reconfigure is set when remote state already
// exists for this key, so the backend is rebound rather than migrated.
func (c *CLI) Init(ctx context.Context, dir string, env []string, reconfigure bool, sink runner.Sink) error {
	argv := []string{c.bin, "init"}
	if reconfigure {
		argv = append(argv, "-reconfigure")
	}
	_, err := runner.Run(ctx, runner.Spec{
		Dir:     dir,
		Env:     env,
		Argv:    argv,
		Timeout: c.initTimeout,
		Grace:   c.grace,
		Sink:    sink,
	})
	if err != nil {
		return fmt.Errorf("terraform: init: %w", err)
	}
	return nil
}

// Phase is one step of a phased apply. An empty Target means a full apply.
type Phase struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// LoadPhases reads the deploy manifest from the module directory. Missing,
// malformed or empty manifests mean a single unphased apply; a bad manifest
// never fails the deployment.
func LoadPhases(moduleDir string) []Phase {
	data, err := os.ReadFile(filepath.Join(moduleDir, phasesManifest))
	if err != nil {
		return nil
	}
	var manifest struct {
		ApplyPhases []Phase `json:"apply_phases"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		slog.Warn("Ignoring malformed deploy manifest", "file", phasesManifest, "error", err)
		return nil
	}
	if len(manifest.ApplyPhases) == 0 {
		return nil
	}
	return manifest.ApplyPhases
}

// Apply runs terraform apply, once per phase. Variables come from
// terraform.tfvars.json written by the materializer, never from argv.
func (c *CLI) Apply(ctx context.Context, dir string, env []string, phases []Phase, sink runner.Sink) error {
	if len(phases) == 0 {
		phases = []Phase{{}}
	} else if sink != nil {
		sink(fmt.Sprintf("Using phased apply (%d phase(s))", len(phases)))
	}

	for i, phase := range phases {
		target := strings.TrimSpace(phase.Target)
		if sink != nil && len(phases) > 1 {
			if target != "" {
				sink(fmt.Sprintf("Phase %d/%d: apply -target=%s", i+1, len(phases), target))
			} else {
				sink(fmt.Sprintf("Phase %d/%d: full apply", i+1, len(phases)))
			}
		}

		argv := []string{c.bin, "apply", "-auto-approve", "-var-file", "terraform.tfvars.json"}
		if target != "" {
			argv = append(argv, "-target", target)
		}
		_, err := runner.Run(ctx, runner.Spec{
			Dir:     dir,
			Env:     env,
			Argv:    argv,
			Timeout: c.applyTimeout,
			Grace:   c.grace,
			Sink:    sink,
		})
		if err != nil {
			if len(phases) > 1 {
				return fmt.Errorf("terraform: apply phase %d/%d: %w", i+1, len(phases), err)
			}
			return fmt.Errorf("terraform: apply: %w", err)
		}
	}
	return nil
}

// Destroy runs terraform destroy against the previously initialized backend.
// The var file must be present: destroy evaluates the configuration and its
// required variables just like apply does.
func (c *CLI) Destroy(ctx context.Context, dir string, env []string, sink runner.Sink) error {
	_, err := runner.Run(ctx, runner.Spec{
		Dir:     dir,
		Env:     env,
		Argv:    []string{c.bin, "destroy", "-auto-approve", "-var-file", "terraform.tfvars.json"},
		Timeout: c.destroyTimeout,
		Grace:   c.grace,
		Sink:    sink,
	})
	if err != nil {
		return fmt.Errorf("terraform: destroy: %w", err)
	}
	return nil
}

// Output runs terraform output -json and returns the parsed document: output
// name to a {value, sensitive, type} entry. A non-zero exit or unparsable
// document yields an empty map, not an error; the apply already succeeded and
// missing outputs should not fail the deployment. Timeouts and cancellation
// still propagate.
func (c *CLI) Output(ctx context.Context, dir string, env []string) (map[string]interface{}, error) {
	var buf bytes.Buffer
	_, err := runner.Run(ctx, runner.Spec{
		Dir:     dir,
		Env:     env,
		Argv:    []string{c.bin, "output", "-json"},
		Timeout: c.outputTimeout,
		Grace:   c.grace,
		Sink:    func(line string) { buf.WriteString(line); buf.WriteByte('\n') },
	})
	if err != nil {
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) {
			slog.Warn("terraform output failed, continuing without outputs", "exit_code", exitErr.Code)
			return map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("terraform: output: %w", err)
	}

	outputs := map[string]interface{}{}
	if buf.Len() == 0 {
		return outputs, nil
	}
	if err := json.Unmarshal(buf.Bytes(), &outputs); err != nil {
		slog.Warn("Failed to parse terraform outputs", "error", err)
		return map[string]interface{}{}, nil
	}
	return outputs, nil
}
