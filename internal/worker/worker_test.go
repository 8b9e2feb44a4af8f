//go:build !windows

package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/credentials"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/elaas-dev/forge/internal/workspace"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testAccessKey = "AKIAWORKERTEST00"
	testSecretKey = "worker-secret-0123456789"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Environment{},
		&models.Template{},
		&models.TemplateGroup{},
		&models.TemplateGroupAssignment{},
		&models.Workshop{},
		&models.Deployment{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db)
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeStub installs a fake terraform binary. Every invocation appends its
// argv to the file named by $CALLS and echoes it to stdout; extra shell goes
// between the recording line and the default success exit.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terraform")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$*\" >> \"$CALLS\"\n" +
		"echo \"terraform $*\"\n" +
		body + "\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

type testEnv struct {
	store *store.Store
	queue queue.Queue
	work  *Worker
	calls string
}

// newTestEnv wires a worker against sqlite, a memory queue, an fs artifact
// store seeded with the given archives and a stub terraform binary.
func newTestEnv(t *testing.T, stubBody string, archives map[string][]byte) *testEnv {
	t.Helper()

	calls := filepath.Join(t.TempDir(), "calls.txt")
	t.Setenv("CALLS", calls)
	t.Setenv("AWS_ACCESS_KEY_ID", testAccessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", testSecretKey)
	t.Setenv("AWS_SESSION_TOKEN", "")

	st := openTestStore(t)

	artifacts := artifact.NewFSStore(t.TempDir())
	for key, data := range archives {
		if err := artifacts.Put(context.Background(), key, bytes.NewReader(data)); err != nil {
			t.Fatalf("seed artifact %q: %v", key, err)
		}
	}

	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { q.Close() })

	tfCfg := config.TerraformConfig{
		BinPath:        writeStub(t, stubBody),
		InitTimeout:    30,
		ApplyTimeout:   30,
		DestroyTimeout: 30,
		OutputTimeout:  10,
		CancelGrace:    1,
		StateBucket:    "forge-state",
		StateRegion:    "us-east-1",
	}
	workerCfg := config.WorkerConfig{
		MaxWorkers:         4,
		LogFlushInterval:   1,
		GroupFailurePolicy: "fail_on_any",
	}

	w := New(Deps{
		Store:       st,
		Queue:       q,
		Terraform:   terraform.New(tfCfg),
		Workspaces:  workspace.NewMaterializer(artifacts, t.TempDir()),
		Credentials: credentials.NewEnvSource("us-east-1"),
	}, workerCfg, tfCfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{store: st, queue: q, work: w, calls: calls}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) deploymentStatus(t *testing.T, id uuid.UUID) models.DeploymentStatus {
	t.Helper()
	d, err := e.store.GetDeployment(context.Background(), id)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	return d.Status
}

func (e *testEnv) waitTerminal(t *testing.T, id uuid.UUID) *models.Deployment {
	t.Helper()
	waitFor(t, "deployment to finish", func() bool {
		return e.deploymentStatus(t, id).Terminal()
	})
	d, err := e.store.GetDeployment(context.Background(), id)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	return d
}

func seedTemplate(t *testing.T, st *store.Store, name, artifactKey string) *models.Template {
	t.Helper()
	template := &models.Template{
		Name:        name,
		Version:     "1.0.0",
		ArtifactKey: artifactKey,
		Provider:    models.ProviderAWS,
		Variables: []models.VariableSpec{
			{Name: "region", Type: "string", Required: true},
		},
	}
	if err := st.CreateTemplate(context.Background(), template); err != nil {
		t.Fatalf("create template: %v", err)
	}
	return template
}

func seedWorkshop(t *testing.T, st *store.Store, templateID uuid.UUID, status models.WorkshopStatus) *models.Workshop {
	t.Helper()
	workshop := &models.Workshop{
		Name:       "net-101",
		TemplateID: &templateID,
		Status:     status,
		TTLHours:   48,
	}
	if err := st.CreateWorkshop(context.Background(), workshop); err != nil {
		t.Fatalf("create workshop: %v", err)
	}
	return workshop
}

func seedDeployment(t *testing.T, st *store.Store, workshopID, templateID uuid.UUID) *models.Deployment {
	t.Helper()
	deployment := &models.Deployment{
		WorkshopID: workshopID,
		TemplateID: templateID,
		Status:     models.DeploymentStatusPending,
		Variables:  map[string]interface{}{"region": "us-west-2"},
	}
	if err := st.CreateDeployment(context.Background(), deployment); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return deployment
}

func enqueue(t *testing.T, q queue.Queue, d *models.Deployment, op queue.Op) {
	t.Helper()
	err := q.Enqueue(context.Background(), queue.Message{
		DeploymentID: d.ID,
		WorkshopID:   d.WorkshopID,
		TemplateID:   d.TemplateID,
		Op:           op,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

const vpcModule = `variable "region" { type = string }`

func TestDeployHappyPath(t *testing.T) {
	stub := `case "$1" in
  apply) echo "leaked=$AWS_SECRET_ACCESS_KEY" ;;
  output) printf '%s' '{"vpc_id":{"sensitive":false,"type":"string","value":"vpc-123"},"db_password":{"sensitive":true,"type":"string","value":"hunter2"}}' ;;
esac`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)
	deployment := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, deployment, queue.OpDeploy)

	final := env.waitTerminal(t, deployment.ID)
	if final.Status != models.DeploymentStatusDeployed {
		t.Fatalf("status = %s (%s), want deployed", final.Status, final.ErrorMessage)
	}

	wantKey := fmt.Sprintf("terraform-state/workshops/%s/templates/%s/terraform.tfstate", workshop.ID, template.ID)
	if final.StateKey != wantKey {
		t.Errorf("state key = %q, want %q", final.StateKey, wantKey)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	vpc, ok := final.Output["vpc_id"].(map[string]interface{})
	if !ok {
		t.Fatalf("vpc_id output missing or unshaped: %#v", final.Output)
	}
	if vpc["value"] != "vpc-123" {
		t.Errorf("vpc_id value = %v", vpc["value"])
	}

	calls := readCalls(t, env.calls)
	want := []string{"init", "apply -auto-approve -var-file terraform.tfvars.json", "output -json"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}

	lines, err := env.store.DeploymentLogs(context.Background(), deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	logs := strings.Join(lines, "\n")
	if !strings.Contains(logs, "terraform init") {
		t.Error("logs missing init line")
	}
	if !strings.Contains(logs, "[COMPLETED] Deployment completed successfully") {
		t.Error("logs missing completion marker")
	}
	if strings.Contains(logs, testSecretKey) {
		t.Error("secret leaked into persisted logs")
	}
	if !strings.Contains(logs, "leaked="+credentials.Placeholder) {
		t.Errorf("expected redaction placeholder in logs:\n%s", logs)
	}

	waitFor(t, "workshop to settle", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusDeployed
	})
	ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ws.ExpiresAt == nil {
		t.Error("expires_at not set after first success")
	} else if got := ws.ExpiresAt.Sub(ws.CreatedAt); got != 48*time.Hour {
		t.Errorf("expiry horizon = %s, want 48h", got)
	}
	if _, ok := ws.Output["vpc_id"]; !ok {
		t.Errorf("workshop output missing vpc_id: %#v", ws.Output)
	}
}

func TestDeploySecondRunReconfigures(t *testing.T) {
	stub := `if [ "$1" = output ]; then printf '%s' '{}'; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)

	first := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, first, queue.OpDeploy)
	if d := env.waitTerminal(t, first.ID); d.Status != models.DeploymentStatusDeployed {
		t.Fatalf("first run = %s (%s)", d.Status, d.ErrorMessage)
	}

	// The workshop settled deployed; the second run's workshop claim loses
	// and that is fine. Only the recorded state key matters here.
	second := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, second, queue.OpDeploy)
	env.waitTerminal(t, second.ID)

	calls := readCalls(t, env.calls)
	if calls[0] != "init" {
		t.Errorf("first init = %q, want bare init", calls[0])
	}
	var sawReconfigure bool
	for _, call := range calls[1:] {
		if call == "init -reconfigure" {
			sawReconfigure = true
		}
	}
	if !sawReconfigure {
		t.Errorf("second run never reconfigured: %v", calls)
	}
}

func TestDeployApplyFailure(t *testing.T) {
	stub := `if [ "$1" = apply ]; then echo "Error: bucket exists" >&2; exit 1; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)
	deployment := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, deployment, queue.OpDeploy)

	final := env.waitTerminal(t, deployment.ID)
	if final.Status != models.DeploymentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "apply") {
		t.Errorf("error message = %q", final.ErrorMessage)
	}
	if final.StateKey == "" {
		t.Error("state key not recorded; a failed apply can still have written state")
	}

	lines, err := env.store.DeploymentLogs(context.Background(), deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	logs := strings.Join(lines, "\n")
	if !strings.Contains(logs, "Error: bucket exists") {
		t.Error("stderr line missing from persisted logs")
	}
	if !strings.Contains(logs, "[ERROR]") {
		t.Error("logs missing error marker")
	}

	waitFor(t, "workshop to fail", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusFailed
	})
}

func TestFailedApplyRedactsErrorMessage(t *testing.T) {
	// The runner folds the subprocess's last output lines into the exit
	// error, so a secret echoed right before a failure would otherwise land
	// in error_message verbatim.
	stub := `if [ "$1" = apply ]; then echo "Error: auth failed for key $AWS_SECRET_ACCESS_KEY" >&2; exit 1; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)
	deployment := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, deployment, queue.OpDeploy)

	final := env.waitTerminal(t, deployment.ID)
	if final.Status != models.DeploymentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if strings.Contains(final.ErrorMessage, testSecretKey) {
		t.Errorf("secret leaked into error message: %q", final.ErrorMessage)
	}
	if !strings.Contains(final.ErrorMessage, credentials.Placeholder) {
		t.Errorf("error message lost the echoed line: %q", final.ErrorMessage)
	}

	lines, err := env.store.DeploymentLogs(context.Background(), deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	logs := strings.Join(lines, "\n")
	if strings.Contains(logs, testSecretKey) {
		t.Error("secret leaked into persisted logs")
	}
}

func TestDeployMissingCredentialsFailsFast(t *testing.T) {
	env := newTestEnv(t, "", map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)
	deployment := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, deployment, queue.OpDeploy)

	final := env.waitTerminal(t, deployment.ID)
	if final.Status != models.DeploymentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "missing credentials") {
		t.Errorf("error message = %q", final.ErrorMessage)
	}
	if _, err := os.Stat(env.calls); !os.IsNotExist(err) {
		t.Error("terraform ran despite missing credentials")
	}

	lines, err := env.store.DeploymentLogs(context.Background(), deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "[ERROR]") {
		t.Errorf("logs = %v, want trailing error marker", lines)
	}

	waitFor(t, "workshop to fail", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusFailed
	})
}

func TestDeployCancelReturnsWorkshopToPending(t *testing.T) {
	stub := `if [ "$1" = apply ]; then sleep 30; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusPending)
	deployment := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, deployment, queue.OpDeploy)

	waitFor(t, "apply to start", func() bool {
		data, err := os.ReadFile(env.calls)
		return err == nil && strings.Contains(string(data), "apply")
	})
	if !env.work.Registry().Cancel(deployment.ID) {
		t.Fatal("cancel found no registered run")
	}

	final := env.waitTerminal(t, deployment.ID)
	if final.Status != models.DeploymentStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	lines, err := env.store.DeploymentLogs(context.Background(), deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	logs := strings.Join(lines, "\n")
	if !strings.Contains(logs, "[CANCELLED] Deployment cancelled by request") {
		t.Errorf("logs missing cancellation marker:\n%s", logs)
	}
	if !strings.Contains(logs, "terraform apply") {
		t.Error("partial logs lost on cancellation")
	}

	waitFor(t, "workshop back to pending", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusPending
	})
}

func TestDestroyHappyPath(t *testing.T) {
	env := newTestEnv(t, "", map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusDestroying)

	// A finished deploy run left its state key behind. The explicit CreatedAt
	// keeps it strictly older than the destroy row for latest-row queries.
	stateKey := fmt.Sprintf("terraform-state/workshops/%s/templates/%s/terraform.tfstate", workshop.ID, template.ID)
	earlier := time.Now().UTC().Add(-time.Hour)
	past := &models.Deployment{
		WorkshopID:  workshop.ID,
		TemplateID:  template.ID,
		Status:      models.DeploymentStatusDeployed,
		Variables:   map[string]interface{}{"region": "us-west-2"},
		StateKey:    stateKey,
		CreatedAt:   earlier,
		CompletedAt: &earlier,
	}
	if err := env.store.CreateDeployment(context.Background(), past); err != nil {
		t.Fatal(err)
	}

	destroyRun := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, destroyRun, queue.OpDestroy)

	final := env.waitTerminal(t, destroyRun.ID)
	if final.Status != models.DeploymentStatusDeployed {
		t.Fatalf("status = %s (%s), want deployed", final.Status, final.ErrorMessage)
	}
	if final.StateKey != stateKey {
		t.Errorf("state key = %q, want %q", final.StateKey, stateKey)
	}

	calls := readCalls(t, env.calls)
	want := []string{"init -reconfigure", "destroy -auto-approve -var-file terraform.tfvars.json"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}

	waitFor(t, "workshop destroyed", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusDestroyed
	})
}

func TestDestroyFailureFailsWorkshop(t *testing.T) {
	stub := `if [ "$1" = destroy ]; then echo "Error: bucket not empty" >&2; exit 1; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"vpc.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
	})

	template := seedTemplate(t, env.store, "vpc", "vpc.zip")
	workshop := seedWorkshop(t, env.store, template.ID, models.WorkshopStatusDestroying)
	destroyRun := seedDeployment(t, env.store, workshop.ID, template.ID)
	enqueue(t, env.queue, destroyRun, queue.OpDestroy)

	final := env.waitTerminal(t, destroyRun.ID)
	if final.Status != models.DeploymentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "destroy") {
		t.Errorf("error message = %q", final.ErrorMessage)
	}

	// Failed stays failed so destroy can be requested again; never silently
	// back to deployed.
	waitFor(t, "workshop to fail", func() bool {
		ws, err := env.store.GetWorkshop(context.Background(), workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusFailed
	})
}

func TestGroupDeploySettlesAfterAllMembers(t *testing.T) {
	stub := `case "$PWD" in
  *beta*) if [ "$1" = apply ]; then echo "boom" >&2; exit 1; fi ;;
esac
if [ "$1" = output ]; then printf '%s' '{"who":{"sensitive":false,"value":"alpha"}}'; fi`
	env := newTestEnv(t, stub, map[string][]byte{
		"alpha.zip": buildZip(t, map[string]string{"main.tf": vpcModule}),
		"beta.zip":  buildZip(t, map[string]string{"main.tf": vpcModule}),
	})
	ctx := context.Background()

	alpha := seedTemplate(t, env.store, "alpha", "alpha.zip")
	beta := seedTemplate(t, env.store, "beta", "beta.zip")

	group := &models.TemplateGroup{Name: "platform"}
	if err := env.store.DB().Create(group).Error; err != nil {
		t.Fatal(err)
	}
	for _, id := range []uuid.UUID{alpha.ID, beta.ID} {
		err := env.store.DB().Create(&models.TemplateGroupAssignment{
			TemplateGroupID: group.ID,
			TemplateID:      id,
		}).Error
		if err != nil {
			t.Fatal(err)
		}
	}

	workshop := &models.Workshop{
		Name:            "multi",
		TemplateGroupID: &group.ID,
		Status:          models.WorkshopStatusPending,
		TTLHours:        48,
	}
	if err := env.store.CreateWorkshop(ctx, workshop); err != nil {
		t.Fatal(err)
	}

	runAlpha := seedDeployment(t, env.store, workshop.ID, alpha.ID)
	runBeta := seedDeployment(t, env.store, workshop.ID, beta.ID)
	enqueue(t, env.queue, runAlpha, queue.OpDeploy)
	enqueue(t, env.queue, runBeta, queue.OpDeploy)

	if d := env.waitTerminal(t, runAlpha.ID); d.Status != models.DeploymentStatusDeployed {
		t.Fatalf("alpha = %s (%s), want deployed", d.Status, d.ErrorMessage)
	}
	if d := env.waitTerminal(t, runBeta.ID); d.Status != models.DeploymentStatusFailed {
		t.Fatalf("beta = %s, want failed", d.Status)
	}

	// fail_on_any: one failed member fails the whole workshop.
	waitFor(t, "workshop to settle failed", func() bool {
		ws, err := env.store.GetWorkshop(ctx, workshop.ID)
		return err == nil && ws.Status == models.WorkshopStatusFailed
	})

	// The successful member still stamped the expiry, so the sweep can reap
	// whatever alpha stood up.
	ws, err := env.store.GetWorkshop(ctx, workshop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ws.ExpiresAt == nil {
		t.Error("expiry not stamped by the successful member")
	}
	if ws.Output != nil {
		t.Errorf("failed workshop should not publish aggregate output, got %#v", ws.Output)
	}
}

func TestDeployOutcomePolicies(t *testing.T) {
	tests := []struct {
		name                        string
		policy                      string
		deployed, failed, cancelled int
		want                        models.WorkshopStatus
	}{
		{"all deployed", "fail_on_any", 3, 0, 0, models.WorkshopStatusDeployed},
		{"one failed", "fail_on_any", 2, 1, 0, models.WorkshopStatusFailed},
		{"cancelled only", "fail_on_any", 0, 0, 1, models.WorkshopStatusPending},
		{"deployed and cancelled", "fail_on_any", 2, 0, 1, models.WorkshopStatusPending},
		{"degrade keeps partial success", "degrade", 1, 2, 0, models.WorkshopStatusDeployed},
		{"degrade all failed", "degrade", 0, 3, 0, models.WorkshopStatusFailed},
		{"degrade cancelled no success", "degrade", 0, 0, 2, models.WorkshopStatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Worker{groupPolicy: tt.policy}
			if got := w.deployOutcome(tt.deployed, tt.failed, tt.cancelled); got != tt.want {
				t.Errorf("deployOutcome(%d, %d, %d) = %s, want %s",
					tt.deployed, tt.failed, tt.cancelled, got, tt.want)
			}
		})
	}
}
