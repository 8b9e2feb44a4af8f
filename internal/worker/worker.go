// Package worker runs queued terraform operations. Each dequeued message
// drives one deployment row through claim, credential resolution, workspace
// materialization and the terraform subprocess sequence, with every output
// line redacted and fanned out to live followers and the database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/credentials"
	"github.com/elaas-dev/forge/internal/logstream"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/runner"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/elaas-dev/forge/internal/workspace"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// Deps carries the collaborators a Worker drives. ValkeyClient is optional;
// when nil, log lines reach in-process followers and the database only.
// Broker and Registry default to fresh instances when nil so single-process
// wiring can share them via the accessors.
type Deps struct {
	Store        *store.Store
	Queue        queue.Queue
	Terraform    *terraform.CLI
	Workspaces   *workspace.Materializer
	Credentials  credentials.Source
	Broker       *logstream.Broker
	Registry     *runner.Registry
	ValkeyClient valkey.Client
}

// Worker consumes operation messages and runs terraform lifecycles.
type Worker struct {
	store        *store.Store
	queue        queue.Queue
	tf           *terraform.CLI
	workspaces   *workspace.Materializer
	credentials  credentials.Source
	broker       *logstream.Broker
	registry     *runner.Registry
	valkeyClient valkey.Client

	stateBucket string
	stateRegion string
	groupPolicy string
	flushEvery  time.Duration
	maxWorkers  int
	semaphore   chan struct{}
	wg          sync.WaitGroup
}

// New creates a worker pool sized and tuned by configuration.
func New(deps Deps, workerCfg config.WorkerConfig, tfCfg config.TerraformConfig) *Worker {
	if deps.Broker == nil {
		deps.Broker = logstream.NewBroker()
	}
	if deps.Registry == nil {
		deps.Registry = runner.NewRegistry()
	}
	maxWorkers := workerCfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	flushEvery := time.Duration(workerCfg.LogFlushInterval) * time.Second
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	return &Worker{
		store:        deps.Store,
		queue:        deps.Queue,
		tf:           deps.Terraform,
		workspaces:   deps.Workspaces,
		credentials:  deps.Credentials,
		broker:       deps.Broker,
		registry:     deps.Registry,
		valkeyClient: deps.ValkeyClient,
		stateBucket:  tfCfg.StateBucket,
		stateRegion:  tfCfg.StateRegion,
		groupPolicy:  workerCfg.GroupFailurePolicy,
		flushEvery:   flushEvery,
		maxWorkers:   maxWorkers,
		semaphore:    make(chan struct{}, maxWorkers),
	}
}

// Broker returns the in-process log broker for follow endpoints.
func (w *Worker) Broker() *logstream.Broker {
	return w.broker
}

// Registry returns the cancellation registry shared with the façade.
func (w *Worker) Registry() *runner.Registry {
	return w.registry
}

// Start consumes the queue until ctx is cancelled, then drains in-flight
// runs before returning.
func (w *Worker) Start(ctx context.Context) error {
	slog.Info("Worker started", "max_workers", w.maxWorkers)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Worker shutting down, draining in-flight runs")
			w.wg.Wait()
			slog.Info("Worker stopped")
			return ctx.Err()
		default:
			msg, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue // empty poll interval
				}
				if errors.Is(err, queue.ErrClosed) {
					slog.Info("Queue closed, draining in-flight runs")
					w.wg.Wait()
					return nil
				}
				if errors.Is(err, context.Canceled) {
					continue // next iteration takes the shutdown branch
				}
				slog.Error("Failed to dequeue operation", "error", err)
				time.Sleep(time.Second)
				continue
			}

			select {
			case w.semaphore <- struct{}{}:
				w.wg.Add(1)
				go func(m queue.Message) {
					defer w.wg.Done()
					defer func() { <-w.semaphore }()
					w.process(ctx, m)
				}(msg)
			case <-ctx.Done():
			}
		}
	}
}

// process dispatches one message. The recover path marks the deployment
// failed so a panicking run can never leave a row stuck in deploying.
func (w *Worker) process(ctx context.Context, msg queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Run panicked", "deployment_id", msg.DeploymentID, "panic", r)
			w.failEarly(msg, fmt.Sprintf("internal error: %v", r))
		}
	}()

	slog.Info("Processing operation",
		"deployment_id", msg.DeploymentID,
		"workshop_id", msg.WorkshopID,
		"op", msg.Op)

	switch msg.Op {
	case queue.OpDeploy:
		w.runDeploy(ctx, msg)
	case queue.OpDestroy:
		w.runDestroy(ctx, msg)
	default:
		slog.Error("Unknown operation, dropping message", "op", msg.Op, "deployment_id", msg.DeploymentID)
	}
}

// runState is the per-run plumbing both pipelines share.
type runState struct {
	deployment *models.Deployment
	template   *models.Template
	env        []string
	fanout     *logstream.Fanout
	redact     func(string) string
	stopFlush  func()
}

// setupRun loads the rows, resolves credentials and assembles the log
// pipeline. Any error here happened before a subprocess could start, so the
// caller fails the run with the bare message and no partial logs are lost.
func (w *Worker) setupRun(ctx context.Context, msg queue.Message, baseEnv []string) (*runState, error) {
	deployment, err := w.store.GetDeployment(ctx, msg.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	template, err := w.store.GetTemplate(ctx, msg.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}

	creds, err := w.credentials.Load(ctx, template.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	env, err := credentials.BuildEnv(baseEnv, creds)
	if err != nil {
		return nil, err
	}

	redactor := credentials.NewRedactor(creds.SecretValues()...)
	var publisher *logstream.ValkeyPublisher
	if w.valkeyClient != nil {
		publisher = logstream.NewValkeyPublisher(w.valkeyClient, deployment.ID)
	}
	fanout := logstream.NewFanout(deployment.ID, redactor.Redact, w.broker, publisher)

	state := &runState{
		deployment: deployment,
		template:   template,
		env:        env,
		fanout:     fanout,
		redact:     redactor.Redact,
	}
	state.stopFlush = w.startFlusher(deployment.ID, fanout)
	return state, nil
}

// startFlusher persists buffered log lines every flush interval. The returned
// stop function performs the final flush and is safe to call more than once.
func (w *Worker) startFlusher(deploymentID uuid.UUID, fanout *logstream.Fanout) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flushLogs(deploymentID, fanout)
			case <-stop:
				w.flushLogs(deploymentID, fanout)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}

// flushLogs runs on Background: a cancelled run still persists its last lines.
func (w *Worker) flushLogs(deploymentID uuid.UUID, fanout *logstream.Fanout) {
	lines := fanout.Drain()
	if len(lines) == 0 {
		return
	}
	if err := w.store.AppendDeploymentLogs(context.Background(), deploymentID, lines); err != nil {
		slog.Error("Failed to persist deployment logs", "deployment_id", deploymentID, "error", err)
	}
}

// terminalLine classifies a finished run and renders the follower-visible
// terminal marker.
func terminalLine(op queue.Op, runErr error) (models.DeploymentStatus, string) {
	verb := "Deployment"
	if op == queue.OpDestroy {
		verb = "Destroy"
	}
	switch {
	case runErr == nil:
		return models.DeploymentStatusDeployed, fmt.Sprintf("[COMPLETED] %s completed successfully", verb)
	case errors.Is(runErr, runner.ErrCanceled), errors.Is(runErr, context.Canceled):
		// Cancellation can land between subprocesses too, surfacing as the
		// plain context error instead of the runner's sentinel.
		return models.DeploymentStatusCancelled, fmt.Sprintf("[CANCELLED] %s cancelled by request", verb)
	default:
		return models.DeploymentStatusFailed, fmt.Sprintf("[ERROR] %v", runErr)
	}
}

// failEarly finalizes a run that never reached (or never survived) its
// subprocess stage: missing credentials, bad rows, panics. The error line is
// published and persisted directly since no fanout pipeline may exist.
func (w *Worker) failEarly(msg queue.Message, reason string) {
	ctx := context.Background()
	line := "[ERROR] " + reason

	w.broker.Publish(msg.DeploymentID, line)
	w.broker.Close(msg.DeploymentID)
	if w.valkeyClient != nil {
		publisher := logstream.NewValkeyPublisher(w.valkeyClient, msg.DeploymentID)
		if err := publisher.Publish(ctx, line); err != nil {
			slog.Warn("Failed to mirror log line to valkey", "deployment_id", msg.DeploymentID, "error", err)
		}
	}
	if err := w.store.AppendDeploymentLogs(ctx, msg.DeploymentID, []string{line}); err != nil {
		slog.Error("Failed to persist failure line", "deployment_id", msg.DeploymentID, "error", err)
	}

	err := w.store.FinalizeDeployment(ctx, msg.DeploymentID,
		models.DeploymentStatusDeploying, models.DeploymentStatusFailed,
		store.FinalizePatch{ErrorMessage: reason})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("Failed to finalize deployment", "deployment_id", msg.DeploymentID, "error", err)
	}

	switch msg.Op {
	case queue.OpDestroy:
		err := w.store.TransitionWorkshop(ctx, msg.WorkshopID,
			[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusFailed)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			slog.Error("Failed to fail workshop", "workshop_id", msg.WorkshopID, "error", err)
		}
	default:
		w.settleWorkshopAfterDeploy(ctx, msg.WorkshopID)
	}
}

// RecoverOrphanedRuns fails deployments left in deploying by a process that
// died mid-run. The cutoff must be taken before this process's workers
// started consuming; rows claimed after it belong to live runs and are left
// alone. Recovery assumes this worker pool is the only consumer, since a
// sibling process's live runs are indistinguishable from orphans here. The
// remote backend still holds whatever state the dead run reached, and a later
// redeploy or destroy picks that up through init.
func (w *Worker) RecoverOrphanedRuns(ctx context.Context, cutoff time.Time) (int, error) {
	stalled, err := w.store.FindStalledDeployments(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stalled deployments: %w", err)
	}

	for _, dep := range stalled {
		// The row does not record which way it was running; the workshop
		// status does. Anything other than destroying means the workshop is
		// still waiting on a deploy outcome.
		op := queue.OpDeploy
		if workshop, err := w.store.GetWorkshop(ctx, dep.WorkshopID); err == nil &&
			workshop.Status == models.WorkshopStatusDestroying {
			op = queue.OpDestroy
		}
		slog.Warn("Recovering orphaned run",
			"deployment_id", dep.ID, "workshop_id", dep.WorkshopID, "op", op)

		w.failEarly(queue.Message{
			DeploymentID: dep.ID,
			WorkshopID:   dep.WorkshopID,
			TemplateID:   dep.TemplateID,
			Op:           op,
		}, "run orphaned by a service restart")
	}
	return len(stalled), nil
}
