// Package service is the orchestration façade: it validates requests,
// enforces permissions and the at-most-one-active-operation rule, records
// the deployment rows and hands them to the worker pool through the queue.
// Everything asynchronous (terraform itself, log streaming, settlement)
// happens on the other side of that queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/audit"
	"github.com/elaas-dev/forge/internal/credentials"
	"github.com/elaas-dev/forge/internal/logstream"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/rbac"
	"github.com/elaas-dev/forge/internal/runner"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/elaas-dev/forge/internal/tfschema"
	"github.com/google/uuid"
)

const defaultTTLHours = 48

// CancelBroadcaster reaches runs hosted by other processes. The number of
// receivers tells whether any worker daemon heard the signal.
// *runner.CancelBus satisfies it.
type CancelBroadcaster interface {
	Broadcast(ctx context.Context, id uuid.UUID) (int64, error)
}

// WorkshopService contains the business logic for workshop operations.
type WorkshopService struct {
	store     *store.Store
	queue     queue.Queue
	broker    *logstream.Broker
	registry  *runner.Registry
	artifacts artifact.Store
	bus       CancelBroadcaster
}

// New creates a new WorkshopService. The broker and registry must be the
// same instances the worker pool publishes to, or FollowLogs and Cancel
// operate on runs they cannot see. The bus may be nil when every run is
// hosted in this process.
func New(st *store.Store, q queue.Queue, broker *logstream.Broker, registry *runner.Registry, artifacts artifact.Store, bus CancelBroadcaster) *WorkshopService {
	return &WorkshopService{store: st, queue: q, broker: broker, registry: registry, artifacts: artifacts, bus: bus}
}

// Create validates and records a new workshop in pending status. Credential
// values are stripped from the stored variables; they only ever travel
// through the process environment.
func (s *WorkshopService) Create(ctx context.Context, actor uuid.UUID, req CreateWorkshopRequest) (*models.Workshop, error) {
	var fields []string
	if req.Name == "" {
		fields = append(fields, "name is required")
	}
	if (req.TemplateID == nil) == (req.TemplateGroupID == nil) {
		fields = append(fields, "exactly one of template_id and template_group_id must be set")
	}
	if req.TTLHours < 0 {
		fields = append(fields, "ttl_hours must not be negative")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Message: "invalid workshop", Fields: fields}
	}

	if req.TemplateID != nil {
		if _, err := s.store.GetTemplate(ctx, *req.TemplateID); err != nil {
			return nil, notFoundOr(err)
		}
	}
	if req.TemplateGroupID != nil {
		if _, err := s.store.GetTemplateGroup(ctx, *req.TemplateGroupID); err != nil {
			return nil, notFoundOr(err)
		}
	}

	ttl := req.TTLHours
	if ttl == 0 {
		ttl = defaultTTLHours
	}

	ws := &models.Workshop{
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		TemplateGroupID: req.TemplateGroupID,
		EnvironmentID:   req.EnvironmentID,
		Variables:       credentials.StripCredentialKeys(req.Variables),
		Status:          models.WorkshopStatusPending,
		TTLHours:        ttl,
		CreatedBy:       actor,
	}
	if err := s.store.CreateWorkshop(ctx, ws); err != nil {
		return nil, fmt.Errorf("create workshop: %w", err)
	}

	audit.LogAction(s.store.DB(), actor, audit.ActionWorkshopCreate, "workshop:"+ws.ID.String(), map[string]interface{}{
		"name":      ws.Name,
		"ttl_hours": ws.TTLHours,
	})

	return ws, nil
}

// Get returns a single workshop by ID.
func (s *WorkshopService) Get(ctx context.Context, id uuid.UUID) (*models.Workshop, error) {
	ws, err := s.store.GetWorkshop(ctx, id)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return ws, nil
}

// List returns workshops, optionally filtered to one creator.
func (s *WorkshopService) List(ctx context.Context, createdBy *uuid.UUID) ([]models.Workshop, error) {
	return s.store.ListWorkshops(ctx, createdBy)
}

// deployMember pairs one member template with the variable values its run
// will use.
type deployMember struct {
	template *models.Template
	vars     map[string]interface{}
}

// StartDeploy fans a workshop out into one deployment per member template
// and enqueues them. Variables are resolved per member, validated against
// the template schema, and rejected as a whole if any member's values are
// incomplete. The workshop claim happens only after validation so a
// rejected request leaves no trace.
func (s *WorkshopService) StartDeploy(ctx context.Context, actor uuid.UUID, workshopID uuid.UUID, req DeployRequest) ([]models.Deployment, error) {
	if err := s.authorize(actor, rbac.CanDeployWorkshop); err != nil {
		return nil, err
	}

	ws, err := s.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	memberIDs, err := s.store.TemplateIDsForWorkshop(ctx, ws)
	if err != nil {
		return nil, notFoundOr(err)
	}

	members := make([]deployMember, 0, len(memberIDs))
	var violations []string
	for _, tid := range memberIDs {
		tmpl, err := s.store.GetTemplate(ctx, tid)
		if err != nil {
			return nil, notFoundOr(err)
		}
		vars := resolveVariables(ws, req, tid)
		_, memberViolations := tfschema.ValidateValues(tmpl.Variables, vars)
		for _, v := range memberViolations {
			if len(memberIDs) > 1 {
				v = fmt.Sprintf("template %s: %s", tmpl.Name, v)
			}
			violations = append(violations, v)
		}
		members = append(members, deployMember{template: tmpl, vars: vars})
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Message: "variable validation failed", Fields: violations}
	}

	err = s.store.TransitionWorkshop(ctx, ws.ID,
		[]models.WorkshopStatus{models.WorkshopStatusPending}, models.WorkshopStatusDeploying)
	if err != nil {
		return nil, s.claimError(ctx, ws.ID, models.WorkshopStatusDeploying, err)
	}

	deployments := make([]models.Deployment, 0, len(members))
	for _, m := range members {
		dep := models.Deployment{
			WorkshopID: ws.ID,
			TemplateID: m.template.ID,
			CreatedBy:  actor,
			Status:     models.DeploymentStatusPending,
			Variables:  m.vars,
		}
		if err := s.store.CreateDeployment(ctx, &dep); err != nil {
			s.abortDeploy(ctx, ws.ID, deployments)
			return nil, fmt.Errorf("create deployment: %w", err)
		}
		deployments = append(deployments, dep)
	}
	for _, dep := range deployments {
		msg := queue.Message{
			DeploymentID: dep.ID,
			WorkshopID:   ws.ID,
			TemplateID:   dep.TemplateID,
			Op:           queue.OpDeploy,
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.abortDeploy(ctx, ws.ID, deployments)
			return nil, fmt.Errorf("enqueue deployment: %w", err)
		}
	}

	audit.LogAction(s.store.DB(), actor, audit.ActionWorkshopDeploy, "workshop:"+ws.ID.String(), map[string]interface{}{
		"deployments": len(deployments),
	})

	return deployments, nil
}

// StartDestroy claims a settled workshop for teardown and enqueues one
// destroy run per member that actually has something standing.
func (s *WorkshopService) StartDestroy(ctx context.Context, actor uuid.UUID, workshopID uuid.UUID) ([]models.Deployment, error) {
	if err := s.authorize(actor, rbac.CanDestroyWorkshop); err != nil {
		return nil, err
	}

	ws, err := s.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		return nil, notFoundOr(err)
	}

	err = s.store.TransitionWorkshop(ctx, ws.ID,
		[]models.WorkshopStatus{models.WorkshopStatusDeployed, models.WorkshopStatusFailed},
		models.WorkshopStatusDestroying)
	if err != nil {
		return nil, s.claimError(ctx, ws.ID, models.WorkshopStatusDestroying, err)
	}
	ws.Status = models.WorkshopStatusDestroying

	deployments, err := s.EnqueueDestroyRuns(ctx, ws, actor)
	if err != nil {
		return nil, err
	}

	audit.LogAction(s.store.DB(), actor, audit.ActionWorkshopDestroy, "workshop:"+ws.ID.String(), map[string]interface{}{
		"deployments": len(deployments),
	})

	return deployments, nil
}

// EnqueueDestroyRuns creates one destroy run per member template whose
// latest deployment is deployed or failed, copying that run's variables,
// and enqueues them. The workshop must already hold destroying status; the
// scheduler calls this directly after claiming expired workshops. Members
// whose latest row is cancelled never built anything, so a workshop with no
// eligible members settles to destroyed on the spot. On any error the
// workshop is moved to failed, where destroy can be requested again.
func (s *WorkshopService) EnqueueDestroyRuns(ctx context.Context, ws *models.Workshop, actor uuid.UUID) ([]models.Deployment, error) {
	memberIDs, err := s.store.TemplateIDsForWorkshop(ctx, ws)
	if err != nil {
		s.abortDestroy(ctx, ws.ID, nil)
		return nil, err
	}
	latest, err := s.store.LatestDeploymentPerTemplate(ctx, ws.ID)
	if err != nil {
		s.abortDestroy(ctx, ws.ID, nil)
		return nil, err
	}

	var created []models.Deployment
	for _, tid := range memberIDs {
		last, ok := latest[tid]
		if !ok || (last.Status != models.DeploymentStatusDeployed && last.Status != models.DeploymentStatusFailed) {
			continue
		}
		dep := models.Deployment{
			WorkshopID: ws.ID,
			TemplateID: tid,
			CreatedBy:  actor,
			Status:     models.DeploymentStatusPending,
			Variables:  last.Variables,
		}
		if err := s.store.CreateDeployment(ctx, &dep); err != nil {
			s.abortDestroy(ctx, ws.ID, created)
			return nil, fmt.Errorf("create destroy run: %w", err)
		}
		created = append(created, dep)
	}

	if len(created) == 0 {
		err := s.store.TransitionWorkshop(ctx, ws.ID,
			[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusDestroyed)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		return nil, nil
	}

	for _, dep := range created {
		msg := queue.Message{
			DeploymentID: dep.ID,
			WorkshopID:   ws.ID,
			TemplateID:   dep.TemplateID,
			Op:           queue.OpDestroy,
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.abortDestroy(ctx, ws.ID, created)
			return nil, fmt.Errorf("enqueue destroy run: %w", err)
		}
	}

	return created, nil
}

// Cancel stops one deployment run. Pending rows are retired directly;
// running rows are signalled through the runner registry and finalized by
// their worker. Terminal rows are not cancellable.
func (s *WorkshopService) Cancel(ctx context.Context, actor uuid.UUID, deploymentID uuid.UUID) error {
	if err := s.authorize(actor, rbac.CanCancelDeployment); err != nil {
		return err
	}

	dep, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return notFoundOr(err)
	}

	if !dep.Status.Cancellable() {
		return &NotCancellableError{DeploymentID: dep.ID.String(), Status: string(dep.Status)}
	}
	if dep.Status == models.DeploymentStatusPending {
		err = s.cancelPending(ctx, dep)
	} else {
		err = s.cancelRunning(ctx, dep.ID)
	}
	if err != nil {
		return err
	}

	audit.LogAction(s.store.DB(), actor, audit.ActionDeploymentCancel, "deployment:"+dep.ID.String(), nil)
	return nil
}

// cancelPending retires a run no worker has picked up yet. A pending
// destroy run fails its workshop before the row turns terminal, the same
// ordering the worker uses, so a sibling settler can never read the
// cancelled row as a finished teardown. Deploy rows need no workshop update
// here: the worker that eventually dequeues the stale message settles the
// aggregate.
func (s *WorkshopService) cancelPending(ctx context.Context, dep *models.Deployment) error {
	ws, err := s.store.GetWorkshop(ctx, dep.WorkshopID)
	if err != nil {
		return notFoundOr(err)
	}
	if ws.Status == models.WorkshopStatusDestroying {
		err := s.store.TransitionWorkshop(ctx, ws.ID,
			[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusFailed)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	err = s.store.TransitionDeployment(ctx, dep.ID,
		models.DeploymentStatusPending, models.DeploymentStatusCancelled)
	if errors.Is(err, store.ErrConflict) {
		// A worker claimed the row between our read and the update.
		fresh, getErr := s.store.GetDeployment(ctx, dep.ID)
		if getErr != nil {
			return notFoundOr(getErr)
		}
		if fresh.Status == models.DeploymentStatusDeploying {
			return s.cancelRunning(ctx, dep.ID)
		}
		return &NotCancellableError{DeploymentID: dep.ID.String(), Status: string(fresh.Status)}
	}
	return err
}

// cancelRunning signals the in-flight run through the registry. A run hosted
// by another process is reached through the bus instead; the receiving host's
// relay takes over from there. Between a worker claiming the row and
// registering its cancel hook there is a short window where the row reads
// deploying but no hook exists yet; retry across it instead of reporting a
// phantom failure.
func (s *WorkshopService) cancelRunning(ctx context.Context, id uuid.UUID) error {
	for attempt := 0; attempt < 20; attempt++ {
		if s.registry.Cancel(id) {
			return nil
		}
		if s.bus != nil {
			receivers, err := s.bus.Broadcast(ctx, id)
			if err != nil {
				slog.Warn("Failed to broadcast cancel signal", "deployment_id", id, "error", err)
			} else if receivers > 0 {
				return nil
			}
		}
		dep, err := s.store.GetDeployment(ctx, id)
		if err != nil {
			return notFoundOr(err)
		}
		if dep.Status != models.DeploymentStatusDeploying {
			return &NotCancellableError{DeploymentID: id.String(), Status: string(dep.Status)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("deployment %s is deploying but no cancellable run was found", id)
}

// Status reports the current state of one run: status, ordered log lines,
// display-formatted outputs and the error message if any. Sensitive outputs
// stay masked unless reveal is set.
func (s *WorkshopService) Status(ctx context.Context, deploymentID uuid.UUID, reveal bool) (*RunStatus, error) {
	dep, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	logs, err := s.store.DeploymentLogs(ctx, deploymentID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &RunStatus{
		DeploymentID: dep.ID,
		WorkshopID:   dep.WorkshopID,
		TemplateID:   dep.TemplateID,
		Status:       dep.Status,
		Logs:         logs,
		Outputs:      terraform.FormatOutputs(dep.Output, reveal),
		Error:        dep.ErrorMessage,
		StateKey:     dep.StateKey,
		CreatedAt:    dep.CreatedAt,
		CompletedAt:  dep.CompletedAt,
	}, nil
}

// FollowLogs subscribes to the live line stream of a run. The channel
// closes when the run finishes; the stop function releases the
// subscription early. Lines persisted before the call are not replayed, so
// callers wanting full history pair this with Status.
func (s *WorkshopService) FollowLogs(ctx context.Context, deploymentID uuid.UUID) (<-chan string, func(), error) {
	dep, err := s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, nil, notFoundOr(err)
	}
	if dep.Status.Terminal() {
		return closedLogChannel(), func() {}, nil
	}

	ch := s.broker.Subscribe(dep.ID)
	stop := func() { s.broker.Unsubscribe(dep.ID, ch) }

	// Re-read after subscribing. The worker finalizes the row before it
	// closes the broker topic, so a run still non-terminal here is
	// guaranteed to close our channel; one that finished in between would
	// leave the fresh subscription dangling forever.
	dep, err = s.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		stop()
		return nil, nil, notFoundOr(err)
	}
	if dep.Status.Terminal() {
		stop()
		return closedLogChannel(), func() {}, nil
	}
	return ch, stop, nil
}

func closedLogChannel() <-chan string {
	ch := make(chan string)
	close(ch)
	return ch
}

// resolveVariables merges the three variable layers for one member
// template: workshop-stored values, then request-wide values, then values
// keyed to this specific template. Credential material is stripped after
// the merge so it never reaches a stored row.
func resolveVariables(ws *models.Workshop, req DeployRequest, templateID uuid.UUID) map[string]interface{} {
	merged := make(map[string]interface{})
	for k, v := range ws.Variables {
		merged[k] = v
	}
	for k, v := range req.Variables {
		merged[k] = v
	}
	for k, v := range req.TemplateVariables[templateID] {
		merged[k] = v
	}
	return credentials.StripCredentialKeys(merged)
}

// claimError translates a lost workshop claim into the caller-facing error:
// OperationInProgress when another operation holds the workshop,
// InvalidTransition for any other status.
func (s *WorkshopService) claimError(ctx context.Context, id uuid.UUID, to models.WorkshopStatus, err error) error {
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	ws, getErr := s.store.GetWorkshop(ctx, id)
	if getErr != nil {
		return err
	}
	if ws.Status.Active() {
		return &OperationInProgressError{WorkshopID: id.String(), Status: string(ws.Status)}
	}
	return &InvalidTransitionError{Entity: "workshop", From: string(ws.Status), To: string(to)}
}

// abortDeploy unwinds a half-submitted deploy: rows created so far are
// cancelled and the workshop claim is released. A worker that already
// dequeued one of the messages skips the cancelled row.
func (s *WorkshopService) abortDeploy(ctx context.Context, workshopID uuid.UUID, created []models.Deployment) {
	for _, dep := range created {
		err := s.store.TransitionDeployment(ctx, dep.ID,
			models.DeploymentStatusPending, models.DeploymentStatusCancelled)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			slog.Error("Abort deploy: failed to cancel deployment", "deployment_id", dep.ID, "error", err)
		}
	}
	err := s.store.TransitionWorkshop(ctx, workshopID,
		[]models.WorkshopStatus{models.WorkshopStatusDeploying}, models.WorkshopStatusPending)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("Abort deploy: failed to release workshop", "workshop_id", workshopID, "error", err)
	}
}

// abortDestroy unwinds a half-submitted destroy. The workshop leaves
// destroying for failed before any row is cancelled so a run that already
// dequeued cannot settle the workshop against half-cancelled members;
// failed keeps the destroy retryable.
func (s *WorkshopService) abortDestroy(ctx context.Context, workshopID uuid.UUID, created []models.Deployment) {
	err := s.store.TransitionWorkshop(ctx, workshopID,
		[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusFailed)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Error("Abort destroy: failed to fail workshop", "workshop_id", workshopID, "error", err)
	}
	for _, dep := range created {
		err := s.store.TransitionDeployment(ctx, dep.ID,
			models.DeploymentStatusPending, models.DeploymentStatusCancelled)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			slog.Error("Abort destroy: failed to cancel run", "deployment_id", dep.ID, "error", err)
		}
	}
}

// authorize runs one rbac check with the admin bypass.
func (s *WorkshopService) authorize(actor uuid.UUID, check func(uuid.UUID) (bool, error)) error {
	ok, err := check(actor)
	if err != nil {
		return fmt.Errorf("rbac check: %w", err)
	}
	if ok {
		return nil
	}
	admin, err := rbac.IsAdmin(actor)
	if err != nil {
		return fmt.Errorf("rbac check: %w", err)
	}
	if admin {
		return nil
	}
	return ErrForbidden
}

// notFoundOr maps the store's missing-row sentinel onto the service one.
func notFoundOr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
