package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/elaas-dev/forge/internal/workspace"
	"github.com/google/uuid"
)

// runDeploy drives one deploy row: claim, credentials, workspace, init,
// apply, output capture, finalize.
func (w *Worker) runDeploy(ctx context.Context, msg queue.Message) {
	log := slog.With("deployment_id", msg.DeploymentID, "workshop_id", msg.WorkshopID)

	err := w.store.TransitionDeployment(ctx, msg.DeploymentID,
		models.DeploymentStatusPending, models.DeploymentStatusDeploying)
	if errors.Is(err, store.ErrConflict) {
		// Usually a cancel that landed before any worker picked the row up.
		// The row is terminal without ever having run, so this worker may be
		// the last chance for the workshop aggregate to settle. Closing the
		// broker topic releases any log followers waiting on a run that
		// will never start.
		log.Info("Deployment no longer pending, skipping run")
		w.broker.Close(msg.DeploymentID)
		w.settleWorkshopAfterDeploy(ctx, msg.WorkshopID)
		return
	}
	if err != nil {
		log.Error("Failed to claim deployment", "error", err)
		return
	}

	// The façade claims the workshop at request time. This re-claim keeps
	// direct enqueues honest and is a no-op for every member after the first.
	err = w.store.TransitionWorkshop(ctx, msg.WorkshopID,
		[]models.WorkshopStatus{models.WorkshopStatusPending}, models.WorkshopStatusDeploying)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		w.failEarly(msg, fmt.Sprintf("claim workshop: %v", err))
		return
	}

	state, err := w.setupRun(ctx, msg, os.Environ())
	if err != nil {
		log.Error("Deployment failed before terraform started", "error", err)
		w.failEarly(msg, err.Error())
		return
	}
	defer w.broker.Close(msg.DeploymentID)
	defer state.stopFlush()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.registry.Register(msg.DeploymentID, cancel)
	defer w.registry.Done(msg.DeploymentID)

	// From here the subprocess environment holds live credentials; a panic
	// settles through the redacting finish path, not failEarly.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Deploy run panicked", "panic", r)
			w.finishDeploy(msg, state, nil, "", fmt.Errorf("internal error: %v", r))
		}
	}()

	outputs, stateKey, runErr := w.executeDeploy(runCtx, state)
	w.finishDeploy(msg, state, outputs, stateKey, runErr)
}

// executeDeploy runs the terraform sequence inside a fresh workspace. The
// returned state key is empty until init succeeds; from then on the remote
// backend may hold a state object even when apply fails partway.
func (w *Worker) executeDeploy(ctx context.Context, st *runState) (map[string]interface{}, string, error) {
	key := terraform.StateKey(st.deployment.WorkshopID, st.deployment.TemplateID)

	ws, warnings, err := w.workspaces.Materialize(ctx, workspace.Spec{
		DeploymentID: st.deployment.ID,
		TemplateName: st.template.Name,
		ArtifactKey:  st.template.ArtifactKey,
		Variables:    st.deployment.Variables,
		Schema:       st.template.Variables,
		Backend: workspace.Backend{
			Bucket: w.stateBucket,
			Key:    key,
			Region: w.stateRegion,
		},
	})
	if err != nil {
		return nil, "", err
	}
	defer ws.Close()
	for _, warning := range warnings {
		st.fanout.Line("Warning: " + warning)
	}

	reconfigure, err := w.store.HasRemoteState(ctx, st.deployment.WorkshopID, st.deployment.TemplateID)
	if err != nil {
		return nil, "", fmt.Errorf("check remote state: %w", err)
	}
	if err := w.tf.Init(ctx, ws.ModuleDir, st.env, reconfigure, st.fanout.Line); err != nil {
		return nil, "", err
	}

	phases := terraform.LoadPhases(ws.ModuleDir)
	if err := w.tf.Apply(ctx, ws.ModuleDir, st.env, phases, st.fanout.Line); err != nil {
		return nil, key, err
	}

	outputs, err := w.tf.Output(ctx, ws.ModuleDir, st.env)
	if err != nil {
		return nil, key, err
	}
	return outputs, key, nil
}

// finishDeploy publishes the terminal marker, persists the remaining log
// lines, then flips the row. Logs land first so a terminal status is never
// visible with a truncated log.
func (w *Worker) finishDeploy(msg queue.Message, st *runState, outputs map[string]interface{}, stateKey string, runErr error) {
	ctx := context.Background()
	log := slog.With("deployment_id", msg.DeploymentID, "workshop_id", msg.WorkshopID)

	status, line := terminalLine(queue.OpDeploy, runErr)
	st.fanout.Line(line)
	st.stopFlush()

	patch := store.FinalizePatch{StateKey: stateKey}
	switch status {
	case models.DeploymentStatusDeployed:
		patch.Output = outputs
	case models.DeploymentStatusFailed:
		// Subprocess errors embed the last output lines; those lines never
		// went through the fanout, so the persisted message is redacted here.
		patch.ErrorMessage = st.redact(runErr.Error())
	}

	err := w.store.FinalizeDeployment(ctx, msg.DeploymentID,
		models.DeploymentStatusDeploying, status, patch)
	if err != nil {
		log.Error("Failed to finalize deployment", "status", status, "error", err)
	} else {
		log.Info("Deployment finished", "status", status)
	}

	if status == models.DeploymentStatusDeployed {
		if err := w.store.SetWorkshopExpiry(ctx, msg.WorkshopID); err != nil {
			log.Error("Failed to set workshop expiry", "error", err)
		}
	}

	w.settleWorkshopAfterDeploy(ctx, msg.WorkshopID)
}

// settleWorkshopAfterDeploy folds member outcomes into the workshop once the
// latest row of every member template is terminal. Whichever member finishes
// last wins the CAS; everyone else conflicts and moves on.
func (w *Worker) settleWorkshopAfterDeploy(ctx context.Context, workshopID uuid.UUID) {
	log := slog.With("workshop_id", workshopID)

	workshop, err := w.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		log.Error("Failed to load workshop for settlement", "error", err)
		return
	}
	if workshop.Status != models.WorkshopStatusDeploying {
		return
	}

	members, err := w.store.TemplateIDsForWorkshop(ctx, workshop)
	if err != nil {
		log.Error("Failed to resolve workshop templates", "error", err)
		return
	}
	latest, err := w.store.LatestDeploymentPerTemplate(ctx, workshopID)
	if err != nil {
		log.Error("Failed to load member deployments", "error", err)
		return
	}

	var deployed, failed, cancelled int
	for _, templateID := range members {
		row, ok := latest[templateID]
		if !ok || !row.Status.Terminal() {
			return // a member is still running
		}
		switch row.Status {
		case models.DeploymentStatusDeployed:
			deployed++
		case models.DeploymentStatusFailed:
			failed++
		case models.DeploymentStatusCancelled:
			cancelled++
		}
	}

	target := w.deployOutcome(deployed, failed, cancelled)
	err = w.store.TransitionWorkshop(ctx, workshopID,
		[]models.WorkshopStatus{models.WorkshopStatusDeploying}, target)
	if errors.Is(err, store.ErrConflict) {
		return // another member settled it
	}
	if err != nil {
		log.Error("Failed to settle workshop", "error", err)
		return
	}
	log.Info("Workshop settled", "status", target,
		"deployed", deployed, "failed", failed, "cancelled", cancelled)

	if target == models.WorkshopStatusDeployed {
		w.storeWorkshopOutput(ctx, workshopID, members, latest)
	}
}

// deployOutcome maps member counts to the aggregate workshop status. A
// cancelled member without failures returns the workshop to pending so it can
// be redeployed.
func (w *Worker) deployOutcome(deployed, failed, cancelled int) models.WorkshopStatus {
	if w.groupPolicy == "degrade" {
		switch {
		case deployed > 0:
			return models.WorkshopStatusDeployed
		case cancelled > 0:
			return models.WorkshopStatusPending
		default:
			return models.WorkshopStatusFailed
		}
	}
	// fail_on_any
	switch {
	case failed > 0:
		return models.WorkshopStatusFailed
	case cancelled > 0:
		return models.WorkshopStatusPending
	default:
		return models.WorkshopStatusDeployed
	}
}

// storeWorkshopOutput merges successful member outputs in member order, later
// members winning name collisions, and stores the blob on the workshop. The
// deployment rows keep the raw terraform output documents; the workshop blob
// carries plain name-to-value pairs.
func (w *Worker) storeWorkshopOutput(ctx context.Context, workshopID uuid.UUID, members []uuid.UUID, latest map[uuid.UUID]models.Deployment) {
	merged := make(map[string]interface{})
	for _, templateID := range members {
		row, ok := latest[templateID]
		if !ok || row.Status != models.DeploymentStatusDeployed {
			continue
		}
		for name, value := range terraform.FlattenOutputs(row.Output) {
			merged[name] = value
		}
	}
	if len(merged) == 0 {
		return
	}
	if err := w.store.SetWorkshopOutput(ctx, workshopID, merged); err != nil {
		slog.Error("Failed to store workshop output", "workshop_id", workshopID, "error", err)
	}
}

// runDestroy drives one destroy row. The workshop is already in destroying;
// the run tears the member's resources down against the recorded state key.
func (w *Worker) runDestroy(ctx context.Context, msg queue.Message) {
	log := slog.With("deployment_id", msg.DeploymentID, "workshop_id", msg.WorkshopID)

	err := w.store.TransitionDeployment(ctx, msg.DeploymentID,
		models.DeploymentStatusPending, models.DeploymentStatusDeploying)
	if errors.Is(err, store.ErrConflict) {
		// Whoever cancelled the pending row already failed the workshop, so
		// unlike the deploy path there is no aggregate left to settle here.
		log.Info("Destroy run no longer pending, skipping")
		w.broker.Close(msg.DeploymentID)
		return
	}
	if err != nil {
		log.Error("Failed to claim destroy run", "error", err)
		return
	}

	state, err := w.setupRun(ctx, msg, os.Environ())
	if err != nil {
		log.Error("Destroy failed before terraform started", "error", err)
		w.failEarly(msg, err.Error())
		return
	}
	defer w.broker.Close(msg.DeploymentID)
	defer state.stopFlush()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.registry.Register(msg.DeploymentID, cancel)
	defer w.registry.Done(msg.DeploymentID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Destroy run panicked", "panic", r)
			w.finishDestroy(msg, state, "", fmt.Errorf("internal error: %v", r))
		}
	}()

	stateKey, runErr := w.executeDestroy(runCtx, state)
	w.finishDestroy(msg, state, stateKey, runErr)
}

// executeDestroy materializes the module the same way deploy does: destroy
// still evaluates the configuration, so the variable file and backend must be
// in place before init.
func (w *Worker) executeDestroy(ctx context.Context, st *runState) (string, error) {
	key := terraform.StateKey(st.deployment.WorkshopID, st.deployment.TemplateID)

	ws, warnings, err := w.workspaces.Materialize(ctx, workspace.Spec{
		DeploymentID: st.deployment.ID,
		TemplateName: st.template.Name,
		ArtifactKey:  st.template.ArtifactKey,
		Variables:    st.deployment.Variables,
		Schema:       st.template.Variables,
		Backend: workspace.Backend{
			Bucket: w.stateBucket,
			Key:    key,
			Region: w.stateRegion,
		},
	})
	if err != nil {
		return "", err
	}
	defer ws.Close()
	for _, warning := range warnings {
		st.fanout.Line("Warning: " + warning)
	}

	reconfigure, err := w.store.HasRemoteState(ctx, st.deployment.WorkshopID, st.deployment.TemplateID)
	if err != nil {
		return "", fmt.Errorf("check remote state: %w", err)
	}
	if err := w.tf.Init(ctx, ws.ModuleDir, st.env, reconfigure, st.fanout.Line); err != nil {
		return "", err
	}
	if err := w.tf.Destroy(ctx, ws.ModuleDir, st.env, st.fanout.Line); err != nil {
		return key, err
	}
	return key, nil
}

// finishDestroy finalizes a destroy run. A successful destroy run lands the
// row in deployed like any other successful run; the workshop status carries
// what the run meant. On failure or cancellation the workshop is failed
// before the row turns terminal, so no sibling settler can read an all-done
// member set while this outcome is still unset.
func (w *Worker) finishDestroy(msg queue.Message, st *runState, stateKey string, runErr error) {
	ctx := context.Background()
	log := slog.With("deployment_id", msg.DeploymentID, "workshop_id", msg.WorkshopID)

	status, line := terminalLine(queue.OpDestroy, runErr)

	if status != models.DeploymentStatusDeployed {
		err := w.store.TransitionWorkshop(ctx, msg.WorkshopID,
			[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusFailed)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			log.Error("Failed to fail workshop after destroy", "error", err)
		}
	}

	st.fanout.Line(line)
	st.stopFlush()

	patch := store.FinalizePatch{StateKey: stateKey}
	if status == models.DeploymentStatusFailed {
		patch.ErrorMessage = st.redact(runErr.Error())
	}
	err := w.store.FinalizeDeployment(ctx, msg.DeploymentID,
		models.DeploymentStatusDeploying, status, patch)
	if err != nil {
		log.Error("Failed to finalize destroy run", "status", status, "error", err)
	} else {
		log.Info("Destroy run finished", "status", status)
	}

	if status == models.DeploymentStatusDeployed {
		w.settleWorkshopAfterDestroy(ctx, msg.WorkshopID)
	}
}

// settleWorkshopAfterDestroy moves the workshop to destroyed once every
// member that ever held resources has a successful destroy run as its latest
// row. Members whose latest row is cancelled never deployed during this
// workshop's lifetime; there is nothing of theirs to tear down.
func (w *Worker) settleWorkshopAfterDestroy(ctx context.Context, workshopID uuid.UUID) {
	log := slog.With("workshop_id", workshopID)

	workshop, err := w.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		log.Error("Failed to load workshop for settlement", "error", err)
		return
	}
	if workshop.Status != models.WorkshopStatusDestroying {
		return
	}

	members, err := w.store.TemplateIDsForWorkshop(ctx, workshop)
	if err != nil {
		log.Error("Failed to resolve workshop templates", "error", err)
		return
	}
	latest, err := w.store.LatestDeploymentPerTemplate(ctx, workshopID)
	if err != nil {
		log.Error("Failed to load member deployments", "error", err)
		return
	}

	for _, templateID := range members {
		row, ok := latest[templateID]
		if !ok || row.Status == models.DeploymentStatusCancelled {
			continue
		}
		if row.Status != models.DeploymentStatusDeployed {
			// Still running, or its own finalizer fails the workshop.
			return
		}
	}

	err = w.store.TransitionWorkshop(ctx, workshopID,
		[]models.WorkshopStatus{models.WorkshopStatusDestroying}, models.WorkshopStatusDestroyed)
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		log.Error("Failed to settle workshop after destroy", "error", err)
		return
	}
	log.Info("Workshop destroyed")
}
