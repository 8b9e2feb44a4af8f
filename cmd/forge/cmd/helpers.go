package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/db"
	"github.com/elaas-dev/forge/internal/logger"
	"github.com/elaas-dev/forge/internal/logstream"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/rbac"
	"github.com/elaas-dev/forge/internal/runner"
	"github.com/elaas-dev/forge/internal/service"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
	"gorm.io/gorm"
)

// engine bundles everything a one-shot command needs. One-shot commands talk
// to the same database and valkey instance as a running serve daemon; the
// daemon's workers pick up whatever they enqueue.
type engine struct {
	cfg    *config.Config
	db     *gorm.DB
	store  *store.Store
	queue  queue.Queue
	valkey valkey.Client // nil unless the queue is valkey-backed
	svc    *service.WorkshopService
}

// openEngine loads configuration and wires a façade for a one-shot command.
// The broker and registry are fresh and empty: no runs live in this process,
// so cancel requests travel over the cancel bus and log follows go through
// valkey or polling.
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Format, cfg.Log.Level)

	database, err := db.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := rbac.InitEnforcer(database, slog.Default()); err != nil {
		return nil, fmt.Errorf("init rbac: %w", err)
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return nil, err
	}

	var valkeyClient valkey.Client
	var bus service.CancelBroadcaster
	if vq, ok := q.(*queue.ValkeyQueue); ok {
		valkeyClient = vq.Client()
		bus = runner.NewCancelBus(valkeyClient)
	}

	st := store.New(database)
	svc := service.New(st, q, logstream.NewBroker(), runner.NewRegistry(), artifact.New(cfg.Artifacts), bus)

	return &engine{
		cfg:    cfg,
		db:     database,
		store:  st,
		queue:  q,
		valkey: valkeyClient,
		svc:    svc,
	}, nil
}

func (e *engine) Close() {
	if err := e.queue.Close(); err != nil {
		slog.Warn("Failed to close queue", "error", err)
	}
}

// warnIfUnconsumed flags enqueues that nothing will ever dequeue: the memory
// queue lives and dies with this process, and a one-shot command runs no
// workers.
func (e *engine) warnIfUnconsumed() {
	if e.valkey == nil {
		fmt.Fprintln(os.Stderr, "warning: queue.type is memory; queued runs are only consumed by a worker in the same process. Point queue.type at valkey to reach a running `forge serve`.")
	}
}

// resolveActor maps the --as username onto a user row.
func resolveActor(ctx context.Context, st *store.Store) (uuid.UUID, error) {
	if actorName == "" {
		return uuid.Nil, fmt.Errorf("no actor: pass --as <username> or set FORGE_ACTOR")
	}
	user, err := st.GetUserByUsername(ctx, actorName)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve actor %q: %w", actorName, err)
	}
	return user.ID, nil
}

// parseVars turns repeated key=value flags into a variable map. Values that
// parse as JSON keep their type (numbers, bools, lists); everything else is a
// string.
func parseVars(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}

// parseID validates a positional UUID argument.
func parseID(arg, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}
