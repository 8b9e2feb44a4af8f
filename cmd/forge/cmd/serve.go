package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/credentials"
	"github.com/elaas-dev/forge/internal/db"
	"github.com/elaas-dev/forge/internal/logger"
	"github.com/elaas-dev/forge/internal/logstream"
	"github.com/elaas-dev/forge/internal/queue"
	"github.com/elaas-dev/forge/internal/rbac"
	"github.com/elaas-dev/forge/internal/runner"
	"github.com/elaas-dev/forge/internal/scheduler"
	"github.com/elaas-dev/forge/internal/service"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/elaas-dev/forge/internal/terraform"
	"github.com/elaas-dev/forge/internal/worker"
	"github.com/elaas-dev/forge/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	Long: `Run the worker pool and the TTL expiry scheduler. The daemon consumes the
operation queue, drives terraform runs and retires workshops whose TTL has
lapsed. With the valkey queue, any number of daemons share the load and
one-shot forge commands reach them from other hosts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Init(cfg.Log.Format, cfg.Log.Level)
	slog.Info("Starting forge daemon", "version", Version)

	database, err := db.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := rbac.InitEnforcer(database, slog.Default()); err != nil {
		return fmt.Errorf("init rbac: %w", err)
	}
	slog.Info("Database initialized", "driver", cfg.Database.Driver)

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}
	defer q.Close()
	slog.Info("Operation queue initialized", "type", cfg.Queue.Type)

	var valkeyClient valkey.Client
	if vq, ok := q.(*queue.ValkeyQueue); ok {
		valkeyClient = vq.Client()
		slog.Info("Valkey client available for log streaming and cancel relay")
	}

	creds, err := credentialSource(cfg, database)
	if err != nil {
		return fmt.Errorf("initialize credential source: %w", err)
	}

	st := store.New(database)
	artifacts := artifact.New(cfg.Artifacts)
	broker := logstream.NewBroker()
	registry := runner.NewRegistry()

	w := worker.New(worker.Deps{
		Store:        st,
		Queue:        q,
		Terraform:    terraform.New(cfg.Terraform),
		Workspaces:   workspace.NewMaterializer(artifacts, cfg.Terraform.WorkDir),
		Credentials:  creds,
		Broker:       broker,
		Registry:     registry,
		ValkeyClient: valkeyClient,
	}, cfg.Worker, cfg.Terraform)

	var cancelBus *runner.CancelBus
	var bus service.CancelBroadcaster
	if valkeyClient != nil {
		cancelBus = runner.NewCancelBus(valkeyClient)
		bus = cancelBus
	}
	svc := service.New(st, q, broker, registry, artifacts, bus)

	// Construct before the workers start consuming: the scheduler's orphan
	// recovery cutoff must predate the first claim this process makes.
	sched := scheduler.New(st, svc, w, cfg.Scheduler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cancelBus != nil {
		go func() {
			if err := cancelBus.Listen(ctx, registry); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Cancel bus listener failed", "error", err)
			}
		}()
	}

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- w.Start(ctx)
	}()

	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		slog.Info("Scheduler disabled; expired workshops will not be retired")
	}

	<-ctx.Done()
	slog.Info("Shutting down...")

	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker stopped with error", "error", err)
	}

	slog.Info("Forge daemon exited")
	return nil
}

// credentialSource builds the cloud credential source selected by
// configuration. The master key for the encrypted store only ever travels
// through the named environment variable.
func credentialSource(cfg *config.Config, database *gorm.DB) (credentials.Source, error) {
	switch cfg.Credentials.Source {
	case "", "env":
		return credentials.NewEnvSource(cfg.Terraform.StateRegion), nil
	case "store":
		masterKey := os.Getenv(cfg.Credentials.MasterKeyEnv)
		return credentials.NewStoreSource(database, masterKey, cfg.Terraform.StateRegion)
	default:
		return nil, fmt.Errorf("unknown credentials source %q (supported: env, store)", cfg.Credentials.Source)
	}
}
