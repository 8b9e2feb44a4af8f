// Package scheduler retires workshops whose TTL has lapsed. Each sweep claims
// expired workshops through the store's compare-and-set transitions and hands
// every claim to the orchestration façade for teardown, so any number of
// concurrent sweepers agree on a single claimant per workshop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elaas-dev/forge/internal/audit"
	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// claimBatch caps how many workshops one sweep iteration claims before
// tearing them down and going back for more.
const claimBatch = 32

// Destroyer enqueues teardown runs for a workshop that already holds
// destroying status. *service.WorkshopService satisfies it.
type Destroyer interface {
	EnqueueDestroyRuns(ctx context.Context, ws *models.Workshop, actor uuid.UUID) ([]models.Deployment, error)
}

// Recoverer finalizes runs abandoned by a dead process. *worker.Worker
// satisfies it.
type Recoverer interface {
	RecoverOrphanedRuns(ctx context.Context, cutoff time.Time) (int, error)
}

// Scheduler periodically sweeps expired workshops into teardown.
type Scheduler struct {
	store     *store.Store
	destroyer Destroyer
	recoverer Recoverer
	logger    *slog.Logger

	interval    time.Duration
	sweepFailed bool
	maxParallel int
	startedAt   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a scheduler from configuration. The recoverer may be nil when
// the process runs no workers of its own. The orphan-recovery cutoff is taken
// here, so construct the scheduler before the worker pool starts consuming.
func New(st *store.Store, destroyer Destroyer, recoverer Recoverer, cfg config.SchedulerConfig) *Scheduler {
	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxParallel := cfg.MaxConcurrent
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Scheduler{
		store:       st,
		destroyer:   destroyer,
		recoverer:   recoverer,
		logger:      slog.With("component", "scheduler"),
		interval:    interval,
		sweepFailed: cfg.SweepFailed,
		maxParallel: maxParallel,
		startedAt:   time.Now().UTC(),
		stopCh:      make(chan struct{}),
	}
}

// Start recovers runs orphaned by the previous process, then launches the
// sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.recoverer != nil {
		n, err := s.recoverer.RecoverOrphanedRuns(ctx, s.startedAt)
		if err != nil {
			return fmt.Errorf("recover orphaned runs: %w", err)
		}
		if n > 0 {
			s.logger.Info("Recovered orphaned runs", "count", n)
		}
	}

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("Scheduler started", "interval", s.interval, "sweep_failed", s.sweepFailed)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep claims every workshop past its expiry and tears each one down. The
// store claims row by row, so concurrent sweeps split the expired set between
// them instead of double-destroying. A full batch means more may be waiting;
// the sweep keeps claiming until the backlog is drained.
func (s *Scheduler) sweep(ctx context.Context) {
	for {
		claimed, err := s.store.ClaimExpired(ctx, time.Now().UTC(), s.sweepFailed, claimBatch)
		if err != nil {
			s.logger.Error("Failed to claim expired workshops", "error", err)
			return
		}
		if len(claimed) == 0 {
			return
		}
		s.logger.Info("Claimed expired workshops", "count", len(claimed))

		var g errgroup.Group
		g.SetLimit(s.maxParallel)
		for _, ws := range claimed {
			g.Go(func() error {
				if err := s.expire(ctx, ws); err != nil {
					s.logger.Error("Failed to expire workshop",
						"workshop_id", ws.ID, "name", ws.Name, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(claimed) < claimBatch {
			return
		}
	}
}

// expire tears one claimed workshop down. The destroy runs are attributed to
// the workshop's creator since TTL expiry has no requesting user.
func (s *Scheduler) expire(ctx context.Context, ws models.Workshop) error {
	runs, err := s.destroyer.EnqueueDestroyRuns(ctx, &ws, ws.CreatedBy)
	if err != nil {
		return err
	}
	s.logger.Info("Expired workshop queued for teardown",
		"workshop_id", ws.ID, "name", ws.Name, "destroy_runs", len(runs))

	audit.LogAction(s.store.DB(), ws.CreatedBy, audit.ActionWorkshopExpire, "workshop:"+ws.ID.String(), map[string]interface{}{
		"expired_at":   ws.ExpiresAt,
		"destroy_runs": len(runs),
	})
	return nil
}
