// Package scheduler drives the periodic sync, retry and cleanup loops.
// Each loop has its own enable flag, interval and batch cap; the loops
// start and stop as a group.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	"github.com/dwenderf/membership-system/internal/metrics"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	"github.com/dwenderf/membership-system/internal/xerosync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const jobTimeout = 5 * time.Minute

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	Repo        stagingdomain.Repository
	Coordinator *xerosync.Coordinator
	Metrics     *metrics.Metrics
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.SchedulerConfig
	repo        stagingdomain.Repository
	coordinator *xerosync.Coordinator
	metrics     *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ticks   map[string]int
	running bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Coordinator == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:       p.Clock,
		cfg:         p.Config.Scheduler,
		repo:        p.Repo,
		coordinator: p.Coordinator,
		metrics:     p.Metrics,
	}, nil
}

// Start launches every enabled loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticks = make(map[string]int)
	s.running = true

	loops := []struct {
		name     string
		enabled  bool
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"sync", s.cfg.SyncEnabled, s.cfg.SyncInterval, s.SyncJob},
		{"retry", s.cfg.RetryEnabled, s.cfg.RetryInterval, s.RetryJob},
		{"cleanup", s.cfg.CleanupEnabled, s.cfg.CleanupInterval, s.CleanupJob},
	}
	for _, loop := range loops {
		if !loop.enabled || loop.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.runLoop(ctx, loop.name, loop.interval, loop.fn)
	}
	s.log.Info("scheduler started")
}

// Stop cancels all loops, waits for in-progress jobs to return, and clears
// internal bookkeeping so a later Start is clean. No tick fires after Stop
// returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.ticks = nil
	s.running = false
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TickCount returns how many times the named loop has fired since Start.
func (s *Scheduler) TickCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks[name]
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.noteTick(name)
		if err := s.runJob(ctx, name, fn); err != nil {
			s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

func (s *Scheduler) noteTick(name string) {
	s.mu.Lock()
	if s.ticks != nil {
		s.ticks[name]++
	}
	s.mu.Unlock()
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out", zap.String("job", name), zap.Error(err))
		return nil
	}
	s.metrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// SyncJob runs one coordinator-gated sync pass.
func (s *Scheduler) SyncJob(ctx context.Context) error {
	totals, err := s.coordinator.Run(ctx)
	if errors.Is(err, xerosync.ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	if totals.Synced() > 0 || totals.Failed() > 0 {
		s.log.Info("scheduled sync completed",
			zap.Int("synced", totals.Synced()),
			zap.Int("failed", totals.Failed()),
		)
	}
	return nil
}

// RetryJob promotes draft invoices whose local payment has since completed
// into the pending state. Rows marked failed stay failed until an operator
// retries them.
func (s *Scheduler) RetryJob(ctx context.Context) error {
	promoted, err := s.repo.PromoteDraftInvoices(ctx, s.db, s.cfg.RetryBatchSize, s.clock.Now())
	if err != nil {
		return fmt.Errorf("promote draft invoices: %w", err)
	}
	if promoted > 0 {
		s.log.Info("draft invoices promoted", zap.Int64("count", promoted))
	}
	return nil
}

// CleanupJob removes synced rows older than the retention window and audit
// logs older than the log retention. Pending and failed rows are never
// deleted regardless of age.
func (s *Scheduler) CleanupJob(ctx context.Context) error {
	now := s.clock.Now()

	invoices, err := s.repo.DeleteSyncedInvoicesBefore(ctx, s.db, now.Add(-s.cfg.RetentionWindow))
	if err != nil {
		return fmt.Errorf("cleanup invoices: %w", err)
	}
	payments, err := s.repo.DeleteSyncedPaymentsBefore(ctx, s.db, now.Add(-s.cfg.RetentionWindow))
	if err != nil {
		return fmt.Errorf("cleanup payments: %w", err)
	}
	logs, err := s.repo.DeleteSyncLogsBefore(ctx, s.db, now.Add(-s.cfg.LogRetention))
	if err != nil {
		return fmt.Errorf("cleanup sync logs: %w", err)
	}

	if invoices > 0 || payments > 0 || logs > 0 {
		s.log.Info("cleanup completed",
			zap.Int64("invoices_removed", invoices),
			zap.Int64("payments_removed", payments),
			zap.Int64("logs_removed", logs),
		)
	}
	return nil
}
