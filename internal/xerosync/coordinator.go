package xerosync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrStopped = errors.New("coordinator_stopped")

type runner interface {
	SyncAllPending(ctx context.Context, batchSize int) (Totals, error)
}

type flight struct {
	done   chan struct{}
	totals Totals
	err    error
}

// Coordinator gates sync runs: concurrent requests collapse into one run
// (the contact search-then-create pattern is not safe to race for the same
// user), runs are spaced out by a minimum delay, and no external connection
// is opened when nothing is pending.
type Coordinator struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  stagingdomain.Repository
	sync  runner
	cfg   config.SchedulerConfig

	mu       sync.Mutex
	inFlight *flight
	lastEnd  time.Time
	stopped  bool
}

type CoordinatorParams struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Config       config.Config
	Repo         stagingdomain.Repository
	Synchronizer *Synchronizer
}

func NewCoordinator(p CoordinatorParams) *Coordinator {
	return &Coordinator{
		db:    p.DB,
		log:   p.Log.Named("xerosync.coordinator"),
		clock: p.Clock,
		repo:  p.Repo,
		sync:  p.Synchronizer,
		cfg:   p.Config.Scheduler,
	}
}

// Run executes one coordinator-gated sync pass. If a run is already in
// flight the caller waits for that run and shares its result.
func (c *Coordinator) Run(ctx context.Context) (Totals, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return Totals{}, ErrStopped
	}
	if f := c.inFlight; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.totals, f.err
		case <-ctx.Done():
			return Totals{}, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inFlight = f
	lastEnd := c.lastEnd
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.inFlight == f {
			c.inFlight = nil
		}
		c.lastEnd = c.clock.Now()
		c.mu.Unlock()
		close(f.done)
	}()

	if err := c.waitSpacing(ctx, lastEnd); err != nil {
		f.err = err
		return f.totals, f.err
	}

	// Count before connecting: an empty queue should not cost a token
	// refresh or produce log noise.
	pending, err := c.repo.CountSyncable(ctx, c.db)
	if err != nil {
		f.err = err
		return f.totals, f.err
	}
	if pending == 0 {
		c.log.Debug("nothing pending, run skipped")
		return f.totals, nil
	}

	f.totals, f.err = c.sync.SyncAllPending(ctx, c.cfg.SyncBatchSize)
	return f.totals, f.err
}

// waitSpacing enforces the minimum gap between the end of one run and the
// start of the next.
func (c *Coordinator) waitSpacing(ctx context.Context, lastEnd time.Time) error {
	if lastEnd.IsZero() || c.cfg.MinRunSpacing <= 0 {
		return nil
	}
	remaining := c.cfg.MinRunSpacing - c.clock.Now().Sub(lastEnd)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ForceStop blocks new runs and clears the in-progress flag. External calls
// already issued by an in-flight run are not retracted.
func (c *Coordinator) ForceStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.inFlight = nil
	c.log.Warn("coordinator force-stopped")
}

// Resume lifts a force-stop.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
}
