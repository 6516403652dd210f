package batchexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/veilmarkets/perp-coordinator/internal/perp"
)

// MinTriggerPeriod is the floor for the interval trigger period.
const MinTriggerPeriod = 15 * time.Second

var ErrInvalidTriggerConfig = errors.New("batchexec: invalid trigger config")

// Executor is the coordinator surface the triggers drive. Both triggers are
// safe to fire concurrently for the same pool: the readiness gate and the
// simulate-before-broadcast step make a spurious double trigger a no-op.
type Executor interface {
	TryExecuteBatch(ctx context.Context, key perp.PoolKey, label string) bool
	ReconcileLedger(ctx context.Context, key perp.PoolKey) error
}

type TriggerConfig struct {
	Period time.Duration

	// SweepEvery runs the ledger reconciliation sweep once per N ticks.
	// Zero disables the sweep.
	SweepEvery int
}

// IntervalTrigger is the wall-clock fallback that retries batch execution for
// a fixed pool set while the process is alive. The event trigger (OnReveal)
// covers the common path; this loop catches anything it missed.
type IntervalTrigger struct {
	cfg   TriggerConfig
	exec  Executor
	pools []perp.PoolKey
	log   *slog.Logger
}

func NewIntervalTrigger(cfg TriggerConfig, exec Executor, pools []perp.PoolKey, log *slog.Logger) (*IntervalTrigger, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: nil executor", ErrInvalidTriggerConfig)
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: empty pool set", ErrInvalidTriggerConfig)
	}
	if cfg.Period < MinTriggerPeriod {
		cfg.Period = MinTriggerPeriod
	}
	if cfg.SweepEvery < 0 {
		return nil, fmt.Errorf("%w: SweepEvery must be >= 0", ErrInvalidTriggerConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &IntervalTrigger{cfg: cfg, exec: exec, pools: pools, log: log}, nil
}

// Run drives the trigger until ctx is cancelled.
func (t *IntervalTrigger) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Period)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tick++

		for _, key := range t.pools {
			t.exec.TryExecuteBatch(ctx, key, "interval")

			if t.cfg.SweepEvery > 0 && tick%t.cfg.SweepEvery == 0 {
				if err := t.exec.ReconcileLedger(ctx, key); err != nil {
					t.log.Warn("ledger reconciliation sweep failed", "err", err)
				}
			}
		}
	}
}

// OnReveal is the event trigger: invoked right after a reveal confirms, with
// the pool the reveal was written to. The reveal's own success is independent
// of whether a batch happens to execute afterward, so the return value is only
// informational.
func (c *Coordinator) OnReveal(ctx context.Context, key perp.PoolKey) bool {
	return c.TryExecuteBatch(ctx, key, "reveal")
}
