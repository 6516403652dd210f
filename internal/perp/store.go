package perp

import (
	"context"
	"time"
)

// LedgerStore persists revealed-but-unexecuted commitments per pool.
//
// The ledger is advisory: it tracks what this process has seen revealed. The
// settlement contract remains the source of truth for whether a commitment has
// been consumed, and rejects duplicates; callers must tolerate a transiently
// stale ledger.
type LedgerStore interface {
	// Insert records a revealed commitment. Re-inserting the same
	// (pool, commitment) pair is a no-op.
	Insert(ctx context.Context, r PendingReveal) error

	// ListByPool returns up to limit pending reveals for the pool, oldest
	// first (CreatedAt ASC, Commitment ASC tiebreak). limit <= 0 means all.
	ListByPool(ctx context.Context, poolID [32]byte, limit int) ([]PendingReveal, error)

	CountByPool(ctx context.Context, poolID [32]byte) (int, error)

	// DeleteBatch removes the given commitments for the pool. Missing rows are
	// ignored; the call is safe to repeat.
	DeleteBatch(ctx context.Context, poolID [32]byte, commitments [][32]byte) error
}

// OrderStore persists user order intents keyed by commitment.
type OrderStore interface {
	// Upsert inserts a pending order. Re-upserting an identical order is a
	// no-op; a conflicting order under the same commitment is an error.
	Upsert(ctx context.Context, o Order) error

	Get(ctx context.Context, commitment [32]byte) (Order, error)

	// MarkExecutedBatch transitions the given orders pending -> executed and
	// returns the commitments actually transitioned. Already-executed orders
	// are skipped, making reconciliation idempotent.
	MarkExecutedBatch(ctx context.Context, commitments [][32]byte, at time.Time) ([][32]byte, error)

	Cancel(ctx context.Context, commitment [32]byte) error
}

// TradeStore is the append-only settlement record store.
type TradeStore interface {
	// InsertBatch appends trades, skipping commitments that already have a
	// trade row. Repeating the call with the same set inserts nothing.
	InsertBatch(ctx context.Context, trades []Trade) error

	ListByTrader(ctx context.Context, trader [20]byte, limit int) ([]Trade, error)
}
