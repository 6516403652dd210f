package batchexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/veilmarkets/perp-coordinator/internal/artifacts"
	"github.com/veilmarkets/perp-coordinator/internal/chainstate"
	"github.com/veilmarkets/perp-coordinator/internal/ethtx"
	"github.com/veilmarkets/perp-coordinator/internal/funding"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
	"github.com/veilmarkets/perp-coordinator/internal/perpabi"
	"github.com/veilmarkets/perp-coordinator/internal/simulate"
)

var ErrInvalidConfig = errors.New("batchexec: invalid config")

// MinCommitments is the reveal quorum required before a batch may execute.
const MinCommitments = 2

// ChainReader is the read-only chain view the coordinator needs.
type ChainReader interface {
	BatchState(ctx context.Context, poolID common.Hash) (chainstate.BatchState, error)
	BatchInterval(ctx context.Context) (time.Duration, error)
	PoolPriceAndLiquidity(ctx context.Context, poolID common.Hash) (price, liquidity *big.Int, err error)
	IsCommitmentConsumed(ctx context.Context, poolID, commitment common.Hash) (bool, error)
}

// Funder pre-funds the settlement contract for a batch.
type Funder interface {
	EnsureSettlementFunding(ctx context.Context, poolID common.Hash, orders []perp.Order) error
}

// Simulator dry-runs the batch call; nil means the call would succeed.
type Simulator interface {
	Simulate(ctx context.Context, from, to common.Address, calldata []byte) error
}

// Broadcaster signs and broadcasts the batch transaction and waits for it to
// mine.
type Broadcaster interface {
	From() common.Address
	SendAndWaitMined(ctx context.Context, req ethtx.Request) (ethtx.Result, error)
}

type Config struct {
	Settlement common.Address

	// MaxBatchSize truncates the pending set to the oldest N reveals.
	// Zero means no cap.
	MaxBatchSize int

	// GasLimit overrides gas estimation for executeBatch when non-zero.
	GasLimit uint64

	Now func() time.Time
}

// Coordinator owns the end-to-end batch execution decision: gather pending
// reveals, apply the readiness predicate, arrange funding, simulate, broadcast,
// and reconcile the ledger and order/trade records.
type Coordinator struct {
	cfg Config

	ledger perp.LedgerStore
	orders perp.OrderStore
	trades perp.TradeStore

	reader      ChainReader
	funder      Funder
	sim         Simulator
	broadcaster Broadcaster
	artifacts   artifacts.Store

	log *slog.Logger
}

func New(cfg Config, ledger perp.LedgerStore, orders perp.OrderStore, trades perp.TradeStore, reader ChainReader, funder Funder, sim Simulator, broadcaster Broadcaster, log *slog.Logger) (*Coordinator, error) {
	if ledger == nil || orders == nil || trades == nil || reader == nil || funder == nil || sim == nil || broadcaster == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Settlement == (common.Address{}) {
		return nil, fmt.Errorf("%w: settlement address must be non-zero", ErrInvalidConfig)
	}
	if cfg.MaxBatchSize < 0 {
		return nil, fmt.Errorf("%w: MaxBatchSize must be >= 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Coordinator{
		cfg:         cfg,
		ledger:      ledger,
		orders:      orders,
		trades:      trades,
		reader:      reader,
		funder:      funder,
		sim:         sim,
		broadcaster: broadcaster,
		log:         log,
	}, nil
}

// WithArtifactStore configures optional audit persistence for batch calldata
// and decoded simulation reverts.
func (c *Coordinator) WithArtifactStore(store artifacts.Store) *Coordinator {
	c.artifacts = store
	return c
}

// TryExecuteBatch runs one execution attempt for the pool and returns true iff
// a batch was actually broadcast and confirmed.
//
// Nothing before the broadcast has side effects on persistent order state, so
// a false return is always safe to retry on the next trigger. Failures are
// logged, never propagated: the fallback trigger retries on its next cycle.
func (c *Coordinator) TryExecuteBatch(ctx context.Context, key perp.PoolKey, label string) bool {
	if err := key.Validate(); err != nil {
		c.log.Warn("invalid pool key", "err", err, "trigger", label)
		return false
	}
	poolID := common.Hash(key.ID())
	log := c.log.With("pool_id", poolID, "trigger", label)

	pending, orders, ready := c.readiness(ctx, poolID, log)
	if !ready {
		return false
	}
	log = log.With("commitments", len(pending))

	if err := c.funder.EnsureSettlementFunding(ctx, poolID, orders); err != nil {
		if errors.Is(err, funding.ErrWalletUnderfunded) {
			log.Warn("batch skipped: cannot arrange settlement funding", "err", err)
		} else {
			log.Error("funding reconciliation failed", "err", err)
		}
		return false
	}

	commitments := make([]common.Hash, 0, len(pending))
	for _, r := range pending {
		commitments = append(commitments, common.Hash(r.Commitment))
	}
	calldata, err := perpabi.PackExecuteBatch(poolID, commitments)
	if err != nil {
		log.Error("pack executeBatch calldata", "err", err)
		return false
	}

	if err := c.sim.Simulate(ctx, c.broadcaster.From(), c.cfg.Settlement, calldata); err != nil {
		c.reportSimulatedRevert(ctx, poolID, err, log)
		return false
	}

	c.persistCalldataArtifact(ctx, poolID, calldata, log)

	res, err := c.broadcaster.SendAndWaitMined(ctx, ethtx.Request{
		To:       c.cfg.Settlement,
		Data:     calldata,
		GasLimit: c.cfg.GasLimit,
	})
	if err != nil {
		if errors.Is(err, ethtx.ErrOutcomeUnknown) {
			// The tx may still mine. Never rebroadcast; flag for manual
			// reconciliation and let the sweep catch a late confirmation.
			log.Error("broadcast outcome unknown, needs manual reconciliation", "err", err, "tx_hash", res.TxHash)
		} else {
			log.Error("batch broadcast failed", "err", err)
		}
		return false
	}

	c.reconcile(ctx, poolID, pending, orders, res.TxHash, log)

	log.Info("batch executed", "tx_hash", res.TxHash, "gas_used", res.Receipt.GasUsed)
	return true
}

// readiness evaluates the execution gate. A chain read failure is treated as
// not ready rather than assuming readiness.
func (c *Coordinator) readiness(ctx context.Context, poolID common.Hash, log *slog.Logger) ([]perp.PendingReveal, []perp.Order, bool) {
	pending, err := c.ledger.ListByPool(ctx, poolID, 0)
	if err != nil {
		log.Error("list pending reveals", "err", err)
		return nil, nil, false
	}
	if len(pending) < MinCommitments {
		log.Debug("not ready: below reveal quorum", "pending", len(pending), "quorum", MinCommitments)
		return nil, nil, false
	}
	if c.cfg.MaxBatchSize > 0 && len(pending) > c.cfg.MaxBatchSize {
		pending = pending[:c.cfg.MaxBatchSize]
		if len(pending) < MinCommitments {
			log.Debug("not ready: truncated set below quorum", "pending", len(pending))
			return nil, nil, false
		}
	}

	interval, err := c.reader.BatchInterval(ctx)
	if err != nil {
		log.Warn("not ready: batch interval read failed", "err", err)
		return nil, nil, false
	}
	state, err := c.reader.BatchState(ctx, poolID)
	if err != nil {
		log.Warn("not ready: batch state read failed", "err", err)
		return nil, nil, false
	}

	now := c.cfg.Now().UTC()
	// lastBatchTimestamp == 0 means no batch has ever executed: immediately
	// ready on the contract side.
	if !state.LastBatchTimestamp.IsZero() && now.Before(state.LastBatchTimestamp.Add(interval)) {
		log.Debug("not ready: batch interval not elapsed",
			"last_batch", state.LastBatchTimestamp, "interval", interval)
		return nil, nil, false
	}
	// The oldest reveal must itself have aged a full interval, so a batch is
	// never built from just-arrived commitments.
	if oldest := pending[0]; now.Before(oldest.CreatedAt.Add(interval)) {
		log.Debug("not ready: oldest reveal not aged", "oldest", oldest.CreatedAt, "interval", interval)
		return nil, nil, false
	}

	// Load the order behind each commitment. Reveals without an order row are
	// dropped from this attempt; the set stays a subset of the ledger.
	kept := pending[:0]
	orders := make([]perp.Order, 0, len(pending))
	for _, r := range pending {
		o, err := c.orders.Get(ctx, r.Commitment)
		if err != nil {
			if errors.Is(err, perp.ErrNotFound) {
				log.Warn("pending reveal has no order row", "commitment", common.Hash(r.Commitment))
				continue
			}
			log.Error("load order", "err", err)
			return nil, nil, false
		}
		kept = append(kept, r)
		orders = append(orders, o)
	}
	if len(kept) < MinCommitments {
		log.Debug("not ready: orderless reveals dropped set below quorum", "pending", len(kept))
		return nil, nil, false
	}
	return kept, orders, true
}

// reconcile applies the on-chain outcome to the off-chain stores. It is
// at-least-once: every mutation is idempotent per commitment, and a failure
// here leaves the reveal in the ledger for the sweep while the contract's own
// replay protection guards against double execution.
func (c *Coordinator) reconcile(ctx context.Context, poolID common.Hash, executed []perp.PendingReveal, orders []perp.Order, txHash common.Hash, log *slog.Logger) {
	commitments := make([][32]byte, 0, len(executed))
	for _, r := range executed {
		commitments = append(commitments, r.Commitment)
	}

	now := c.cfg.Now().UTC()
	// Trade rows are built for the whole executed set, not just the orders
	// this call transitions, and inserted before the order status flips.
	// InsertBatch skips commitments that already have a trade row, so a retry
	// after a partial failure backfills whatever an earlier attempt missed.
	trades := make([]perp.Trade, 0, len(orders))
	for _, o := range orders {
		trades = append(trades, perp.Trade{
			Commitment: o.Commitment,
			Trader:     o.Trader,
			Market:     o.Market,
			Size:       o.Size,
			IsLong:     o.IsLong,
			IsOpen:     o.IsOpen,
			Collateral: o.Collateral,
			Leverage:   o.Leverage,
			TxHash:     txHash,
			ExecutedAt: now,
			// TODO: populate RealizedPnL for closes from the contract's
			// PositionClosed event once the indexer lands.
		})
	}
	if err := c.trades.InsertBatch(ctx, trades); err != nil {
		log.Error("reconciliation failed: insert trades", "err", err, "tx_hash", txHash)
		return
	}
	if _, err := c.orders.MarkExecutedBatch(ctx, commitments, now); err != nil {
		log.Error("reconciliation failed: mark orders executed", "err", err, "tx_hash", txHash)
		return
	}
	if err := c.ledger.DeleteBatch(ctx, poolID, commitments); err != nil {
		log.Error("reconciliation failed: delete pending reveals", "err", err, "tx_hash", txHash)
		return
	}
}

// ReconcileLedger re-verifies ledger entries against the contract's consumed
// set and drops entries the chain has already settled. The ledger is an
// advisory cache; this sweep bounds how stale it can stay after a missed or
// partially failed reconciliation.
func (c *Coordinator) ReconcileLedger(ctx context.Context, key perp.PoolKey) error {
	poolID := common.Hash(key.ID())
	pending, err := c.ledger.ListByPool(ctx, poolID, 0)
	if err != nil {
		return err
	}

	consumed := make([][32]byte, 0)
	for _, r := range pending {
		ok, err := c.reader.IsCommitmentConsumed(ctx, poolID, common.Hash(r.Commitment))
		if err != nil {
			return fmt.Errorf("batchexec: sweep consumed check: %w", err)
		}
		if ok {
			consumed = append(consumed, r.Commitment)
		}
	}
	if len(consumed) == 0 {
		return nil
	}

	now := c.cfg.Now().UTC()
	// A sweep may be settling commitments whose reconciliation died after the
	// broadcast, so it records trade rows too. The batch tx hash is no longer
	// known here; swept rows carry a zero hash and InsertBatch leaves any row
	// the broadcast path already wrote untouched.
	trades := make([]perp.Trade, 0, len(consumed))
	for _, cmt := range consumed {
		o, err := c.orders.Get(ctx, cmt)
		if err != nil {
			if errors.Is(err, perp.ErrNotFound) {
				continue
			}
			return fmt.Errorf("batchexec: sweep load order: %w", err)
		}
		trades = append(trades, perp.Trade{
			Commitment: o.Commitment,
			Trader:     o.Trader,
			Market:     o.Market,
			Size:       o.Size,
			IsLong:     o.IsLong,
			IsOpen:     o.IsOpen,
			Collateral: o.Collateral,
			Leverage:   o.Leverage,
			ExecutedAt: now,
		})
	}
	if err := c.trades.InsertBatch(ctx, trades); err != nil {
		return err
	}
	if _, err := c.orders.MarkExecutedBatch(ctx, consumed, now); err != nil {
		return err
	}
	if err := c.ledger.DeleteBatch(ctx, poolID, consumed); err != nil {
		return err
	}
	c.log.Info("ledger sweep dropped consumed commitments", "pool_id", poolID, "count", len(consumed))
	return nil
}

func (c *Coordinator) reportSimulatedRevert(ctx context.Context, poolID common.Hash, err error, log *slog.Logger) {
	var rev *simulate.RevertError
	if !errors.As(err, &rev) {
		log.Warn("batch skipped: simulation failed", "err", err)
		return
	}

	if rev.ZeroLiquidity() {
		price, liquidity, diagErr := c.reader.PoolPriceAndLiquidity(ctx, poolID)
		if diagErr != nil {
			log.Warn("batch skipped: zero-liquidity revert; pool state unreadable",
				"reason", rev.Reason.String(), "err", rev, "diag_err", diagErr)
		} else {
			log.Warn("batch skipped: pool has zero in-range liquidity or is uninitialized",
				"reason", rev.Reason.String(), "price", price.String(), "liquidity", liquidity.String())
		}
	} else {
		log.Info("batch skipped: simulated revert", "reason", rev.Reason.String(), "err", rev)
	}

	if c.artifacts != nil {
		key := "batches/" + poolID.Hex() + "/" + revertArtifactName(c.cfg.Now().UTC())
		if putErr := c.artifacts.Put(ctx, key, rev.Raw, artifacts.PutOptions{
			ContentType: "application/octet-stream",
			Metadata: map[string]string{
				"artifact-type": "simulated-revert",
				"reason":        rev.Reason.String(),
			},
		}); putErr != nil {
			log.Warn("persist revert artifact", "err", putErr)
		}
	}
}

func (c *Coordinator) persistCalldataArtifact(ctx context.Context, poolID common.Hash, calldata []byte, log *slog.Logger) {
	if c.artifacts == nil {
		return
	}
	key := "batches/" + poolID.Hex() + "/" + calldataArtifactName(c.cfg.Now().UTC())
	if err := c.artifacts.Put(ctx, key, []byte(hexutil.Encode(calldata)), artifacts.PutOptions{
		ContentType: "text/plain",
		Metadata: map[string]string{
			"artifact-type": "batch-calldata",
		},
	}); err != nil {
		log.Warn("persist calldata artifact", "err", err)
	}
}

func revertArtifactName(t time.Time) string {
	return t.Format("20060102T150405.000000000") + ".revert"
}

func calldataArtifactName(t time.Time) string {
	return t.Format("20060102T150405.000000000") + ".calldata"
}
