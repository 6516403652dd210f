package chainstate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/veilmarkets/perp-coordinator/internal/perpabi"
)

var ErrInvalidConfig = errors.New("chainstate: invalid config")

// Backend is the read-only subset of ethclient.Client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BatchState is the authoritative on-chain batch state for one pool.
type BatchState struct {
	LastBatchTimestamp time.Time
	CommitmentCount    uint64
}

type Config struct {
	Settlement common.Address
	QuoteToken common.Address

	CallTimeout time.Duration
	// MaxAttempts bounds reads; each retry waits RetryDelay. Defaults: 3, 250ms.
	MaxAttempts int
	RetryDelay  time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Reader performs read-only queries against the settlement and quote-token
// contracts. All methods are pure functions of the latest block.
type Reader struct {
	cfg     Config
	backend Backend

	intervalMu  sync.Mutex
	intervalVal time.Duration
}

func NewReader(cfg Config, backend Backend) (*Reader, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Settlement == (common.Address{}) {
		return nil, fmt.Errorf("%w: settlement address must be non-zero", ErrInvalidConfig)
	}
	if cfg.QuoteToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: quote token address must be non-zero", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Reader{cfg: cfg, backend: backend}, nil
}

func (r *Reader) BatchState(ctx context.Context, poolID common.Hash) (BatchState, error) {
	calldata, err := perpabi.PackBatchState(poolID)
	if err != nil {
		return BatchState{}, err
	}
	out, err := r.call(ctx, r.cfg.Settlement, calldata)
	if err != nil {
		return BatchState{}, fmt.Errorf("chainstate: read batchState: %w", err)
	}
	last, count, err := perpabi.UnpackBatchState(out)
	if err != nil {
		return BatchState{}, err
	}
	st := BatchState{CommitmentCount: count}
	if last > 0 {
		st.LastBatchTimestamp = time.Unix(int64(last), 0).UTC()
	}
	return st, nil
}

// BatchInterval returns the contract's minimum inter-batch interval. The value
// is immutable for the life of the contract, so the first successful read is
// cached. Only a successful read populates the cache, which keeps transient
// failures retryable. The mutex is held across the read so the interval and
// event triggers never race a first read against each other.
func (r *Reader) BatchInterval(ctx context.Context) (time.Duration, error) {
	r.intervalMu.Lock()
	defer r.intervalMu.Unlock()
	if r.intervalVal > 0 {
		return r.intervalVal, nil
	}

	calldata, err := perpabi.PackBatchInterval()
	if err != nil {
		return 0, err
	}
	out, err := r.call(ctx, r.cfg.Settlement, calldata)
	if err != nil {
		return 0, fmt.Errorf("chainstate: read batchInterval: %w", err)
	}
	secs, err := perpabi.UnpackBatchInterval(out)
	if err != nil {
		return 0, err
	}
	if secs == 0 {
		return 0, fmt.Errorf("chainstate: contract reports zero batch interval")
	}
	r.intervalVal = time.Duration(secs) * time.Second
	return r.intervalVal, nil
}

func (r *Reader) QuoteBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	calldata, err := perpabi.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := r.call(ctx, r.cfg.QuoteToken, calldata)
	if err != nil {
		return nil, fmt.Errorf("chainstate: read quote balance of %s: %w", owner, err)
	}
	return perpabi.UnpackBalanceOf(out)
}

// PoolPriceAndLiquidity reads slot-style pool state. Used only for diagnostics
// when a zero-liquidity revert is detected.
func (r *Reader) PoolPriceAndLiquidity(ctx context.Context, poolID common.Hash) (price, liquidity *big.Int, err error) {
	calldata, err := perpabi.PackPoolState(poolID)
	if err != nil {
		return nil, nil, err
	}
	out, err := r.call(ctx, r.cfg.Settlement, calldata)
	if err != nil {
		return nil, nil, fmt.Errorf("chainstate: read pool state: %w", err)
	}
	return perpabi.UnpackPoolState(out)
}

// IsCommitmentConsumed reports whether the contract has already settled the
// commitment. Used by the ledger reconciliation sweep.
func (r *Reader) IsCommitmentConsumed(ctx context.Context, poolID, commitment common.Hash) (bool, error) {
	calldata, err := perpabi.PackIsCommitmentConsumed(poolID, commitment)
	if err != nil {
		return false, err
	}
	out, err := r.call(ctx, r.cfg.Settlement, calldata)
	if err != nil {
		return false, fmt.Errorf("chainstate: read commitment consumed: %w", err)
	}
	return perpabi.UnpackIsCommitmentConsumed(out)
}

func (r *Reader) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.cfg.Sleep(ctx, r.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		out, err := r.backend.CallContract(cctx, msg, nil)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
