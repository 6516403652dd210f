package funding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilmarkets/perp-coordinator/internal/ethtx"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
	"github.com/veilmarkets/perp-coordinator/internal/perpabi"
)

var (
	ErrInvalidConfig = errors.New("funding: invalid config")

	// ErrWalletUnderfunded means the executing wallet cannot cover the
	// settlement shortfall. The batch must be skipped and the condition
	// reported; it is never silently downgraded.
	ErrWalletUnderfunded = errors.New("funding: executing wallet quote balance insufficient")
)

// DefaultBufferMultiplier absorbs slippage, fees, and drift between the fixed
// price estimate and actual execution.
const DefaultBufferMultiplier = 10

// BalanceReader reads current quote-token balances.
type BalanceReader interface {
	QuoteBalance(ctx context.Context, owner common.Address) (*big.Int, error)
}

// TxSender moves quote tokens from the executing wallet.
type TxSender interface {
	From() common.Address
	SendAndWaitMined(ctx context.Context, req ethtx.Request) (ethtx.Result, error)
}

type Config struct {
	Settlement common.Address
	QuoteToken common.Address

	// PriceEstimate is a fixed conservative quote-per-base price in token base
	// units. Deliberately not the live oracle price, so funding does not chase
	// volatile quotes.
	PriceEstimate *big.Int

	// BufferMultiplier scales the estimate; defaults to DefaultBufferMultiplier.
	BufferMultiplier int64
}

// Reconciler tops the settlement contract up with the quote currency a batch
// will need before execution.
type Reconciler struct {
	cfg    Config
	reader BalanceReader
	sender TxSender
	log    *slog.Logger
}

func New(cfg Config, reader BalanceReader, sender TxSender, log *slog.Logger) (*Reconciler, error) {
	if reader == nil || sender == nil {
		return nil, fmt.Errorf("%w: nil reader/sender", ErrInvalidConfig)
	}
	if cfg.Settlement == (common.Address{}) {
		return nil, fmt.Errorf("%w: settlement address must be non-zero", ErrInvalidConfig)
	}
	if cfg.QuoteToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: quote token address must be non-zero", ErrInvalidConfig)
	}
	if cfg.PriceEstimate == nil || cfg.PriceEstimate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price estimate must be > 0", ErrInvalidConfig)
	}
	if cfg.BufferMultiplier == 0 {
		cfg.BufferMultiplier = DefaultBufferMultiplier
	}
	if cfg.BufferMultiplier < 1 {
		return nil, fmt.Errorf("%w: buffer multiplier must be >= 1", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reconciler{cfg: cfg, reader: reader, sender: sender, log: log}, nil
}

// RequiredQuote computes the conservative quote requirement for the order set:
// sum of pending base sizes times the fixed price estimate times the buffer.
func (r *Reconciler) RequiredQuote(orders []perp.Order) *big.Int {
	totalBase := new(big.Int)
	for _, o := range orders {
		if o.Status != perp.StatusPending || o.Size == nil {
			continue
		}
		totalBase.Add(totalBase, o.Size)
	}
	needed := new(big.Int).Mul(totalBase, r.cfg.PriceEstimate)
	return needed.Mul(needed, big.NewInt(r.cfg.BufferMultiplier))
}

// EnsureSettlementFunding guarantees the settlement contract holds enough
// quote currency for the batch, transferring the shortfall from the executing
// wallet when needed. A zero requirement or an already-sufficient balance is a
// no-op; no transfer of zero or negative amounts is ever issued.
func (r *Reconciler) EnsureSettlementFunding(ctx context.Context, poolID common.Hash, orders []perp.Order) error {
	needed := r.RequiredQuote(orders)
	if needed.Sign() <= 0 {
		return nil
	}

	balance, err := r.reader.QuoteBalance(ctx, r.cfg.Settlement)
	if err != nil {
		return fmt.Errorf("funding: read settlement balance: %w", err)
	}
	if balance.Cmp(needed) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(needed, balance)

	walletBalance, err := r.reader.QuoteBalance(ctx, r.sender.From())
	if err != nil {
		return fmt.Errorf("funding: read wallet balance: %w", err)
	}
	if walletBalance.Cmp(shortfall) < 0 {
		return fmt.Errorf("%w: have=%s need=%s pool=%s", ErrWalletUnderfunded, walletBalance, shortfall, poolID)
	}

	calldata, err := perpabi.PackTransfer(r.cfg.Settlement, shortfall)
	if err != nil {
		return err
	}
	res, err := r.sender.SendAndWaitMined(ctx, ethtx.Request{
		To:   r.cfg.QuoteToken,
		Data: calldata,
	})
	if err != nil {
		return fmt.Errorf("funding: transfer shortfall: %w", err)
	}

	r.log.Info("funded settlement contract",
		"pool_id", poolID,
		"shortfall", shortfall.String(),
		"required", needed.String(),
		"tx_hash", res.TxHash,
	)
	return nil
}
