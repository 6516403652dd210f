package ethtx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidConfig = errors.New("ethtx: invalid config")
	ErrReverted      = errors.New("ethtx: transaction reverted on-chain")

	// ErrOutcomeUnknown marks a broadcast whose fate could not be observed
	// before the confirmation deadline. The transaction may still mine; the
	// caller must not rebroadcast and should flag the batch for manual
	// reconciliation.
	ErrOutcomeUnknown = errors.New("ethtx: broadcast outcome unknown")
)

// Backend is the node subset needed to build, send, and confirm transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration
	// ConfirmTimeout bounds the post-send receipt wait. On expiry the send
	// returns ErrOutcomeUnknown; the tx is never replaced or re-sent.
	ConfirmTimeout time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender signs and broadcasts one transaction at a time for a single wallet
// and waits for it to mine. It deliberately has no replacement logic: batch
// settlement transactions move funds, and double submission is worse than a
// stuck nonce.
type Sender struct {
	backend Backend
	cfg     Config
	signer  Signer
	nonces  *NonceManager
}

type Request struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type Result struct {
	From    common.Address
	Nonce   uint64
	TxHash  common.Hash
	Receipt *types.Receipt
}

func NewSender(backend Backend, signer Signer, cfg Config) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, ErrInvalidConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 3 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{
		backend: backend,
		cfg:     cfg,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
	}, nil
}

func (s *Sender) From() common.Address { return s.signer.Address() }

// SendAndWaitMined broadcasts the request and blocks until a receipt appears
// or ConfirmTimeout elapses.
func (s *Sender) SendAndWaitMined(ctx context.Context, req Request) (Result, error) {
	from := s.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return Result{}, fmt.Errorf("ethtx: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Result{}, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return Result{}, fmt.Errorf("ethtx: missing baseFee in latest header")
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return Result{}, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return Result{}, err
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return Result{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return Result{}, fmt.Errorf("ethtx: send transaction: %w", err)
	}

	h := signed.Hash()
	deadline := s.cfg.Now().Add(s.cfg.ConfirmTimeout)
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, h)
		if err == nil {
			res := Result{From: from, Nonce: nonce, TxHash: h, Receipt: receipt}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return res, ErrReverted
			}
			return res, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return Result{}, err
		}
		if s.cfg.Now().After(deadline) {
			return Result{From: from, Nonce: nonce, TxHash: h}, fmt.Errorf("%w: tx %s unconfirmed after %s", ErrOutcomeUnknown, h, s.cfg.ConfirmTimeout)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return Result{From: from, Nonce: nonce, TxHash: h}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		}
	}
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

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
