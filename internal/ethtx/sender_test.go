package ethtx

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type stubNode struct {
	nonce       uint64
	baseFee     *big.Int
	receipt     *types.Receipt
	receiptErr  error
	sendErr     error
	sendCalls   int
	lastSent    *types.Transaction
	gasEstimate uint64
}

func (n *stubNode) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return n.nonce, nil
}

func (n *stubNode) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (n *stubNode) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: n.baseFee}, nil
}

func (n *stubNode) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return n.gasEstimate, nil
}

func (n *stubNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.sendCalls++
	n.lastSent = tx
	return n.sendErr
}

func (n *stubNode) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if n.receiptErr != nil {
		return nil, n.receiptErr
	}
	return n.receipt, nil
}

func newTestSender(t *testing.T, node *stubNode, cfg Config) *Sender {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1337)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(_ context.Context, _ time.Duration) error { return nil }
	}
	s, err := NewSender(node, NewLocalSigner(key), cfg)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return s
}

func TestSendAndWaitMined_Success(t *testing.T) {
	t.Parallel()

	node := &stubNode{
		nonce:       4,
		baseFee:     big.NewInt(10),
		gasEstimate: 100_000,
		receipt:     &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 90_000},
	}
	s := newTestSender(t, node, Config{})

	res, err := s.SendAndWaitMined(context.Background(), Request{
		To:   common.Address{0x01},
		Data: []byte{0xab},
	})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Nonce != 4 {
		t.Fatalf("nonce = %d, want 4", res.Nonce)
	}
	if node.sendCalls != 1 {
		t.Fatalf("sends = %d, want 1", node.sendCalls)
	}
	// Default 1.2x headroom over the estimate.
	if got := node.lastSent.Gas(); got != 120_000 {
		t.Fatalf("gas limit = %d, want 120000", got)
	}
	if tip := node.lastSent.GasTipCap(); tip.Int64() != 2 {
		t.Fatalf("tip cap = %s", tip)
	}
	if fee := node.lastSent.GasFeeCap(); fee.Int64() != 22 {
		t.Fatalf("fee cap = %s", fee)
	}
}

func TestSendAndWaitMined_ExplicitGasLimitSkipsEstimation(t *testing.T) {
	t.Parallel()

	node := &stubNode{
		baseFee: big.NewInt(10),
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	}
	s := newTestSender(t, node, Config{})

	_, err := s.SendAndWaitMined(context.Background(), Request{
		To:       common.Address{0x01},
		GasLimit: 500_000,
	})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if got := node.lastSent.Gas(); got != 500_000 {
		t.Fatalf("gas limit = %d, want exact override", got)
	}
}

func TestSendAndWaitMined_RevertedReceipt(t *testing.T) {
	t.Parallel()

	node := &stubNode{
		baseFee:     big.NewInt(10),
		gasEstimate: 21_000,
		receipt:     &types.Receipt{Status: types.ReceiptStatusFailed},
	}
	s := newTestSender(t, node, Config{})

	res, err := s.SendAndWaitMined(context.Background(), Request{To: common.Address{0x01}})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("err = %v, want ErrReverted", err)
	}
	if res.TxHash == (common.Hash{}) {
		t.Fatal("reverted result must still carry the tx hash")
	}
}

func TestSendAndWaitMined_OutcomeUnknownNeverRebroadcasts(t *testing.T) {
	t.Parallel()

	node := &stubNode{
		baseFee:     big.NewInt(10),
		gasEstimate: 21_000,
		receiptErr:  ethereum.NotFound,
	}

	// Clock jumps past the confirm deadline after the send.
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	s := newTestSender(t, node, Config{
		ConfirmTimeout: time.Minute,
		Now: func() time.Time {
			calls++
			if calls > 1 {
				return now.Add(2 * time.Minute)
			}
			return now
		},
	})

	res, err := s.SendAndWaitMined(context.Background(), Request{To: common.Address{0x01}})
	if !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("err = %v, want ErrOutcomeUnknown", err)
	}
	if node.sendCalls != 1 {
		t.Fatalf("sends = %d; an unknown outcome must never rebroadcast", node.sendCalls)
	}
	if res.TxHash == (common.Hash{}) {
		t.Fatal("unknown-outcome result must carry the tx hash for manual reconciliation")
	}
}

func TestSendAndWaitMined_SendFailureIsTerminal(t *testing.T) {
	t.Parallel()

	node := &stubNode{
		baseFee:     big.NewInt(10),
		gasEstimate: 21_000,
		sendErr:     errors.New("nonce too low"),
	}
	s := newTestSender(t, node, Config{})

	if _, err := s.SendAndWaitMined(context.Background(), Request{To: common.Address{0x01}}); err == nil {
		t.Fatal("expected send error")
	}
	if node.sendCalls != 1 {
		t.Fatalf("sends = %d, want 1", node.sendCalls)
	}
}

func TestApplyGasMultiplier(t *testing.T) {
	t.Parallel()

	if got := applyGasMultiplier(100, 1.2); got != 120 {
		t.Fatalf("got %d, want 120", got)
	}
	if got := applyGasMultiplier(100, 0); got != 100 {
		t.Fatalf("got %d, want estimate unchanged", got)
	}
}
