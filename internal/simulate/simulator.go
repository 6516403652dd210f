package simulate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidConfig = errors.New("simulate: invalid config")

// Backend is the eth_call subset of ethclient.Client.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reason classifies a decoded settlement revert. The set is closed; anything
// the decoder does not recognize becomes ReasonUnknown and is surfaced, never
// swallowed.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonInsufficientCommitments
	ReasonBatchConditionsNotMet
	ReasonInvalidCommitment
	ReasonDeadlineExpired
	ReasonInvalidNonce
	ReasonInsufficientMargin
	ReasonMarketNotActive
	ReasonMarketNotFound
	ReasonPositionNotFound
	ReasonPoolNotInitialized
	ReasonErrorString
	ReasonPanic
)

func (r Reason) String() string {
	switch r {
	case ReasonInsufficientCommitments:
		return "InsufficientCommitments"
	case ReasonBatchConditionsNotMet:
		return "BatchConditionsNotMet"
	case ReasonInvalidCommitment:
		return "InvalidCommitment"
	case ReasonDeadlineExpired:
		return "DeadlineExpired"
	case ReasonInvalidNonce:
		return "InvalidNonce"
	case ReasonInsufficientMargin:
		return "InsufficientMargin"
	case ReasonMarketNotActive:
		return "MarketNotActive"
	case ReasonMarketNotFound:
		return "MarketNotFound"
	case ReasonPositionNotFound:
		return "PositionNotFound"
	case ReasonPoolNotInitialized:
		return "PoolNotInitialized"
	case ReasonErrorString:
		return "Error"
	case ReasonPanic:
		return "Panic"
	default:
		return "Unknown"
	}
}

// PanicDivisionByZero is the Solidity arithmetic panic code 0x12. In this
// settlement design its near-universal root cause is a pool with zero in-range
// liquidity, so it gets a dedicated diagnostic.
const PanicDivisionByZero = 0x12

// RevertError is a decoded simulation revert.
type RevertError struct {
	Reason   Reason
	Selector [4]byte

	// PanicCode is set when Reason == ReasonPanic.
	PanicCode uint64
	// Message is set when Reason == ReasonErrorString.
	Message string

	Raw   []byte
	Cause error
}

func (e *RevertError) Error() string {
	switch e.Reason {
	case ReasonPanic:
		if e.PanicCode == PanicDivisionByZero {
			return fmt.Sprintf("simulate: revert Panic(0x%02x): pool has zero in-range liquidity or is uninitialized", e.PanicCode)
		}
		return fmt.Sprintf("simulate: revert Panic(0x%02x)", e.PanicCode)
	case ReasonErrorString:
		return fmt.Sprintf("simulate: revert Error(%q)", e.Message)
	case ReasonUnknown:
		if len(e.Raw) == 0 {
			return fmt.Sprintf("simulate: revert with no return data: %v", e.Cause)
		}
		return fmt.Sprintf("simulate: revert with unrecognized selector 0x%s", hex.EncodeToString(e.Selector[:]))
	default:
		return fmt.Sprintf("simulate: revert %s()", e.Reason)
	}
}

func (e *RevertError) Unwrap() error { return e.Cause }

// ZeroLiquidity reports whether the revert indicates an uninitialized or
// zero-in-range-liquidity pool.
func (e *RevertError) ZeroLiquidity() bool {
	return e.Reason == ReasonPoolNotInitialized ||
		(e.Reason == ReasonPanic && e.PanicCode == PanicDivisionByZero)
}

var (
	selectorErrorString = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	selectorPanic       = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)

	customSelectors = buildSelectorTable()
)

func buildSelectorTable() map[[4]byte]Reason {
	sigs := map[string]Reason{
		"InsufficientCommitments(uint256,uint256)": ReasonInsufficientCommitments,
		"BatchConditionsNotMet()":                  ReasonBatchConditionsNotMet,
		"InvalidCommitment(bytes32)":               ReasonInvalidCommitment,
		"DeadlineExpired(bytes32)":                 ReasonDeadlineExpired,
		"InvalidNonce(bytes32)":                    ReasonInvalidNonce,
		"InsufficientMargin(bytes32)":              ReasonInsufficientMargin,
		"MarketNotActive(bytes32)":                 ReasonMarketNotActive,
		"MarketNotFound(bytes32)":                  ReasonMarketNotFound,
		"PositionNotFound(bytes32)":                ReasonPositionNotFound,
		"PoolNotInitialized(bytes32)":              ReasonPoolNotInitialized,
	}
	out := make(map[[4]byte]Reason, len(sigs))
	for sig, reason := range sigs {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
		out[sel] = reason
	}
	return out
}

type Config struct {
	CallTimeout time.Duration
}

// Simulator dry-runs the exact call the coordinator intends to broadcast.
type Simulator struct {
	cfg     Config
	backend Backend
}

func New(cfg Config, backend Backend) (*Simulator, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Simulator{cfg: cfg, backend: backend}, nil
}

// Simulate performs a non-state-changing call with the exact broadcast
// parameters. It returns nil when the call would succeed and a *RevertError
// when it would revert.
func (s *Simulator) Simulate(ctx context.Context, from, to common.Address, calldata []byte) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	_, err := s.backend.CallContract(cctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: calldata,
	}, nil)
	if err == nil {
		return nil
	}
	return DecodeRevert(err)
}

// DecodeRevert maps a backend call error onto the closed revert taxonomy.
func DecodeRevert(err error) *RevertError {
	data := revertData(err)
	if len(data) < 4 {
		return &RevertError{Reason: ReasonUnknown, Raw: data, Cause: err}
	}

	var sel [4]byte
	copy(sel[:], data[:4])
	args := data[4:]

	switch sel {
	case selectorErrorString:
		msg, ok := decodeErrorString(args)
		if !ok {
			return &RevertError{Reason: ReasonUnknown, Selector: sel, Raw: data, Cause: err}
		}
		return &RevertError{Reason: ReasonErrorString, Selector: sel, Message: msg, Raw: data, Cause: err}
	case selectorPanic:
		if len(args) != 32 {
			return &RevertError{Reason: ReasonUnknown, Selector: sel, Raw: data, Cause: err}
		}
		code := new(big.Int).SetBytes(args)
		if !code.IsUint64() {
			return &RevertError{Reason: ReasonUnknown, Selector: sel, Raw: data, Cause: err}
		}
		return &RevertError{Reason: ReasonPanic, Selector: sel, PanicCode: code.Uint64(), Raw: data, Cause: err}
	}

	if reason, ok := customSelectors[sel]; ok {
		return &RevertError{Reason: reason, Selector: sel, Raw: data, Cause: err}
	}
	return &RevertError{Reason: ReasonUnknown, Selector: sel, Raw: data, Cause: err}
}

// dataError matches the rpc error interface geth uses to carry revert bytes.
type dataError interface {
	ErrorData() interface{}
}

func revertData(err error) []byte {
	var de dataError
	if !errors.As(err, &de) {
		return nil
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	hexStr = strings.TrimPrefix(hexStr, "0x")
	b, decErr := hex.DecodeString(hexStr)
	if decErr != nil {
		return nil
	}
	return b
}

// decodeErrorString unpacks the ABI-encoded string argument of Error(string).
func decodeErrorString(args []byte) (string, bool) {
	if len(args) < 64 {
		return "", false
	}
	offset := new(big.Int).SetBytes(args[:32])
	if !offset.IsUint64() || offset.Uint64() != 32 {
		return "", false
	}
	strLen := new(big.Int).SetBytes(args[32:64])
	if !strLen.IsUint64() {
		return "", false
	}
	n := strLen.Uint64()
	if uint64(len(args)-64) < n {
		return "", false
	}
	return string(args[64 : 64+n]), true
}
