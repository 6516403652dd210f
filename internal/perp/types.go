package perp

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound          = errors.New("perp: not found")
	ErrInvalidOrder      = errors.New("perp: invalid order")
	ErrOrderMismatch     = errors.New("perp: order mismatch")
	ErrInvalidTransition = errors.New("perp: invalid transition")
)

// MaxLeverageBps caps leverage at 100x in 1e2 fixed point.
const MaxLeverageBps = 100_00

type OrderStatus uint8

const (
	StatusUnknown OrderStatus = iota
	StatusPending
	StatusExecuted
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// PoolKey identifies a settlement pool by its token pair and fee tier.
type PoolKey struct {
	Base  [20]byte
	Quote [20]byte
	Fee   uint32
}

// ID computes the deterministic 32-byte pool id used by the settlement
// contract: keccak256("VEIL_POOL_V1" || base || quote || feeBE4).
func (k PoolKey) ID() [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("VEIL_POOL_V1"))
	_, _ = h.Write(k.Base[:])
	_, _ = h.Write(k.Quote[:])
	var fee [4]byte
	fee[0] = byte(k.Fee >> 24)
	fee[1] = byte(k.Fee >> 16)
	fee[2] = byte(k.Fee >> 8)
	fee[3] = byte(k.Fee)
	_, _ = h.Write(fee[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (k PoolKey) Validate() error {
	if k.Base == ([20]byte{}) || k.Quote == ([20]byte{}) {
		return errors.New("perp: pool key tokens must be non-zero")
	}
	if k.Base == k.Quote {
		return errors.New("perp: pool key tokens must differ")
	}
	return nil
}

// PendingReveal is one revealed, not-yet-executed commitment.
//
// Rows are created when a reveal confirms and deleted when the batch containing
// the commitment settles on-chain; they are never mutated otherwise.
type PendingReveal struct {
	PoolID     [32]byte
	Commitment [32]byte
	CreatedAt  time.Time
}

// Order is the off-chain record of one user intent, independent of batch
// lifecycle. Exactly one Order exists per commitment.
type Order struct {
	Commitment [32]byte

	Trader [20]byte
	Market [32]byte

	// Size is the base-asset magnitude; direction lives in IsLong.
	Size   *big.Int
	IsLong bool
	IsOpen bool

	Collateral *big.Int
	// Leverage is 1e2 fixed point (150 = 1.5x).
	Leverage uint32
	Nonce    uint64
	Deadline time.Time

	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o Order) Validate() error {
	if o.Commitment == ([32]byte{}) {
		return fmt.Errorf("%w: missing commitment", ErrInvalidOrder)
	}
	if o.Trader == ([20]byte{}) {
		return fmt.Errorf("%w: missing trader", ErrInvalidOrder)
	}
	if o.Size == nil || o.Size.Sign() <= 0 {
		return fmt.Errorf("%w: size must be > 0", ErrInvalidOrder)
	}
	if o.Collateral == nil || o.Collateral.Sign() <= 0 {
		return fmt.Errorf("%w: collateral must be > 0", ErrInvalidOrder)
	}
	if o.Leverage == 0 || o.Leverage > MaxLeverageBps {
		return fmt.Errorf("%w: leverage out of range", ErrInvalidOrder)
	}
	if o.Deadline.IsZero() {
		return fmt.Errorf("%w: missing deadline", ErrInvalidOrder)
	}
	return nil
}

// Trade is the append-only settlement record for one executed order.
type Trade struct {
	Commitment [32]byte

	Trader [20]byte
	Market [32]byte

	Size       *big.Int
	IsLong     bool
	IsOpen     bool
	Collateral *big.Int
	Leverage   uint32

	TxHash     [32]byte
	ExecutedAt time.Time

	// RealizedPnL is set only when the trade closes an existing position.
	RealizedPnL *big.Int
}
