package revealfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
)

// PayloadVersion identifies the reveal event wire format.
const PayloadVersion = "reveals.event.v1"

var ErrInvalidPayload = errors.New("revealfeed: invalid payload")

// Payload is the queue record emitted when a reveal transaction confirms.
// Amount fields are decimal strings so sizes beyond 64 bits survive JSON.
type Payload struct {
	Version string `json:"version"`

	PoolBase  string `json:"poolBase"`
	PoolQuote string `json:"poolQuote"`
	PoolFee   uint32 `json:"poolFee"`

	Commitment string `json:"commitment"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`

	Size       string `json:"size"`
	IsLong     bool   `json:"isLong"`
	IsOpen     bool   `json:"isOpen"`
	Collateral string `json:"collateral"`
	Leverage   uint32 `json:"leverage"`
	Nonce      uint64 `json:"nonce"`

	// Deadline and RevealedAt are unix seconds.
	Deadline   uint64 `json:"deadline"`
	RevealedAt uint64 `json:"revealedAt"`
}

// BuildPayload serializes a reveal for publication.
func BuildPayload(key perp.PoolKey, o perp.Order, revealedAt time.Time) (Payload, error) {
	if err := key.Validate(); err != nil {
		return Payload{}, err
	}
	if err := o.Validate(); err != nil {
		return Payload{}, err
	}
	return Payload{
		Version:    PayloadVersion,
		PoolBase:   common.Address(key.Base).Hex(),
		PoolQuote:  common.Address(key.Quote).Hex(),
		PoolFee:    key.Fee,
		Commitment: common.Hash(o.Commitment).Hex(),
		Trader:     common.Address(o.Trader).Hex(),
		Market:     common.Hash(o.Market).Hex(),
		Size:       o.Size.String(),
		IsLong:     o.IsLong,
		IsOpen:     o.IsOpen,
		Collateral: o.Collateral.String(),
		Leverage:   o.Leverage,
		Nonce:      o.Nonce,
		Deadline:   uint64(o.Deadline.UTC().Unix()),
		RevealedAt: uint64(revealedAt.UTC().Unix()),
	}, nil
}

// ParsePayload decodes and validates a reveal event.
func ParsePayload(raw []byte) (perp.PoolKey, perp.PendingReveal, perp.Order, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Version != PayloadVersion {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidPayload, p.Version)
	}

	key := perp.PoolKey{Fee: p.PoolFee}
	base, err := parseAddress(p.PoolBase)
	if err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: poolBase: %v", ErrInvalidPayload, err)
	}
	quote, err := parseAddress(p.PoolQuote)
	if err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: poolQuote: %v", ErrInvalidPayload, err)
	}
	key.Base = base
	key.Quote = quote
	if err := key.Validate(); err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	trader, err := parseAddress(p.Trader)
	if err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: trader: %v", ErrInvalidPayload, err)
	}

	size, ok := new(big.Int).SetString(p.Size, 10)
	if !ok {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: size is not a decimal integer", ErrInvalidPayload)
	}
	collateral, ok := new(big.Int).SetString(p.Collateral, 10)
	if !ok {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: collateral is not a decimal integer", ErrInvalidPayload)
	}

	order := perp.Order{
		Commitment: [32]byte(common.HexToHash(p.Commitment)),
		Trader:     trader,
		Market:     [32]byte(common.HexToHash(p.Market)),
		Size:       size,
		IsLong:     p.IsLong,
		IsOpen:     p.IsOpen,
		Collateral: collateral,
		Leverage:   p.Leverage,
		Nonce:      p.Nonce,
		Deadline:   time.Unix(int64(p.Deadline), 0).UTC(),
		Status:     perp.StatusPending,
	}
	if err := order.Validate(); err != nil {
		return perp.PoolKey{}, perp.PendingReveal{}, perp.Order{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	reveal := perp.PendingReveal{
		PoolID:     key.ID(),
		Commitment: order.Commitment,
	}
	if p.RevealedAt > 0 {
		reveal.CreatedAt = time.Unix(int64(p.RevealedAt), 0).UTC()
	}
	return key, reveal, order, nil
}

func parseAddress(s string) ([20]byte, error) {
	if !common.IsHexAddress(s) {
		return [20]byte{}, fmt.Errorf("not a hex address: %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return [20]byte{}, errors.New("zero address")
	}
	return addr, nil
}
