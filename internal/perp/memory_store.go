package perp

import (
	"bytes"
	"context"
	"math/big"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements LedgerStore, OrderStore, and TradeStore in memory for
// tests and local development.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	reveals map[[32]byte][]PendingReveal // keyed by pool id
	orders  map[[32]byte]Order
	trades  map[[32]byte]Trade
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		reveals: make(map[[32]byte][]PendingReveal),
		orders:  make(map[[32]byte]Order),
		trades:  make(map[[32]byte]Trade),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r PendingReveal) error {
	if r.PoolID == ([32]byte{}) || r.Commitment == ([32]byte{}) {
		return ErrInvalidOrder
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, have := range s.reveals[r.PoolID] {
		if have.Commitment == r.Commitment {
			return nil
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.reveals[r.PoolID] = append(s.reveals[r.PoolID], r)
	return nil
}

func (s *MemoryStore) ListByPool(_ context.Context, poolID [32]byte, limit int) ([]PendingReveal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.reveals[poolID])
	slices.SortFunc(out, func(a, b PendingReveal) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return bytes.Compare(a.Commitment[:], b.Commitment[:])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByPool(_ context.Context, poolID [32]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reveals[poolID]), nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, poolID [32]byte, commitments [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[[32]byte]struct{}, len(commitments))
	for _, c := range commitments {
		drop[c] = struct{}{}
	}
	kept := s.reveals[poolID][:0]
	for _, r := range s.reveals[poolID] {
		if _, ok := drop[r.Commitment]; !ok {
			kept = append(kept, r)
		}
	}
	s.reveals[poolID] = kept
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	have, ok := s.orders[o.Commitment]
	if !ok {
		o.Status = StatusPending
		o.CreatedAt = now
		o.UpdatedAt = now
		s.orders[o.Commitment] = cloneOrder(o)
		return nil
	}
	if !orderEqual(have, o) {
		return ErrOrderMismatch
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, commitment [32]byte) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[commitment]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) MarkExecutedBatch(_ context.Context, commitments [][32]byte, at time.Time) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make([][32]byte, 0, len(commitments))
	for _, c := range commitments {
		o, ok := s.orders[c]
		if !ok || o.Status != StatusPending {
			continue
		}
		o.Status = StatusExecuted
		o.UpdatedAt = at.UTC()
		s.orders[c] = o
		done = append(done, c)
	}
	return done, nil
}

func (s *MemoryStore) Cancel(_ context.Context, commitment [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[commitment]
	if !ok {
		return ErrNotFound
	}
	switch o.Status {
	case StatusCancelled:
		return nil
	case StatusPending:
		o.Status = StatusCancelled
		o.UpdatedAt = s.now().UTC()
		s.orders[commitment] = o
		return nil
	default:
		return ErrInvalidTransition
	}
}

func (s *MemoryStore) InsertBatch(_ context.Context, trades []Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if _, ok := s.trades[t.Commitment]; ok {
			continue
		}
		s.trades[t.Commitment] = cloneTrade(t)
	}
	return nil
}

func (s *MemoryStore) ListByTrader(_ context.Context, trader [20]byte, limit int) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Trade, 0, limit)
	for _, t := range s.trades {
		if t.Trader == trader {
			out = append(out, cloneTrade(t))
		}
	}
	slices.SortFunc(out, func(a, b Trade) int {
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Compare(b.ExecutedAt)
		}
		return bytes.Compare(a.Commitment[:], b.Commitment[:])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(o Order) Order {
	o.Size = cloneBig(o.Size)
	o.Collateral = cloneBig(o.Collateral)
	return o
}

func cloneTrade(t Trade) Trade {
	t.Size = cloneBig(t.Size)
	t.Collateral = cloneBig(t.Collateral)
	t.RealizedPnL = cloneBig(t.RealizedPnL)
	return t
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orderEqual(a, b Order) bool {
	return a.Commitment == b.Commitment &&
		a.Trader == b.Trader &&
		a.Market == b.Market &&
		bigEqual(a.Size, b.Size) &&
		a.IsLong == b.IsLong &&
		a.IsOpen == b.IsOpen &&
		bigEqual(a.Collateral, b.Collateral) &&
		a.Leverage == b.Leverage &&
		a.Nonce == b.Nonce &&
		a.Deadline.Equal(b.Deadline)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
