package perp

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func fixedNow() func() time.Time {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func hash(b byte) (out [32]byte) {
	out[31] = b
	return out
}

func TestLedger_InsertIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	r := PendingReveal{PoolID: hash(1), Commitment: hash(2)}

	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert (repeat): %v", err)
	}
	n, err := s.CountByPool(ctx, hash(1))
	if err != nil {
		t.Fatalf("CountByPool: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestLedger_ListByPoolOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Inserted newest-first; same-timestamp pair breaks ties by commitment.
	inserts := []PendingReveal{
		{PoolID: hash(1), Commitment: hash(0x30), CreatedAt: base.Add(2 * time.Minute)},
		{PoolID: hash(1), Commitment: hash(0x20), CreatedAt: base.Add(time.Minute)},
		{PoolID: hash(1), Commitment: hash(0x10), CreatedAt: base.Add(time.Minute)},
	}
	for _, r := range inserts {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.ListByPool(ctx, hash(1), 0)
	if err != nil {
		t.Fatalf("ListByPool: %v", err)
	}
	want := [][32]byte{hash(0x10), hash(0x20), hash(0x30)}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if got[i].Commitment != want[i] {
			t.Fatalf("position %d = %x, want %x", i, got[i].Commitment[31], want[i][31])
		}
	}

	limited, err := s.ListByPool(ctx, hash(1), 2)
	if err != nil {
		t.Fatalf("ListByPool (limit): %v", err)
	}
	if len(limited) != 2 || limited[1].Commitment != hash(0x20) {
		t.Fatalf("limit must keep the oldest entries")
	}
}

func TestLedger_DeleteBatchIgnoresMissing(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	if err := s.Insert(ctx, PendingReveal{PoolID: hash(1), Commitment: hash(2)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	del := [][32]byte{hash(2), hash(9)}
	if err := s.DeleteBatch(ctx, hash(1), del); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if err := s.DeleteBatch(ctx, hash(1), del); err != nil {
		t.Fatalf("DeleteBatch (repeat): %v", err)
	}
	n, _ := s.CountByPool(ctx, hash(1))
	if n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

func TestOrders_UpsertConflictDetection(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	o := validOrder()

	if err := s.Upsert(ctx, o); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Identical economics: no-op.
	if err := s.Upsert(ctx, o); err != nil {
		t.Fatalf("Upsert (identical): %v", err)
	}
	// Same commitment, different economics: conflict.
	changed := o
	changed.Size = big.NewInt(999)
	if err := s.Upsert(ctx, changed); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("err = %v, want ErrOrderMismatch", err)
	}

	got, err := s.Get(ctx, o.Commitment)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Size.Cmp(o.Size) != 0 {
		t.Fatal("conflicting upsert must not overwrite")
	}
}

func TestOrders_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	o := validOrder()
	if err := s.Upsert(ctx, o); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, _ := s.Get(ctx, o.Commitment)
	got.Size.SetInt64(7)

	again, _ := s.Get(ctx, o.Commitment)
	if again.Size.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("store must not share big.Int pointers with callers")
	}
}

func TestOrders_MarkExecutedBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()

	a := validOrder()
	b := validOrder()
	b.Commitment = hash(0x55)
	for _, o := range []Order{a, b} {
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	at := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	done, err := s.MarkExecutedBatch(ctx, [][32]byte{a.Commitment, b.Commitment, hash(0x99)}, at)
	if err != nil {
		t.Fatalf("MarkExecutedBatch: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("transitioned %d, want 2", len(done))
	}

	// Replay transitions nothing.
	done, err = s.MarkExecutedBatch(ctx, [][32]byte{a.Commitment, b.Commitment}, at)
	if err != nil {
		t.Fatalf("MarkExecutedBatch (repeat): %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("replay transitioned %d, want 0", len(done))
	}
}

func TestOrders_CancelTransitions(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()
	o := validOrder()
	if err := s.Upsert(ctx, o); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.Cancel(ctx, o.Commitment); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Cancelling twice is fine; cancelling an executed order is not.
	if err := s.Cancel(ctx, o.Commitment); err != nil {
		t.Fatalf("Cancel (repeat): %v", err)
	}

	e := validOrder()
	e.Commitment = hash(0x66)
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.MarkExecutedBatch(ctx, [][32]byte{e.Commitment}, time.Now()); err != nil {
		t.Fatalf("MarkExecutedBatch: %v", err)
	}
	if err := s.Cancel(ctx, e.Commitment); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	if err := s.Cancel(ctx, hash(0x77)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTrades_InsertBatchSkipsExisting(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(fixedNow())
	ctx := context.Background()

	tr := Trade{
		Commitment: hash(1),
		Trader:     addr(9),
		Size:       big.NewInt(10),
		Collateral: big.NewInt(5),
		Leverage:   100,
		TxHash:     hash(0xaa),
		ExecutedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.InsertBatch(ctx, []Trade{tr}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	// The same commitment with a different tx hash must not replace the row.
	dup := tr
	dup.TxHash = hash(0xbb)
	if err := s.InsertBatch(ctx, []Trade{dup}); err != nil {
		t.Fatalf("InsertBatch (dup): %v", err)
	}

	got, err := s.ListByTrader(ctx, addr(9), 0)
	if err != nil {
		t.Fatalf("ListByTrader: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("trades = %d, want 1", len(got))
	}
	if got[0].TxHash != hash(0xaa) {
		t.Fatal("duplicate insert must not overwrite the original trade")
	}
}
