package revealfeed

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/veilmarkets/perp-coordinator/internal/perp"
)

func testKey() perp.PoolKey {
	return perp.PoolKey{
		Base:  [20]byte{0x01, 0x02},
		Quote: [20]byte{0x03, 0x04},
		Fee:   3000,
	}
}

func testOrder() perp.Order {
	return perp.Order{
		Commitment: [32]byte{0xaa},
		Trader:     [20]byte{0xbb},
		Market:     [32]byte{0xcc},
		Size:       big.NewInt(1_000_000),
		IsLong:     true,
		IsOpen:     true,
		Collateral: big.NewInt(500),
		Leverage:   250,
		Nonce:      7,
		Deadline:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	revealedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p, err := BuildPayload(testKey(), testOrder(), revealedAt)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	key, reveal, order, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if key != testKey() {
		t.Fatalf("key = %+v", key)
	}
	if reveal.PoolID != testKey().ID() {
		t.Fatal("reveal pool id must derive from the pool key")
	}
	if reveal.Commitment != testOrder().Commitment {
		t.Fatal("reveal commitment mismatch")
	}
	if !reveal.CreatedAt.Equal(revealedAt) {
		t.Fatalf("reveal created at = %s", reveal.CreatedAt)
	}

	want := testOrder()
	if order.Size.Cmp(want.Size) != 0 || order.Collateral.Cmp(want.Collateral) != 0 {
		t.Fatal("amount fields must survive the decimal-string round trip")
	}
	if order.Leverage != want.Leverage || order.Nonce != want.Nonce {
		t.Fatal("order fields mismatch")
	}
	if !order.Deadline.Equal(want.Deadline) {
		t.Fatalf("deadline = %s", order.Deadline)
	}
	if order.Status != perp.StatusPending {
		t.Fatalf("parsed status = %s, want pending", order.Status)
	}
}

func TestParsePayload_Rejections(t *testing.T) {
	t.Parallel()

	valid, err := BuildPayload(testKey(), testOrder(), time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*Payload)
	}{
		{"wrong version", func(p *Payload) { p.Version = "reveals.event.v0" }},
		{"bad base address", func(p *Payload) { p.PoolBase = "nope" }},
		{"zero trader", func(p *Payload) { p.Trader = "0x0000000000000000000000000000000000000000" }},
		{"non-numeric size", func(p *Payload) { p.Size = "12.5" }},
		{"negative size", func(p *Payload) { p.Size = "-1" }},
		{"zero leverage", func(p *Payload) { p.Leverage = 0 }},
		{"identical pool tokens", func(p *Payload) { p.PoolQuote = p.PoolBase }},
	}
	for _, tc := range cases {
		p := valid
		tc.mut(&p)
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("%s: Marshal: %v", tc.name, err)
		}
		if _, _, _, err := ParsePayload(raw); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: err = %v, want ErrInvalidPayload", tc.name, err)
		}
	}
}

func TestParsePayload_MalformedJSON(t *testing.T) {
	t.Parallel()

	if _, _, _, err := ParsePayload([]byte("{not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}
