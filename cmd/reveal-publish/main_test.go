package main

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilmarkets/perp-coordinator/internal/perp"
	"github.com/veilmarkets/perp-coordinator/internal/revealfeed"
)

func validPayloadJSON(t *testing.T) string {
	t.Helper()
	key := perp.PoolKey{Base: [20]byte{0x01}, Quote: [20]byte{0x02}, Fee: 3000}
	order := perp.Order{
		Commitment: [32]byte{0xaa},
		Trader:     [20]byte{0xbb},
		Market:     [32]byte{0xcc},
		Size:       big.NewInt(1_000_000),
		IsLong:     true,
		IsOpen:     true,
		Collateral: big.NewInt(500),
		Leverage:   150,
		Nonce:      1,
		Deadline:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	p, err := revealfeed.BuildPayload(key, order, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(raw)
}

func TestLoadPayloads_Inline(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads(`{"version":"v1"}`, nil, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 || string(payloads[0]) != `{"version":"v1"}` {
		t.Fatalf("payloads = %q", payloads)
	}
}

func TestLoadPayloads_File(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	payloadPath := filepath.Join(tmpDir, "payload.json")
	if err := os.WriteFile(payloadPath, []byte(`{"version":"v2"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	payloads, err := loadPayloads("", []string{payloadPath}, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 || string(payloads[0]) != `{"version":"v2"}` {
		t.Fatalf("payloads = %q", payloads)
	}
}

func TestLoadPayloads_StdinFallback(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads("", nil, bytes.NewBufferString(`{"version":"v3"}`))
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("payload count: got=%d want=1", len(payloads))
	}
}

func TestLoadPayloads_EmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := loadPayloads("", nil, bytes.NewBufferString(" \n\t")); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunMain_StdoutPublishesValidatedPayload(t *testing.T) {
	t.Parallel()

	payload := validPayloadJSON(t)
	var out bytes.Buffer
	err := runMain(
		[]string{"--payload", payload},
		bytes.NewBuffer(nil),
		&out,
	)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if got := out.String(); got != payload+"\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}

func TestRunMain_RejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain(
		[]string{"--payload", `{"version":"wrong"}`},
		bytes.NewBuffer(nil),
		&out,
	)
	if err == nil {
		t.Fatal("invalid payload must not publish")
	}
	if out.Len() != 0 {
		t.Fatalf("nothing should be written on validation failure, got %q", out.String())
	}
}
