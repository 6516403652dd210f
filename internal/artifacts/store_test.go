package artifacts

import (
	"context"
	"errors"
	"testing"
)

func newMemory(t *testing.T, prefix string) Store {
	t.Helper()
	s, err := New(Config{Driver: DriverMemory, Prefix: prefix})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestMemoryStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := newMemory(t, "coordinator")
	ctx := context.Background()

	payload := []byte("0xdeadbeef")
	err := s.Put(ctx, "batches/p1/x.calldata", payload, PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"artifact-type": "batch-calldata"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := s.Get(ctx, "batches/p1/x.calldata")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != string(payload) {
		t.Fatalf("data = %q", obj.Data)
	}
	if obj.ContentType != "text/plain" {
		t.Fatalf("content type = %q", obj.ContentType)
	}
	if obj.Metadata["artifact-type"] != "batch-calldata" {
		t.Fatalf("metadata = %v", obj.Metadata)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := newMemory(t, "")
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := newMemory(t, "")
	ctx := context.Background()
	if err := s.Put(ctx, "k", []byte("abc"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, _ := s.Get(ctx, "k")
	obj.Data[0] = 'z'

	again, _ := s.Get(ctx, "k")
	if string(again.Data) != "abc" {
		t.Fatal("store must not share payload buffers with callers")
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b", want: "a/b"},
		{in: "/a/b", want: "a/b"},
		{in: "", wantErr: true},
		{in: " padded", wantErr: true},
		{in: "ctl\x01", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeKey(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("%q: err = %v, want ErrInvalidKey", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %q err %v", tc.in, got, err)
		}
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: "gcs"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_S3RequiresClientAndBucket(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: DriverS3}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
