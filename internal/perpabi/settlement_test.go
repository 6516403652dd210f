package perpabi

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func word(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func TestPackExecuteBatch(t *testing.T) {
	t.Parallel()

	poolID := common.Hash{0x01}
	commitments := []common.Hash{{0x02}, {0x03}}

	data, err := PackExecuteBatch(poolID, commitments)
	if err != nil {
		t.Fatalf("PackExecuteBatch: %v", err)
	}
	if !bytes.Equal(data[:4], selector("executeBatch(bytes32,bytes32[])")) {
		t.Fatalf("selector = %x", data[:4])
	}
	// selector + poolId + array offset + array length + 2 commitments
	if want := 4 + 32*5; len(data) != want {
		t.Fatalf("calldata length = %d, want %d", len(data), want)
	}
	if !bytes.Equal(data[4:36], poolID[:]) {
		t.Fatal("poolId not encoded first")
	}
}

func TestPackExecuteBatch_Rejections(t *testing.T) {
	t.Parallel()

	if _, err := PackExecuteBatch(common.Hash{}, []common.Hash{{0x01}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero pool id: err = %v", err)
	}
	if _, err := PackExecuteBatch(common.Hash{0x01}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty set: err = %v", err)
	}
	if _, err := PackExecuteBatch(common.Hash{0x01}, []common.Hash{{}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero commitment: err = %v", err)
	}
}

func TestUnpackBatchState(t *testing.T) {
	t.Parallel()

	out := append(word(1_700_000_000), word(9)...)
	last, count, err := UnpackBatchState(out)
	if err != nil {
		t.Fatalf("UnpackBatchState: %v", err)
	}
	if last != 1_700_000_000 || count != 9 {
		t.Fatalf("got last=%d count=%d", last, count)
	}

	if _, _, err := UnpackBatchState([]byte{0x01}); err == nil {
		t.Fatal("truncated output must error")
	}
}

func TestUnpackBatchInterval(t *testing.T) {
	t.Parallel()

	got, err := UnpackBatchInterval(word(300))
	if err != nil {
		t.Fatalf("UnpackBatchInterval: %v", err)
	}
	if got != 300 {
		t.Fatalf("interval = %d", got)
	}
}

func TestUnpackPoolState(t *testing.T) {
	t.Parallel()

	out := append(word(79_228_162_514), word(0)...)
	price, liquidity, err := UnpackPoolState(out)
	if err != nil {
		t.Fatalf("UnpackPoolState: %v", err)
	}
	if price.Cmp(big.NewInt(79_228_162_514)) != 0 {
		t.Fatalf("price = %s", price)
	}
	if liquidity.Sign() != 0 {
		t.Fatalf("liquidity = %s", liquidity)
	}
}

func TestUnpackIsCommitmentConsumed(t *testing.T) {
	t.Parallel()

	ok, err := UnpackIsCommitmentConsumed(word(1))
	if err != nil {
		t.Fatalf("UnpackIsCommitmentConsumed: %v", err)
	}
	if !ok {
		t.Fatal("want true")
	}
	ok, err = UnpackIsCommitmentConsumed(word(0))
	if err != nil {
		t.Fatalf("UnpackIsCommitmentConsumed: %v", err)
	}
	if ok {
		t.Fatal("want false")
	}
}

func TestPackBalanceOfAndTransfer(t *testing.T) {
	t.Parallel()

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := PackBalanceOf(owner)
	if err != nil {
		t.Fatalf("PackBalanceOf: %v", err)
	}
	if !bytes.Equal(data[:4], selector("balanceOf(address)")) {
		t.Fatalf("selector = %x", data[:4])
	}

	got, err := UnpackBalanceOf(word(42))
	if err != nil {
		t.Fatalf("UnpackBalanceOf: %v", err)
	}
	if got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("balance = %s", got)
	}

	data, err = PackTransfer(owner, big.NewInt(100))
	if err != nil {
		t.Fatalf("PackTransfer: %v", err)
	}
	if !bytes.Equal(data[:4], selector("transfer(address,uint256)")) {
		t.Fatalf("selector = %x", data[:4])
	}
}

func TestPackTransfer_Rejections(t *testing.T) {
	t.Parallel()

	if _, err := PackTransfer(common.Address{}, big.NewInt(1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero recipient: err = %v", err)
	}
	if _, err := PackTransfer(common.Address{0x01}, big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero amount: err = %v", err)
	}
	if _, err := PackTransfer(common.Address{0x01}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil amount: err = %v", err)
	}
}
