package perpabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("perpabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	settlementABI abi.ABI
	erc20ABI      abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		settlementABI, err = abi.JSON(strings.NewReader(settlementABIJSON))
		if err != nil {
			initErr = fmt.Errorf("perpabi: parse settlement ABI: %w", err)
			return
		}
		erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if err != nil {
			initErr = fmt.Errorf("perpabi: parse erc20 ABI: %w", err)
		}
	})
	return initErr
}

// PackExecuteBatch builds the executeBatch calldata for a pool and an ordered
// set of revealed commitments.
func PackExecuteBatch(poolID common.Hash, commitments []common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (poolID == common.Hash{}) {
		return nil, fmt.Errorf("%w: poolId must be non-zero", ErrInvalidInput)
	}
	if len(commitments) == 0 {
		return nil, fmt.Errorf("%w: empty commitment set", ErrInvalidInput)
	}
	cs := make([][32]byte, 0, len(commitments))
	for i, c := range commitments {
		if (c == common.Hash{}) {
			return nil, fmt.Errorf("%w: commitment[%d] must be non-zero", ErrInvalidInput, i)
		}
		cs = append(cs, c)
	}

	b, err := settlementABI.Pack("executeBatch", [32]byte(poolID), cs)
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack executeBatch calldata: %w", err)
	}
	return b, nil
}

func PackBatchState(poolID common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := settlementABI.Pack("batchState", [32]byte(poolID))
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack batchState calldata: %w", err)
	}
	return b, nil
}

// UnpackBatchState decodes (lastBatchTimestamp, commitmentCount).
func UnpackBatchState(data []byte) (lastBatchTimestamp, commitmentCount uint64, err error) {
	if err := initABI(); err != nil {
		return 0, 0, err
	}
	vals, err := settlementABI.Unpack("batchState", data)
	if err != nil {
		return 0, 0, fmt.Errorf("perpabi: unpack batchState: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("perpabi: batchState: want 2 values, got %d", len(vals))
	}
	last, ok := vals[0].(uint64)
	if !ok {
		return 0, 0, fmt.Errorf("perpabi: batchState: bad lastBatchTimestamp type %T", vals[0])
	}
	count, ok := vals[1].(uint64)
	if !ok {
		return 0, 0, fmt.Errorf("perpabi: batchState: bad commitmentCount type %T", vals[1])
	}
	return last, count, nil
}

func PackBatchInterval() ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := settlementABI.Pack("batchInterval")
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack batchInterval calldata: %w", err)
	}
	return b, nil
}

func UnpackBatchInterval(data []byte) (uint64, error) {
	if err := initABI(); err != nil {
		return 0, err
	}
	vals, err := settlementABI.Unpack("batchInterval", data)
	if err != nil {
		return 0, fmt.Errorf("perpabi: unpack batchInterval: %w", err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("perpabi: batchInterval: want 1 value, got %d", len(vals))
	}
	v, ok := vals[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("perpabi: batchInterval: bad type %T", vals[0])
	}
	return v, nil
}

func PackPoolState(poolID common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := settlementABI.Pack("poolState", [32]byte(poolID))
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack poolState calldata: %w", err)
	}
	return b, nil
}

// UnpackPoolState decodes (sqrtPriceX96, liquidity); diagnostics only.
func UnpackPoolState(data []byte) (sqrtPriceX96, liquidity *big.Int, err error) {
	if err := initABI(); err != nil {
		return nil, nil, err
	}
	vals, err := settlementABI.Unpack("poolState", data)
	if err != nil {
		return nil, nil, fmt.Errorf("perpabi: unpack poolState: %w", err)
	}
	if len(vals) != 2 {
		return nil, nil, fmt.Errorf("perpabi: poolState: want 2 values, got %d", len(vals))
	}
	price, ok := vals[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("perpabi: poolState: bad price type %T", vals[0])
	}
	liq, ok := vals[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("perpabi: poolState: bad liquidity type %T", vals[1])
	}
	return price, liq, nil
}

func PackIsCommitmentConsumed(poolID, commitment common.Hash) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := settlementABI.Pack("isCommitmentConsumed", [32]byte(poolID), [32]byte(commitment))
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack isCommitmentConsumed calldata: %w", err)
	}
	return b, nil
}

func UnpackIsCommitmentConsumed(data []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := settlementABI.Unpack("isCommitmentConsumed", data)
	if err != nil {
		return false, fmt.Errorf("perpabi: unpack isCommitmentConsumed: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("perpabi: isCommitmentConsumed: want 1 value, got %d", len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("perpabi: isCommitmentConsumed: bad type %T", vals[0])
	}
	return v, nil
}

func PackBalanceOf(owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack balanceOf calldata: %w", err)
	}
	return b, nil
}

func UnpackBalanceOf(data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("perpabi: unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("perpabi: balanceOf: want 1 value, got %d", len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("perpabi: balanceOf: bad type %T", vals[0])
	}
	return v, nil
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (to == common.Address{}) {
		return nil, fmt.Errorf("%w: transfer recipient must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be > 0", ErrInvalidInput)
	}
	b, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("perpabi: pack transfer calldata: %w", err)
	}
	return b, nil
}

const settlementABIJSON = `[
  {
    "inputs": [
      {"internalType":"bytes32","name":"poolId","type":"bytes32"},
      {"internalType":"bytes32[]","name":"commitments","type":"bytes32[]"}
    ],
    "name":"executeBatch",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [{"internalType":"bytes32","name":"poolId","type":"bytes32"}],
    "name":"batchState",
    "outputs": [
      {"internalType":"uint64","name":"lastBatchTimestamp","type":"uint64"},
      {"internalType":"uint64","name":"commitmentCount","type":"uint64"}
    ],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [],
    "name":"batchInterval",
    "outputs": [{"internalType":"uint64","name":"","type":"uint64"}],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [{"internalType":"bytes32","name":"poolId","type":"bytes32"}],
    "name":"poolState",
    "outputs": [
      {"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
      {"internalType":"uint128","name":"liquidity","type":"uint128"}
    ],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"bytes32","name":"poolId","type":"bytes32"},
      {"internalType":"bytes32","name":"commitment","type":"bytes32"}
    ],
    "name":"isCommitmentConsumed",
    "outputs": [{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"view",
    "type":"function"
  }
]`

const erc20ABIJSON = `[
  {
    "inputs": [{"internalType":"address","name":"owner","type":"address"}],
    "name":"balanceOf",
    "outputs": [{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"amount","type":"uint256"}
    ],
    "name":"transfer",
    "outputs": [{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
