package ethtx

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("ethtx: invalid fee args")

// Calc1559Fees derives the EIP-1559 cap pair for a batch transaction from the
// latest block's base fee. The tip is the node's suggestion raised to a
// configured floor, and the fee cap leaves headroom for two consecutive
// maximum base-fee increases:
//
//	tipCap = max(suggestedTipCap, minTipCap)
//	feeCap = 2*baseFee + tipCap
//
// There is deliberately no bump variant: a batch that fails to mine is never
// replaced, only reconciled.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)

	return tip, fee, nil
}
