package chains

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/agentpay/agentpay/types"
)

// ToBaseUnits converts a decimal token amount into integer base units
// using the token's fixed decimal exponent, rounding to the nearest unit.
// Negative or non-numeric input is rejected.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "invalid amount %q: %v", amount, err)
	}
	if d.IsNegative() {
		return nil, types.Errorf(types.ErrInvalidInput, "amount must not be negative, got %s", amount)
	}
	return d.Shift(decimals).Round(0).BigInt(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}
