// Package amount converts token amounts between human-readable decimals
// and on-chain base units.
//
// USDT on BNB Smart Chain and the native BNB coin both use 18 decimal
// places. All on-chain values are *big.Int in the smallest unit
// (1 USDT = 10^18 units).
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of the traded stablecoin.
const TokenDecimals = 18

// NativeDecimals is the precision of the chain's gas coin.
const NativeDecimals = 18

var (
	ErrEmpty    = errors.New("amount: empty")
	ErrNegative = errors.New("amount: negative amounts not allowed")
	ErrInvalid  = errors.New("amount: invalid number")
)

// Parse converts a decimal string (e.g. "1.50") to base units with the
// given precision. Fractional digits beyond the precision are truncated.
func Parse(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.Count(s, ".") > 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ToBaseUnits(d, decimals)
}

// ToBaseUnits shifts d by decimals and truncates the remainder.
func ToBaseUnits(d decimal.Decimal, decimals int32) (*big.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts base units back to a decimal value.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// Format renders base units as a decimal string without trailing zeros
// ("100", "0.5", "0.000000000000000001").
func Format(v *big.Int, decimals int32) string {
	return FromBaseUnits(v, decimals).String()
}

// Token parses a stablecoin amount string.
func Token(s string) (*big.Int, error) {
	return Parse(s, TokenDecimals)
}

// FormatToken renders a stablecoin amount.
func FormatToken(v *big.Int) string {
	return Format(v, TokenDecimals)
}

// Native parses a gas-coin amount string (e.g. "0.0005" BNB).
func Native(s string) (*big.Int, error) {
	return Parse(s, NativeDecimals)
}

// FormatNative renders a gas-coin amount with 8 fixed decimals for display.
func FormatNative(v *big.Int) string {
	return FromBaseUnits(v, NativeDecimals).StringFixed(8)
}
