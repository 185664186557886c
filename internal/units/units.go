// Package units formats raw token amounts for humans.
package units

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Format renders v with the given number of decimals. Trailing zeros are trimmed
// but one fractional digit is always kept (1000000 with 6 decimals => "1.0").
func Format(v *big.Int, decimals int) string {
	if v == nil {
		v = new(big.Int)
	}
	if decimals < 0 {
		decimals = 0
	}
	s := decimal.NewFromBigInt(v, -int32(decimals)).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
