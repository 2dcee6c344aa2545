package model

import (
	"math/big"
	"strings"
)

// FormatUnits renders a raw base-unit amount as a decimal string scaled by
// decimals, trimming trailing zeros. FormatUnits(1500000, 6) == "1.5".
func FormatUnits(raw *big.Int, decimals uint8) string {
	if decimals == 0 {
		return raw.String()
	}
	neg := raw.Sign() < 0
	abs := new(big.Int).Abs(raw)

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		for len(digits) < int(decimals) {
			digits = "0" + digits
		}
		digits = strings.TrimRight(digits, "0")
		if digits != "" {
			out += "." + digits
		}
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// ParseDecimal parses an arbitrary-precision decimal string such as a
// canonical event amount. Returns false for empty or malformed input.
func ParseDecimal(s string) (*big.Rat, bool) {
	if s == "" {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, false
	}
	return r, true
}
