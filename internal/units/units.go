// Package units converts between wei and ether.
//
// Balances and fees travel as big.Int in wei (1 ether = 10^18 wei). The
// display form is a plain decimal string in ether with trailing zeros
// trimmed, matching what wallets show ("1.5", "0.000000000000000001").
package units

import (
	"math/big"
	"strings"
)

const EtherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)

// FormatEther renders a wei amount in ether. A nil amount formats as "0".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)

	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	result := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", EtherDecimals-len(digits)) + digits
		result += "." + strings.TrimRight(digits, "0")
	}
	if neg {
		result = "-" + result
	}
	return result
}

// ParseEther converts an ether decimal string to wei. Returns (nil, false)
// on negative, malformed, or over-precise input.
func ParseEther(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > EtherDecimals {
		return nil, false
	}
	frac += strings.Repeat("0", EtherDecimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	return result, true
}
