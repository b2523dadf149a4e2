package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad test literal " + s)
	}
	return v
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		name string
		wei  *big.Int
		want string
	}{
		{"nil", nil, "0"},
		{"zero", big.NewInt(0), "0"},
		{"one wei", big.NewInt(1), "0.000000000000000001"},
		{"one gwei", big.NewInt(1_000_000_000), "0.000000001"},
		{"one ether", wei("1000000000000000000"), "1"},
		{"one and a half", wei("1500000000000000000"), "1.5"},
		{"ganache default", wei("100000000000000000000"), "100"},
		{"mixed", wei("99999370020000000000"), "99.99937002"},
		{"negative", wei("-2500000000000000000"), "-2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEther(tt.wei))
		})
	}
}

func TestParseEther(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *big.Int
		ok    bool
	}{
		{"whole", "2", wei("2000000000000000000"), true},
		{"fraction", "0.5", wei("500000000000000000"), true},
		{"leading dot", ".25", wei("250000000000000000"), true},
		{"smallest unit", "0.000000000000000001", big.NewInt(1), true},
		{"too precise", "0.0000000000000000001", nil, false},
		{"negative", "-1", nil, false},
		{"empty", "", nil, false},
		{"garbage", "abc", nil, false},
		{"two dots", "1.2.3", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseEther(tt.input)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, 0, tt.want.Cmp(got), "expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseAndFormat_Roundtrip(t *testing.T) {
	for _, amount := range []string{"0", "1", "1.5", "0.000000001", "123.456789"} {
		t.Run(amount, func(t *testing.T) {
			parsed, ok := ParseEther(amount)
			require.True(t, ok)
			assert.Equal(t, amount, FormatEther(parsed))
		})
	}
}
