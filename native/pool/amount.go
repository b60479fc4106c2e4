package pool

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point scale used for stakeholder percentages.
var Decimals = uint256.NewInt(1_000_000_000_000_000_000)

// MaxAmount is the largest representable amount.
var MaxAmount = new(uint256.Int).SetAllOne()

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate product. A zero
// divisor yields zero.
func mulDiv(x, y, d *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return cloneAmount(MaxAmount)
	}
	return z
}

// subFloor returns a-b, clamped at zero.
func subFloor(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// FromBig converts a non-negative big integer that fits in 256 bits.
func FromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, v)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidAmount, v)
	}
	return out, nil
}

// ParseAmount parses a base-10 integer amount expressed in the smallest unit.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	out, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	return out, nil
}
