package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MinPeriod is the shortest phase duration accepted from configuration.
var MinPeriod = time.Minute

var errEmptyValue = errors.New("empty value")

// one is 10^18, the fixed-point unit shared by ether amounts and shares.
var one = uint256.NewInt(1_000_000_000_000_000_000)

type parsedAmounts struct {
	minimumFund    *uint256.Int
	maximumFund    *uint256.Int
	minimumDeposit *uint256.Int
	adminShare     *uint256.Int
	managerShare   *uint256.Int
}

// ParseEther converts a decimal string such as "0.05" into an 18 decimal
// fixed-point integer. At most 18 fractional digits are accepted.
func ParseEther(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errEmptyValue
	}
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("invalid decimal %q", raw)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("decimal %q has more than 18 fractional digits", raw)
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("invalid decimal %q", raw)
			}
		}
	}
	intPart, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	value, overflow := new(uint256.Int).MulOverflow(intPart, one)
	if overflow {
		return nil, fmt.Errorf("decimal %q overflows", raw)
	}
	if frac != "" {
		fracPart, err := uint256.FromDecimal(frac + strings.Repeat("0", 18-len(frac)))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", raw, err)
		}
		if _, overflow := value.AddOverflow(value, fracPart); overflow {
			return nil, fmt.Errorf("decimal %q overflows", raw)
		}
	}
	return value, nil
}

// Validate checks the parameters for internal consistency.
func Validate(p *Pool) error {
	if p == nil {
		return fmt.Errorf("pool: config is nil")
	}
	for name, raw := range map[string]string{
		"PoolAddress":  p.PoolAddress,
		"TokenAddress": p.TokenAddress,
		"Deployer":     p.Deployer,
		"PoolManager":  p.PoolManager,
		"ICOManager":   p.ICOManager,
		"Paybot":       p.Paybot,
	} {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("addresses: %s %q is not a hex address", name, raw)
		}
		if common.HexToAddress(raw) == (common.Address{}) {
			return fmt.Errorf("addresses: %s must not be zero", name)
		}
	}
	if common.HexToAddress(p.PoolAddress) == common.HexToAddress(p.TokenAddress) {
		return fmt.Errorf("addresses: PoolAddress and TokenAddress must differ")
	}
	for name, d := range map[string]Duration{
		"RaisingPeriod":      p.RaisingPeriod,
		"ICOPeriod":          p.ICOPeriod,
		"DistributionPeriod": p.DistributionPeriod,
	} {
		if d.Duration < MinPeriod {
			return fmt.Errorf("periods: %s must be at least %s", name, MinPeriod)
		}
	}
	amounts, err := p.amounts()
	if err != nil {
		return err
	}
	if amounts.minimumFund.Gt(amounts.maximumFund) {
		return fmt.Errorf("funding: MinimumFund > MaximumFund")
	}
	if amounts.minimumDeposit.IsZero() {
		return fmt.Errorf("funding: MinimumDeposit must be positive")
	}
	if amounts.minimumDeposit.Gt(amounts.maximumFund) {
		return fmt.Errorf("funding: MinimumDeposit > MaximumFund")
	}
	shares, overflow := new(uint256.Int).AddOverflow(amounts.adminShare, amounts.managerShare)
	if overflow || shares.Gt(one) {
		return fmt.Errorf("shares: AdminShare + PoolManagerShare exceeds 1")
	}
	return nil
}

func (p *Pool) amounts() (parsedAmounts, error) {
	var out parsedAmounts
	fields := []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"MinimumFund", p.MinimumFund, &out.minimumFund},
		{"MaximumFund", p.MaximumFund, &out.maximumFund},
		{"MinimumDeposit", p.MinimumDeposit, &out.minimumDeposit},
		{"AdminShare", p.AdminShare, &out.adminShare},
		{"PoolManagerShare", p.PoolManagerShare, &out.managerShare},
	}
	for _, f := range fields {
		value, err := ParseEther(f.raw)
		if err != nil {
			return parsedAmounts{}, fmt.Errorf("amounts: %s: %w", f.name, err)
		}
		*f.dst = value
	}
	return out, nil
}
