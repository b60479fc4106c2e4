package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"icopool/native/pool"
)

// Duration decodes TOML strings such as "240h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Pool holds the deployment parameters of a pool. Amounts are decimal ether
// strings and shares are decimal fractions of one.
type Pool struct {
	PoolAddress            string   `toml:"PoolAddress"`
	TokenAddress           string   `toml:"TokenAddress"`
	Deployer               string   `toml:"Deployer"`
	PoolManager            string   `toml:"PoolManager"`
	ICOManager             string   `toml:"ICOManager"`
	Paybot                 string   `toml:"Paybot"`
	RaisingPeriod          Duration `toml:"RaisingPeriod"`
	ICOPeriod              Duration `toml:"ICOPeriod"`
	DistributionPeriod     Duration `toml:"DistributionPeriod"`
	MinimumFund            string   `toml:"MinimumFund"`
	MaximumFund            string   `toml:"MaximumFund"`
	MinimumDeposit         string   `toml:"MinimumDeposit"`
	AdminShare             string   `toml:"AdminShare"`
	PoolManagerShare       string   `toml:"PoolManagerShare"`
	LateStakeholderRelease bool     `toml:"LateStakeholderRelease"`
}

// Default returns the production deployment parameters with the addresses
// left for the operator to fill in.
func Default() *Pool {
	return &Pool{
		RaisingPeriod:      Duration{10 * 24 * time.Hour},
		ICOPeriod:          Duration{15 * 24 * time.Hour},
		DistributionPeriod: Duration{36524 * 24 * time.Hour},
		MinimumFund:        "10",
		MaximumFund:        "10000",
		MinimumDeposit:     "1",
		AdminShare:         "0.01",
		PoolManagerShare:   "0.04",
	}
}

// Load reads pool parameters from path. Missing keys keep their defaults.
func Load(path string) (*Pool, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Pool) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Token returns the configured token address.
func (p *Pool) Token() common.Address {
	return common.HexToAddress(p.TokenAddress)
}

// PoolConfig converts the file representation into pool.Config.
func (p *Pool) PoolConfig() (pool.Config, error) {
	if err := Validate(p); err != nil {
		return pool.Config{}, err
	}
	amounts, err := p.amounts()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Address:     common.HexToAddress(p.PoolAddress),
		Deployer:    common.HexToAddress(p.Deployer),
		PoolManager: common.HexToAddress(p.PoolManager),
		ICOManager:  common.HexToAddress(p.ICOManager),
		Paybot:      common.HexToAddress(p.Paybot),
		Periods: pool.Periods{
			Raising:      int64(p.RaisingPeriod.Seconds()),
			ICO:          int64(p.ICOPeriod.Seconds()),
			Distribution: int64(p.DistributionPeriod.Seconds()),
		},
		MinimumFund:      amounts.minimumFund,
		MaximumFund:      amounts.maximumFund,
		MinimumDeposit:   amounts.minimumDeposit,
		AdminShare:       amounts.adminShare,
		PoolManagerShare: amounts.managerShare,
		Policy:           pool.ReleasePolicy{LateStakeholderRelease: p.LateStakeholderRelease},
	}, nil
}
