package poold

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
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

// Config captures the runtime configuration for poold.
type Config struct {
	ListenAddress   string                     `yaml:"listen"`
	DataDir         string                     `yaml:"data_dir"`
	PoolConfigPath  string                     `yaml:"pool_config"`
	ShutdownTimeout Duration                   `yaml:"shutdown_timeout"`
	Journal         JournalConfig              `yaml:"journal"`
	Auth            AuthConfig                 `yaml:"auth"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate_limits"`
	CORS            CORSConfig                 `yaml:"cors"`
	TrustProxy      bool                       `yaml:"trust_proxy"`
	Logging         LoggingConfig              `yaml:"logging"`
	Genesis         GenesisConfig              `yaml:"genesis"`
}

// JournalConfig selects the SQL backend of the event journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures bearer token verification. The caller address is
// read from the token subject.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds request rates for one route group.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig controls level and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// GenesisConfig seeds the ether and token ledgers the first time the pool
// is created. Values are decimal amounts with 18 decimals.
type GenesisConfig struct {
	Ether map[string]string `yaml:"ether"`
	Token map[string]string `yaml:"token"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/poold"
	}
	if cfg.PoolConfigPath == "" {
		cfg.PoolConfigPath = "services/poold/pool.toml"
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout = Duration{10 * time.Second}
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew = Duration{2 * time.Minute}
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			routeRead:  {RequestsPerMinute: 600, Burst: 60},
			routeWrite: {RequestsPerMinute: 120, Burst: 20},
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (a *AuthConfig) normalise() error {
	if !a.Enabled {
		return nil
	}
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" && strings.TrimSpace(a.HMACSecret) == "" {
		secret, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(secret) == "" {
			return fmt.Errorf("environment variable %s is not set", env)
		}
		a.HMACSecret = strings.TrimSpace(secret)
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch strings.ToLower(cfg.Journal.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if strings.EqualFold(cfg.Journal.Driver, "postgres") && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return fmt.Errorf("journal: postgres requires a dsn")
	}
	if cfg.Auth.Enabled && len(strings.TrimSpace(cfg.Auth.HMACSecret)) < 16 {
		return fmt.Errorf("auth: hmac secret must be at least 16 characters")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits: %s requires positive requests_per_minute and burst", name)
		}
	}
	for _, section := range []struct {
		name     string
		balances map[string]string
	}{{"ether", cfg.Genesis.Ether}, {"token", cfg.Genesis.Token}} {
		for addr := range section.balances {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("genesis: %s account %q is not a hex address", section.name, addr)
			}
		}
	}
	return nil
}
