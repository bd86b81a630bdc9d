package config

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

// Config captures runtime configuration for roomnightd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	DatabaseDSN   string         `yaml:"database"`
	Chain         ChainConfig    `yaml:"chain"`
	Custody       CustodyConfig  `yaml:"custody"`
	Listener      ListenerConfig `yaml:"listener"`
	Auth          AuthConfig     `yaml:"auth"`
}

// ChainConfig describes the ledger endpoint and deployed contracts.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	ChainID        uint64   `yaml:"chain_id"`
	TokenAddress   string   `yaml:"token_address"`
	EscrowAddress  string   `yaml:"escrow_address"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// CustodyConfig locates the admin keystore and key-at-rest passphrases.
// Passphrases come from the environment, never from the file.
type CustodyConfig struct {
	AdminKeystorePath string `yaml:"admin_keystore"`
	AdminPassphrase   string `yaml:"-"`
	KeyPassphrase     string `yaml:"-"`
	GasFundingWei     string `yaml:"gas_funding_wei"`
}

// ListenerConfig tunes the reconciliation loop.
type ListenerConfig struct {
	Interval    Duration `yaml:"interval"`
	TickTimeout Duration `yaml:"tick_timeout"`
}

// AuthConfig tunes token issuance. The signing secret comes from the
// environment.
type AuthConfig struct {
	JWTSecret string   `yaml:"-"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

// Environment variables overriding or supplying secrets.
const (
	EnvDatabaseDSN     = "ROOMNIGHT_DATABASE_DSN"
	EnvJWTSecret       = "ROOMNIGHT_JWT_SECRET"
	EnvAdminPassphrase = "ROOMNIGHT_ADMIN_PASSPHRASE"
	EnvKeyPassphrase   = "ROOMNIGHT_KEY_PASSPHRASE"
)

// Load reads configuration from the supplied path and merges secrets from
// the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	cfg.Auth.JWTSecret = strings.TrimSpace(os.Getenv(EnvJWTSecret))
	cfg.Custody.AdminPassphrase = os.Getenv(EnvAdminPassphrase)
	cfg.Custody.KeyPassphrase = os.Getenv(EnvKeyPassphrase)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8084"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "file:roomnight.sqlite"
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 90 * time.Second
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Listener.Interval.Duration == 0 {
		cfg.Listener.Interval.Duration = 6 * time.Second
	}
	if cfg.Listener.TickTimeout.Duration == 0 {
		cfg.Listener.TickTimeout.Duration = 30 * time.Second
	}
	if cfg.Auth.TokenTTL.Duration == 0 {
		cfg.Auth.TokenTTL.Duration = 24 * time.Hour
	}
	if cfg.Custody.GasFundingWei == "" {
		cfg.Custody.GasFundingWei = "100000000000000000"
	}
}

func validate(cfg Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url is required")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id is required")
	}
	if !common.IsHexAddress(cfg.Chain.TokenAddress) {
		return fmt.Errorf("chain token_address %q is not a hex address", cfg.Chain.TokenAddress)
	}
	if !common.IsHexAddress(cfg.Chain.EscrowAddress) {
		return fmt.Errorf("chain escrow_address %q is not a hex address", cfg.Chain.EscrowAddress)
	}
	if cfg.Custody.AdminKeystorePath == "" {
		return fmt.Errorf("custody admin_keystore is required")
	}
	if cfg.Custody.AdminPassphrase == "" {
		return fmt.Errorf("%s must be set", EnvAdminPassphrase)
	}
	if cfg.Custody.KeyPassphrase == "" {
		return fmt.Errorf("%s must be set", EnvKeyPassphrase)
	}
	if len(cfg.Auth.JWTSecret) < 16 {
		return fmt.Errorf("%s must be at least 16 bytes", EnvJWTSecret)
	}
	return nil
}
