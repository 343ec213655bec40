package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config enumerates every runtime knob of the settlement network. Unknown
// keys in the file are rejected at load time.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	// Database selects the gorm backend: "postgres" or "sqlite".
	DatabaseDriver string `toml:"DatabaseDriver"`
	DatabaseDSN    string `toml:"DatabaseDSN"`

	// LegLogPath locates the durable leg-outcome log.
	LegLogPath string `toml:"LegLogPath"`
	// RailsPath locates the YAML rail definitions.
	RailsPath string `toml:"RailsPath"`

	LogFilePath string `toml:"LogFilePath"`
	ReportDir   string `toml:"ReportDir"`

	SettlementDeadlineMS  int    `toml:"SettlementDeadlineMS"`
	PrepareTimeoutMS      int    `toml:"PrepareTimeoutMS"`
	CommitTimeoutMS       int    `toml:"CommitTimeoutMS"`
	QuoteTTLSeconds       int    `toml:"QuoteTTLSeconds"`
	AuctionDurationS      int    `toml:"AuctionDurationSeconds"`
	MinBidsTarget         int    `toml:"MinBidsTarget"`
	FallbackDiscountRate  string `toml:"FallbackDiscountRate"`
	FraudThreshold        string `toml:"FraudThreshold"`
	FraudScoreMaxAgeH     int    `toml:"FraudScoreMaxAgeHours"`
	CreditLimitCacheTTLS  int    `toml:"CreditLimitCacheTTLSeconds"`
	RailHealthMaxAgeS     int    `toml:"RailHealthMaxAgeSeconds"`
	SanctionsMaxAgeH      int    `toml:"SanctionsMaxAgeHours"`
	FxMaxAgeS             int    `toml:"FxMaxAgeSeconds"`
	InvoiceExpiryH        int    `toml:"InvoiceExpiryHours"`
	OrphanReservationTTLS int    `toml:"OrphanReservationTTLSeconds"`
	ReconcileIntervalS    int    `toml:"ReconcileIntervalSeconds"`
	RateLimitPerHour      int    `toml:"RateLimitInvoicesPerHour"`

	// SystemSecretEnv names the environment variable carrying the HMAC key
	// for ledger and decision-record signatures.
	SystemSecretEnv string `toml:"SystemSecretEnv"`
	// JWTSecretEnv names the environment variable carrying the gateway
	// bearer-token key.
	JWTSecretEnv string `toml:"JWTSecretEnv"`
}

// Default returns the documented configuration defaults.
func Default() *Config {
	return &Config{
		ListenAddress:         ":8080",
		Environment:           "dev",
		DatabaseDriver:        "sqlite",
		DatabaseDSN:           "settlenet.db",
		LegLogPath:            "settlenet-legs.db",
		RailsPath:             "rails.yaml",
		ReportDir:             "reports",
		SettlementDeadlineMS:  5000,
		PrepareTimeoutMS:      2000,
		CommitTimeoutMS:       2000,
		QuoteTTLSeconds:       300,
		AuctionDurationS:      10,
		MinBidsTarget:         3,
		FallbackDiscountRate:  "0.10",
		FraudThreshold:        "0.75",
		FraudScoreMaxAgeH:     24,
		CreditLimitCacheTTLS:  3600,
		RailHealthMaxAgeS:     30,
		SanctionsMaxAgeH:      6,
		FxMaxAgeS:             60,
		InvoiceExpiryH:        48,
		OrphanReservationTTLS: 600,
		ReconcileIntervalS:    600,
		RateLimitPerHour:      100,
		SystemSecretEnv:       "SETTLENET_SYSTEM_SECRET",
		JWTSecretEnv:          "SETTLENET_JWT_SECRET",
	}
}

// Load reads the configuration from the given path, applying defaults for
// absent keys and refusing files containing keys it does not know.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would corrupt settlement semantics.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DatabaseDriver must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.SettlementDeadlineMS <= 0 {
		return fmt.Errorf("SettlementDeadlineMS must be positive")
	}
	if c.PrepareTimeoutMS <= 0 || c.CommitTimeoutMS <= 0 {
		return fmt.Errorf("rail phase timeouts must be positive")
	}
	if c.PrepareTimeoutMS+c.CommitTimeoutMS > 2*c.SettlementDeadlineMS {
		return fmt.Errorf("rail phase timeouts exceed twice the settlement deadline")
	}
	if c.QuoteTTLSeconds <= 0 || c.QuoteTTLSeconds > 300 {
		return fmt.Errorf("QuoteTTLSeconds must be in (0, 300]")
	}
	if c.MinBidsTarget < 1 {
		return fmt.Errorf("MinBidsTarget must be at least 1")
	}
	if _, err := decimal.NewFromString(c.FallbackDiscountRate); err != nil {
		return fmt.Errorf("parse FallbackDiscountRate: %w", err)
	}
	threshold, err := decimal.NewFromString(c.FraudThreshold)
	if err != nil {
		return fmt.Errorf("parse FraudThreshold: %w", err)
	}
	if threshold.IsNegative() || threshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("FraudThreshold must be in [0, 1]")
	}
	if c.RateLimitPerHour <= 0 {
		return fmt.Errorf("RateLimitInvoicesPerHour must be positive")
	}
	return nil
}

// SettlementDeadline returns the hard end-to-end budget.
func (c *Config) SettlementDeadline() time.Duration {
	return time.Duration(c.SettlementDeadlineMS) * time.Millisecond
}

// PrepareTimeout returns the per-rail prepare budget.
func (c *Config) PrepareTimeout() time.Duration {
	return time.Duration(c.PrepareTimeoutMS) * time.Millisecond
}

// CommitTimeout returns the per-rail commit budget.
func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeoutMS) * time.Millisecond
}

// QuoteTTL returns the pricing-quote validity window.
func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSeconds) * time.Second
}

// AuctionDuration returns the bidding window length.
func (c *Config) AuctionDuration() time.Duration {
	return time.Duration(c.AuctionDurationS) * time.Second
}

// RailDefinition describes one configured settlement rail.
type RailDefinition struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Priority int    `yaml:"priority"`
	Endpoint string `yaml:"endpoint"`
}

// RailsFile is the YAML document listing rails in priority order.
type RailsFile struct {
	Rails []RailDefinition `yaml:"rails"`
}

// LoadRails parses the rail definitions used by the coordinator.
func LoadRails(path string) ([]RailDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rails file: %w", err)
	}
	var file RailsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rails file: %w", err)
	}
	if len(file.Rails) == 0 {
		return nil, fmt.Errorf("rails file %s defines no rails", path)
	}
	seen := make(map[string]struct{}, len(file.Rails))
	for _, def := range file.Rails {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("rail definition missing name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate rail %q", name)
		}
		seen[name] = struct{}{}
		switch def.Kind {
		case "internal", "http":
		default:
			return nil, fmt.Errorf("rail %q has unsupported kind %q", name, def.Kind)
		}
	}
	return file.Rails, nil
}
