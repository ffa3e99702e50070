package chargerd

import (
	"fmt"
	"os"
	"strings"
	"time"

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

// Config captures the runtime configuration for chargerd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Domain        DomainConfig   `yaml:"domain"`
	Database      DatabaseConfig `yaml:"database"`
	NullifierPath string         `yaml:"nullifier_path"`
	Relayer       RelayerConfig  `yaml:"relayer"`
	Scheduler     SchedConfig    `yaml:"scheduler"`
	Delegation    DelegConfig    `yaml:"delegation"`
	Admin         AdminConfig    `yaml:"admin"`
}

// DomainConfig pins the execution environment a permit must be bound to.
type DomainConfig struct {
	ChainID           uint64 `yaml:"chain_id"`
	VerifyingContract string `yaml:"verifying_contract"`
}

// DatabaseConfig selects the subscription store backend. Driver is either
// "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RelayerConfig captures the funded signing identity and submission policy.
type RelayerConfig struct {
	Endpoint            string   `yaml:"endpoint"`
	SignerKey           string   `yaml:"signer_key"`
	SignerKeyFile       string   `yaml:"signer_key_file"`
	SignerKeyEnv        string   `yaml:"signer_key_env"`
	KeystorePath        string   `yaml:"keystore_path"`
	KeystorePassphrase  string   `yaml:"keystore_passphrase_env"`
	SubmitRatePerSecond float64  `yaml:"submit_rate"`
	SubmitBurst         int      `yaml:"submit_burst"`
	ReceiptPollInterval Duration `yaml:"receipt_poll_interval"`
}

// SchedConfig bounds the retry behaviour for transient charge failures.
type SchedConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// DelegConfig configures the private-policy delegation anchor.
type DelegConfig struct {
	AttesterAddress string `yaml:"attester"`
	RootHistory     int    `yaml:"root_history"`
	PolicyAgentURL  string `yaml:"policy_agent"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
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
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Relayer.normalise(); err != nil {
		return cfg, fmt.Errorf("relayer signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
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
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "chargerd.db"
	}
	if cfg.NullifierPath == "" {
		cfg.NullifierPath = "nullifiers"
	}
	if cfg.Relayer.SubmitRatePerSecond <= 0 {
		cfg.Relayer.SubmitRatePerSecond = 5
	}
	if cfg.Relayer.SubmitBurst <= 0 {
		cfg.Relayer.SubmitBurst = 1
	}
	if cfg.Relayer.ReceiptPollInterval.Duration == 0 {
		cfg.Relayer.ReceiptPollInterval.Duration = 5 * time.Second
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = defaultMaxRetries
	}
	if cfg.Scheduler.RetryBackoff.Duration == 0 {
		cfg.Scheduler.RetryBackoff.Duration = defaultRetryBackoff
	}
	if cfg.Delegation.RootHistory <= 0 {
		cfg.Delegation.RootHistory = 4
	}
}

func validateConfig(cfg Config) error {
	if cfg.Domain.ChainID == 0 {
		return fmt.Errorf("domain chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Domain.VerifyingContract) == "" {
		return fmt.Errorf("domain verifying_contract must be configured")
	}
	if strings.TrimSpace(cfg.Relayer.Endpoint) == "" {
		return fmt.Errorf("relayer endpoint must be configured")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("postgres requires a dsn")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("bearer_token must be configured for admin authentication")
	}
	return nil
}

// normalise resolves the signer key through its configured indirection. A
// literal key wins; otherwise env, file and keystore are consulted in order.
func (c *RelayerConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("relayer configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.KeystorePath = strings.TrimSpace(c.KeystorePath)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	case c.KeystorePath != "":
		// Decrypted at startup by the daemon; the passphrase env var just
		// has to be present here.
		if strings.TrimSpace(c.KeystorePassphrase) == "" {
			return fmt.Errorf("keystore_passphrase_env is required with keystore_path")
		}
		if strings.TrimSpace(os.Getenv(c.KeystorePassphrase)) == "" {
			return fmt.Errorf("keystore passphrase env %s is empty", c.KeystorePassphrase)
		}
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
