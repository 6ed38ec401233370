package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"paylink/crypto"
)

// Config is the paylinkd node configuration, loaded from a TOML file.
type Config struct {
	APIListen    string `toml:"APIListen"`
	DataDir      string `toml:"DataDir"`
	DBBackend    string `toml:"DBBackend"`
	NetworkName  string `toml:"NetworkName"`
	KeystorePath string `toml:"KeystorePath"`

	// MultiPartTimeoutSeconds bounds how long an incomplete multi-part
	// payment may hold fragments before they are all failed.
	MultiPartTimeoutSeconds uint64 `toml:"MultiPartTimeoutSeconds"`
	// DefaultFinalExpiryDelta applies to invoices without their own delta.
	DefaultFinalExpiryDelta uint32 `toml:"DefaultFinalExpiryDelta"`
	// DefaultInvoiceExpirySeconds is applied by the API when an issuance
	// request carries no expiry. Zero would issue invoices that stay
	// matchable forever, so the default keeps a bound.
	DefaultInvoiceExpirySeconds uint64 `toml:"DefaultInvoiceExpirySeconds"`

	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Exports   ExportsConfig   `toml:"exports"`
	Webhooks  WebhookConfig   `toml:"webhooks"`
}

// AuthConfig controls JWT bearer authentication on the HTTP API.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// RateLimitConfig controls per-client API rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers"`
	Environment string `toml:"Environment"`
}

// ExportsConfig controls settled-payment ledger exports.
type ExportsConfig struct {
	OutputDir string `toml:"OutputDir"`
}

// WebhookConfig controls settled-payment webhook delivery.
type WebhookConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Secret   string `toml:"Secret"`
}

var validBackends = map[string]struct{}{
	"leveldb": {},
	"bolt":    {},
	"memory":  {},
}

// Load reads the configuration from path, creating a default file (and node
// keystore) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ensureKeystore(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.APIListen) == "" {
		cfg.APIListen = "127.0.0.1:8547"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.DBBackend) == "" {
		cfg.DBBackend = "leveldb"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "paylink-local"
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = filepath.Join(filepath.Dir(path), "node_keystore.json")
	}
	if cfg.MultiPartTimeoutSeconds == 0 {
		cfg.MultiPartTimeoutSeconds = 60
	}
	if cfg.DefaultFinalExpiryDelta == 0 {
		cfg.DefaultFinalExpiryDelta = 18
	}
	if cfg.DefaultInvoiceExpirySeconds == 0 {
		cfg.DefaultInvoiceExpirySeconds = 86400
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 30
	}
	if strings.TrimSpace(cfg.Exports.OutputDir) == "" {
		cfg.Exports.OutputDir = filepath.Join(cfg.DataDir, "exports")
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (cfg *Config) Validate() error {
	if _, ok := validBackends[strings.ToLower(strings.TrimSpace(cfg.DBBackend))]; !ok {
		return fmt.Errorf("config: unknown DBBackend %q (want leveldb, bolt, or memory)", cfg.DBBackend)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("config: auth enabled but HMACSecret is empty")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: negative rate limit")
	}
	if cfg.Webhooks.Enabled {
		if strings.TrimSpace(cfg.Webhooks.Endpoint) == "" {
			return fmt.Errorf("config: webhooks enabled but Endpoint is empty")
		}
		if strings.TrimSpace(cfg.Webhooks.Secret) == "" {
			return fmt.Errorf("config: webhooks enabled but Secret is empty")
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)
	if err := ensureKeystore(cfg); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureKeystore generates a node key on first run so the daemon can sign
// invoices immediately.
func ensureKeystore(cfg *Config) error {
	if _, err := os.Stat(cfg.KeystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		passphrase := os.Getenv("PAYLINK_NODE_PASS")
		return crypto.SaveToKeystore(cfg.KeystorePath, key, passphrase)
	} else if err != nil {
		return err
	}
	return nil
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
