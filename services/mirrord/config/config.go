package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	LedgerModeLocal = "local"
	LedgerModeEVM   = "evm"
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

// Config captures runtime configuration for mirrord.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	Database      string          `yaml:"database"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Recon         ReconConfig     `yaml:"recon"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Log           LogConfig       `yaml:"log"`
	Alerts        AlertsConfig    `yaml:"alerts"`
}

// LedgerConfig selects and configures the ledger client.
type LedgerConfig struct {
	Mode              string  `yaml:"mode"`
	RPCURL            string  `yaml:"rpc_url"`
	Contract          string  `yaml:"contract"`
	ChainID           uint64  `yaml:"chain_id"`
	Keystore          string  `yaml:"keystore"`
	PassphraseEnv     string  `yaml:"passphrase_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	LocalPath         string  `yaml:"local_path"`
}

// ReconConfig tunes the reconciliation loop.
type ReconConfig struct {
	Interval     Duration `yaml:"interval"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	RetryBase    Duration `yaml:"retry_base"`
	RetryMax     Duration `yaml:"retry_max"`
}

// TelemetryConfig wires OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
}

// AlertsConfig routes integrity alerts to a signed webhook. The signing
// secret is read from the environment variable named by SecretEnv.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	SecretEnv  string `yaml:"secret_env"`
}

// LogConfig optionally mirrors logs to a rotated file.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from the supplied path, applies MIRRORD_*
// environment overrides and defaults, and validates the result. An empty path
// yields a configuration built from the environment and defaults alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
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
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MIRRORD_LISTEN", &cfg.ListenAddress)
	str("MIRRORD_ENV", &cfg.Environment)
	str("MIRRORD_DATABASE", &cfg.Database)
	str("MIRRORD_LEDGER_MODE", &cfg.Ledger.Mode)
	str("MIRRORD_LEDGER_RPC_URL", &cfg.Ledger.RPCURL)
	str("MIRRORD_LEDGER_CONTRACT", &cfg.Ledger.Contract)
	str("MIRRORD_LEDGER_KEYSTORE", &cfg.Ledger.Keystore)
	str("MIRRORD_LEDGER_LOCAL_PATH", &cfg.Ledger.LocalPath)
	str("MIRRORD_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("MIRRORD_OTEL_HEADERS", &cfg.Telemetry.Headers)
	str("MIRRORD_LOG_FILE", &cfg.Log.File)
	str("MIRRORD_ALERTS_WEBHOOK_URL", &cfg.Alerts.WebhookURL)

	if v, ok := lookup("MIRRORD_LEDGER_CHAIN_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MIRRORD_LEDGER_CHAIN_ID: %w", err)
		}
		cfg.Ledger.ChainID = id
	}
	durations := map[string]*Duration{
		"MIRRORD_RECON_INTERVAL":      &cfg.Recon.Interval,
		"MIRRORD_RECON_FETCH_TIMEOUT": &cfg.Recon.FetchTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database == "" {
		cfg.Database = "mirrord.sqlite"
	}
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = LedgerModeLocal
	}
	cfg.Ledger.Mode = strings.ToLower(cfg.Ledger.Mode)
	if cfg.Ledger.Mode == LedgerModeLocal && cfg.Ledger.LocalPath == "" {
		cfg.Ledger.LocalPath = "agrichain-ledger"
	}
	if cfg.Ledger.PassphraseEnv == "" {
		cfg.Ledger.PassphraseEnv = "MIRRORD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 30 * time.Second
	}
	if cfg.Recon.FetchTimeout.Duration == 0 {
		cfg.Recon.FetchTimeout.Duration = 10 * time.Second
	}
	if cfg.Recon.RetryBase.Duration == 0 {
		cfg.Recon.RetryBase.Duration = time.Second
	}
	if cfg.Recon.RetryMax.Duration == 0 {
		cfg.Recon.RetryMax.Duration = 2 * time.Minute
	}
	if cfg.Alerts.SecretEnv == "" {
		cfg.Alerts.SecretEnv = "MIRRORD_ALERTS_SECRET"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
}

func validate(cfg Config) error {
	switch cfg.Ledger.Mode {
	case LedgerModeLocal:
	case LedgerModeEVM:
		if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
			return fmt.Errorf("ledger.rpc_url is required in evm mode")
		}
		if !common.IsHexAddress(cfg.Ledger.Contract) {
			return fmt.Errorf("ledger.contract must be a 0x-prefixed address")
		}
		if cfg.Ledger.ChainID == 0 {
			return fmt.Errorf("ledger.chain_id is required in evm mode")
		}
	default:
		return fmt.Errorf("ledger.mode must be %q or %q", LedgerModeLocal, LedgerModeEVM)
	}
	if cfg.Ledger.RequestsPerSecond < 0 {
		return fmt.Errorf("ledger.requests_per_second must not be negative")
	}
	if url := strings.TrimSpace(cfg.Alerts.WebhookURL); url != "" &&
		!strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return fmt.Errorf("alerts.webhook_url must be an http(s) URL")
	}
	if cfg.Recon.RetryMax.Duration < cfg.Recon.RetryBase.Duration {
		return fmt.Errorf("recon.retry_max must not be below recon.retry_base")
	}
	return nil
}

// ContractAddress returns the configured contract as an address.
func (c LedgerConfig) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract)
}

// ChainIDBig returns the chain id as a big integer.
func (c LedgerConfig) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}
