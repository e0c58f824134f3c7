package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirrord.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "listen: \":9000\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
	if cfg.Ledger.Mode != LedgerModeLocal || cfg.Ledger.LocalPath == "" {
		t.Fatalf("expected local ledger defaults, got %+v", cfg.Ledger)
	}
	if cfg.Recon.Interval.Duration != 30*time.Second || cfg.Recon.RetryMax.Duration != 2*time.Minute {
		t.Fatalf("unexpected recon defaults %+v", cfg.Recon)
	}
}

func TestLoadEVMConfig(t *testing.T) {
	path := writeConfig(t, `
database: postgres://mirror:pw@localhost:5432/mirror
ledger:
  mode: EVM
  rpc_url: https://sepolia.example.org
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  chain_id: 11155111
  keystore: /etc/mirrord/operator.json
  requests_per_second: 5
recon:
  interval: 1m
  fetch_timeout: 3s
  retry_base: 500ms
  retry_max: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Mode != LedgerModeEVM || cfg.Ledger.ChainIDBig().Uint64() != 11155111 {
		t.Fatalf("unexpected ledger config %+v", cfg.Ledger)
	}
	if cfg.Ledger.ContractAddress().Hex() != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Fatalf("unexpected contract %s", cfg.Ledger.ContractAddress().Hex())
	}
	if cfg.Recon.FetchTimeout.Duration != 3*time.Second || cfg.Recon.RetryBase.Duration != 500*time.Millisecond {
		t.Fatalf("unexpected recon config %+v", cfg.Recon)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown mode":      "ledger:\n  mode: ipfs\n",
		"evm without rpc":   "ledger:\n  mode: evm\n  contract: \"0x5FbDB2315678afecb367f032d93F642f64180aa3\"\n  chain_id: 1\n",
		"bad contract":      "ledger:\n  mode: evm\n  rpc_url: http://x\n  contract: nope\n  chain_id: 1\n",
		"bad duration":      "recon:\n  interval: soon\n",
		"retry max too low": "recon:\n  retry_base: 10s\n  retry_max: 1s\n",
		"unknown field":     "listen_addr: \":1\"\n",
		"bad webhook":       "alerts:\n  webhook_url: ftp://alerts\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MIRRORD_DATABASE":        "file:/tmp/override.db",
		"MIRRORD_LEDGER_CHAIN_ID": "31337",
		"MIRRORD_RECON_INTERVAL":  "5s",
	}
	cfg := Config{Database: "from-file"}
	err := applyEnv(&cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Database != "file:/tmp/override.db" || cfg.Ledger.ChainID != 31337 || cfg.Recon.Interval.Duration != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	bad := func(key string) (string, bool) {
		if key == "MIRRORD_LEDGER_CHAIN_ID" {
			return "abc", true
		}
		return "", false
	}
	if err := applyEnv(&Config{}, bad); err == nil {
		t.Fatalf("expected invalid chain id to fail")
	}
}
