package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBBackend != "leveldb" {
		t.Fatalf("unexpected default backend %q", cfg.DBBackend)
	}
	if cfg.MultiPartTimeoutSeconds != 60 || cfg.DefaultFinalExpiryDelta != 18 {
		t.Fatalf("unexpected settlement defaults: %+v", cfg)
	}
	if cfg.DefaultInvoiceExpirySeconds != 86400 {
		t.Fatalf("unexpected invoice expiry default %d", cfg.DefaultInvoiceExpirySeconds)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(cfg.KeystorePath); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}

	// A second load reads the persisted file.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.KeystorePath != cfg.KeystorePath {
		t.Fatalf("keystore path changed across loads")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "DBBackend = \"postgres\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for unknown backend")
	}
}

func TestLoadRejectsAuthWithoutSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[auth]\nEnabled = true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for auth without secret")
	}
}

func TestLoadAppliesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
APIListen = "0.0.0.0:9000"
DBBackend = "bolt"
MultiPartTimeoutSeconds = 120

[ratelimit]
RequestsPerMinute = 60.0
Burst = 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIListen != "0.0.0.0:9000" || cfg.DBBackend != "bolt" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MultiPartTimeoutSeconds != 120 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}
