package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
database:
  dsn: postgresql://db:5432/maker
  maxConns: 8
transport:
  listenAddr: ":7777"
  rolloverMessageTimeout: 30s
  setupBufferCapacity: 16
  sendTimeout: 3s
apiServer:
  addr: ":8080"
oracle:
  baseURL: https://oracle.example
wallet:
  baseURL: http://wallet:3000
  syncInterval: 5s
protocol:
  payoutCount: 50
log:
  level: DEBUG
  format: json
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging environment, got %q", cfg.Environment)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgresql://db:5432/maker" || cfg.Database.MaxConns != 8 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Transport.RolloverMessageTimeout != 30*time.Second || cfg.Transport.SetupBufferCapacity != 16 || cfg.Transport.SendTimeout != 3*time.Second {
		t.Fatalf("unexpected transport config: %+v", cfg.Transport)
	}
	if cfg.Protocol.PayoutCount != 50 {
		t.Fatalf("expected payout count 50, got %d", cfg.Protocol.PayoutCount)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Wallet.SyncInterval != 5*time.Second {
		t.Fatalf("unexpected wallet sync interval %s", cfg.Wallet.SyncInterval)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
database:
  driver: postgres
  dsn: postgresql://file/maker
`)
	t.Setenv("MAKER_DATABASE_DRIVER", "memory")
	t.Setenv("MAKER_TRANSPORT_ROLLOVER_MESSAGE_TIMEOUT", "5s")
	t.Setenv("MAKER_API_ADDR", ":9090")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Fatalf("expected env to select memory driver, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "postgresql://file/maker" {
		t.Fatalf("expected file dsn to survive, got %q", cfg.Database.DSN)
	}
	if cfg.Transport.RolloverMessageTimeout != 5*time.Second {
		t.Fatalf("expected env timeout, got %s", cfg.Transport.RolloverMessageTimeout)
	}
	if cfg.APIServer.Addr != ":9090" {
		t.Fatalf("expected env api addr, got %q", cfg.APIServer.Addr)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Transport.SetupBufferCapacity != 64 {
		t.Fatalf("expected default setup buffer capacity 64, got %d", cfg.Transport.SetupBufferCapacity)
	}
	if cfg.Transport.RolloverMessageTimeout != 60*time.Second {
		t.Fatalf("unexpected default rollover timeout %s", cfg.Transport.RolloverMessageTimeout)
	}
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	cfg := Default()
	cfg.Environment = "qa"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "environment") {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestValidateRejectsBadOracleKey(t *testing.T) {
	cfg := Default()
	cfg.Oracle.PublicKey = "zz"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid oracle key to fail validation")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "sqlite"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("expected database error, got %v", err)
	}
}
