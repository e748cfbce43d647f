// Package config manages daemon configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/cfdmaker/internal/domain/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAKER_"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig controls contract store connectivity and migration behaviour.
type DatabaseConfig struct {
	Driver            string        `yaml:"driver" env:"DRIVER"`
	DSN               string        `yaml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout" env:"CONNECT_TIMEOUT"`
	RunMigrations     bool          `yaml:"runMigrations" env:"RUN_MIGRATIONS"`
	MigrationsDir     string        `yaml:"migrationsDir" env:"MIGRATIONS_DIR"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverPostgres {
		c.DSN = "postgresql://localhost:5432/cfdmaker"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("driver must be one of postgres, memory")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// TransportConfig configures the peer listener and protocol bounds.
type TransportConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"LISTEN_ADDR"`
	// RolloverMessageTimeout bounds each wait for a counterparty rollover message.
	RolloverMessageTimeout time.Duration `yaml:"rolloverMessageTimeout" env:"ROLLOVER_MESSAGE_TIMEOUT"`
	// SetupBufferCapacity bounds setup messages buffered before setup is ready.
	SetupBufferCapacity int `yaml:"setupBufferCapacity" env:"SETUP_BUFFER_CAPACITY"`
	// SendTimeout bounds each write to a connected taker.
	SendTimeout time.Duration `yaml:"sendTimeout" env:"SEND_TIMEOUT"`
}

// APIServerConfig configures the daemon's HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// OracleConfig locates the oracle service.
type OracleConfig struct {
	BaseURL   string        `yaml:"baseURL" env:"BASE_URL"`
	PublicKey string        `yaml:"publicKey" env:"PUBLIC_KEY"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// WalletConfig locates the wallet service.
type WalletConfig struct {
	BaseURL          string        `yaml:"baseURL" env:"BASE_URL"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	SyncInterval     time.Duration `yaml:"syncInterval" env:"SYNC_INTERVAL"`
	MinSyncSpacing   time.Duration `yaml:"minSyncSpacing" env:"MIN_SYNC_SPACING"`
	BroadcastRetries int           `yaml:"broadcastRetries" env:"BROADCAST_RETRIES"`
}

// ProtocolConfig holds contract construction parameters.
type ProtocolConfig struct {
	// PayoutCount is the number of payout points per CET set.
	PayoutCount int `yaml:"payoutCount" env:"PAYOUT_COUNT"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"ENABLE_METRICS"`
}

// AppConfig is the maker daemon configuration sourced from YAML and MAKER_* variables.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"ENVIRONMENT"`
	Database    DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Transport   TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	APIServer   APIServerConfig `yaml:"apiServer" envPrefix:"API_"`
	Oracle      OracleConfig    `yaml:"oracle" envPrefix:"ORACLE_"`
	Wallet      WalletConfig    `yaml:"wallet" envPrefix:"WALLET_"`
	Protocol    ProtocolConfig  `yaml:"protocol" envPrefix:"PROTOCOL_"`
	Log         LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// Default returns a configuration usable for a local development daemon.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.normalise()
	return cfg
}

// Load reads an AppConfig from the YAML file, applies MAKER_* environment
// overrides and validates the result. An empty path skips the file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	var cfg AppConfig
	if strings.TrimSpace(configPath) != "" {
		reader, closer, err := openConfigFile(configPath)
		if err != nil {
			return AppConfig{}, err
		}
		defer closer()

		bytes, err := io.ReadAll(reader)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8000"
	}

	c.Transport.ListenAddr = strings.TrimSpace(c.Transport.ListenAddr)
	if c.Transport.ListenAddr == "" {
		c.Transport.ListenAddr = ":9999"
	}
	if c.Transport.RolloverMessageTimeout <= 0 {
		c.Transport.RolloverMessageTimeout = 60 * time.Second
	}
	if c.Transport.SetupBufferCapacity <= 0 {
		c.Transport.SetupBufferCapacity = 64
	}
	if c.Transport.SendTimeout <= 0 {
		c.Transport.SendTimeout = 10 * time.Second
	}

	c.Oracle.BaseURL = strings.TrimSpace(c.Oracle.BaseURL)
	c.Oracle.PublicKey = strings.TrimSpace(c.Oracle.PublicKey)
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 10 * time.Second
	}

	c.Wallet.BaseURL = strings.TrimSpace(c.Wallet.BaseURL)
	if c.Wallet.Timeout <= 0 {
		c.Wallet.Timeout = 10 * time.Second
	}
	if c.Wallet.SyncInterval <= 0 {
		c.Wallet.SyncInterval = 10 * time.Second
	}
	if c.Wallet.MinSyncSpacing < 0 {
		c.Wallet.MinSyncSpacing = 0
	}

	if c.Protocol.PayoutCount <= 0 {
		c.Protocol.PayoutCount = 200
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "plain"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "cfdmaker"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if strings.TrimSpace(c.Transport.ListenAddr) == "" {
		return fmt.Errorf("transport listenAddr required")
	}
	if c.Transport.RolloverMessageTimeout <= 0 {
		return fmt.Errorf("transport rolloverMessageTimeout must be >0")
	}
	if c.Transport.SetupBufferCapacity <= 0 {
		return fmt.Errorf("transport setupBufferCapacity must be >0")
	}

	if c.Oracle.PublicKey != "" {
		if _, err := model.ParsePublicKey(c.Oracle.PublicKey); err != nil {
			return fmt.Errorf("oracle publicKey: %w", err)
		}
	}
	if c.Wallet.SyncInterval <= 0 {
		return fmt.Errorf("wallet syncInterval must be >0")
	}
	if c.Wallet.BroadcastRetries < 0 {
		return fmt.Errorf("wallet broadcastRetries must be >=0")
	}
	if c.Protocol.PayoutCount <= 0 {
		return fmt.Errorf("protocol payoutCount must be >0")
	}

	switch c.Log.Format {
	case "plain", "json":
	default:
		return fmt.Errorf("log format must be one of plain, json")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
