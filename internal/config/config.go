package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/custody"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Clearnode  ClearnodeConfig  `mapstructure:"clearnode"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	PriceFeed  PriceFeedConfig  `mapstructure:"pricefeed"`
	Custody    CustodyConfig    `mapstructure:"custody"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the HTTP control surface
type ServerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout    int    `mapstructure:"write_timeout"` // in seconds
	CORSAllowOrigin string `mapstructure:"cors_allow_origin"`
	RateLimit       int    `mapstructure:"rate_limit" validate:"gt=0"` // requests per second
}

// ClearnodeConfig represents the RPC connection and authentication
type ClearnodeConfig struct {
	URL                 string                `mapstructure:"url" validate:"required,url"`
	Application         string                `mapstructure:"application" validate:"required"`
	Scope               string                `mapstructure:"scope"`
	SessionExpiry       time.Duration         `mapstructure:"session_expiry" validate:"gt=0"`
	Allowances          []clearnode.Allowance `mapstructure:"allowances" validate:"dive"`
	RequestTimeout      time.Duration         `mapstructure:"request_timeout" validate:"gt=0"`
	ReconnectBaseDelay  time.Duration         `mapstructure:"reconnect_base_delay" validate:"gt=0"`
	MaxReconnects       int                   `mapstructure:"max_reconnects" validate:"gte=0"`
	MaxQueuedFrames     int                   `mapstructure:"max_queued_frames" validate:"gt=0"`
	MaxMessageSize      int64                 `mapstructure:"max_message_size" validate:"gt=0"`
	PingInterval        time.Duration         `mapstructure:"ping_interval"`
	RequireSSL          bool                  `mapstructure:"require_ssl"`
	NotificationWorkers int                   `mapstructure:"notification_workers" validate:"gt=0"`
	RefreshLedger       bool                  `mapstructure:"refresh_ledger"`
}

// WalletConfig holds the primary wallet. The session key is generated per run.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key" validate:"required"`
}

// SettlementConfig represents the engine, the trader and the channel cache
type SettlementConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	StableAsset        string            `mapstructure:"stable_asset" validate:"required"`
	MaintenanceMargin  string            `mapstructure:"maintenance_margin" validate:"required,numeric"`
	FallbackPrice      string            `mapstructure:"fallback_price" validate:"required,numeric"`
	Broker             string            `mapstructure:"broker" validate:"omitempty,startswith=0x,len=42"`
	ChannelSettleDelay time.Duration     `mapstructure:"channel_settle_delay" validate:"gte=0"`
	PositionRetention  time.Duration     `mapstructure:"position_retention" validate:"gt=0"`
	SweepInterval      time.Duration     `mapstructure:"sweep_interval" validate:"gt=0"`
	Tokens             map[uint64]string `mapstructure:"tokens"`
}

// PriceFeedConfig represents the price capability
type PriceFeedConfig struct {
	Provider          string            `mapstructure:"provider" validate:"oneof=bybit static"`
	BaseURL           string            `mapstructure:"base_url" validate:"omitempty,url"`
	Category          string            `mapstructure:"category"`
	Quote             string            `mapstructure:"quote"`
	StableAssets      []string          `mapstructure:"stable_assets"`
	RequestsPerSecond int               `mapstructure:"requests_per_second" validate:"gt=0"`
	CacheTTL          time.Duration     `mapstructure:"cache_ttl"`
	Static            map[string]string `mapstructure:"static"`
}

// CustodyConfig lists the chains channels are anchored on
type CustodyConfig struct {
	Networks       []custody.NetworkConfig `mapstructure:"networks" validate:"dive"`
	WaitForReceipt bool                    `mapstructure:"wait_for_receipt"`
	ReceiptTimeout time.Duration           `mapstructure:"receipt_timeout"`
}

// EventsConfig represents event fan-out
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	BufferSize    int    `mapstructure:"buffer_size" validate:"gt=0"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path"`
	// Rotation applies when OutputPath is a file
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// LoadConfig loads configuration from an optional YAML file and environment
// variables prefixed with CHANNEL_SETTLEMENT_
func LoadConfig(path string) (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CHANNEL_SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values. Every key needs a default
// so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.cors_allow_origin", "*")
	v.SetDefault("server.rate_limit", 20)

	// Clearnode defaults
	v.SetDefault("clearnode.url", "wss://clearnet.yellow.com/ws")
	v.SetDefault("clearnode.application", "channel-settlement")
	v.SetDefault("clearnode.scope", "console")
	v.SetDefault("clearnode.session_expiry", 24*time.Hour)
	v.SetDefault("clearnode.request_timeout", clearnode.DefaultRequestTimeout)
	v.SetDefault("clearnode.reconnect_base_delay", time.Second)
	v.SetDefault("clearnode.max_reconnects", 10)
	v.SetDefault("clearnode.max_queued_frames", 1024)
	v.SetDefault("clearnode.max_message_size", 1024*1024)
	v.SetDefault("clearnode.ping_interval", 20*time.Second)
	v.SetDefault("clearnode.require_ssl", true)
	v.SetDefault("clearnode.notification_workers", 8)
	v.SetDefault("clearnode.refresh_ledger", true)

	v.SetDefault("wallet.private_key", "")

	// Settlement defaults
	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.stable_asset", "usdc")
	v.SetDefault("settlement.maintenance_margin", "0.005")
	v.SetDefault("settlement.fallback_price", "100")
	v.SetDefault("settlement.broker", "")
	v.SetDefault("settlement.channel_settle_delay", clearnode.DefaultChannelSettleDelay)
	v.SetDefault("settlement.position_retention", 24*time.Hour)
	v.SetDefault("settlement.sweep_interval", time.Minute)

	// Price feed defaults
	v.SetDefault("pricefeed.provider", "bybit")
	v.SetDefault("pricefeed.base_url", "https://api.bybit.com")
	v.SetDefault("pricefeed.category", "spot")
	v.SetDefault("pricefeed.quote", "USDT")
	v.SetDefault("pricefeed.stable_assets", []string{"USDT", "USDC"})
	v.SetDefault("pricefeed.requests_per_second", 10)
	v.SetDefault("pricefeed.cache_ttl", 2*time.Second)

	v.SetDefault("custody.wait_for_receipt", false)
	v.SetDefault("custody.receipt_timeout", 2*time.Minute)

	// Events defaults
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "settlement")
	v.SetDefault("events.buffer_size", 256)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

var validate = validator.New()

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return err
	}

	if config.Clearnode.RequireSSL && !strings.HasPrefix(config.Clearnode.URL, "wss://") {
		return fmt.Errorf("clearnode url must use wss:// when require_ssl is set: %s", config.Clearnode.URL)
	}

	seen := make(map[uint64]bool)
	for _, network := range config.Custody.Networks {
		if seen[network.ID] {
			return fmt.Errorf("custody network %d configured twice", network.ID)
		}
		seen[network.ID] = true
	}

	return nil
}
