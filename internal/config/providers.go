package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/custody"
	"github.com/backtesting-org/channel-settlement/pkg/pricefeed"
	"github.com/backtesting-org/channel-settlement/pkg/settlement"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

func NewClearnodeConfig(cfg *Config) clearnode.Config {
	c := clearnode.DefaultConfig()
	c.Application = cfg.Clearnode.Application
	c.Scope = cfg.Clearnode.Scope
	c.SessionExpiry = cfg.Clearnode.SessionExpiry
	c.Allowances = cfg.Clearnode.Allowances
	c.RequestTimeout = cfg.Clearnode.RequestTimeout
	c.NotificationWorkers = cfg.Clearnode.NotificationWorkers
	c.RefreshLedger = cfg.Clearnode.RefreshLedger
	return c
}

func NewConnectionConfig(cfg *Config) connection.Config {
	c := connection.DefaultConfig()
	c.URL = cfg.Clearnode.URL
	c.ReconnectBaseDelay = cfg.Clearnode.ReconnectBaseDelay
	c.MaxReconnects = cfg.Clearnode.MaxReconnects
	c.MaxQueuedFrames = cfg.Clearnode.MaxQueuedFrames
	c.MaxMessageSize = cfg.Clearnode.MaxMessageSize
	c.PingInterval = cfg.Clearnode.PingInterval
	c.RequireSSL = cfg.Clearnode.RequireSSL
	return c
}

// NewKeys loads the wallet and generates a fresh session key for this run
func NewKeys(cfg *Config) (clearnode.Keys, error) {
	wallet, err := security.NewKeySigner(cfg.Wallet.PrivateKey)
	if err != nil {
		return clearnode.Keys{}, fmt.Errorf("wallet: %w", err)
	}
	sessionKey, err := security.GenerateSessionKey()
	if err != nil {
		return clearnode.Keys{}, err
	}
	return clearnode.Keys{Wallet: wallet, SessionKey: sessionKey}, nil
}

func NewMessageValidator(cfg *Config) security.MessageValidator {
	return security.NewMessageValidator(security.ValidationConfig{
		MaxMessageSize: int(cfg.Clearnode.MaxMessageSize),
		EnvelopeFields: []string{"res", "req"},
	})
}

func NewCacheConfig(cfg *Config) clearnode.CacheConfig {
	return clearnode.CacheConfig{
		Tokens:      cfg.Settlement.Tokens,
		SettleDelay: cfg.Settlement.ChannelSettleDelay,
	}
}

func NewSettlementConfig(cfg *Config) (settlement.Config, error) {
	margin, err := decimal.NewFromString(cfg.Settlement.MaintenanceMargin)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("settlement.maintenance_margin: %w", err)
	}
	fallback, err := decimal.NewFromString(cfg.Settlement.FallbackPrice)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("settlement.fallback_price: %w", err)
	}
	if !fallback.IsPositive() {
		return settlement.Config{}, fmt.Errorf("settlement.fallback_price must be positive, got %s", fallback)
	}

	return settlement.Config{
		Enabled:           cfg.Settlement.Enabled,
		StableAsset:       cfg.Settlement.StableAsset,
		MaintenanceMargin: margin,
		FallbackPrice:     fallback,
		Broker:            cfg.Settlement.Broker,
		PositionRetention: cfg.Settlement.PositionRetention,
		SweepInterval:     cfg.Settlement.SweepInterval,
	}, nil
}

func NewPriceFeedConfig(cfg *Config) pricefeed.Config {
	return pricefeed.Config{
		Provider:          cfg.PriceFeed.Provider,
		BaseURL:           cfg.PriceFeed.BaseURL,
		Category:          cfg.PriceFeed.Category,
		Quote:             cfg.PriceFeed.Quote,
		StableAssets:      cfg.PriceFeed.StableAssets,
		RequestsPerSecond: cfg.PriceFeed.RequestsPerSecond,
		CacheTTL:          cfg.PriceFeed.CacheTTL,
		Static:            cfg.PriceFeed.Static,
	}
}

func NewCustodyConfig(cfg *Config) custody.Config {
	return custody.Config{
		Networks:       cfg.Custody.Networks,
		WaitForReceipt: cfg.Custody.WaitForReceipt,
		ReceiptTimeout: cfg.Custody.ReceiptTimeout,
	}
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.WriteTimeout) * time.Second
}

// Module derives every package configuration from the loaded *Config
var Module = fx.Module("config",
	fx.Provide(
		NewClearnodeConfig,
		NewConnectionConfig,
		NewKeys,
		NewMessageValidator,
		NewCacheConfig,
		NewSettlementConfig,
		NewPriceFeedConfig,
		NewCustodyConfig,
	),
)
