package connection

import (
	"fmt"
	"time"
)

// Config holds WebSocket connection configuration
type Config struct {
	// Connection settings
	URL              string        `json:"url" validate:"required,url"`
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// Buffer settings
	ReadBufferSize  int   `json:"read_buffer_size"`
	WriteBufferSize int   `json:"write_buffer_size"`
	MaxMessageSize  int64 `json:"max_message_size"`

	// Timing settings
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`

	// Reconnection settings
	EnableReconnect    bool          `json:"enable_reconnect"`
	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `json:"reconnect_max_delay"`
	MaxReconnects      int           `json:"max_reconnects"`

	// Outbound frames held while the connection is not open
	MaxQueuedFrames int `json:"max_queued_frames"`

	RequireSSL        bool `json:"require_ssl"`
	EnableCompression bool `json:"enable_compression"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     30 * time.Second,
		HandshakeTimeout:   45 * time.Second,
		ReadBufferSize:     4096,
		WriteBufferSize:    4096,
		MaxMessageSize:     1024 * 1024, // 1MB
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		PingInterval:       20 * time.Second,
		EnableReconnect:    true,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  10 * time.Minute,
		MaxReconnects:      10,
		MaxQueuedFrames:    1024,
		RequireSSL:         true,
		EnableCompression:  false,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}

	if c.EnableReconnect && c.MaxReconnects <= 0 {
		return fmt.Errorf("max reconnects must be positive when reconnection is enabled")
	}

	if c.EnableReconnect && c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive when reconnection is enabled")
	}

	return nil
}

// ApplyDefaults fills in missing values with defaults
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = defaults.MaxReconnects
	}
	if c.MaxQueuedFrames == 0 {
		c.MaxQueuedFrames = defaults.MaxQueuedFrames
	}
}

// TestConfig returns a configuration suitable for testing
func TestConfig(url string) Config {
	config := DefaultConfig()
	config.URL = url
	config.ConnectTimeout = 5 * time.Second
	config.HandshakeTimeout = 5 * time.Second
	config.ReadTimeout = 0
	config.PingInterval = 0
	config.ReconnectBaseDelay = 20 * time.Millisecond
	config.MaxReconnects = 3
	config.RequireSSL = false // Allow ws:// for local servers
	return config
}
