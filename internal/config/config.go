package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listeners
	Addr      string `env:"P3_ADDR" envDefault:":5190"`
	AdminAddr string `env:"P3_ADMIN_ADDR" envDefault:":5191"`

	// Capacity
	MaxConnections int `env:"P3_MAX_CONNECTIONS" envDefault:"1000"`

	// Accept-loop rate limiting (token bucket, global + per-IP)
	AcceptRate  float64 `env:"P3_ACCEPT_RATE" envDefault:"50"`
	AcceptBurst int     `env:"P3_ACCEPT_BURST" envDefault:"100"`
	PerIPRate   float64 `env:"P3_ACCEPT_IP_RATE" envDefault:"2"`
	PerIPBurst  int     `env:"P3_ACCEPT_IP_BURST" envDefault:"10"`

	// Pacing. Legacy clients drop the link when flooded past their P3
	// window (~16 frames), so drains are burst-capped.
	DrainBurst int `env:"P3_DRAIN_BURST" envDefault:"16"`

	// Authentication
	GuestMode        bool   `env:"P3_GUEST_MODE" envDefault:"true"`
	CredentialDriver string `env:"P3_CRED_DRIVER" envDefault:"memory"` // memory | sqlite
	CredentialDSN    string `env:"P3_CRED_DSN" envDefault:"p3d.db"`

	// FDO assets
	TemplateDir string `env:"P3_TEMPLATE_DIR" envDefault:"fdo"`
	ArtDir      string `env:"P3_ART_DIR" envDefault:"art"`
	ButtonTheme string `env:"P3_BUTTON_THEME" envDefault:"classic"`

	// Timeouts
	ChatOpenTimeout        time.Duration `env:"P3_CHAT_OPEN_TIMEOUT" envDefault:"10s"`
	XferAckTimeout         time.Duration `env:"P3_XFER_ACK_TIMEOUT" envDefault:"30s"`
	UploadResponseTimeout  time.Duration `env:"P3_UPLOAD_RESPONSE_TIMEOUT" envDefault:"30s"`
	UploadFirstDataTimeout time.Duration `env:"P3_UPLOAD_FIRST_DATA_TIMEOUT" envDefault:"60s"`
	UploadStallTimeout     time.Duration `env:"P3_UPLOAD_STALL_TIMEOUT" envDefault:"30s"`

	// Uploads
	UploadDir      string `env:"P3_UPLOAD_DIR" envDefault:"uploads"`
	UploadMaxBytes int64  `env:"P3_UPLOAD_MAX_BYTES" envDefault:"16777216"` // 16MB
	UploadFlow     string `env:"P3_UPLOAD_FLOW" envDefault:"tn"`            // tn | ack

	// Monitoring
	RingLogLines int `env:"P3_RINGLOG_LINES" envDefault:"500"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from the .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("P3_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("P3_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.DrainBurst < 1 || c.DrainBurst > 64 {
		return fmt.Errorf("P3_DRAIN_BURST must be 1-64, got %d", c.DrainBurst)
	}
	if c.UploadMaxBytes < 1 {
		return fmt.Errorf("P3_UPLOAD_MAX_BYTES must be > 0, got %d", c.UploadMaxBytes)
	}

	switch c.CredentialDriver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("P3_CRED_DRIVER must be one of: memory, sqlite (got: %s)", c.CredentialDriver)
	}

	switch c.UploadFlow {
	case "tn", "ack":
	default:
		return fmt.Errorf("P3_UPLOAD_FLOW must be one of: tn, ack (got: %s)", c.UploadFlow)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("admin_addr", c.AdminAddr).
		Int("max_connections", c.MaxConnections).
		Int("drain_burst", c.DrainBurst).
		Bool("guest_mode", c.GuestMode).
		Str("credential_driver", c.CredentialDriver).
		Str("upload_flow", c.UploadFlow).
		Int64("upload_max_bytes", c.UploadMaxBytes).
		Dur("chat_open_timeout", c.ChatOpenTimeout).
		Dur("xfer_ack_timeout", c.XferAckTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
