// Package server provides configuration helpers that define runtime defaults,
// validation, and connection limits for the linechat service.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/linechat/internal/relay"
)

// DefaultPort is the well-known chat port.
const DefaultPort = 8584

// ErrParsingConfig is returned when environment variables cannot be parsed
// into Config.
var ErrParsingConfig = errors.New("server: failed to parse environment variables into config")

// Config holds the server configuration settings.
type Config struct {
	Host            string        `env:"CHAT_HOST"`
	Port            int           `env:"CHAT_PORT" envDefault:"8584"`
	MaxLine         int           `env:"CHAT_MAX_LINE" envDefault:"512"`
	MaxPendingBytes int           `env:"CHAT_MAX_PENDING_BYTES" envDefault:"0"`
	IdleTimeout     time.Duration `env:"CHAT_IDLE_TIMEOUT" envDefault:"0s"`
	WriteTimeout    time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	HTTPAddr       string   `env:"CHAT_HTTP_ADDR"`
	AllowedOrigins []string `env:"CHAT_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8585"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Relay relay.Config
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return sanitizeConfig(Config{
		Port:            DefaultPort,
		MaxLine:         DefaultMaxLine,
		ShutdownTimeout: 5 * time.Second,
		AllowedOrigins:  []string{"http://localhost:8585"},
		LogLevel:        "info",
		LogFormat:       "text",
		Relay:           relay.DefaultConfig(),
	})
}

// LoadConfig reads a .env file when one exists, then parses the
// environment over the defaults.
func LoadConfig() (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return sanitizeConfig(cfg), nil
}

// Addr returns the TCP bind address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Limits returns the per-connection limits.
func (c Config) Limits() Limits {
	return Limits{
		MaxLine:         c.MaxLine,
		MaxPendingBytes: c.MaxPendingBytes,
		IdleTimeout:     c.IdleTimeout,
		WriteTimeout:    c.WriteTimeout,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("addr=%s max_line=%d max_pending=%d idle=%s http=%q relay=%s",
		c.Addr(), c.MaxLine, c.MaxPendingBytes, c.IdleTimeout, c.HTTPAddr, c.Relay.Kind)
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port < 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}

	if cfg.MaxLine <= 0 {
		cfg.MaxLine = DefaultMaxLine
	}

	if cfg.MaxPendingBytes < 0 {
		cfg.MaxPendingBytes = 0
	}
	// A cap below one full fragment would evict peers on the first long line.
	if cfg.MaxPendingBytes > 0 && cfg.MaxPendingBytes < cfg.MaxLine+1 {
		cfg.MaxPendingBytes = cfg.MaxLine + 1
	}

	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}

	if cfg.WriteTimeout < 0 {
		cfg.WriteTimeout = 0
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	normalized, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	if allowAll {
		normalized = append(normalized, "*")
	}
	cfg.AllowedOrigins = normalized

	cfg.Relay = cfg.Relay.Sanitize()
	return cfg
}
