// Package config loads service settings from an optional .env file, an
// optional TOML file and the environment, in that order of precedence.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/n0fish/musicroom-sync/internal/session"
)

//go:embed config.example.toml
var exampleConf []byte

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Sync     SyncConfig     `toml:"sync"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int    `toml:"max_conns"`
}

// RedisConfig enables cross-instance fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type SyncConfig struct {
	SeekWindowMs   int `toml:"seek_window_ms"`
	TickIntervalMs int `toml:"tick_interval_ms"`
	GraceMs        int `toml:"grace_ms"`
	IdleTTLSeconds int `toml:"idle_ttl_seconds"`
	WriteTimeoutMs int `toml:"write_timeout_ms"`
	InboxSize      int `toml:"inbox_size"`
	RateLimitRPS   int `toml:"rate_limit_rps"`
	RateLimitBurst int `toml:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Options converts the sync section into registry options.
func (s SyncConfig) Options() session.Options {
	return session.Options{
		SeekWindow:   time.Duration(s.SeekWindowMs) * time.Millisecond,
		TickInterval: time.Duration(s.TickIntervalMs) * time.Millisecond,
		Grace:        time.Duration(s.GraceMs) * time.Millisecond,
		IdleTTL:      time.Duration(s.IdleTTLSeconds) * time.Second,
		WriteTimeout: time.Duration(s.WriteTimeoutMs) * time.Millisecond,
		InboxSize:    s.InboxSize,
	}
}

// Default returns the embedded example configuration.
func Default() *Config {
	var cfg Config
	if err := toml.Unmarshal(exampleConf, &cfg); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &cfg
}

// Load builds the configuration. A missing .env is fine; a missing TOML file
// is only an error when path is non-empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getenv("MUSICROOM_ADDR", cfg.Server.Addr)
	if port := getenv("PORT", ""); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if origins := getenv("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	cfg.Database.URL = getenv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConns = getenvInt("DATABASE_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Auth.JWTSecret = getenv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Sync.SeekWindowMs = getenvInt("SEEK_WINDOW_MS", cfg.Sync.SeekWindowMs)
	cfg.Sync.IdleTTLSeconds = getenvInt("IDLE_TTL_SECONDS", cfg.Sync.IdleTTLSeconds)
	cfg.Sync.RateLimitRPS = getenvInt("RATE_LIMIT_RPS", cfg.Sync.RateLimitRPS)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty, cannot start without JWT validation")
	}
	if c.Server.Addr == "" {
		return errors.New("config: server addr is empty")
	}
	if c.Sync.RateLimitRPS <= 0 {
		return errors.New("config: rate_limit_rps must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates a logger with timestamps and caller reporting at the given level.
// The writer defaults to os.Stderr.
func NewLogger(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{ReportTimestamp: true, ReportCaller: true})
	if lvl, err := log.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
