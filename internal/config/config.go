// Package config は環境変数からデーモンの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// MinSessionSecretLength はSESSION_SECRETの最小バイト長。
const MinSessionSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Session
	SessionSecret        string        `env:"SESSION_SECRET,required,notEmpty"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"1200h"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`

	// Sign-in page
	AuthURL string `env:"AUTH_URL,required,notEmpty"`

	// Invitation
	InviteTTL              time.Duration `env:"INVITE_TTL" envDefault:"720h"`
	InviteSuccessDelay     time.Duration `env:"INVITE_SUCCESS_DELAY" envDefault:"1s"`
	InviteFailureBaseDelay time.Duration `env:"INVITE_FAILURE_BASE_DELAY" envDefault:"500ms"`
	InviteFailureMaxDelay  time.Duration `env:"INVITE_FAILURE_MAX_DELAY" envDefault:"60s"`
	InviteFailureWindow    time.Duration `env:"INVITE_FAILURE_WINDOW" envDefault:"60s"`

	// OAuth handshake
	HandshakeCacheSize int           `env:"HANDSHAKE_CACHE_SIZE" envDefault:"1000"`
	HandshakeTTL       time.Duration `env:"HANDSHAKE_TTL" envDefault:"10m"`

	// Local protocol
	SocketPath   string  `env:"SOCKET_PATH" envDefault:"/tmp/sso.sock"`
	IPCRateLimit float64 `env:"IPC_RATE_LIMIT" envDefault:"200"`
	IPCRateBurst int     `env:"IPC_RATE_BURST" envDefault:"400"`

	// Admin HTTP (/health, /metrics)
	AdminAddr string `env:"ADMIN_ADDR" envDefault:"127.0.0.1:9090"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込み、検証する。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は値の整合性を検証する。すべての問題をまとめて返す。
func (c *Config) Validate() error {
	var errs []error

	if len(c.SessionSecret) < MinSessionSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSessionSecretLength))
	}
	if u, err := url.Parse(c.AuthURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("AUTH_URL must be an absolute http(s) URL"))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("SOCKET_PATH must not be empty"))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"SESSION_TTL", c.SessionTTL},
		{"SESSION_SWEEP_INTERVAL", c.SessionSweepInterval},
		{"INVITE_TTL", c.InviteTTL},
		{"INVITE_FAILURE_BASE_DELAY", c.InviteFailureBaseDelay},
		{"INVITE_FAILURE_MAX_DELAY", c.InviteFailureMaxDelay},
		{"INVITE_FAILURE_WINDOW", c.InviteFailureWindow},
		{"HANDSHAKE_TTL", c.HandshakeTTL},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetime},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.InviteSuccessDelay < 0 {
		errs = append(errs, errors.New("INVITE_SUCCESS_DELAY must not be negative"))
	}
	if c.InviteFailureMaxDelay < c.InviteFailureBaseDelay {
		errs = append(errs, errors.New("INVITE_FAILURE_MAX_DELAY must not be below INVITE_FAILURE_BASE_DELAY"))
	}
	if c.HandshakeCacheSize < 1 {
		errs = append(errs, errors.New("HANDSHAKE_CACHE_SIZE must be at least 1"))
	}
	if c.DBMaxOpenConns < 1 || c.DBMaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must be positive and DB_MAX_IDLE_CONNS must not be negative"))
	}
	if c.IPCRateLimit <= 0 || c.IPCRateBurst < 1 {
		errs = append(errs, errors.New("IPC_RATE_LIMIT and IPC_RATE_BURST must be positive"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLogLevel はLOG_LEVELの値をslog.Levelに変換する。
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
}
