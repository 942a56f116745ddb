// Package config loads the server configuration from the environment. An
// optional .env file in the working directory is read first.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/whisper/dmserver/internal/messaging"
	"github.com/whisper/dmserver/internal/ratelimit"
	"github.com/whisper/dmserver/internal/ws"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Config holds every tunable of the process.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR,default=:8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=60s"`

	StoreBackend string `env:"STORE_BACKEND,default=badger"`
	DBDSN        string `env:"DB_DSN"`
	BadgerPath   string `env:"BADGER_PATH"` // empty: in-memory

	RedisAddr  string `env:"REDIS_ADDR"` // empty: sessions and rate limiting off
	NATSURL    string `env:"NATS_URL"`   // empty: event feed off
	ServerName string `env:"SERVER_NAME"`

	SendRateLimit  int           `env:"SEND_RATE_LIMIT,default=20"`
	SendRateWindow time.Duration `env:"SEND_RATE_WINDOW,default=10s"`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c.finish()
}

// FromEnvSet builds a Config from an explicit set of variables.
func FromEnvSet(es env.EnvSet) (Config, error) {
	var c Config
	if err := env.Unmarshal(es, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c.finish()
}

func (c Config) finish() (Config, error) {
	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.ServerName == "" {
		c.ServerName = "dm-1"
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("config: DB_DSN is required when STORE_BACKEND=%s", BackendPostgres)
		}
	case BackendBadger:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q (want %s or %s)", c.StoreBackend, BackendPostgres, BackendBadger)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("config: heartbeat interval and timeout must be positive")
	}
	if c.SendRateLimit <= 0 || c.SendRateWindow <= 0 {
		return fmt.Errorf("config: send rate limit and window must be positive")
	}
	return nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	cfg := ws.DefaultServerConfig()
	cfg.ListenAddr = c.ListenAddr
	cfg.WorkerPoolSize = c.WorkerPoolSize
	cfg.MaxConnections = c.MaxConnections
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.Heartbeat = ws.HeartbeatConfig{
		Interval: c.HeartbeatInterval,
		Timeout:  c.HeartbeatTimeout,
	}
	return cfg
}

// NATS returns the NATS client settings.
func (c Config) NATS() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.Name = "dmserver-" + c.ServerName
	return cfg
}

// SendRule returns the per-sender rate limiting rule.
func (c Config) SendRule() ratelimit.Rule {
	rule := ratelimit.RuleSend
	rule.Limit = c.SendRateLimit
	rule.Window = c.SendRateWindow
	return rule
}
