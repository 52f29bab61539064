package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/asotonet/isp-billing/internal/logging"
)

type HTTP struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type DB struct {
	Path string `env:"DB_PATH" envDefault:"data/isp.db"`
}

type NATS struct {
	Enabled  bool          `env:"NATS_ENABLED" envDefault:"true"`
	URL      string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:14222"`
	Prefix   string        `env:"NATS_PREFIX" envDefault:"isp"`
	Timeout  time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`
	Embedded bool          `env:"NATS_EMBEDDED" envDefault:"true"`
	Host     string        `env:"NATS_EMBEDDED_HOST" envDefault:"127.0.0.1"`
	Port     int           `env:"NATS_EMBEDDED_PORT" envDefault:"14222"`
	HTTPPort int           `env:"NATS_EMBEDDED_HTTP_PORT" envDefault:"18222"`
	StoreDir string        `env:"NATS_STORE_DIR" envDefault:"data/nats"`
}

type MikroTik struct {
	Timeout     time.Duration `env:"MT_TIMEOUT" envDefault:"10s"`
	DefaultPort int           `env:"MT_DEFAULT_PORT" envDefault:"8728"`
}

type Monitor struct {
	Enabled      bool          `env:"MONITOR_ENABLED" envDefault:"true"`
	Interval     time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s"`
	ProbeTimeout time.Duration `env:"MONITOR_PROBE_TIMEOUT" envDefault:"5s"`
	Concurrency  int           `env:"MONITOR_CONCURRENCY" envDefault:"32"`
}

type Secrets struct {
	// Key is a base64 encoded 32 byte AES key. When empty a key file is used.
	Key string `env:"SECRETS_KEY"`
	Dir string `env:"SECRETS_DIR" envDefault:"data"`
}

type Events struct {
	Retention     time.Duration `env:"EVENTS_RETENTION" envDefault:"720h"`
	PruneInterval time.Duration `env:"EVENTS_PRUNE_INTERVAL" envDefault:"1h"`
}

type Config struct {
	Log      logging.Config
	HTTP     HTTP
	DB       DB
	NATS     NATS
	MikroTik MikroTik
	Monitor  Monitor
	Secrets  Secrets
	Events   Events
}

// Load reads optional .env files and then the process environment.
func Load(dotenv ...string) (Config, error) {
	for _, f := range dotenv {
		_ = godotenv.Load(f)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, "HTTP_ADDR is required")
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		errs = append(errs, "DB_PATH is required")
	}
	if c.MikroTik.Timeout <= 0 {
		errs = append(errs, "MT_TIMEOUT must be positive")
	}
	if c.MikroTik.DefaultPort <= 0 || c.MikroTik.DefaultPort > 65535 {
		errs = append(errs, "MT_DEFAULT_PORT must be 1-65535")
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, "MONITOR_INTERVAL must be positive")
	}
	if c.Monitor.ProbeTimeout <= 0 {
		errs = append(errs, "MONITOR_PROBE_TIMEOUT must be positive")
	}
	if c.Events.Retention < 0 {
		errs = append(errs, "EVENTS_RETENTION must not be negative")
	}
	if c.Events.Retention > 0 && c.Events.PruneInterval <= 0 {
		errs = append(errs, "EVENTS_PRUNE_INTERVAL must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
