package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings wires the server process. Queue tuning lives in mutationq.Config.
type Settings struct {
	Store         string        `env:"MUTATIONQ_STORE" envDefault:"sqlite"` // sqlite, pebble or redis
	DataDir       string        `env:"MUTATIONQ_DATA_DIR" envDefault:"data"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix   string        `env:"MUTATIONQ_REDIS_PREFIX" envDefault:"mutationq"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	NATSURL       string        `env:"NATS_URL"`
	Connectivity  string        `env:"MUTATIONQ_CONNECTIVITY" envDefault:"ping"` // ping or nats
	ProbeInterval time.Duration `env:"MUTATIONQ_PROBE_INTERVAL" envDefault:"10s"`
	HTTPAddr      string        `env:"MUTATIONQ_HTTP_ADDR" envDefault:":8080"`
	Source        string        `env:"MUTATIONQ_SOURCE" envDefault:"mutationq"`
	OTelEnabled   bool          `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint  string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func (s Settings) validate() error {
	switch s.Store {
	case "sqlite", "pebble", "redis":
	default:
		return fmt.Errorf("unsupported store %q (want sqlite, pebble or redis)", s.Store)
	}
	switch s.Connectivity {
	case "ping":
	case "nats":
		if s.NATSURL == "" {
			return fmt.Errorf("nats connectivity requires NATS_URL")
		}
	default:
		return fmt.Errorf("unsupported connectivity %q (want ping or nats)", s.Connectivity)
	}
	if s.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
