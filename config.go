package mutationq

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the queue tuning knobs. Environment variables carry the
// MUTATIONQ_ prefix when loaded with LoadConfig.
type Config struct {
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	MaxRetryDelay time.Duration `env:"MAX_RETRY_DELAY" envDefault:"0s"` // 0 = uncapped
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"10"`
	BatchDelay    time.Duration `env:"BATCH_DELAY" envDefault:"100ms"`
	// DisableOfflineQueue lets drains run while offline. By default they are
	// skipped until connectivity returns.
	DisableOfflineQueue bool          `env:"DISABLE_OFFLINE_QUEUE" envDefault:"false"`
	AutoProcessInterval time.Duration `env:"AUTO_PROCESS_INTERVAL" envDefault:"5s"` // < 0 disables
	CompletedGrace      time.Duration `env:"COMPLETED_GRACE" envDefault:"5s"`
	RetainCompleted     int           `env:"RETAIN_COMPLETED" envDefault:"100"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BatchSize:           10,
		BatchDelay:          100 * time.Millisecond,
		AutoProcessInterval: 5 * time.Second,
		CompletedGrace:      5 * time.Second,
		RetainCompleted:     100,
	}
}

// LoadConfig reads Config from MUTATIONQ_* environment variables.
func LoadConfig() (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "MUTATIONQ_"}); err != nil {
		return Config{}, fmt.Errorf("load queue config: %w", err)
	}
	return c.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = def.BatchDelay
	}
	if c.AutoProcessInterval == 0 {
		c.AutoProcessInterval = def.AutoProcessInterval
	}
	if c.CompletedGrace <= 0 {
		c.CompletedGrace = def.CompletedGrace
	}
	if c.RetainCompleted <= 0 {
		c.RetainCompleted = def.RetainCompleted
	}
	return c
}
