// Package config loads host settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/scenehost/internal/guard"
)

// Config holds every tunable of a scenehost process. Values come from
// SCENEHOST_* environment variables; CLI flags override them.
type Config struct {
	TickInterval time.Duration `env:"SCENEHOST_TICK_INTERVAL" envDefault:"33ms"`
	TickBudget   time.Duration `env:"SCENEHOST_TICK_BUDGET"   envDefault:"30ms"`

	// HardBudgetFactor sets the per-tick abort deadline as a multiple of
	// TickBudget. Zero disables forced aborts.
	HardBudgetFactor int `env:"SCENEHOST_HARD_BUDGET_FACTOR" envDefault:"10"`

	Workers int `env:"SCENEHOST_WORKERS" envDefault:"0"`

	// Serialize forces the engine guard on or off. Unset uses the
	// platform default.
	Serialize *bool `env:"SCENEHOST_SERIALIZE"`

	GrowOnlyCapacity int `env:"SCENEHOST_GROW_ONLY_CAPACITY" envDefault:"100"`
	ChannelCapacity  int `env:"SCENEHOST_CHANNEL_CAPACITY"   envDefault:"4096"`
	FaultThreshold   int `env:"SCENEHOST_FAULT_THRESHOLD"    envDefault:"10"`

	TeardownConcurrency int           `env:"SCENEHOST_TEARDOWN_CONCURRENCY" envDefault:"2"`
	TeardownInterval    time.Duration `env:"SCENEHOST_TEARDOWN_INTERVAL"    envDefault:"0s"`
	TeardownTimeout     time.Duration `env:"SCENEHOST_TEARDOWN_TIMEOUT"     envDefault:"5s"`

	DatabasePath string `env:"SCENEHOST_DB"           envDefault:""`
	ContentRoot  string `env:"SCENEHOST_CONTENT_ROOT" envDefault:"."`
	LogLevel     string `env:"SCENEHOST_LOG_LEVEL"    envDefault:"info"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval < 0 {
		errs = append(errs, errors.New("tick interval must not be negative"))
	}
	if c.TickBudget < 0 {
		errs = append(errs, errors.New("tick budget must not be negative"))
	}
	if c.HardBudgetFactor < 0 {
		errs = append(errs, errors.New("hard budget factor must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.GrowOnlyCapacity <= 0 {
		errs = append(errs, fmt.Errorf("grow-only capacity must be positive, got %d", c.GrowOnlyCapacity))
	}
	if c.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("channel capacity must be positive, got %d", c.ChannelCapacity))
	}
	if c.TeardownConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("teardown concurrency must be positive, got %d", c.TeardownConcurrency))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// HardBudget is the deadline after which a running tick is aborted.
func (c Config) HardBudget() time.Duration {
	if c.HardBudgetFactor <= 0 || c.TickBudget <= 0 {
		return 0
	}
	return time.Duration(c.HardBudgetFactor) * c.TickBudget
}

// EngineGuard returns the guard scenes run under: the process-wide
// default unless Serialize is set.
func (c Config) EngineGuard() *guard.Guard {
	if c.Serialize == nil {
		return guard.Default()
	}
	return guard.New(*c.Serialize)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
