package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTCORE_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Settings is the typed runtime configuration for eventcore.
type Settings struct {
	Bus     BusSettings     `envPrefix:"BUS_"`
	Retry   RetrySettings   `envPrefix:"RETRY_"`
	HotTier HotTierSettings `envPrefix:"HOTTIER_"`
	DLQ     DLQSettings     `envPrefix:"DLQ_"`
	Store   StoreSettings   `envPrefix:"STORE_"`
}

// BusSettings configures the event bus.
type BusSettings struct {
	HistoryLimit   int           `env:"HISTORY_LIMIT"`
	ObserverBuffer int           `env:"OBSERVER_BUFFER"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT"`
}

// RetrySettings is the default retry policy for subscriptions.
type RetrySettings struct {
	MaxAttempts  int           `env:"MAX_ATTEMPTS"`
	Backoff      string        `env:"BACKOFF"`
	InitialDelay time.Duration `env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `env:"MAX_DELAY"`
	Jitter       float64       `env:"JITTER"`
}

// HotTierSettings configures the hot-tier audit store.
type HotTierSettings struct {
	Capacity      int `env:"CAPACITY"`
	RetentionDays int `env:"RETENTION_DAYS"`
}

// DLQSettings configures the dead-letter queue.
type DLQSettings struct {
	MaxSize int `env:"MAX_SIZE"`
}

// StoreSettings selects the event store backend.
type StoreSettings struct {
	Driver string `env:"DRIVER"`
	DSN    string `env:"DSN"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	p := ecerrors.DefaultRetryPolicy
	return Settings{
		Bus: BusSettings{
			HistoryLimit:   1000,
			ObserverBuffer: 256,
			HandlerTimeout: 30 * time.Second,
		},
		Retry: RetrySettings{
			MaxAttempts:  p.MaxAttempts,
			Backoff:      string(p.Backoff),
			InitialDelay: p.InitialDelay,
			MaxDelay:     p.MaxDelay,
			Jitter:       p.Jitter,
		},
		HotTier: HotTierSettings{
			Capacity:      1000,
			RetentionDays: 7,
		},
		Store: StoreSettings{Driver: DriverMemory},
	}
}

// FromConfig overlays values found in c onto the defaults.
//
//	bus:      { history_limit, observer_buffer, handler_timeout }
//	retry:    { max_attempts, backoff, initial_delay, max_delay, jitter }
//	hot_tier: { capacity, retention_days }
//	dlq:      { max_size }
//	store:    { driver, dsn }
func FromConfig(c Config) Settings {
	s := DefaultSettings()

	bus := c.Section("bus")
	s.Bus.HistoryLimit = bus.Int("history_limit", s.Bus.HistoryLimit)
	s.Bus.ObserverBuffer = bus.Int("observer_buffer", s.Bus.ObserverBuffer)
	s.Bus.HandlerTimeout = bus.Duration("handler_timeout", s.Bus.HandlerTimeout)

	retry := c.Section("retry")
	s.Retry.MaxAttempts = retry.Int("max_attempts", s.Retry.MaxAttempts)
	s.Retry.Backoff = retry.String("backoff", s.Retry.Backoff)
	s.Retry.InitialDelay = retry.Duration("initial_delay", s.Retry.InitialDelay)
	s.Retry.MaxDelay = retry.Duration("max_delay", s.Retry.MaxDelay)
	s.Retry.Jitter = retry.Float("jitter", s.Retry.Jitter)

	hot := c.Section("hot_tier")
	s.HotTier.Capacity = hot.Int("capacity", s.HotTier.Capacity)
	s.HotTier.RetentionDays = hot.Int("retention_days", s.HotTier.RetentionDays)

	s.DLQ.MaxSize = c.Int("dlq.max_size", s.DLQ.MaxSize)

	s.Store.Driver = c.String("store.driver", s.Store.Driver)
	s.Store.DSN = c.String("store.dsn", s.Store.DSN)

	return s
}

// ApplyEnv overrides s from EVENTCORE_* variables. A nil environ reads the
// process environment.
//
//	EVENTCORE_RETRY_MAX_ATTEMPTS=5
//	EVENTCORE_HOTTIER_CAPACITY=5000
func (s *Settings) ApplyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads path (when non-empty), applies environment overrides, and
// validates the result.
func Load(path string) (Settings, error) {
	c := New(nil)
	if path != "" {
		var err error
		if c, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}

	s := FromConfig(c)
	if err := s.ApplyEnv(nil); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// RetryPolicy converts the retry settings.
func (s Settings) RetryPolicy() (ecerrors.RetryPolicy, error) {
	strategy, err := ecerrors.ParseStrategy(s.Retry.Backoff)
	if err != nil {
		return ecerrors.RetryPolicy{}, err
	}
	return ecerrors.RetryPolicy{
		MaxAttempts:  s.Retry.MaxAttempts,
		Backoff:      strategy,
		InitialDelay: s.Retry.InitialDelay,
		MaxDelay:     s.Retry.MaxDelay,
		Jitter:       s.Retry.Jitter,
	}, nil
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.Bus.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("bus.history_limit must be positive, got %d", s.Bus.HistoryLimit))
	}
	if s.Bus.ObserverBuffer < 0 {
		errs = append(errs, fmt.Errorf("bus.observer_buffer must not be negative, got %d", s.Bus.ObserverBuffer))
	}
	if s.Bus.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("bus.handler_timeout must not be negative, got %s", s.Bus.HandlerTimeout))
	}
	if s.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", s.Retry.MaxAttempts))
	}
	if _, err := ecerrors.ParseStrategy(s.Retry.Backoff); err != nil {
		errs = append(errs, fmt.Errorf("retry.backoff: %w", err))
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0,1], got %g", s.Retry.Jitter))
	}
	if s.HotTier.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("hot_tier.capacity must be positive, got %d", s.HotTier.Capacity))
	}
	if s.HotTier.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("hot_tier.retention_days must be positive, got %d", s.HotTier.RetentionDays))
	}
	if s.DLQ.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("dlq.max_size must not be negative, got %d", s.DLQ.MaxSize))
	}
	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", s.Store.Driver))
	}
	return errors.Join(errs...)
}
