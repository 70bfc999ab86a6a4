package eventcore

import (
	"fmt"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/dlq"
	"github.com/randalmurphal/eventcore/pkg/eventcore/hottier"
	"github.com/randalmurphal/eventcore/pkg/eventcore/store"
)

// NewBusFromSettings opens the configured store and builds a bus from s.
// Options are applied after the settings, so WithLogger and friends still
// work. The caller owns the store and should Close it after Dispose.
func NewBusFromSettings(s config.Settings, opts ...BusOption) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	policy, err := s.RetryPolicy()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(s.Store.Driver, s.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	cfg := BusConfig{
		HistoryLimit:   s.Bus.HistoryLimit,
		ObserverBuffer: s.Bus.ObserverBuffer,
		DefaultRetry:   policy,
		HandlerTimeout: s.Bus.HandlerTimeout,
		Store:          st,
	}
	// Zero disables the timeout in settings; in BusConfig zero means default.
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = -1
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DLQ == nil {
		cfg.DLQ = dlq.New(dlq.Config{MaxSize: s.DLQ.MaxSize, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	return NewBus(cfg), nil
}

// HotTierConfig converts settings into a hot-tier store configuration.
func HotTierConfig(s config.Settings) hottier.Config {
	return hottier.Config{
		Capacity:      s.HotTier.Capacity,
		RetentionDays: s.HotTier.RetentionDays,
	}
}
