// Package solclock supplies the network-synchronized clock the eligibility
// evaluator reads. Client-side wall clocks are never trusted for guard time
// windows; the chain's own notion of time is sampled on an interval and served
// locally between samples.
package solclock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cryptoelites/mintgate/pkg/metrics"
)

// Clock is the time source consumed by the core. Production code uses
// Network; tests use Fixed or a clockwork fake.
type Clock interface {
	Now() time.Time
}

// Fixed is a Clock pinned to a single instant, for deterministic tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// Ready reports whether a clock can be trusted for guard time windows. Clocks
// that track a sync state (Network) are ready only after their first
// successful sync; every other clock is ready unconditionally.
func Ready(c Clock) bool {
	if s, ok := c.(interface{ Synced() bool }); ok {
		return s.Synced()
	}
	return true
}

// TimeSource provides the chain's current time. chain.Client satisfies it.
type TimeSource interface {
	ChainTime(ctx context.Context) (time.Time, error)
}

type NetworkConfig struct {
	Logger       *slog.Logger
	Source       TimeSource
	Base         clockwork.Clock
	SyncInterval time.Duration
}

func (cfg *NetworkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("time source is required")
	}
	if cfg.Base == nil {
		cfg.Base = clockwork.NewRealClock()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Second
	}
	return nil
}

// Network serves chain time by maintaining an offset between the chain's
// reported time and a local monotonic base. Between syncs, Now advances with
// the base clock; a failed sync keeps the previous offset.
type Network struct {
	log *slog.Logger
	cfg NetworkConfig

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Network{log: cfg.Logger, cfg: cfg}, nil
}

// Now returns the current network time estimate. Before the first successful
// sync it falls back to the base clock.
func (n *Network) Now() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.Base.Now().Add(n.offset)
}

// Synced reports whether at least one sync has succeeded.
func (n *Network) Synced() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.synced
}

// Sync samples the chain time once and updates the offset.
func (n *Network) Sync(ctx context.Context) error {
	chainTime, err := n.cfg.Source.ChainTime(ctx)
	if err != nil {
		metrics.ClockSyncTotal.WithLabelValues("error").Inc()
		return err
	}

	n.mu.Lock()
	n.offset = chainTime.Sub(n.cfg.Base.Now())
	n.synced = true
	offset := n.offset
	n.mu.Unlock()

	metrics.ClockSyncTotal.WithLabelValues("success").Inc()
	n.log.Debug("clock: synced to chain time", "offset", offset.String())
	return nil
}

// Start runs the sync loop until ctx is cancelled. The first sync happens
// immediately; failures are logged and retried on the next tick.
func (n *Network) Start(ctx context.Context) {
	go func() {
		n.log.Info("clock: starting sync loop", "interval", n.cfg.SyncInterval)

		if err := n.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Warn("clock: initial sync failed", "error", err)
		}

		ticker := n.cfg.Base.NewTicker(n.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := n.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
					n.log.Warn("clock: sync failed", "error", err)
				}
			}
		}
	}()
}
