package room

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically removes rooms that were created but never joined.
// It implements server.Service.
type Reaper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a Reaper that every interval removes empty rooms older than ttl.
//
// Precondition: registry and logger must be non-nil; ttl and interval must be > 0.
func NewReaper(registry *Registry, ttl, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		now:      registry.now,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (p *Reaper) Start() error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("room reaper running",
		zap.Duration("ttl", p.ttl),
		zap.Duration("interval", p.interval),
	)
	for {
		select {
		case <-p.quit:
			return nil
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep performs one reap pass.
//
// Postcondition: Returns the number of rooms removed.
func (p *Reaper) Sweep() int {
	removed := p.registry.ReapIdle(p.now().Add(-p.ttl))
	for _, id := range removed {
		p.logger.Debug("reaped idle room", zap.String("room_id", id))
	}
	if len(removed) > 0 {
		p.logger.Info("reaped idle rooms",
			zap.Int("count", len(removed)),
			zap.Int("remaining", p.registry.Count()),
		)
	}
	return len(removed)
}

// Stop ends the sweep loop. It is idempotent.
func (p *Reaper) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}
