// Package liveness implements the broker's heartbeat ticker (component E):
// a single process-wide ticker that pings every admitted client and evicts
// whoever missed the previous tick's pong.
package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
	"github.com/avery-oss/signalbroker/internal/registry"
)

// Evictor performs the cross-module teardown for a client that failed to
// answer a liveness ping: leaving its room (which fans out peer-left),
// removing it from the registry, and closing its stream. The broker
// implements this.
type Evictor interface {
	Evict(ctx context.Context, clientID string)
}

// Checker runs the heartbeat tick on a fixed interval.
type Checker struct {
	interval time.Duration
	registry *registry.Registry
	evictor  Evictor
}

// NewChecker builds a Checker ticking every interval.
func NewChecker(interval time.Duration, reg *registry.Registry, evictor Evictor) *Checker {
	return &Checker{interval: interval, registry: reg, evictor: evictor}
}

// Run blocks, ticking until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	for _, rec := range c.registry.Snapshot() {
		if !rec.Alive() {
			metrics.HeartbeatEvictions.Inc()
			logging.Info(ctx, "evicting unresponsive client", zap.String("client_id", rec.ID))
			c.evictor.Evict(ctx, rec.ID)
			continue
		}

		rec.SetAlive(false)
		if err := rec.Sender.SendPing(); err != nil {
			metrics.HeartbeatEvictions.Inc()
			logging.Info(ctx, "evicting client after failed ping", zap.String("client_id", rec.ID), zap.Error(err))
			c.evictor.Evict(ctx, rec.ID)
		}
	}
}
