// Package heartbeat publishes liveness signals on the bus and detects their absence
package heartbeat

import (
	"context"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/types"
)

// Generator publishes a Heartbeat immediately and then on every interval
type Generator struct {
	b        *bus.Bus
	interval time.Duration
	lg       types.Logger
}

func NewGenerator(b *bus.Bus, interval time.Duration, lg types.Logger) *Generator {
	return &Generator{b: b, interval: interval, lg: lg}
}

// Enabled returns false when the interval is not positive
func (g *Generator) Enabled() bool {
	return g.interval > 0
}

// Run blocks until ctx is done. It returns immediately when the generator is disabled.
func (g *Generator) Run(ctx context.Context) {
	if !g.Enabled() {
		g.lg.Log(types.LevelInfo, "message", "heartbeat generation disabled")
		return
	}
	g.beat()
	tick := time.NewTicker(g.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			g.beat()
		}
	}
}

func (g *Generator) beat() {
	if err := g.b.Publish(&bus.Heartbeat{Time: time.Now()}); err != nil {
		g.lg.Log(types.LevelWarn, "error", err, "message", "failed to publish heartbeat")
	}
}
