// Package demo drives the service with synthetic users and sample streams so
// the dashboard and leaderboard are alive without a vision collaborator.
package demo

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/repcam/backend/internal/session"
)

// profile describes one synthetic user's behavior: how samples arrive and
// how the session ends.
type profile struct {
	user    string
	source  string
	pattern string
	ticks   int
	base    float64
}

var profiles = []profile{
	{user: "demo-ada", source: "cam-0", pattern: "steady", ticks: 30, base: 2},
	{user: "demo-grace", source: "cam-0", pattern: "burst", ticks: 24, base: 3},
	{user: "demo-linus", source: "cam-1", pattern: "stall", ticks: 40, base: 1.5},
	{user: "demo-ken", source: "cam-2", pattern: "abort", ticks: 18, base: 2.5},
}

type Generator struct {
	registry *session.Registry
	log      zerolog.Logger
}

func NewGenerator(registry *session.Registry, log zerolog.Logger) *Generator {
	return &Generator{
		registry: registry,
		log:      log.With().Str("component", "demo").Logger(),
	}
}

// Start launches one looping goroutine per profile. Each runs sessions
// back-to-back until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	for _, p := range profiles {
		go g.runProfile(ctx, p)
	}
}

func (g *Generator) runProfile(ctx context.Context, p profile) {
	for {
		g.runSession(ctx, p)
		pause := 2*time.Second + time.Duration(rand.Intn(3000))*time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

func (g *Generator) runSession(ctx context.Context, p profile) {
	m, err := g.registry.Start(p.user, p.source)
	if err != nil {
		g.log.Warn().Err(err).Str("user", p.user).Msg("demo session start failed")
		return
	}

	// Drain the event stream so the channel never reports drops.
	if events, err := m.Subscribe(); err == nil {
		go func() {
			for range events {
			}
		}()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			m.Abort(session.AbortShutdown)
			return
		case <-ticker.C:
			tick++
			if v := sampleValue(p.pattern, tick, p.base); v > 0 {
				m.Sample(v)
			} else {
				m.Heartbeat()
			}
			if tick < p.ticks {
				continue
			}
			if p.pattern == "abort" {
				m.Abort(session.AbortClient)
			} else if err := m.Complete(ctx); err != nil {
				g.log.Warn().Err(err).Str("user", p.user).Msg("demo session complete failed")
			}
			return
		}
	}
}

func sampleValue(pattern string, tick int, base float64) float64 {
	switch pattern {
	case "steady":
		return base + rand.Float64()
	case "burst":
		if tick%8 < 3 {
			return base * 2.5
		}
		return base
	case "stall":
		// Quiet stretch: heartbeats only, the session must survive it.
		if tick%10 >= 6 {
			return 0
		}
		return base
	default:
		return base
	}
}
