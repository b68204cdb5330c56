// Package mock feeds the hub synthetic detection events for demo and
// frontend development runs. No device hardware is required.
package mock

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Ingestor is the hub's device-event entry point.
type Ingestor interface {
	HandleDeviceEvent(ctx context.Context, payload []byte)
}

type mockSubject struct {
	subjectKey int
	pattern    string
	// faller: ticks between fall events; wanderer: ticks between wander
	// events. Cleared a few ticks after each fall.
	eventEvery int
	clearAfter int

	layRate  float64
	fellAt   int
	fallOpen bool
}

type Generator struct {
	ingest   Ingestor
	log      zerolog.Logger
	interval time.Duration
	subjects []*mockSubject
}

func NewGenerator(ingest Ingestor, log zerolog.Logger) *Generator {
	return &Generator{
		ingest:   ingest,
		log:      log,
		interval: 2 * time.Second,
	}
}

func (g *Generator) Start(ctx context.Context) {
	g.subjects = []*mockSubject{
		{subjectKey: 1, pattern: "faller", eventEvery: 15, clearAfter: 4, layRate: 0.2},
		{subjectKey: 1, pattern: "wanderer", eventEvery: 9},
		{subjectKey: 1, pattern: "restless", eventEvery: 25, clearAfter: 6, layRate: 0.5},
	}
	g.log.Info().Int("subjects", len(g.subjects)).Msg("mock event generator started")
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for _, ms := range g.subjects {
				g.advance(ctx, ms, tick)
			}
		}
	}
}

func (g *Generator) advance(ctx context.Context, ms *mockSubject, tick int) {
	switch ms.pattern {
	case "faller", "restless":
		// Posture drifts toward lying before the fall fires.
		phase := tick % ms.eventEvery
		ms.layRate = 0.2 + 0.7*math.Min(1, float64(phase)/float64(ms.eventEvery-1))

		if ms.fallOpen && tick-ms.fellAt >= ms.clearAfter {
			ms.fallOpen = false
			g.emit(ctx, ms, "fall-cleared", 0.1, 0.95)
			return
		}
		if !ms.fallOpen && phase == 0 && tick > 0 {
			ms.fallOpen = true
			ms.fellAt = tick
			g.emit(ctx, ms, "fall", ms.layRate, 0.85+0.14*rand.Float64())
		}
	case "wanderer":
		if tick%ms.eventEvery == 0 {
			g.emit(ctx, ms, "wander", 0.05, 0.7+0.25*rand.Float64())
		}
	}
}

func (g *Generator) emit(ctx context.Context, ms *mockSubject, eventType string, layRate, prob float64) {
	payload, err := json.Marshal(map[string]any{
		"eventType": eventType,
		"ts":        float64(time.Now().UnixMilli()) / 1000,
		"layRate":   layRate,
		"prob":      prob,
		"userKey":   ms.subjectKey,
	})
	if err != nil {
		return
	}
	g.log.Debug().Str("eventType", eventType).Int("subject", ms.subjectKey).Msg("mock event")
	g.ingest.HandleDeviceEvent(ctx, payload)
}
