// Package engine provides the frame loop and the Tavern that ties the
// customer pool, service queue and orchestrator together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// DefaultFrameInterval is the wall-clock period between frames.
const DefaultFrameInterval = 100 * time.Millisecond

// Engine drives the tavern forward one frame at a time.
type Engine struct {
	Interval time.Duration // Wall-clock frame period

	// OnFrame receives the unscaled wall time since the previous frame.
	OnFrame func(dt time.Duration)

	mu    sync.Mutex
	speed float64 // Global time multiplier: 1.0 = real time, 0 = paused
	frame uint64
}

// NewEngine creates an engine running at real time.
func NewEngine(interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Engine{Interval: interval, speed: 1}
}

// Speed returns the global time multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the global time multiplier. Negative and NaN values pause.
func (e *Engine) SetSpeed(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	e.mu.Lock()
	old := e.speed
	e.speed = v
	e.mu.Unlock()
	if old != v {
		slog.Info("time scale changed", "from", old, "to", v)
	}
}

// Frame returns the number of frames run so far.
func (e *Engine) Frame() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// Step runs a single frame of dt wall time.
func (e *Engine) Step(dt time.Duration) {
	e.mu.Lock()
	e.frame++
	e.mu.Unlock()

	if e.OnFrame != nil {
		e.OnFrame(dt)
	}
}

// Run steps the engine every Interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("tavern engine started", "frame", e.Frame(), "speed", e.Speed(), "interval", e.Interval)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			slog.Info("tavern engine stopped", "frame", e.Frame())
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			e.Step(dt)
		}
	}
}

// PhaseClock renders a position within a business phase, e.g. "Phase 3, 02:15".
func PhaseClock(phase int, elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	secs := int(elapsed / time.Second)
	return fmt.Sprintf("Phase %d, %02d:%02d", phase, secs/60, secs%60)
}
