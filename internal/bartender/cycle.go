package bartender

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Bartender ties one observe, decide, act cycle together.
type Bartender struct {
	Observer   *Observer
	Actor      *Actor
	Memory     *ShiftMemory
	MemoryPath string

	now func() time.Time
}

// New creates a Bartender against the API at baseURL. memoryPath may be
// empty to keep served sessions in memory only.
func New(baseURL, adminKey, memoryPath string) *Bartender {
	mem := &ShiftMemory{}
	if memoryPath != "" {
		mem = LoadMemory(memoryPath)
	}
	return &Bartender{
		Observer:   NewObserver(baseURL),
		Actor:      NewActor(baseURL, adminKey),
		Memory:     mem,
		MemoryPath: memoryPath,
		now:        time.Now,
	}
}

// RunCycle observes the bar, decides, and serves at most one drink.
func (b *Bartender) RunCycle(ctx context.Context) (Decision, error) {
	snap, err := b.Observer.Observe(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("observe: %w", err)
	}

	decision, err := Decide(snap, b.Memory)
	if err != nil {
		return Decision{}, fmt.Errorf("decide: %w", err)
	}
	if decision.Action != ActionDeliver {
		slog.Debug("bartender idle", "rationale", decision.Rationale)
		return decision, nil
	}

	result, err := b.Actor.Deliver(ctx, decision.Item)
	if err != nil {
		return decision, fmt.Errorf("deliver %s: %w", decision.Item, err)
	}

	b.Memory.Record(ServeRecord{
		SessionID: decision.SessionID,
		Customer:  snap.Session.Session.Customer.ID,
		Mood:      snap.Session.Session.Customer.Mood,
		Item:      decision.Item,
		At:        b.now().UTC(),
	})
	b.Memory.Save(b.MemoryPath)

	slog.Info("drink served",
		"session", decision.SessionID,
		"item", decision.Item,
		"state", result.State,
		"rationale", decision.Rationale,
	)
	return decision, nil
}
