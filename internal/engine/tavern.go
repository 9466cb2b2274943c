package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/entropy"
	"github.com/talgya/tavern/internal/service"
)

// Phase defaults.
const (
	DefaultSpawnInterval = 8 * time.Second
	DefaultPhaseLength   = 5 * time.Minute
	maxRecentSettlements = 100
)

// ErrNoPresenter is returned when a presentation notification arrives while
// the autopilot owns the animations.
var ErrNoPresenter = errors.New("animations are driven by the autopilot")

// Ledger persists what the tavern produces. Implementations must not call
// back into the Tavern.
type Ledger interface {
	RecordSettlement(phase int, r service.SettlementResult) error
	SavePhase(r PhaseReport) error
	SaveSnapshot(s Snapshot) error
}

// Options configures a Tavern.
type Options struct {
	Service             service.Config
	QueueCapacity       int
	Overflow            service.OverflowPolicy
	CooldownRequirement int
	Probability         customers.ProbabilityFunc // nil = customers.Flat
	SpawnInterval       time.Duration
	PhaseLength         time.Duration
	Seed                int64
	Autopilot           *AutopilotConfig // nil = an external presenter sends Notify calls
}

// PhaseStats accumulates over one business phase.
type PhaseStats struct {
	Phase       int `json:"phase" db:"phase"`
	Spawns      int `json:"spawns" db:"spawns"`
	Exhausted   int `json:"exhausted" db:"exhausted"`
	Rejected    int `json:"rejected" db:"rejected"`
	Evicted     int `json:"evicted" db:"evicted"`
	Served      int `json:"served" db:"served"`
	Aborted     int `json:"aborted" db:"aborted"`
	FirstVisits int `json:"first_visits" db:"first_visits"`
	Income      int `json:"income" db:"income"`
	Tips        int `json:"tips" db:"tips"`
	Reputation  int `json:"reputation" db:"reputation"`
}

// PhaseReport is a closed phase.
type PhaseReport struct {
	PhaseStats
	Length  time.Duration `json:"length"`
	EndedAt time.Time     `json:"ended_at"`
}

// Snapshot is the state that carries over between runs.
type Snapshot struct {
	Phase      int                          `json:"phase"`
	Reputation int                          `json:"reputation"`
	Dialogue   map[customers.CustomerID]int `json:"dialogue"`
	Counters   customers.Counters           `json:"counters"`
}

// Status is a read-only view for observers.
type Status struct {
	Phase           int                    `json:"phase"`
	Clock           string                 `json:"clock"`
	Elapsed         time.Duration          `json:"elapsed"`
	PhaseLength     time.Duration          `json:"phase_length"`
	Speed           float64                `json:"speed"`
	Frame           uint64                 `json:"frame"`
	State           service.State          `json:"state"`
	Session         *service.Session       `json:"session,omitempty"`
	Queue           []customers.CustomerID `json:"queue"`
	QueueCapacity   int                    `json:"queue_capacity"`
	ServedCount     int                    `json:"served_count"`
	PacingRemaining time.Duration          `json:"pacing_remaining"`
	Reputation      int                    `json:"reputation"`
	Pool            customers.Stats        `json:"pool"`
	Stats           PhaseStats             `json:"stats"`
	Autopilot       bool                   `json:"autopilot"`
}

// Tavern holds the complete service pipeline and runs it each frame.
// All methods are safe for concurrent use.
type Tavern struct {
	mu sync.Mutex

	Catalog *customers.Catalog
	Menu    *service.Menu
	Engine  *Engine
	Ledger  Ledger // Optional

	pool     *customers.Pool
	queue    *service.Queue
	orch     *service.Orchestrator
	dialogue *service.DialogueSelector
	pilot    *Autopilot

	spawnInterval time.Duration
	phaseLength   time.Duration

	phase      int
	elapsed    time.Duration
	spawnTimer time.Duration
	reputation int
	stats      PhaseStats
	recent     []service.SettlementResult

	log eventLog
}

// NewTavern wires a tavern over catalog and menu. The engine's speed is the
// time scale for every timer.
func NewTavern(catalog *customers.Catalog, menu *service.Menu, eng *Engine, opts Options) (*Tavern, error) {
	if eng == nil {
		eng = NewEngine(DefaultFrameInterval)
	}
	if opts.SpawnInterval <= 0 {
		opts.SpawnInterval = DefaultSpawnInterval
	}
	if opts.PhaseLength <= 0 {
		opts.PhaseLength = DefaultPhaseLength
	}

	pool, err := customers.NewPool(catalog, opts.CooldownRequirement, entropy.NewRand(opts.Seed, entropy.StreamPool), opts.Probability)
	if err != nil {
		return nil, fmt.Errorf("customer pool: %w", err)
	}

	t := &Tavern{
		Catalog:       catalog,
		Menu:          menu,
		Engine:        eng,
		pool:          pool,
		queue:         service.NewQueue(opts.QueueCapacity, opts.Overflow),
		dialogue:      service.NewDialogueSelector(entropy.NewRand(opts.Seed, entropy.StreamDialogue)),
		spawnInterval: opts.SpawnInterval,
		phaseLength:   opts.PhaseLength,
		phase:         1,
	}
	t.stats.Phase = t.phase
	t.queue.OnEvict = t.onEvict
	t.orch = service.NewOrchestrator(opts.Service, t.queue, pool, catalog, t.dialogue,
		entropy.NewRand(opts.Seed, entropy.StreamService), eng.Speed)
	t.orch.Hooks = t.hooks()

	if opts.Autopilot != nil {
		t.pilot = NewAutopilot(*opts.Autopilot, entropy.NewRand(opts.Seed, entropy.StreamAutopilot))
	}
	return t, nil
}

// Step advances the tavern by dt of wall time.
func (t *Tavern) Step(dt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step := t.scaled(dt)
	t.elapsed += step

	t.spawnTimer += step
	for t.spawnTimer >= t.spawnInterval {
		t.spawnTimer -= t.spawnInterval
		t.spawn()
	}

	t.orch.Update(dt)
	if t.pilot != nil {
		t.pilot.advance(t, step)
	}

	if t.elapsed >= t.phaseLength {
		t.endPhase("closing time")
	}
}

func (t *Tavern) scaled(dt time.Duration) time.Duration {
	s := t.Engine.Speed()
	if s <= 0 {
		return 0
	}
	return time.Duration(float64(dt) * s)
}

func (t *Tavern) probabilityContext() customers.ProbabilityContext {
	return customers.ProbabilityContext{Phase: t.phase, Elapsed: t.elapsed, Reputation: t.reputation}
}

// spawn runs one spawn event and queues the chosen customer.
func (t *Tavern) spawn() {
	c, err := t.pool.Spawn(t.probabilityContext())
	if err != nil {
		t.stats.Exhausted++
		slog.Debug("no customer available", "phase", t.phase, "error", err)
		return
	}
	t.stats.Spawns++

	if err := t.queue.Enqueue(c); err != nil {
		t.stats.Rejected++
		t.pool.Dropped(c.ID)
		t.emit(CategoryQueue, fmt.Sprintf("%s finds the queue full and leaves", c.Name), map[string]any{"customer": c.ID})
		return
	}
	t.emit(CategorySpawn, fmt.Sprintf("%s joins the queue", c.Name), map[string]any{
		"customer": c.ID,
		"mood":     c.Mood.String(),
		"queue":    t.queue.Len(),
	})
}

func (t *Tavern) onEvict(c *customers.Identity) {
	t.stats.Evicted++
	t.pool.Dropped(c.ID)
	t.emit(CategoryQueue, fmt.Sprintf("%s gives up waiting", c.Name), map[string]any{"customer": c.ID})
}

func (t *Tavern) hooks() service.Hooks {
	return service.Hooks{
		OnEntranceStarted: func(s *service.Session) {
			t.emit(CategorySession, fmt.Sprintf("%s walks up to the bar", s.Customer.Name), map[string]any{
				"customer": s.Customer.ID,
				"session":  s.ID,
			})
			if t.pilot != nil {
				t.pilot.entranceStarted()
			}
		},
		OnCustomerVisited: func(c *customers.Identity, first bool) {
			if first {
				t.stats.FirstVisits++
			}
		},
		OnDialogueChosen: func(c *customers.Identity, text string) {
			t.emit(CategoryDialogue, fmt.Sprintf("%s: %q", c.Name, text), map[string]any{"customer": c.ID})
		},
		OnOrderRequested: func(s *service.Session) {
			if t.pilot != nil {
				t.pilot.orderRequested()
			}
		},
		OnDrinkStarted: func(s *service.Session) {
			t.emit(CategorySession, fmt.Sprintf("%s is served %s", s.Customer.Name, s.Item.Name), map[string]any{
				"customer": s.Customer.ID,
				"item":     s.Item.ID,
			})
		},
		OnSettlement: t.onSettlement,
		OnExitStarted: func(s *service.Session) {
			if t.pilot != nil {
				t.pilot.exitStarted()
			}
		},
		OnSessionClosed: func(s *service.Session) {
			t.stats.Served++
			if t.pilot != nil {
				t.pilot.clear()
			}
		},
		OnSessionAborted: func(s *service.Session) {
			t.stats.Aborted++
			t.emit(CategorySession, fmt.Sprintf("%s is hurried out at closing", s.Customer.Name), map[string]any{
				"customer": s.Customer.ID,
				"state":    s.State.String(),
			})
			if t.pilot != nil {
				t.pilot.clear()
			}
		},
	}
}

func (t *Tavern) onSettlement(r service.SettlementResult) {
	t.stats.Income += r.Income
	t.stats.Tips += r.Tip
	t.stats.Reputation += r.Reputation
	t.reputation += r.Reputation

	t.recent = append(t.recent, r)
	if len(t.recent) > maxRecentSettlements {
		t.recent = append([]service.SettlementResult(nil), t.recent[len(t.recent)-maxRecentSettlements:]...)
	}

	t.emit(CategorySettlement, fmt.Sprintf("%s pays %d (tip %d)", r.CustomerID, r.Income, r.Tip), map[string]any{
		"customer":   r.CustomerID,
		"item":       r.ItemID,
		"mood_delta": r.MoodDelta,
		"income":     r.Income,
		"tip":        r.Tip,
	})

	if t.Ledger != nil {
		if err := t.Ledger.RecordSettlement(t.phase, r); err != nil {
			slog.Error("settlement not recorded", "session", r.SessionID, "error", err)
		}
	}
}

func (t *Tavern) emit(category, desc string, meta map[string]any) {
	t.log.emit(Event{
		Phase:       t.phase,
		At:          t.elapsed,
		Category:    category,
		Description: desc,
		Meta:        meta,
	})
}

// EndPhase closes the current business phase immediately.
func (t *Tavern) EndPhase() PhaseReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endPhase("ended early")
}

func (t *Tavern) endPhase(reason string) PhaseReport {
	t.orch.OnPhaseEnded()
	if t.pilot != nil {
		t.pilot.clear()
	}

	report := PhaseReport{PhaseStats: t.stats, Length: t.elapsed, EndedAt: time.Now().UTC()}
	slog.Info("phase report",
		"phase", report.Phase,
		"reason", reason,
		"served", report.Served,
		"aborted", report.Aborted,
		"rejected", report.Rejected,
		"income", humanize.Comma(int64(report.Income)),
		"tips", humanize.Comma(int64(report.Tips)),
		"reputation", t.reputation,
	)
	t.emit(CategoryPhase, fmt.Sprintf("Phase %d ends: %s served, %s earned",
		report.Phase, humanize.Comma(int64(report.Served)), humanize.Comma(int64(report.Income))),
		map[string]any{"reason": reason})

	if t.Ledger != nil {
		if err := t.Ledger.SavePhase(report); err != nil {
			slog.Error("phase report not saved", "phase", report.Phase, "error", err)
		}
	}

	t.phase++
	t.elapsed = 0
	t.spawnTimer = 0
	t.stats = PhaseStats{Phase: t.phase}
	t.pool.Reset()

	if t.Ledger != nil {
		if err := t.Ledger.SaveSnapshot(t.snapshot()); err != nil {
			slog.Error("snapshot not saved", "error", err)
		}
	}
	return report
}

// Deliver hands the menu item itemID to the waiting customer.
func (t *Tavern) Deliver(itemID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deliver(itemID)
}

func (t *Tavern) deliver(itemID string) error {
	item, err := t.Menu.Get(itemID)
	if err != nil {
		return err
	}
	return t.orch.DeliverItem(item)
}

// NotifyEntranceComplete reports the end of the entrance animation.
func (t *Tavern) NotifyEntranceComplete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pilot != nil {
		return ErrNoPresenter
	}
	return t.orch.NotifyEntranceAnimationComplete()
}

// NotifyExitComplete reports the end of the exit animation.
func (t *Tavern) NotifyExitComplete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pilot != nil {
		return ErrNoPresenter
	}
	return t.orch.NotifyExitAnimationComplete()
}

// Status returns a snapshot for observers.
func (t *Tavern) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.queue.Entries()
	queue := make([]customers.CustomerID, len(entries))
	for i, e := range entries {
		queue[i] = e.Customer.ID
	}
	return Status{
		Phase:           t.phase,
		Clock:           PhaseClock(t.phase, t.elapsed),
		Elapsed:         t.elapsed,
		PhaseLength:     t.phaseLength,
		Speed:           t.Engine.Speed(),
		Frame:           t.Engine.Frame(),
		State:           t.orch.State(),
		Session:         t.orch.Session(),
		Queue:           queue,
		QueueCapacity:   t.queue.Cap(),
		ServedCount:     t.orch.ServedCount(),
		PacingRemaining: t.orch.PacingRemaining(),
		Reputation:      t.reputation,
		Pool:            t.pool.Stats(),
		Stats:           t.stats,
		Autopilot:       t.pilot != nil,
	}
}

// Session returns a copy of the live session, or nil.
func (t *Tavern) Session() *service.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orch.Session()
}

// CooldownRequirement returns the pool's cooldown length in spawn events.
func (t *Tavern) CooldownRequirement() int {
	return t.pool.CooldownRequirement()
}

// PoolLocations returns where every catalog identity currently is.
func (t *Tavern) PoolLocations() map[customers.CustomerID]customers.Location {
	return t.pool.Locations()
}

// CheckInvariant verifies the pool's single-location invariant.
func (t *Tavern) CheckInvariant() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.CheckInvariant()
}

// Events returns recent events with Seq greater than after.
func (t *Tavern) Events(after uint64, limit int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.since(after, limit)
}

// RecentSettlements returns up to limit of the latest settlements, newest last.
func (t *Tavern) RecentSettlements(limit int) []service.SettlementResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.recent
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]service.SettlementResult(nil), out...)
}

// Subscribe registers for live events. Call Unsubscribe with the id when done.
func (t *Tavern) Subscribe() (int, <-chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.subscribe()
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tavern) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.unsubscribe(id)
}

// Snapshot captures the carry-over state.
func (t *Tavern) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tavern) snapshot() Snapshot {
	return Snapshot{
		Phase:      t.phase,
		Reputation: t.reputation,
		Dialogue:   t.dialogue.Memory(),
		Counters:   t.pool.Counters(),
	}
}

// Restore loads carry-over state. Call before the first Step.
func (t *Tavern) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Phase > 0 {
		t.phase = s.Phase
		t.stats.Phase = s.Phase
	}
	t.reputation = s.Reputation
	t.dialogue.Restore(s.Dialogue)
	t.pool.RestoreCounters(s.Counters)
	slog.Info("tavern state restored", "phase", t.phase, "reputation", t.reputation, "visited", len(s.Counters.Visited))
}
