// Package service runs the customer service pipeline: the waiting queue,
// the per-customer state machine, dialogue choice and settlement.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/tavern/internal/customers"
)

// State is a step of the service state machine.
type State uint8

const (
	StateIdle State = iota
	StateEntering
	StateAwaitingOrder
	StateDrinking
	StateSettling
	StateExiting
)

var stateNames = [...]string{"idle", "entering", "awaiting_order", "drinking", "settling", "exiting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Pacing and drink timer defaults.
const (
	DefaultFastServeThreshold = 5
	DefaultNormalInterval     = 20 * time.Second
	DefaultDrinkMin           = 10 * time.Second
	DefaultDrinkMax           = 15 * time.Second
)

// Config controls orchestrator pacing.
type Config struct {
	// FastServeThreshold is how many services run back to back before the
	// normal interval applies.
	FastServeThreshold int
	// NormalInterval is the scaled delay between one customer leaving and
	// the next entering once the fast-serve lane is used up.
	NormalInterval time.Duration
	// DrinkMin and DrinkMax bound the uniform drinking duration.
	DrinkMin time.Duration
	DrinkMax time.Duration
}

// DefaultConfig returns the standard pacing.
func DefaultConfig() Config {
	return Config{
		FastServeThreshold: DefaultFastServeThreshold,
		NormalInterval:     DefaultNormalInterval,
		DrinkMin:           DefaultDrinkMin,
		DrinkMax:           DefaultDrinkMax,
	}
}

// Roster is the pool-side bookkeeping the orchestrator reports to.
type Roster interface {
	MarkInSession(id customers.CustomerID)
	MarkVisited(id customers.CustomerID) bool
	Release(id customers.CustomerID)
	Dropped(id customers.CustomerID)
	Consume(id customers.CustomerID)
}

// LineSource supplies dialogue banks.
type LineSource interface {
	Lines(b customers.Bucket) customers.Lines
}

// Hooks are the outbound events of the orchestrator. Nil hooks are skipped.
// Hooks run synchronously inside the call that triggered them and must not
// call back into the orchestrator.
type Hooks struct {
	OnCustomerDequeued func(c *customers.Identity)
	OnEntranceStarted  func(s *Session)
	OnCustomerVisited  func(c *customers.Identity, firstVisit bool)
	OnDialogueChosen   func(c *customers.Identity, text string)
	OnOrderRequested   func(s *Session)
	OnDrinkStarted     func(s *Session)
	OnSettlement       func(r SettlementResult)
	OnExitStarted      func(s *Session)
	OnSessionClosed    func(s *Session)
	OnSessionAborted   func(s *Session)
}

// Session is the single live service of one customer.
type Session struct {
	ID         string              `json:"id"`
	Customer   *customers.Identity `json:"customer"`
	State      State               `json:"state"`
	StartTick  uint64              `json:"start_tick"`
	Dialogue   string              `json:"dialogue,omitempty"`
	Item       *Item               `json:"item,omitempty"`
	DrinkFor   time.Duration       `json:"drink_for,omitempty"`
	DrinkSoFar time.Duration       `json:"drink_so_far,omitempty"`
	Result     *SettlementResult   `json:"result,omitempty"`
}

// Orchestrator drives one customer at a time through
// Entering → AwaitingOrder → Drinking → Settling → Exiting → Idle.
//
// It never blocks: animation waits are armed until the presentation layer
// calls the matching Notify method, and timers only advance inside Update.
// It is not safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	queue     *Queue
	roster    Roster
	lines     LineSource
	dialogue  *DialogueSelector
	rng       *rand.Rand
	timeScale func() float64

	Hooks Hooks

	state   State
	session *Session
	tick    uint64

	servedCount int
	pacing      time.Duration // Scaled time left before the next entrance
}

// NewOrchestrator wires an orchestrator. timeScale may be nil for a constant
// multiplier of 1.
func NewOrchestrator(cfg Config, queue *Queue, roster Roster, lines LineSource, dialogue *DialogueSelector, rng *rand.Rand, timeScale func() float64) *Orchestrator {
	if cfg.DrinkMax < cfg.DrinkMin {
		cfg.DrinkMax = cfg.DrinkMin
	}
	if timeScale == nil {
		timeScale = func() float64 { return 1 }
	}
	return &Orchestrator{
		cfg:       cfg,
		queue:     queue,
		roster:    roster,
		lines:     lines,
		dialogue:  dialogue,
		rng:       rng,
		timeScale: timeScale,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Session returns a copy of the live session, or nil when idle.
func (o *Orchestrator) Session() *Session {
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// ServedCount returns the number of completed services this phase.
func (o *Orchestrator) ServedCount() int {
	return o.servedCount
}

// PacingRemaining returns the scaled delay left before the next entrance.
func (o *Orchestrator) PacingRemaining() time.Duration {
	return o.pacing
}

// Tick returns the number of Update calls so far.
func (o *Orchestrator) Tick() uint64 {
	return o.tick
}

func (o *Orchestrator) scaled(dt time.Duration) time.Duration {
	scale := o.timeScale()
	if scale <= 0 {
		return 0
	}
	return time.Duration(float64(dt) * scale)
}

// Update advances timers by dt of wall time (multiplied by the time scale)
// and performs any transition whose condition is now satisfied.
func (o *Orchestrator) Update(dt time.Duration) {
	o.tick++
	step := o.scaled(dt)

	switch o.state {
	case StateIdle:
		if o.pacing > 0 {
			o.pacing -= step
			if o.pacing > 0 {
				return
			}
			o.pacing = 0
		}
		if o.queue.Len() > 0 {
			if err := o.TryBegin(); err != nil {
				slog.Debug("session not started", "error", err)
			}
		}

	case StateDrinking:
		o.session.DrinkSoFar += step
		if o.session.DrinkSoFar >= o.session.DrinkFor {
			o.settle()
		}
	}
}

// TryBegin starts a session with the customer at the front of the queue.
func (o *Orchestrator) TryBegin() error {
	if o.session != nil {
		slog.Warn("entrance rejected, session already live", "session", o.session.ID, "state", o.state.String())
		return ErrAlreadyServicing
	}
	if o.pacing > 0 {
		return ErrPacingDelay
	}
	c, ok := o.queue.Dequeue()
	if !ok {
		return ErrQueueEmpty
	}

	o.roster.MarkInSession(c.ID)
	o.session = &Session{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Customer:  c,
		StartTick: o.tick,
	}
	o.setState(StateEntering)

	slog.Info("customer entering", "customer", c.ID, "name", c.Name, "session", o.session.ID, "served", o.servedCount)
	if o.Hooks.OnCustomerDequeued != nil {
		o.Hooks.OnCustomerDequeued(c)
	}
	if o.Hooks.OnEntranceStarted != nil {
		o.Hooks.OnEntranceStarted(o.session)
	}
	return nil
}

// NotifyEntranceAnimationComplete moves Entering → AwaitingOrder and picks
// the customer's greeting line.
func (o *Orchestrator) NotifyEntranceAnimationComplete() error {
	if o.state != StateEntering {
		return o.invalid("entrance complete")
	}
	c := o.session.Customer

	if text, idx, ok := o.dialogue.Choose(c.ID, o.lines.Lines(c.Bucket())); ok {
		o.session.Dialogue = text
		slog.Debug("dialogue chosen", "customer", c.ID, "index", idx)
		if o.Hooks.OnDialogueChosen != nil {
			o.Hooks.OnDialogueChosen(c, text)
		}
	}

	first := o.roster.MarkVisited(c.ID)
	if o.Hooks.OnCustomerVisited != nil {
		o.Hooks.OnCustomerVisited(c, first)
	}

	o.setState(StateAwaitingOrder)
	if o.Hooks.OnOrderRequested != nil {
		o.Hooks.OnOrderRequested(o.session)
	}
	return nil
}

// DeliverItem hands item to the waiting customer and starts the drink timer.
// Outside AwaitingOrder it returns ErrInvalidTransition and changes nothing.
func (o *Orchestrator) DeliverItem(item Item) error {
	if o.state != StateAwaitingOrder {
		return o.invalid("deliver " + item.ID)
	}

	span := o.cfg.DrinkMax - o.cfg.DrinkMin
	drink := o.cfg.DrinkMin
	if span > 0 {
		drink += time.Duration(o.rng.Int63n(int64(span) + 1))
	}

	delivered := item
	o.session.Item = &delivered
	o.session.DrinkFor = drink
	o.session.DrinkSoFar = 0
	o.setState(StateDrinking)

	slog.Info("item delivered", "customer", o.session.Customer.ID, "item", item.ID, "drink_for", drink)
	if o.Hooks.OnDrinkStarted != nil {
		o.Hooks.OnDrinkStarted(o.session)
	}
	return nil
}

// settle runs Drinking → Settling → Exiting in one step.
func (o *Orchestrator) settle() {
	o.setState(StateSettling)
	s := o.session

	res, err := Calculate(s.Customer, *s.Item)
	if err != nil && !errors.Is(err, ErrUnknownState) {
		slog.Error("settlement failed", "session", s.ID, "error", err)
	}
	res.SessionID = s.ID
	s.Result = &res

	slog.Info("settlement",
		"customer", s.Customer.ID,
		"item", res.ItemID,
		"mood_delta", res.MoodDelta,
		"tip", res.Tip,
		"income", res.Income,
		"reputation", res.Reputation,
	)
	if o.Hooks.OnSettlement != nil {
		o.Hooks.OnSettlement(res)
	}

	o.setState(StateExiting)
	if o.Hooks.OnExitStarted != nil {
		o.Hooks.OnExitStarted(s)
	}
}

// NotifyExitAnimationComplete closes the session and returns to Idle. The
// next entrance follows immediately while in the fast-serve lane, otherwise
// after NormalInterval.
func (o *Orchestrator) NotifyExitAnimationComplete() error {
	if o.state != StateExiting {
		return o.invalid("exit complete")
	}
	s := o.session
	o.roster.Release(s.Customer.ID)
	o.servedCount++
	o.session = nil
	o.setState(StateIdle)

	if o.servedCount >= o.cfg.FastServeThreshold {
		o.pacing = o.cfg.NormalInterval
	} else {
		o.pacing = 0
	}
	if o.Hooks.OnSessionClosed != nil {
		o.Hooks.OnSessionClosed(s)
	}

	if o.pacing <= 0 && o.queue.Len() > 0 {
		if err := o.TryBegin(); err != nil {
			slog.Debug("session not started", "error", err)
		}
	}
	return nil
}

// OnPhaseEnded aborts any live session without settlement, takes the
// in-service customer out of rotation, sends waiting customers back to the
// pool, and resets pacing for the next phase. Safe to call in any state and
// more than once.
func (o *Orchestrator) OnPhaseEnded() {
	if s := o.session; s != nil {
		o.roster.Consume(s.Customer.ID)
		o.session = nil
		slog.Info("session aborted by phase end", "customer", s.Customer.ID, "state", o.state.String())
		if o.Hooks.OnSessionAborted != nil {
			o.Hooks.OnSessionAborted(s)
		}
	}
	for _, c := range o.queue.Drain() {
		o.roster.Dropped(c.ID)
	}
	o.state = StateIdle
	o.servedCount = 0
	o.pacing = 0
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	if o.session != nil {
		o.session.State = s
	}
}

func (o *Orchestrator) invalid(input string) error {
	slog.Warn("invalid service transition", "input", input, "state", o.state.String())
	return fmt.Errorf("%s in state %s: %w", input, o.state, ErrInvalidTransition)
}
