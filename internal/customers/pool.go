package customers

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ErrPoolExhausted means no identity could be selected this spawn event.
// Callers skip the cycle; it is never fatal.
var ErrPoolExhausted = errors.New("customer pool exhausted")

// DefaultCooldownRequirement is the number of spawn events a customer sits
// out after being selected.
const DefaultCooldownRequirement = 2

// Location is where a catalog identity currently lives.
type Location uint8

const (
	LocAvailable Location = iota
	LocCooldown
	LocGuarantee
	LocEnqueued
	LocInSession
	LocConsumed // Session aborted by phase end; out of rotation until Reset
)

var locationNames = [...]string{"available", "cooldown", "guarantee", "enqueued", "in_session", "consumed"}

func (l Location) String() string {
	if int(l) < len(locationNames) {
		return locationNames[l]
	}
	return fmt.Sprintf("location(%d)", uint8(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Location) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ProbabilityContext is the situational input to the visit probability.
type ProbabilityContext struct {
	Phase      int           // Business day number, starting at 1
	Elapsed    time.Duration // Scaled time since the phase opened
	Reputation int           // Accumulated tavern reputation
}

// ProbabilityFunc returns the visit probability of a customer in [0, 100].
type ProbabilityFunc func(c *Identity, ctx ProbabilityContext) float64

// Flat is a ProbabilityFunc that leaves baseline weights untouched.
func Flat(*Identity, ProbabilityContext) float64 { return 100 }

// Stats is a read-only snapshot of the pool for observers.
type Stats struct {
	Available   int `json:"available"`
	Cooldown    int `json:"cooldown"`
	Guarantee   int `json:"guarantee"`
	Queue       int `json:"queue"`
	InSession   int `json:"in_session"`
	Consumed    int `json:"consumed"`
	Visited     int `json:"visited"`
	TotalSpawns int `json:"total_spawns"`
}

// Counters is the persistent part of the pool state.
type Counters struct {
	Visited     []CustomerID `json:"visited"`
	TotalSpawns int          `json:"total_spawns"`
}

// Pool owns the available, cooldown and guarantee sets over a catalog.
//
// Cooldown counters start when an identity is selected and count down once
// per spawn event. An identity that is still queued or being served when its
// counter runs out returns to the available set when it is released.
type Pool struct {
	mu sync.Mutex

	catalog     *Catalog
	rng         *rand.Rand
	probability ProbabilityFunc

	cooldownRequirement int

	available map[CustomerID]struct{}
	cooldown  map[CustomerID]int // remaining spawn events, always > 0
	guarantee map[CustomerID]struct{}
	busy      map[CustomerID]Location // LocEnqueued or LocInSession
	consumed  map[CustomerID]struct{}

	visited     map[CustomerID]struct{}
	totalSpawns int
}

// NewPool builds a pool over catalog. A nil probability defaults to Flat.
func NewPool(catalog *Catalog, cooldownRequirement int, rng *rand.Rand, probability ProbabilityFunc) (*Pool, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	if cooldownRequirement < 0 {
		return nil, fmt.Errorf("cooldown requirement must be >= 0, got %d", cooldownRequirement)
	}
	if probability == nil {
		probability = Flat
	}

	p := &Pool{
		catalog:             catalog,
		rng:                 rng,
		probability:         probability,
		cooldownRequirement: cooldownRequirement,
		visited:             make(map[CustomerID]struct{}),
	}
	p.reset()
	return p, nil
}

// Reset returns every identity to its starting set and clears cooldowns.
// Visit and spawn counters are kept.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *Pool) reset() {
	p.available = make(map[CustomerID]struct{}, p.catalog.Len())
	p.cooldown = make(map[CustomerID]int)
	p.guarantee = make(map[CustomerID]struct{})
	p.busy = make(map[CustomerID]Location)
	p.consumed = make(map[CustomerID]struct{})

	for _, c := range p.catalog.All() {
		if c.Guaranteed {
			p.guarantee[c.ID] = struct{}{}
		} else {
			p.available[c.ID] = struct{}{}
		}
	}
}

// CooldownRequirement returns the configured cooldown length.
func (p *Pool) CooldownRequirement() int {
	return p.cooldownRequirement
}

// SelectNext draws one identity from the available set, weighted by
// VisitWeight × probability/100. It returns false if nothing is selectable.
// Selection does not change pool state; call OnSpawned for that.
func (p *Pool) SelectNext(ctx ProbabilityContext) (*Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draw(p.available, ctx)
}

// SelectGuaranteed draws from the guarantee (fallback) set.
func (p *Pool) SelectGuaranteed(ctx ProbabilityContext) (*Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draw(p.guarantee, ctx)
}

// draw iterates in catalog order so a seeded rng replays identically.
func (p *Pool) draw(set map[CustomerID]struct{}, ctx ProbabilityContext) (*Identity, bool) {
	if len(set) == 0 {
		return nil, false
	}

	candidates := make([]*Identity, 0, len(set))
	weights := make([]float64, 0, len(set))
	total := 0.0
	for _, c := range p.catalog.All() {
		if _, ok := set[c.ID]; !ok {
			continue
		}
		w := c.VisitWeight * clampProbability(p.probability(c, ctx)) / 100
		if w <= 0 {
			continue
		}
		candidates = append(candidates, c)
		weights = append(weights, w)
		total += w
	}
	if total <= 0 {
		return nil, false
	}

	r := p.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return candidates[i], true
		}
	}
	return candidates[len(candidates)-1], true
}

func clampProbability(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// OnSpawned moves id out of its current set into cooldown and marks it as
// queued for service.
func (p *Pool) OnSpawned(id CustomerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onSpawned(id)
}

func (p *Pool) onSpawned(id CustomerID) error {
	if p.catalog.Get(id) == nil {
		return fmt.Errorf("spawn %q: not in catalog", id)
	}
	if loc, ok := p.busy[id]; ok {
		return fmt.Errorf("spawn %q: already %s", id, loc)
	}
	if _, ok := p.consumed[id]; ok {
		return fmt.Errorf("spawn %q: consumed this phase", id)
	}

	delete(p.available, id)
	delete(p.guarantee, id)
	if p.cooldownRequirement > 0 {
		p.cooldown[id] = p.cooldownRequirement
	} else {
		delete(p.cooldown, id)
	}
	p.busy[id] = LocEnqueued
	p.totalSpawns++
	return nil
}

// AdvanceCooldowns is called once per spawn event. Every cooldown counter
// drops by one; counters reaching zero are removed and the identity becomes
// available again unless it is still queued or being served.
func (p *Pool) AdvanceCooldowns() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
}

func (p *Pool) advance() {
	for id, left := range p.cooldown {
		left--
		if left > 0 {
			p.cooldown[id] = left
			continue
		}
		delete(p.cooldown, id)
		if _, busy := p.busy[id]; busy {
			continue
		}
		p.available[id] = struct{}{}
		slog.Debug("customer off cooldown", "customer", id)
	}
}

// Spawn runs one spawn event: select from the available set (falling back
// to the guarantee set), advance existing cooldowns, then put the chosen
// identity on cooldown. The chosen identity's own cooldown is not advanced
// by the event that selected it, so with requirement N it is excluded from
// the next N selections. A failed selection still counts as a spawn event.
func (p *Pool) Spawn(ctx ProbabilityContext) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.draw(p.available, ctx)
	if !ok {
		c, ok = p.draw(p.guarantee, ctx)
	}
	p.advance()
	if !ok {
		return nil, ErrPoolExhausted
	}
	if err := p.onSpawned(c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// MarkInSession records that a queued identity has been taken for service.
func (p *Pool) MarkInSession(id CustomerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[id] == LocEnqueued {
		p.busy[id] = LocInSession
	}
}

// Release returns a served identity to the pool: to cooldown if its counter
// is still running, otherwise to the available set.
func (p *Pool) Release(id CustomerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(id)
}

// Dropped is Release for an identity that never reached service (queue
// overflow or drained at phase end).
func (p *Pool) Dropped(id CustomerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(id)
}

func (p *Pool) release(id CustomerID) {
	if _, ok := p.busy[id]; !ok {
		return
	}
	delete(p.busy, id)
	if _, cooling := p.cooldown[id]; cooling {
		return
	}
	p.available[id] = struct{}{}
}

// Consume takes an identity out of rotation until the next Reset. It is used
// when a session is aborted mid-service.
func (p *Pool) Consume(id CustomerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.catalog.Get(id) == nil {
		return
	}
	delete(p.busy, id)
	delete(p.cooldown, id)
	delete(p.available, id)
	delete(p.guarantee, id)
	p.consumed[id] = struct{}{}
}

// MarkVisited records that a customer has been seen at the counter.
// It returns true on the first visit.
func (p *Pool) MarkVisited(id CustomerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.visited[id]; ok {
		return false
	}
	p.visited[id] = struct{}{}
	return true
}

// Location reports where id currently lives.
func (p *Pool) Location(id CustomerID) (Location, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location(id)
}

func (p *Pool) location(id CustomerID) (Location, bool) {
	if _, ok := p.consumed[id]; ok {
		return LocConsumed, true
	}
	if loc, ok := p.busy[id]; ok {
		return loc, true
	}
	if _, ok := p.cooldown[id]; ok {
		return LocCooldown, true
	}
	if _, ok := p.guarantee[id]; ok {
		return LocGuarantee, true
	}
	if _, ok := p.available[id]; ok {
		return LocAvailable, true
	}
	return 0, false
}

// Cooldown returns the remaining spawn events for id, or 0.
func (p *Pool) Cooldown(id CustomerID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldown[id]
}

// Locations returns the location of every catalog identity.
func (p *Pool) Locations() map[CustomerID]Location {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[CustomerID]Location, p.catalog.Len())
	for _, c := range p.catalog.All() {
		if loc, ok := p.location(c.ID); ok {
			out[c.ID] = loc
		}
	}
	return out
}

// CheckInvariant verifies that every catalog identity is in exactly one
// location and that no cooldown counter is out of range.
func (p *Pool) CheckInvariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.catalog.All() {
		n := 0
		if _, ok := p.available[c.ID]; ok {
			n++
		}
		if _, ok := p.guarantee[c.ID]; ok {
			n++
		}
		if _, ok := p.consumed[c.ID]; ok {
			n++
		}
		_, busy := p.busy[c.ID]
		if busy {
			n++
		}
		if left, ok := p.cooldown[c.ID]; ok {
			if left <= 0 || left > p.cooldownRequirement {
				return fmt.Errorf("customer %q: cooldown %d out of range", c.ID, left)
			}
			if !busy {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("customer %q is in %d locations", c.ID, n)
		}
	}
	return nil
}

// Stats returns a snapshot of set sizes and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Available:   len(p.available),
		Guarantee:   len(p.guarantee),
		Consumed:    len(p.consumed),
		Visited:     len(p.visited),
		TotalSpawns: p.totalSpawns,
	}
	for id := range p.cooldown {
		if _, busy := p.busy[id]; !busy {
			s.Cooldown++
		}
	}
	for _, loc := range p.busy {
		if loc == LocInSession {
			s.InSession++
		} else {
			s.Queue++
		}
	}
	return s
}

// Counters returns the persistent counters, visited IDs sorted.
func (p *Pool) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	visited := make([]CustomerID, 0, len(p.visited))
	for id := range p.visited {
		visited = append(visited, id)
	}
	sort.Slice(visited, func(i, j int) bool { return visited[i] < visited[j] })
	return Counters{Visited: visited, TotalSpawns: p.totalSpawns}
}

// RestoreCounters loads counters saved by a previous run. Unknown IDs are
// ignored.
func (p *Pool) RestoreCounters(c Counters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range c.Visited {
		if p.catalog.Get(id) != nil {
			p.visited[id] = struct{}{}
		}
	}
	p.totalSpawns = c.TotalSpawns
}
