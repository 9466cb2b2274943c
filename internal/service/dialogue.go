package service

import (
	"math/rand"
	"sync"

	"github.com/talgya/tavern/internal/customers"
)

// DialogueSelector picks a dialogue line for a customer without repeating
// the line it picked last time, unless no other line exists.
type DialogueSelector struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[customers.CustomerID]int // 1-based slot index
}

// NewDialogueSelector creates a selector with empty memory.
func NewDialogueSelector(rng *rand.Rand) *DialogueSelector {
	return &DialogueSelector{
		rng:  rng,
		last: make(map[customers.CustomerID]int),
	}
}

// Choose returns a line from lines for customer id, its 1-based slot index,
// and false if every slot is empty. The chosen index is remembered.
func (d *DialogueSelector) Choose(id customers.CustomerID, lines customers.Lines) (string, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]int, 0, customers.MaxLines)
	for i, line := range lines {
		if line != "" {
			candidates = append(candidates, i+1)
		}
	}
	if len(candidates) == 0 {
		return "", 0, false
	}

	if last, ok := d.last[id]; ok {
		filtered := make([]int, 0, len(candidates))
		for _, idx := range candidates {
			if idx != last {
				filtered = append(filtered, idx)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	idx := candidates[d.rng.Intn(len(candidates))]
	d.last[id] = idx
	return lines[idx-1], idx, true
}

// Last returns the remembered index for id, or 0.
func (d *DialogueSelector) Last(id customers.CustomerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[id]
}

// Memory returns a copy of the per-customer last index map.
func (d *DialogueSelector) Memory() map[customers.CustomerID]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[customers.CustomerID]int, len(d.last))
	for id, idx := range d.last {
		out[id] = idx
	}
	return out
}

// Restore replaces the memory with a saved map. Indices outside 1..3 are
// dropped.
func (d *DialogueSelector) Restore(memory map[customers.CustomerID]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[customers.CustomerID]int, len(memory))
	for id, idx := range memory {
		if idx >= 1 && idx <= customers.MaxLines {
			d.last[id] = idx
		}
	}
}
