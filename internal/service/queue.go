package service

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/talgya/tavern/internal/customers"
)

// DefaultQueueCapacity is the number of customers that can wait at once.
const DefaultQueueCapacity = 4

// OverflowPolicy decides what happens when a customer arrives at a full queue.
type OverflowPolicy uint8

const (
	// OverflowReject turns the new arrival away.
	OverflowReject OverflowPolicy = iota
	// OverflowDropOldest evicts the longest-waiting customer to make room.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	if p == OverflowDropOldest {
		return "drop_oldest"
	}
	return "reject"
}

// ParseOverflowPolicy parses "reject" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return OverflowReject, nil
	case "drop_oldest", "drop-oldest":
		return OverflowDropOldest, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Entry is one waiting customer.
type Entry struct {
	Customer *customers.Identity
	Seq      uint64 // Enqueue order, starts at 1
}

// Queue is the bounded FIFO between the pool and the orchestrator.
// It has a single producer and a single consumer but is safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	policy   OverflowPolicy
	seq      uint64

	// OnEvict is called, under the queue lock, for customers removed by
	// OverflowDropOldest.
	OnEvict func(c *customers.Identity)
}

// NewQueue creates a queue. Capacities below 1 are raised to 1.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// Enqueue adds a customer to the back of the queue.
func (q *Queue) Enqueue(c *customers.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		if q.policy != OverflowDropOldest {
			slog.Warn("queue overflow, arrival rejected", "customer", c.ID, "capacity", q.capacity)
			return fmt.Errorf("enqueue %s: %w", c.ID, ErrOverflowRejected)
		}
		oldest := q.entries[0].Customer
		q.pop()
		slog.Info("queue overflow, oldest customer evicted", "customer", oldest.ID, "arrival", c.ID)
		if q.OnEvict != nil {
			q.OnEvict(oldest)
		}
	}

	q.seq++
	q.entries = append(q.entries, Entry{Customer: c, Seq: q.seq})
	return nil
}

// Dequeue removes and returns the front customer.
func (q *Queue) Dequeue() (*customers.Identity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.pop().Customer, true
}

func (q *Queue) pop() Entry {
	e := q.entries[0]
	q.entries[0] = Entry{}
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	return e
}

// Drain empties the queue and returns the removed customers in order.
func (q *Queue) Drain() []*customers.Identity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*customers.Identity, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.Customer)
	}
	q.entries = q.entries[:0]
	return out
}

// Entries returns a copy of the waiting entries, front first.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Len returns the number of waiting customers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Full reports whether the next Enqueue would overflow.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) >= q.capacity
}
