package engine

import (
	"time"
)

// Event categories.
const (
	CategorySpawn      = "spawn"
	CategoryQueue      = "queue"
	CategorySession    = "session"
	CategoryDialogue   = "dialogue"
	CategorySettlement = "settlement"
	CategoryPhase      = "phase"
)

const (
	maxEvents        = 1000
	subscriberBuffer = 64
)

// Event is a notable occurrence in the tavern.
type Event struct {
	Seq         uint64         `json:"seq"`
	Phase       int            `json:"phase"`
	At          time.Duration  `json:"at"` // Scaled time into the phase
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// eventLog keeps recent events and fans them out to subscribers.
// Callers hold the Tavern lock.
type eventLog struct {
	seq     uint64
	events  []Event
	subs    map[int]chan Event
	nextSub int
}

func (l *eventLog) emit(e Event) Event {
	l.seq++
	e.Seq = l.seq
	l.events = append(l.events, e)
	if len(l.events) > maxEvents {
		l.events = append([]Event(nil), l.events[len(l.events)-maxEvents:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than stall the frame.
		}
	}
	return e
}

// since returns events with Seq > after, oldest first, at most limit.
func (l *eventLog) since(after uint64, limit int) []Event {
	var out []Event
	for _, e := range l.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (l *eventLog) subscribe() (int, <-chan Event) {
	if l.subs == nil {
		l.subs = make(map[int]chan Event)
	}
	l.nextSub++
	ch := make(chan Event, subscriberBuffer)
	l.subs[l.nextSub] = ch
	return l.nextSub, ch
}

func (l *eventLog) unsubscribe(id int) {
	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
}
