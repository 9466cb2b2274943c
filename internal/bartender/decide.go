package bartender

import (
	"fmt"

	"github.com/talgya/tavern/internal/service"
)

// Actions a Decision can carry.
const (
	ActionNone    = "none"
	ActionDeliver = "deliver"
)

// awaitingOrder is the wire name of service.StateAwaitingOrder.
var awaitingOrder = service.StateAwaitingOrder.String()

// Decision is the outcome of one decide step.
type Decision struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Item      string `json:"item,omitempty"`
	Rationale string `json:"rationale"`
}

// Decide picks the menu item with the strongest effect on the customer's
// mood, breaking ties by price. It does nothing unless someone is waiting
// for a drink that has not been served yet.
func Decide(snap *Snapshot, mem *ShiftMemory) (Decision, error) {
	sv := snap.Session
	if sv.State != awaitingOrder || sv.Session == nil {
		return Decision{Action: ActionNone, Rationale: "nobody waiting (" + sv.State + ")"}, nil
	}
	if mem != nil && mem.Served(sv.Session.ID) {
		return Decision{Action: ActionNone, SessionID: sv.Session.ID, Rationale: "already served this session"}, nil
	}

	menu, err := service.NewMenu(snap.Menu)
	if err != nil {
		return Decision{}, fmt.Errorf("menu: %w", err)
	}
	mood := sv.Session.Customer.Mood
	item, ok := menu.Best(mood)
	if !ok {
		return Decision{Action: ActionNone, SessionID: sv.Session.ID, Rationale: "menu is empty"}, nil
	}
	effect, _ := item.Effects.For(mood)
	return Decision{
		Action:    ActionDeliver,
		SessionID: sv.Session.ID,
		Item:      item.ID,
		Rationale: fmt.Sprintf("%s is %s, %s moves mood by %+d", sv.Session.Customer.Name, mood, item.Name, effect),
	}, nil
}
