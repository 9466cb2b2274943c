package service

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/tavern/internal/customers"
)

// TipRate is the share of the mood effect paid out as tip, before the
// customer's payout multiplier.
const TipRate = 1.2

// tipEpsilon absorbs float error so that e.g. 5 × 1.2 floors to 6.
const tipEpsilon = 1e-9

// SettlementResult is the outcome of serving one customer one item.
type SettlementResult struct {
	SessionID  string               `json:"session_id"`
	CustomerID customers.CustomerID `json:"customer_id"`
	ItemID     string               `json:"item_id"`

	MoodDelta  int `json:"mood_delta"`
	Price      int `json:"price"`
	Tip        int `json:"tip"`
	Income     int `json:"income"` // Price + Tip
	Reputation int `json:"reputation"`
}

// Calculate computes the settlement for serving item to c. It mutates
// nothing; persisting and broadcasting the result is up to the caller.
//
// If c's mood is not in the item's effect table the effect is zero, a
// warning is logged and the returned error wraps ErrUnknownState; the
// result is still valid.
func Calculate(c *customers.Identity, item Item) (SettlementResult, error) {
	effect, ok := item.Effects.For(c.Mood)

	tip := int(math.Floor(float64(effect)*TipRate*c.PayoutMultiplier + tipEpsilon))
	if tip < 0 {
		tip = 0
	}

	res := SettlementResult{
		CustomerID: c.ID,
		ItemID:     item.ID,
		MoodDelta:  effect,
		Price:      item.Price,
		Tip:        tip,
		Income:     item.Price + tip,
		Reputation: item.Reputation,
	}
	if !ok {
		slog.Warn("unknown customer state, effect defaults to zero",
			"customer", c.ID, "state", c.Mood.String(), "item", item.ID)
		return res, fmt.Errorf("customer %s state %s: %w", c.ID, c.Mood, ErrUnknownState)
	}
	return res, nil
}
