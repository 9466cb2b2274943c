package engine

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/service"
)

// AutopilotConfig times the headless presenter.
type AutopilotConfig struct {
	EntranceDuration time.Duration
	ExitDuration     time.Duration
	// OrderDelay is how long the bartender takes to pour.
	OrderDelay time.Duration
	// Bartender serves orders automatically. Without it deliveries must come
	// from outside (the API or a bartender client).
	Bartender bool
	// MistakeRate is the chance of pouring a random item instead of the best one.
	MistakeRate float64
}

// DefaultAutopilotConfig returns presenter timings close to the animations.
func DefaultAutopilotConfig() AutopilotConfig {
	return AutopilotConfig{
		EntranceDuration: 2 * time.Second,
		ExitDuration:     2 * time.Second,
		OrderDelay:       3 * time.Second,
		Bartender:        true,
	}
}

// countdown is an armed scaled-time timer.
type countdown struct {
	armed bool
	left  time.Duration
}

func (c *countdown) arm(d time.Duration) {
	c.armed = true
	c.left = d
}

// tick reports whether the timer fired.
func (c *countdown) tick(step time.Duration) bool {
	if !c.armed {
		return false
	}
	c.left -= step
	if c.left > 0 {
		return false
	}
	c.armed = false
	return true
}

// Autopilot stands in for the presentation layer: it completes entrance and
// exit animations after fixed durations and, optionally, tends the bar.
type Autopilot struct {
	cfg AutopilotConfig
	rng *rand.Rand

	entrance countdown
	order    countdown
	exit     countdown
}

// NewAutopilot creates a presenter.
func NewAutopilot(cfg AutopilotConfig, rng *rand.Rand) *Autopilot {
	return &Autopilot{cfg: cfg, rng: rng}
}

func (a *Autopilot) entranceStarted() { a.entrance.arm(a.cfg.EntranceDuration) }
func (a *Autopilot) exitStarted()     { a.exit.arm(a.cfg.ExitDuration) }

func (a *Autopilot) orderRequested() {
	if a.cfg.Bartender {
		a.order.arm(a.cfg.OrderDelay)
	}
}

func (a *Autopilot) clear() {
	a.entrance = countdown{}
	a.order = countdown{}
	a.exit = countdown{}
}

// advance fires due timers. Timers armed while firing wait for the next
// frame. Called with the Tavern lock held.
func (a *Autopilot) advance(t *Tavern, step time.Duration) {
	entered := a.entrance.tick(step)
	poured := a.order.tick(step)
	left := a.exit.tick(step)

	if entered {
		if err := t.orch.NotifyEntranceAnimationComplete(); err != nil {
			slog.Warn("autopilot entrance", "error", err)
		}
	}
	if poured {
		if s := t.orch.Session(); s != nil {
			if item, ok := a.choose(t.Menu, s.Customer); ok {
				if err := t.orch.DeliverItem(item); err != nil {
					slog.Warn("autopilot delivery", "error", err)
				}
			}
		}
	}
	if left {
		if err := t.orch.NotifyExitAnimationComplete(); err != nil {
			slog.Warn("autopilot exit", "error", err)
		}
	}
}

// choose picks the best drink for the customer's mood, or occasionally
// anything on the menu.
func (a *Autopilot) choose(menu *service.Menu, c *customers.Identity) (service.Item, bool) {
	items := menu.Items()
	if len(items) == 0 {
		return service.Item{}, false
	}
	if a.cfg.MistakeRate > 0 && a.rng.Float64() < a.cfg.MistakeRate {
		return items[a.rng.Intn(len(items))], true
	}
	if best, ok := menu.Best(c.Mood); ok {
		return best, true
	}
	return items[0], true
}
