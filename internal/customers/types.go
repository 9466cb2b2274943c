// Package customers provides the NPC customer catalog and the visit pool
// that decides who walks into the tavern next.
package customers

import (
	"fmt"
	"strings"
)

// CustomerID is the stable catalog key of a customer identity.
type CustomerID string

// MoodState is the temperament a customer arrives with. It selects the
// column of a drink's effect table and the dialogue bucket.
type MoodState uint8

const (
	MoodBusy MoodState = iota
	MoodIrritable
	MoodMelancholy
	MoodPicky
	MoodFriendly
)

// NumMoods is the number of recognised mood states.
const NumMoods = 5

var moodNames = [NumMoods]string{"busy", "irritable", "melancholy", "picky", "friendly"}

// Known reports whether m is one of the recognised mood states.
func (m MoodState) Known() bool {
	return m < NumMoods
}

func (m MoodState) String() string {
	if !m.Known() {
		return fmt.Sprintf("mood(%d)", uint8(m))
	}
	return moodNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m MoodState) MarshalText() ([]byte, error) {
	if !m.Known() {
		return nil, fmt.Errorf("unknown mood state %d", uint8(m))
	}
	return []byte(moodNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MoodState) UnmarshalText(text []byte) error {
	v, err := ParseMood(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMood parses a mood name, case-insensitively.
func ParseMood(s string) (MoodState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range moodNames {
		if name == s {
			return MoodState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown mood state %q", s)
}

// Gender is used only to pick dialogue lines and portraits.
type Gender uint8

const (
	GenderMale   Gender = 0
	GenderFemale Gender = 1
)

func (g Gender) String() string {
	if g == GenderFemale {
		return "female"
	}
	return "male"
}

// MarshalText implements encoding.TextMarshaler.
func (g Gender) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Gender) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "male", "m":
		*g = GenderMale
	case "female", "f":
		*g = GenderFemale
	default:
		return fmt.Errorf("unknown gender %q", string(text))
	}
	return nil
}

// Identity is an immutable catalog record for one customer NPC.
type Identity struct {
	ID       CustomerID `yaml:"id" json:"id"`
	Category string     `yaml:"category" json:"category"` // e.g. "adventurer", "merchant"
	Mood     MoodState  `yaml:"mood" json:"mood"`
	Gender   Gender     `yaml:"gender" json:"gender"`
	Name     string     `yaml:"name" json:"name"`

	InitialMood      int     `yaml:"initial_mood" json:"initial_mood"`
	VisitWeight      float64 `yaml:"visit_weight" json:"visit_weight"`           // Baseline weight in the visit draw
	PayoutMultiplier float64 `yaml:"payout_multiplier" json:"payout_multiplier"` // Scales tips
	Portrait         string  `yaml:"portrait" json:"portrait,omitempty"`         // Opaque asset key

	// Guaranteed identities start in the fallback pool instead of the
	// regular rotation.
	Guaranteed bool `yaml:"guaranteed" json:"guaranteed,omitempty"`
}

// Bucket returns the dialogue/effect bucket this identity belongs to.
func (c *Identity) Bucket() Bucket {
	return Bucket{Category: c.Category, Mood: c.Mood, Gender: c.Gender}
}

// Bucket is the (category, mood, gender) key for dialogue lines.
type Bucket struct {
	Category string
	Mood     MoodState
	Gender   Gender
}

func (b Bucket) String() string {
	return fmt.Sprintf("%s/%s/%s", b.Category, b.Mood, b.Gender)
}

// MaxLines is the number of dialogue slots per bucket.
const MaxLines = 3

// Lines holds up to MaxLines dialogue lines. Empty strings are unused slots.
type Lines [MaxLines]string
