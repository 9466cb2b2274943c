package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/talgya/tavern/internal/customers"
)

// Effects is a drink's mood effect per customer state.
type Effects struct {
	Busy       int `yaml:"busy" json:"busy"`
	Irritable  int `yaml:"irritable" json:"irritable"`
	Melancholy int `yaml:"melancholy" json:"melancholy"`
	Picky      int `yaml:"picky" json:"picky"`
	Friendly   int `yaml:"friendly" json:"friendly"`
}

// For returns the effect for mood m. ok is false when m is not a column of
// the table.
func (e Effects) For(m customers.MoodState) (effect int, ok bool) {
	switch m {
	case customers.MoodBusy:
		return e.Busy, true
	case customers.MoodIrritable:
		return e.Irritable, true
	case customers.MoodMelancholy:
		return e.Melancholy, true
	case customers.MoodPicky:
		return e.Picky, true
	case customers.MoodFriendly:
		return e.Friendly, true
	}
	return 0, false
}

// Item is a drink delivered to a customer.
type Item struct {
	ID         string  `yaml:"id" json:"id"`
	Name       string  `yaml:"name" json:"name"`
	Effects    Effects `yaml:"effects" json:"effects"`
	Price      int     `yaml:"price" json:"price"`
	Reputation int     `yaml:"reputation" json:"reputation"`
}

// Menu is the read-only list of drinks the tavern serves.
type Menu struct {
	items []Item
	index map[string]int
}

// NewMenu validates items and builds a Menu.
func NewMenu(items []Item) (*Menu, error) {
	m := &Menu{
		items: make([]Item, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("menu item without id")
		}
		if _, dup := m.index[it.ID]; dup {
			return nil, fmt.Errorf("duplicate menu item %q", it.ID)
		}
		if it.Price < 0 {
			return nil, fmt.Errorf("menu item %q: negative price", it.ID)
		}
		m.index[it.ID] = len(m.items)
		m.items = append(m.items, it)
	}
	return m, nil
}

// LoadMenu reads the menu section of a catalog file.
func LoadMenu(path string) (*Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu file: %w", err)
	}
	return ParseMenu(data)
}

// ParseMenu parses the `menu:` section of catalog bytes.
func ParseMenu(data []byte) (*Menu, error) {
	var f struct {
		Menu []Item `yaml:"menu"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	return NewMenu(f.Menu)
}

// Get returns the item with the given id.
func (m *Menu) Get(id string) (Item, error) {
	i, ok := m.index[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrUnknownItem, id)
	}
	return m.items[i], nil
}

// Items returns the menu in file order. The slice must not be modified.
func (m *Menu) Items() []Item {
	return m.items
}

// Len returns the number of items.
func (m *Menu) Len() int {
	return len(m.items)
}

// Best returns the item with the highest effect for mood, breaking ties by
// price and then menu order. ok is false for an empty menu.
func (m *Menu) Best(mood customers.MoodState) (Item, bool) {
	if len(m.items) == 0 {
		return Item{}, false
	}
	best := m.items[0]
	bestEffect, _ := best.Effects.For(mood)
	for _, it := range m.items[1:] {
		e, _ := it.Effects.For(mood)
		if e > bestEffect || (e == bestEffect && it.Price > best.Price) {
			best, bestEffect = it, e
		}
	}
	return best, true
}
