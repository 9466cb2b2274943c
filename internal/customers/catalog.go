package customers

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrEmptyCatalog is a configuration error: the pipeline cannot start
// without at least one customer identity.
var ErrEmptyCatalog = errors.New("customer catalog is empty")

// Catalog is the read-only set of customer identities and their dialogue
// banks. It is built once at startup and never mutated.
type Catalog struct {
	customers []*Identity
	index     map[CustomerID]*Identity
	dialogue  map[Bucket]Lines
}

// DialogueEntry is one dialogue bucket as it appears in a catalog file.
type DialogueEntry struct {
	Category string    `yaml:"category"`
	Mood     MoodState `yaml:"mood"`
	Gender   Gender    `yaml:"gender"`
	Lines    []string  `yaml:"lines"`
}

type catalogFile struct {
	Customers []*Identity     `yaml:"customers"`
	Dialogue  []DialogueEntry `yaml:"dialogue"`
}

// NewCatalog validates identities and dialogue and builds a Catalog.
// Identity order is preserved; it is the iteration order of the pool.
func NewCatalog(list []*Identity, dialogue []DialogueEntry) (*Catalog, error) {
	if len(list) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		customers: make([]*Identity, 0, len(list)),
		index:     make(map[CustomerID]*Identity, len(list)),
		dialogue:  make(map[Bucket]Lines, len(dialogue)),
	}
	for _, id := range list {
		if id == nil || id.ID == "" {
			return nil, fmt.Errorf("customer without id")
		}
		if _, dup := c.index[id.ID]; dup {
			return nil, fmt.Errorf("duplicate customer id %q", id.ID)
		}
		if !id.Mood.Known() {
			return nil, fmt.Errorf("customer %q: unknown mood state %d", id.ID, id.Mood)
		}
		if id.VisitWeight < 0 {
			return nil, fmt.Errorf("customer %q: negative visit weight", id.ID)
		}
		if id.PayoutMultiplier < 0 {
			return nil, fmt.Errorf("customer %q: negative payout multiplier", id.ID)
		}
		c.customers = append(c.customers, id)
		c.index[id.ID] = id
	}

	for _, d := range dialogue {
		if len(d.Lines) > MaxLines {
			return nil, fmt.Errorf("dialogue %s: %d lines, at most %d allowed",
				Bucket{d.Category, d.Mood, d.Gender}, len(d.Lines), MaxLines)
		}
		var lines Lines
		copy(lines[:], d.Lines)
		c.dialogue[Bucket{Category: d.Category, Mood: d.Mood, Gender: d.Gender}] = lines
	}

	return c, nil
}

// LoadCatalog reads a catalog from a YAML (or JSON) file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog bytes. The menu section, if present, is
// ignored here and read by the service package.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(f.Customers, f.Dialogue)
}

// Get returns an identity by ID, or nil.
func (c *Catalog) Get(id CustomerID) *Identity {
	return c.index[id]
}

// All returns the identities in catalog order. The slice must not be modified.
func (c *Catalog) All() []*Identity {
	return c.customers
}

// Len returns the number of identities.
func (c *Catalog) Len() int {
	return len(c.customers)
}

// Lines returns the dialogue bank for a bucket; all slots are empty when
// the bucket has no lines.
func (c *Catalog) Lines(b Bucket) Lines {
	return c.dialogue[b]
}

// Buckets returns how many dialogue buckets are defined.
func (c *Catalog) Buckets() int {
	return len(c.dialogue)
}
