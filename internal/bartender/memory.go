package bartender

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/talgya/tavern/internal/customers"
)

const maxRecords = 50

// ServeRecord captures one delivery made by the bartender.
type ServeRecord struct {
	SessionID string               `json:"session_id"`
	Customer  customers.CustomerID `json:"customer"`
	Mood      customers.MoodState  `json:"mood"`
	Item      string               `json:"item"`
	At        time.Time            `json:"at"`
}

// ShiftMemory is a ring of recent deliveries. It keeps the bartender from
// serving the same session twice across restarts.
type ShiftMemory struct {
	Records []ServeRecord `json:"records"`
}

// LoadMemory reads the memory file at path. Returns empty memory if the
// file is missing or unreadable.
func LoadMemory(path string) *ShiftMemory {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ShiftMemory{}
	}
	var mem ShiftMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		slog.Warn("bartender memory corrupted, starting fresh", "path", path, "error", err)
		return &ShiftMemory{}
	}
	return &mem
}

// Save writes the memory to path. An empty path disables persistence.
func (m *ShiftMemory) Save(path string) {
	if path == "" {
		return
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		slog.Error("failed to marshal bartender memory", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("failed to write bartender memory", "path", path, "error", err)
	}
}

// Record adds a delivery, trimming to maxRecords.
func (m *ShiftMemory) Record(r ServeRecord) {
	m.Records = append(m.Records, r)
	if len(m.Records) > maxRecords {
		m.Records = m.Records[len(m.Records)-maxRecords:]
	}
}

// Served reports whether sessionID already got a drink.
func (m *ShiftMemory) Served(sessionID string) bool {
	for i := len(m.Records) - 1; i >= 0; i-- {
		if m.Records[i].SessionID == sessionID {
			return true
		}
	}
	return false
}
