// Package persistence provides SQLite-based storage for the tavern ledger
// and the state that carries over between runs.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/service"
)

// DB wraps a SQLite connection for tavern persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settlements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phase INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		mood_delta INTEGER NOT NULL,
		price INTEGER NOT NULL,
		tip INTEGER NOT NULL,
		income INTEGER NOT NULL,
		reputation INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS phases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phase INTEGER NOT NULL,
		spawns INTEGER NOT NULL,
		exhausted INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		evicted INTEGER NOT NULL,
		served INTEGER NOT NULL,
		aborted INTEGER NOT NULL,
		first_visits INTEGER NOT NULL,
		income INTEGER NOT NULL,
		tips INTEGER NOT NULL,
		reputation INTEGER NOT NULL,
		length_ms INTEGER NOT NULL,
		ended_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dialogue_memory (
		customer_id TEXT PRIMARY KEY,
		last_index INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS visited (
		customer_id TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		phase INTEGER NOT NULL,
		at_ms INTEGER NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		meta_json TEXT
	);

	CREATE TABLE IF NOT EXISTS tavern_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_phase ON settlements(phase);
	CREATE INDEX IF NOT EXISTS idx_settlements_customer ON settlements(customer_id);
	CREATE INDEX IF NOT EXISTS idx_events_phase ON events(phase);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SettlementRow is a stored settlement.
type SettlementRow struct {
	ID         int64  `db:"id" json:"id"`
	Phase      int    `db:"phase" json:"phase"`
	SessionID  string `db:"session_id" json:"session_id"`
	CustomerID string `db:"customer_id" json:"customer_id"`
	ItemID     string `db:"item_id" json:"item_id"`
	MoodDelta  int    `db:"mood_delta" json:"mood_delta"`
	Price      int    `db:"price" json:"price"`
	Tip        int    `db:"tip" json:"tip"`
	Income     int    `db:"income" json:"income"`
	Reputation int    `db:"reputation" json:"reputation"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// RecordSettlement appends one settlement to the ledger.
func (db *DB) RecordSettlement(phase int, r service.SettlementResult) error {
	_, err := db.conn.Exec(`INSERT INTO settlements
		(phase, session_id, customer_id, item_id, mood_delta, price, tip, income, reputation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		phase, r.SessionID, string(r.CustomerID), r.ItemID, r.MoodDelta,
		r.Price, r.Tip, r.Income, r.Reputation, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", r.SessionID, err)
	}
	return nil
}

// RecentSettlements returns the most recent N settlements, newest first.
func (db *DB) RecentSettlements(limit int) ([]SettlementRow, error) {
	var rows []SettlementRow
	err := db.conn.Select(&rows, `SELECT id, phase, session_id, customer_id, item_id,
		mood_delta, price, tip, income, reputation, created_at
		FROM settlements ORDER BY id DESC LIMIT ?`, limit)
	return rows, err
}

// Totals sums the whole ledger.
type Totals struct {
	Served int `db:"served" json:"served"`
	Income int `db:"income" json:"income"`
	Tips   int `db:"tips" json:"tips"`
}

// LedgerTotals returns lifetime totals across every phase.
func (db *DB) LedgerTotals() (Totals, error) {
	var t Totals
	err := db.conn.Get(&t, `SELECT COUNT(*) AS served,
		COALESCE(SUM(income), 0) AS income,
		COALESCE(SUM(tip), 0) AS tips
		FROM settlements`)
	return t, err
}

// PhaseRow is a stored phase report.
type PhaseRow struct {
	ID int64 `db:"id" json:"id"`
	engine.PhaseStats
	LengthMS int64  `db:"length_ms" json:"length_ms"`
	EndedAt  string `db:"ended_at" json:"ended_at"`
}

// SavePhase appends a phase report.
func (db *DB) SavePhase(r engine.PhaseReport) error {
	_, err := db.conn.NamedExec(`INSERT INTO phases
		(phase, spawns, exhausted, rejected, evicted, served, aborted, first_visits,
		 income, tips, reputation, length_ms, ended_at)
		VALUES (:phase, :spawns, :exhausted, :rejected, :evicted, :served, :aborted, :first_visits,
		 :income, :tips, :reputation, :length_ms, :ended_at)`,
		PhaseRow{
			PhaseStats: r.PhaseStats,
			LengthMS:   r.Length.Milliseconds(),
			EndedAt:    r.EndedAt.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("insert phase %d: %w", r.Phase, err)
	}
	return nil
}

// RecentPhases returns the most recent N phase reports, newest first.
func (db *DB) RecentPhases(limit int) ([]PhaseRow, error) {
	var rows []PhaseRow
	err := db.conn.Select(&rows, `SELECT id, phase, spawns, exhausted, rejected, evicted,
		served, aborted, first_visits, income, tips, reputation, length_ms, ended_at
		FROM phases ORDER BY id DESC LIMIT ?`, limit)
	return rows, err
}

// SaveSnapshot replaces the carry-over state.
func (db *DB) SaveSnapshot(s engine.Snapshot) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM dialogue_memory"); err != nil {
		return err
	}
	if len(s.Dialogue) > 0 {
		stmt, err := tx.Preparex("INSERT INTO dialogue_memory (customer_id, last_index) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for id, idx := range s.Dialogue {
			if _, err := stmt.Exec(string(id), idx); err != nil {
				return fmt.Errorf("insert dialogue memory %s: %w", id, err)
			}
		}
	}

	if _, err := tx.Exec("DELETE FROM visited"); err != nil {
		return err
	}
	for _, id := range s.Counters.Visited {
		if _, err := tx.Exec("INSERT INTO visited (customer_id) VALUES (?)", string(id)); err != nil {
			return fmt.Errorf("insert visited %s: %w", id, err)
		}
	}

	meta := map[string]string{
		"phase":        strconv.Itoa(s.Phase),
		"reputation":   strconv.Itoa(s.Reputation),
		"total_spawns": strconv.Itoa(s.Counters.TotalSpawns),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT OR REPLACE INTO tavern_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("save meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("tavern state saved", "phase", s.Phase, "visited", len(s.Counters.Visited), "dialogue", len(s.Dialogue))
	return nil
}

// HasTavernState reports whether a snapshot has been saved.
func (db *DB) HasTavernState() bool {
	_, err := db.GetMeta("phase")
	return err == nil
}

// LoadSnapshot reads the carry-over state. ok is false when nothing was saved.
func (db *DB) LoadSnapshot() (snap engine.Snapshot, ok bool, err error) {
	phase, err := db.GetMeta("phase")
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	snap.Phase, _ = strconv.Atoi(phase)
	if v, err := db.GetMeta("reputation"); err == nil {
		snap.Reputation, _ = strconv.Atoi(v)
	}
	if v, err := db.GetMeta("total_spawns"); err == nil {
		snap.Counters.TotalSpawns, _ = strconv.Atoi(v)
	}

	var memory []struct {
		CustomerID string `db:"customer_id"`
		LastIndex  int    `db:"last_index"`
	}
	if err := db.conn.Select(&memory, "SELECT customer_id, last_index FROM dialogue_memory"); err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("load dialogue memory: %w", err)
	}
	snap.Dialogue = make(map[customers.CustomerID]int, len(memory))
	for _, m := range memory {
		snap.Dialogue[customers.CustomerID(m.CustomerID)] = m.LastIndex
	}

	var visited []string
	if err := db.conn.Select(&visited, "SELECT customer_id FROM visited ORDER BY customer_id"); err != nil {
		return engine.Snapshot{}, false, fmt.Errorf("load visited: %w", err)
	}
	for _, id := range visited {
		snap.Counters.Visited = append(snap.Counters.Visited, customers.CustomerID(id))
	}
	return snap, true, nil
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		var meta sql.NullString
		if len(e.Meta) > 0 {
			b, err := json.Marshal(e.Meta)
			if err != nil {
				return fmt.Errorf("marshal event %d meta: %w", e.Seq, err)
			}
			meta = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.Exec(
			"INSERT INTO events (seq, phase, at_ms, category, description, meta_json) VALUES (?, ?, ?, ?, ?, ?)",
			e.Seq, e.Phase, e.At.Milliseconds(), e.Category, e.Description, meta,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentEvents returns the most recent N stored events, newest first.
func (db *DB) RecentEvents(limit int) ([]engine.Event, error) {
	var rows []struct {
		Seq         uint64         `db:"seq"`
		Phase       int            `db:"phase"`
		AtMS        int64          `db:"at_ms"`
		Category    string         `db:"category"`
		Description string         `db:"description"`
		Meta        sql.NullString `db:"meta_json"`
	}
	err := db.conn.Select(&rows,
		"SELECT seq, phase, at_ms, category, description, meta_json FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}

	events := make([]engine.Event, 0, len(rows))
	for _, r := range rows {
		e := engine.Event{
			Seq:         r.Seq,
			Phase:       r.Phase,
			At:          time.Duration(r.AtMS) * time.Millisecond,
			Category:    r.Category,
			Description: r.Description,
		}
		if r.Meta.Valid {
			if err := json.Unmarshal([]byte(r.Meta.String), &e.Meta); err != nil {
				slog.Warn("event meta unreadable", "seq", r.Seq, "error", err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// SaveMeta stores a key-value pair in tavern metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO tavern_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM tavern_meta WHERE key = ?", key)
	return value, err
}

// SaveTavernState performs a full save of the carry-over state and the
// events logged after lastSeq. It returns the highest saved sequence.
func (db *DB) SaveTavernState(t *engine.Tavern, lastSeq uint64) (uint64, error) {
	snap := t.Snapshot()
	events := t.Events(lastSeq, 0)
	slog.Info("saving tavern state", "phase", snap.Phase, "events", len(events))

	if err := db.SaveSnapshot(snap); err != nil {
		return lastSeq, fmt.Errorf("save snapshot: %w", err)
	}
	if err := db.SaveEvents(events); err != nil {
		return lastSeq, fmt.Errorf("save events: %w", err)
	}
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	return lastSeq, nil
}
