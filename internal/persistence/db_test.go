package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/service"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tavern.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettlementLedger(t *testing.T) {
	db := openTestDB(t)

	for i, income := range []int{57, 12, 30} {
		require.NoError(t, db.RecordSettlement(1, service.SettlementResult{
			SessionID:  "s" + string(rune('a'+i)),
			CustomerID: "brom",
			ItemID:     "ale",
			MoodDelta:  4,
			Price:      income - 7,
			Tip:        7,
			Income:     income,
			Reputation: 1,
		}))
	}

	rows, err := db.RecentSettlements(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "sc", rows[0].SessionID, "newest first")
	assert.Equal(t, 30, rows[0].Income)
	assert.Equal(t, "brom", rows[0].CustomerID)
	assert.NotEmpty(t, rows[0].CreatedAt)

	totals, err := db.LedgerTotals()
	require.NoError(t, err)
	assert.Equal(t, Totals{Served: 3, Income: 99, Tips: 21}, totals)
}

func TestLedgerTotals_Empty(t *testing.T) {
	db := openTestDB(t)
	totals, err := db.LedgerTotals()
	require.NoError(t, err)
	assert.Equal(t, Totals{}, totals)
}

func TestPhases(t *testing.T) {
	db := openTestDB(t)

	report := engine.PhaseReport{
		PhaseStats: engine.PhaseStats{Phase: 4, Spawns: 10, Served: 6, Aborted: 1, Income: 300, Tips: 40, Reputation: 6},
		Length:     5 * time.Minute,
		EndedAt:    time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.SavePhase(report))

	rows, err := db.RecentPhases(5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, report.PhaseStats, rows[0].PhaseStats)
	assert.Equal(t, int64(300000), rows[0].LengthMS)
	assert.Equal(t, "2026-03-01T22:00:00Z", rows[0].EndedAt)
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, db.HasTavernState())

	snap := engine.Snapshot{
		Phase:      3,
		Reputation: 14,
		Dialogue:   map[customers.CustomerID]int{"brom": 2, "elsa": 1},
		Counters:   customers.Counters{Visited: []customers.CustomerID{"brom", "elsa"}, TotalSpawns: 21},
	}
	require.NoError(t, db.SaveSnapshot(snap))
	assert.True(t, db.HasTavernState())

	got, ok, err := db.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)

	// A second save replaces rather than appends.
	snap.Dialogue = map[customers.CustomerID]int{"brom": 3}
	snap.Counters.Visited = []customers.CustomerID{"brom"}
	require.NoError(t, db.SaveSnapshot(snap))
	got, _, err = db.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestEvents(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveEvents(nil))

	require.NoError(t, db.SaveEvents([]engine.Event{
		{Seq: 1, Phase: 1, At: 1500 * time.Millisecond, Category: engine.CategorySpawn, Description: "Brom joins the queue", Meta: map[string]any{"customer": "brom"}},
		{Seq: 2, Phase: 1, At: 2 * time.Second, Category: engine.CategorySession, Description: "Brom walks up to the bar"},
	}))

	events, err := db.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Nil(t, events[0].Meta)
	assert.Equal(t, 1500*time.Millisecond, events[1].At)
	assert.Equal(t, "brom", events[1].Meta["customer"])
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveMeta("k", "v1"))
	require.NoError(t, db.SaveMeta("k", "v2"))
	v, err := db.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	_, err = db.GetMeta("missing")
	assert.Error(t, err)
}

func TestTavernLedgerIntegration(t *testing.T) {
	db := openTestDB(t)

	cat, err := customers.NewCatalog([]*customers.Identity{
		{ID: "a", Name: "A", Mood: customers.MoodBusy, VisitWeight: 1, PayoutMultiplier: 1},
		{ID: "b", Name: "B", Mood: customers.MoodBusy, VisitWeight: 1, PayoutMultiplier: 1},
	}, nil)
	require.NoError(t, err)
	menu, err := service.NewMenu([]service.Item{{ID: "ale", Name: "Ale", Price: 10, Effects: service.Effects{Busy: 5}}})
	require.NoError(t, err)

	pilot := engine.AutopilotConfig{EntranceDuration: time.Second, ExitDuration: time.Second, OrderDelay: time.Second, Bartender: true}
	tav, err := engine.NewTavern(cat, menu, engine.NewEngine(100*time.Millisecond), engine.Options{
		Service:       service.Config{FastServeThreshold: 5, DrinkMin: time.Second, DrinkMax: time.Second},
		QueueCapacity: 2,
		SpawnInterval: time.Second,
		PhaseLength:   10 * time.Second,
		Seed:          3,
		Autopilot:     &pilot,
	})
	require.NoError(t, err)
	tav.Ledger = db

	for i := 0; i < 100; i++ {
		tav.Step(100 * time.Millisecond)
	}

	totals, err := db.LedgerTotals()
	require.NoError(t, err)
	assert.Greater(t, totals.Served, 0)
	assert.Equal(t, totals.Served*16, totals.Income, "price 10 plus tip floor(5*1.2*1)")

	phases, err := db.RecentPhases(10)
	require.NoError(t, err)
	assert.Len(t, phases, 1)

	last, err := db.SaveTavernState(tav, 0)
	require.NoError(t, err)
	assert.Greater(t, last, uint64(0))
	snap, ok, err := db.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Phase)

	again, err := db.SaveTavernState(tav, last)
	require.NoError(t, err)
	assert.Equal(t, last, again)
}
