package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/service"
)

const frame = 100 * time.Millisecond

type fakeLedger struct {
	settlements []service.SettlementResult
	phases      []PhaseReport
	snapshots   []Snapshot
}

func (l *fakeLedger) RecordSettlement(_ int, r service.SettlementResult) error {
	l.settlements = append(l.settlements, r)
	return nil
}

func (l *fakeLedger) SavePhase(r PhaseReport) error {
	l.phases = append(l.phases, r)
	return nil
}

func (l *fakeLedger) SaveSnapshot(s Snapshot) error {
	l.snapshots = append(l.snapshots, s)
	return nil
}

func testCatalog(t *testing.T, n int) *customers.Catalog {
	t.Helper()
	list := make([]*customers.Identity, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, &customers.Identity{
			ID:               customers.CustomerID(fmt.Sprintf("npc%d", i)),
			Name:             fmt.Sprintf("Regular %d", i),
			Category:         "regular",
			Mood:             customers.MoodBusy,
			VisitWeight:      1,
			PayoutMultiplier: 1.5,
		})
	}
	cat, err := customers.NewCatalog(list, []customers.DialogueEntry{{
		Category: "regular", Mood: customers.MoodBusy, Gender: customers.GenderMale,
		Lines: []string{"Evening.", "Quick one."},
	}})
	require.NoError(t, err)
	return cat
}

func testMenu(t *testing.T) *service.Menu {
	t.Helper()
	m, err := service.NewMenu([]service.Item{
		{ID: "water", Name: "Water", Price: 1},
		{ID: "ale", Name: "Ale", Price: 50, Reputation: 1, Effects: service.Effects{Busy: 4}},
	})
	require.NoError(t, err)
	return m
}

func testOptions() Options {
	return Options{
		Service: service.Config{
			FastServeThreshold: 5,
			NormalInterval:     20 * time.Second,
			DrinkMin:           2 * time.Second,
			DrinkMax:           2 * time.Second,
		},
		QueueCapacity: 2,
		SpawnInterval: time.Second,
		PhaseLength:   10 * time.Minute,
		Seed:          11,
	}
}

func newTestTavern(t *testing.T, n int, opts Options) (*Tavern, *fakeLedger) {
	t.Helper()
	tav, err := NewTavern(testCatalog(t, n), testMenu(t), NewEngine(frame), opts)
	require.NoError(t, err)
	ledger := &fakeLedger{}
	tav.Ledger = ledger
	return tav, ledger
}

func run(t *testing.T, tav *Tavern, frames int) {
	t.Helper()
	for i := 0; i < frames; i++ {
		tav.Step(frame)
		require.NoError(t, tav.CheckInvariant(), "frame %d", i)
	}
}

func TestTavern_AutopilotServesCustomers(t *testing.T) {
	opts := testOptions()
	cfg := AutopilotConfig{EntranceDuration: time.Second, ExitDuration: time.Second, OrderDelay: time.Second, Bartender: true}
	opts.Autopilot = &cfg
	tav, ledger := newTestTavern(t, 6, opts)

	run(t, tav, 100)

	st := tav.Status()
	assert.GreaterOrEqual(t, st.Stats.Served, 1)
	require.NotEmpty(t, ledger.settlements)
	r := ledger.settlements[0]
	assert.Equal(t, "ale", r.ItemID, "autopilot pours the best drink for the mood")
	assert.Equal(t, 57, r.Income)
	assert.Equal(t, 7, r.Tip)
	assert.Equal(t, st.Stats.Reputation, st.Reputation)
	assert.True(t, st.Autopilot)

	assert.ErrorIs(t, tav.NotifyEntranceComplete(), ErrNoPresenter)
	assert.ErrorIs(t, tav.NotifyExitComplete(), ErrNoPresenter)
}

func TestTavern_ManualPresenter(t *testing.T) {
	tav, ledger := newTestTavern(t, 6, testOptions())

	run(t, tav, 10)
	st := tav.Status()
	require.Equal(t, service.StateEntering, st.State)
	require.NotNil(t, st.Session)
	first := st.Session.Customer.ID

	assert.ErrorIs(t, tav.Deliver("ale"), service.ErrInvalidTransition)
	require.NoError(t, tav.NotifyEntranceComplete())
	assert.Equal(t, service.StateAwaitingOrder, tav.Status().State)
	assert.Contains(t, []string{"Evening.", "Quick one."}, tav.Session().Dialogue)

	assert.ErrorIs(t, tav.Deliver("wine"), service.ErrUnknownItem)
	require.NoError(t, tav.Deliver("ale"))

	run(t, tav, 20)
	assert.Equal(t, service.StateExiting, tav.Status().State)
	require.Len(t, ledger.settlements, 1)
	assert.Equal(t, first, ledger.settlements[0].CustomerID)

	require.NoError(t, tav.NotifyExitComplete())
	st = tav.Status()
	assert.Equal(t, 1, st.Stats.Served)
	assert.Equal(t, 1, st.ServedCount)
	assert.Equal(t, service.StateEntering, st.State, "fast lane starts the next waiting customer at once")
	assert.NotEqual(t, first, st.Session.Customer.ID)

	recent := tav.RecentSettlements(10)
	require.Len(t, recent, 1)
	assert.Equal(t, 57, recent[0].Income)
}

func TestTavern_QueueOverflowReturnsCustomerToPool(t *testing.T) {
	tav, _ := newTestTavern(t, 6, testOptions())

	run(t, tav, 60)

	st := tav.Status()
	assert.Equal(t, 6, st.Stats.Spawns)
	assert.Equal(t, 3, st.Stats.Rejected)
	assert.Len(t, st.Queue, 2)
	assert.Equal(t, service.StateEntering, st.State)
	assert.Equal(t, 1, st.Pool.InSession)
	assert.Equal(t, 2, st.Pool.Queue)
}

func TestTavern_EndPhaseAbortsAndResets(t *testing.T) {
	tav, ledger := newTestTavern(t, 6, testOptions())
	run(t, tav, 30)

	report := tav.EndPhase()
	assert.Equal(t, 1, report.Phase)
	assert.Equal(t, 1, report.Aborted)
	assert.Equal(t, 3*time.Second, report.Length)

	st := tav.Status()
	assert.Equal(t, 2, st.Phase)
	assert.Equal(t, service.StateIdle, st.State)
	assert.Nil(t, st.Session)
	assert.Empty(t, st.Queue)
	assert.Equal(t, 6, st.Pool.Available)
	assert.Equal(t, 0, st.ServedCount)
	assert.Equal(t, PhaseStats{Phase: 2}, st.Stats)

	require.Len(t, ledger.phases, 1)
	require.Len(t, ledger.snapshots, 1)
	assert.Equal(t, 2, ledger.snapshots[0].Phase)

	// Idempotent on an empty tavern.
	tav.EndPhase()
	assert.Equal(t, 3, tav.Status().Phase)
	require.NoError(t, tav.CheckInvariant())
}

func TestTavern_PhaseEndsAtClosingTime(t *testing.T) {
	opts := testOptions()
	opts.PhaseLength = 2 * time.Second
	tav, ledger := newTestTavern(t, 6, opts)

	run(t, tav, 20)
	require.Len(t, ledger.phases, 1)
	assert.Equal(t, 2, tav.Status().Phase)
}

func TestTavern_TimeScale(t *testing.T) {
	tav, _ := newTestTavern(t, 6, testOptions())

	tav.Engine.SetSpeed(0)
	run(t, tav, 50)
	st := tav.Status()
	assert.Equal(t, 0, st.Stats.Spawns)
	assert.Equal(t, time.Duration(0), st.Elapsed)

	tav.Engine.SetSpeed(2)
	run(t, tav, 5)
	st = tav.Status()
	assert.Equal(t, 1, st.Stats.Spawns)
	assert.Equal(t, time.Second, st.Elapsed)
}

func TestTavern_Events(t *testing.T) {
	tav, _ := newTestTavern(t, 6, testOptions())
	id, ch := tav.Subscribe()

	run(t, tav, 10)

	select {
	case e := <-ch:
		assert.Equal(t, CategorySpawn, e.Category)
		assert.Equal(t, uint64(1), e.Seq)
	default:
		t.Fatal("no event delivered")
	}

	all := tav.Events(0, 0)
	require.NotEmpty(t, all)
	assert.Empty(t, tav.Events(all[len(all)-1].Seq, 0))
	assert.Len(t, tav.Events(0, 1), 1)

	tav.Unsubscribe(id)
	for range ch {
	}
}

func TestTavern_SnapshotRestore(t *testing.T) {
	tav, _ := newTestTavern(t, 6, testOptions())
	run(t, tav, 10)
	require.NoError(t, tav.NotifyEntranceComplete())
	snap := tav.Snapshot()
	assert.Len(t, snap.Counters.Visited, 1)
	assert.Len(t, snap.Dialogue, 1)

	other, _ := newTestTavern(t, 6, testOptions())
	snap.Phase = 7
	snap.Reputation = 12
	other.Restore(snap)
	st := other.Status()
	assert.Equal(t, 7, st.Phase)
	assert.Equal(t, 12, st.Reputation)
	assert.Equal(t, 1, st.Pool.Visited)
	assert.Equal(t, snap.Dialogue, other.Snapshot().Dialogue)
}

func TestEngine_StepAndSpeed(t *testing.T) {
	e := NewEngine(0)
	assert.Equal(t, DefaultFrameInterval, e.Interval)

	var total time.Duration
	e.OnFrame = func(dt time.Duration) { total += dt }
	e.Step(frame)
	e.Step(frame)
	assert.Equal(t, uint64(2), e.Frame())
	assert.Equal(t, 2*frame, total)

	e.SetSpeed(-3)
	assert.Equal(t, 0.0, e.Speed())
	e.SetSpeed(4)
	assert.Equal(t, 4.0, e.Speed())
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := NewEngine(time.Millisecond)
	frames := make(chan struct{}, 1)
	e.OnFrame = func(time.Duration) {
		select {
		case frames <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("engine produced no frame")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestPhaseClock(t *testing.T) {
	assert.Equal(t, "Phase 3, 02:15", PhaseClock(3, 135*time.Second))
	assert.Equal(t, "Phase 1, 00:00", PhaseClock(1, -time.Second))
}
