package bartender

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tavern/internal/api"
	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/service"
)

var testMenu = []service.Item{
	{ID: "ale", Name: "Ale", Price: 10, Effects: service.Effects{Melancholy: 1, Busy: 3}},
	{ID: "mead", Name: "Mead", Price: 20, Effects: service.Effects{Melancholy: 5, Busy: 3}},
	{ID: "water", Name: "Water", Price: 1, Effects: service.Effects{Busy: 3, Picky: -2}},
}

func waiting(id string, mood customers.MoodState) *Snapshot {
	info := &SessionInfo{ID: id}
	info.Customer.ID = "brom"
	info.Customer.Name = "Brom"
	info.Customer.Mood = mood
	return &Snapshot{
		Session: SessionView{State: "awaiting_order", Session: info},
		Menu:    testMenu,
	}
}

func TestDecide(t *testing.T) {
	served := &ShiftMemory{}
	served.Record(ServeRecord{SessionID: "s-old"})

	tests := []struct {
		name   string
		snap   *Snapshot
		mem    *ShiftMemory
		action string
		item   string
	}{
		{"best effect wins", waiting("s1", customers.MoodMelancholy), nil, ActionDeliver, "mead"},
		{"tie goes to the pricier drink", waiting("s1", customers.MoodBusy), nil, ActionDeliver, "mead"},
		{"negative effects avoided", waiting("s1", customers.MoodPicky), nil, ActionDeliver, "mead"},
		{"already served", waiting("s-old", customers.MoodBusy), served, ActionNone, ""},
		{"nobody at the bar", &Snapshot{Session: SessionView{State: "idle"}, Menu: testMenu}, nil, ActionNone, ""},
		{"still entering", &Snapshot{Session: SessionView{State: "entering", Session: &SessionInfo{ID: "s2"}}}, nil, ActionNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decide(tt.snap, tt.mem)
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.item, d.Item)
			assert.NotEmpty(t, d.Rationale)
		})
	}
}

func TestDecide_EmptyMenu(t *testing.T) {
	snap := waiting("s1", customers.MoodBusy)
	snap.Menu = nil
	d, err := Decide(snap, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
}

func TestDecide_BadMenu(t *testing.T) {
	snap := waiting("s1", customers.MoodBusy)
	snap.Menu = []service.Item{{ID: "ale"}, {ID: "ale"}}
	_, err := Decide(snap, nil)
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bartender.json")

	mem := LoadMemory(path)
	assert.Empty(t, mem.Records, "missing file starts empty")

	for i := 0; i < maxRecords+5; i++ {
		mem.Record(ServeRecord{SessionID: fmt.Sprintf("s%d", i), Mood: customers.MoodBusy, Item: "ale"})
	}
	require.Len(t, mem.Records, maxRecords)
	assert.False(t, mem.Served("s0"), "trimmed")
	assert.True(t, mem.Served(fmt.Sprintf("s%d", maxRecords+4)))

	mem.Save(path)
	loaded := LoadMemory(path)
	assert.Equal(t, mem.Records, loaded.Records)
}

func TestObserver_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for cleaning", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewObserver(srv.URL).Observe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "down for cleaning")
}

func TestActor_SendsBearer(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"state":"drinking"}`))
	}))
	defer srv.Close()

	res, err := NewActor(srv.URL, "k").Deliver(context.Background(), "ale")
	require.NoError(t, err)
	assert.Equal(t, "drinking", res.State)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "/api/v1/deliver", gotPath)
}

func TestRunCycle_AgainstTavern(t *testing.T) {
	list := make([]*customers.Identity, 0, 3)
	for i := 0; i < 3; i++ {
		list = append(list, &customers.Identity{
			ID:               customers.CustomerID(fmt.Sprintf("npc%d", i)),
			Name:             fmt.Sprintf("Regular %d", i),
			Mood:             customers.MoodMelancholy,
			VisitWeight:      1,
			PayoutMultiplier: 1,
		})
	}
	cat, err := customers.NewCatalog(list, nil)
	require.NoError(t, err)
	menu, err := service.NewMenu(testMenu)
	require.NoError(t, err)
	tav, err := engine.NewTavern(cat, menu, engine.NewEngine(100*time.Millisecond), engine.Options{
		Service:       service.Config{FastServeThreshold: 5, DrinkMin: time.Second, DrinkMax: time.Second},
		QueueCapacity: 2,
		SpawnInterval: time.Second,
		PhaseLength:   time.Hour,
		Seed:          5,
	})
	require.NoError(t, err)

	srv := httptest.NewServer((&api.Server{Tavern: tav, AdminKey: "barkeep"}).Handler())
	defer srv.Close()

	b := New(srv.URL, "barkeep", filepath.Join(t.TempDir(), "mem.json"))
	ctx := context.Background()

	d, err := b.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action, "empty bar")

	for i := 0; i < 10; i++ {
		tav.Step(100 * time.Millisecond)
	}
	require.NoError(t, tav.NotifyEntranceComplete())

	d, err = b.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, d.Action)
	assert.Equal(t, "mead", d.Item)
	assert.Equal(t, service.StateDrinking, tav.Status().State)
	assert.True(t, b.Memory.Served(d.SessionID))

	d, err = b.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action, "customer is drinking")

	reloaded := LoadMemory(b.MemoryPath)
	require.Len(t, reloaded.Records, 1)
	assert.Equal(t, customers.MoodMelancholy, reloaded.Records[0].Mood)
}
