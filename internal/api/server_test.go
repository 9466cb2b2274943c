package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/persistence"
	"github.com/talgya/tavern/internal/service"
)

const adminKey = "barkeep"

func newTestServer(t *testing.T, withDB bool) (*Server, *engine.Tavern) {
	t.Helper()

	list := make([]*customers.Identity, 0, 4)
	for i := 0; i < 4; i++ {
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
	menu, err := service.NewMenu([]service.Item{
		{ID: "ale", Name: "Ale", Price: 10, Effects: service.Effects{Melancholy: 1}},
		{ID: "mead", Name: "Mead", Price: 20, Reputation: 2, Effects: service.Effects{Melancholy: 5}},
	})
	require.NoError(t, err)

	tav, err := engine.NewTavern(cat, menu, engine.NewEngine(100*time.Millisecond), engine.Options{
		Service:       service.Config{FastServeThreshold: 5, DrinkMin: time.Second, DrinkMax: time.Second},
		QueueCapacity: 2,
		SpawnInterval: time.Second,
		PhaseLength:   time.Hour,
		Seed:          9,
	})
	require.NoError(t, err)

	s := &Server{Tavern: tav, AdminKey: adminKey, RelayKey: "relay"}
	if withDB {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		tav.Ledger = db
		s.DB = db
	}
	return s, tav
}

func steps(tav *engine.Tavern, n int) {
	for i := 0; i < n; i++ {
		tav.Step(100 * time.Millisecond)
	}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusAndPool(t *testing.T) {
	s, tav := newTestServer(t, true)
	h := s.Handler()
	steps(tav, 10)

	rec := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, status, "tavern")
	assert.Contains(t, status, "lifetime")

	var st struct {
		Phase int      `json:"phase"`
		State string   `json:"state"`
		Queue []string `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(status["tavern"], &st))
	assert.Equal(t, 1, st.Phase)
	assert.Equal(t, "entering", st.State)

	rec = do(t, h, http.MethodGet, "/api/v1/pool", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pool := decode[struct {
		Stats     customers.Stats   `json:"stats"`
		Locations map[string]string `json:"locations"`
	}](t, rec)
	assert.Equal(t, 1, pool.Stats.InSession)
	assert.Len(t, pool.Locations, 4)
}

func TestServeCustomerOverHTTP(t *testing.T) {
	s, tav := newTestServer(t, true)
	h := s.Handler()
	steps(tav, 10)

	rec := do(t, h, http.MethodPost, "/api/v1/deliver", `{"item":"mead"}`, adminKey)
	assert.Equal(t, http.StatusConflict, rec.Code, "still entering")

	rec = do(t, h, http.MethodPost, "/api/v1/notify", `{"animation":"entrance"}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/session", "", "")
	view := decode[struct {
		State   string `json:"state"`
		Session struct {
			Customer struct {
				Mood string `json:"mood"`
			} `json:"customer"`
		} `json:"session"`
	}](t, rec)
	assert.Equal(t, "awaiting_order", view.State)
	assert.Equal(t, "melancholy", view.Session.Customer.Mood)

	rec = do(t, h, http.MethodPost, "/api/v1/deliver", `{"item":"wine"}`, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/deliver", `{"item":"mead"}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	steps(tav, 10)
	rec = do(t, h, http.MethodPost, "/api/v1/notify", `{"animation":"exit"}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/settlements", "", "")
	rows := decode[[]persistence.SettlementRow](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "mead", rows[0].ItemID)
	assert.Equal(t, 26, rows[0].Income, "20 + floor(5*1.2)")
}

func TestControlAuth(t *testing.T) {
	s, _ := newTestServer(t, false)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":2}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":2}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.AdminKey = ""
	rec = do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":2}`, "anything")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/deliver", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSpeed(t *testing.T) {
	s, tav := newTestServer(t, false)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":3}`, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, tav.Engine.Speed())

	rec = do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":-1}`, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/speed", "", "")
	assert.Equal(t, map[string]float64{"speed": 3}, decode[map[string]float64](t, rec))
}

func TestPhaseEnd(t *testing.T) {
	s, tav := newTestServer(t, true)
	h := s.Handler()
	steps(tav, 30)

	rec := do(t, h, http.MethodPost, "/api/v1/phase/end", "", adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[engine.PhaseReport](t, rec)
	assert.Equal(t, 1, report.Phase)
	assert.Equal(t, 1, report.Aborted)
	assert.Equal(t, 2, tav.Status().Phase)

	rec = do(t, h, http.MethodGet, "/api/v1/phases", "", "")
	phases := decode[[]persistence.PhaseRow](t, rec)
	require.Len(t, phases, 1)
	assert.Equal(t, 1, phases[0].Aborted)
}

func TestEventsMenuCustomers(t *testing.T) {
	s, tav := newTestServer(t, false)
	h := s.Handler()
	steps(tav, 20)

	rec := do(t, h, http.MethodGet, "/api/v1/events?category=spawn", "", "")
	events := decode[[]engine.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, engine.CategorySpawn, events[0].Category)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/api/v1/events?after=%d", events[1].Seq), "", "")
	assert.Empty(t, decode[[]engine.Event](t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/events?after=x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/menu", "", "")
	assert.Len(t, decode[[]service.Item](t, rec), 2)

	rec = do(t, h, http.MethodGet, "/api/v1/customers?mood=melancholy", "", "")
	assert.Len(t, decode[[]customers.Identity](t, rec), 4)
	rec = do(t, h, http.MethodGet, "/api/v1/customers?mood=busy", "", "")
	assert.Empty(t, decode[[]customers.Identity](t, rec))
	rec = do(t, h, http.MethodGet, "/api/v1/customers?mood=sleepy", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/settlements", "", "")
	assert.Empty(t, decode[[]service.SettlementResult](t, rec))
}

func TestStream(t *testing.T) {
	s, tav := newTestServer(t, false)
	steps(tav, 10)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer relay")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 1\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: spawn\n", line)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))
	assert.Equal(t, 61, rl.RetryAfter("1.2.3.4"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("1.2.3.4"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	assert.Equal(t, "9.9.9.9", clientIP(req))
}
