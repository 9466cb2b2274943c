// Package api provides the HTTP API for watching and working the tavern.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (bartender and admin control).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/persistence"
	"github.com/talgya/tavern/internal/service"
)

const (
	maxSSEConns  = 4
	maxSpeed     = 1000
	defaultLimit = 50
	maxLimit     = 500
)

// Server serves the tavern over HTTP.
type Server struct {
	Tavern   *engine.Tavern
	DB       *persistence.DB // Optional; settlements fall back to the in-memory list
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.
	RelayKey string // Bearer token for the SSE stream. Empty = streaming disabled.

	// Active SSE connection count (atomic).
	sseConns int32

	limiterOnce sync.Once
	limiter     *RateLimiter
}

// Handler returns the API routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	s.limiterOnce.Do(func() {
		s.limiter = NewRateLimiter(600, time.Minute)
	})

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/pool", s.handlePool)
	mux.HandleFunc("/api/v1/session", s.handleSession)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/api/v1/phases", s.handlePhases)
	mux.HandleFunc("/api/v1/menu", s.handleMenu)
	mux.HandleFunc("/api/v1/customers", s.handleCustomers)

	// SSE streaming endpoint (GET, requires relay token).
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	// Control endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/deliver", s.adminOnly(postOnly(s.handleDeliver)))
	mux.HandleFunc("/api/v1/notify", s.adminOnly(postOnly(s.handleNotify)))
	mux.HandleFunc("/api/v1/phase/end", s.adminOnly(postOnly(s.handlePhaseEnd)))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine. The returned server can
// be shut down by the caller.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "relay_auth", s.RelayKey != "")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of extra allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerMatches(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	return key != "" && strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key
}

// adminOnly wraps a handler to require bearer token auth and a rate limit
// on POST requests. GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	limited := RateLimitMiddleware(s.limiter, next)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next(w, r)
			return
		}
		if s.AdminKey == "" {
			http.Error(w, "control endpoints disabled (no TAVERN_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !bearerMatches(r, s.AdminKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		limited(w, r)
	}
}

func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func queryLimit(r *http.Request) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			return n
		}
	}
	return defaultLimit
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":   "The Crossed Tankards",
		"tavern": s.Tavern.Status(),
	}
	if s.DB != nil {
		if totals, err := s.DB.LedgerTotals(); err == nil {
			status["lifetime"] = totals
		} else {
			slog.Warn("ledger totals unavailable", "error", err)
		}
	}
	writeJSON(w, status)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	st := s.Tavern.Status()
	writeJSON(w, map[string]any{
		"stats":                st.Pool,
		"cooldown_requirement": s.Tavern.CooldownRequirement(),
		"locations":            s.Tavern.PoolLocations(),
	})
}

// sessionView is what a bartender polls for.
type sessionView struct {
	State   service.State    `json:"state"`
	Session *service.Session `json:"session,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st := s.Tavern.Status()
	writeJSON(w, sessionView{State: st.State, Session: st.Session})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if a := r.URL.Query().Get("after"); a != "" {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			http.Error(w, "after must be a sequence number", http.StatusBadRequest)
			return
		}
		after = n
	}
	events := s.Tavern.Events(after, queryLimit(r))

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := make([]engine.Event, 0, len(events))
		for _, e := range events {
			if e.Category == category {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []engine.Event{}
	}
	writeJSON(w, events)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r)
	if s.DB != nil {
		rows, err := s.DB.RecentSettlements(limit)
		if err != nil {
			slog.Error("settlement query failed", "error", err)
			http.Error(w, "settlements unavailable", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []persistence.SettlementRow{}
		}
		writeJSON(w, rows)
		return
	}
	writeJSON(w, s.Tavern.RecentSettlements(limit))
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, []persistence.PhaseRow{})
		return
	}
	rows, err := s.DB.RecentPhases(queryLimit(r))
	if err != nil {
		slog.Error("phase query failed", "error", err)
		http.Error(w, "phases unavailable", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []persistence.PhaseRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleMenu(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Tavern.Menu.Items())
}

func (s *Server) handleCustomers(w http.ResponseWriter, r *http.Request) {
	list := s.Tavern.Catalog.All()
	if mood := r.URL.Query().Get("mood"); mood != "" {
		m, err := customers.ParseMood(mood)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filtered := make([]*customers.Identity, 0, len(list))
		for _, c := range list {
			if c.Mood == m {
				filtered = append(filtered, c)
			}
		}
		list = filtered
	}
	writeJSON(w, list)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > maxSpeed {
			http.Error(w, fmt.Sprintf("speed must be 0-%d", maxSpeed), http.StatusBadRequest)
			return
		}
		s.Tavern.Engine.SetSpeed(req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Tavern.Engine.Speed()})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Item string `json:"item"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Item == "" {
		http.Error(w, `expected {"item": "<menu id>"}`, http.StatusBadRequest)
		return
	}

	if err := s.Tavern.Deliver(req.Item); err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("delivery accepted", "item", req.Item)
	writeJSON(w, sessionView{State: s.Tavern.Status().State, Session: s.Tavern.Session()})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Animation string `json:"animation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Animation {
	case "entrance":
		err = s.Tavern.NotifyEntranceComplete()
	case "exit":
		err = s.Tavern.NotifyExitComplete()
	default:
		http.Error(w, "unknown animation (use: entrance, exit)", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, sessionView{State: s.Tavern.Status().State, Session: s.Tavern.Session()})
}

func (s *Server) handlePhaseEnd(w http.ResponseWriter, r *http.Request) {
	report := s.Tavern.EndPhase()
	writeJSON(w, report)
}

// writeServiceError maps pipeline errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnknownItem):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, engine.ErrNoPresenter):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// handleStream provides an SSE endpoint for real-time event streaming.
// Requires bearer token auth and limits concurrent connections.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.RelayKey == "" {
		http.Error(w, "streaming disabled (no relay key)", http.StatusForbidden)
		return
	}
	if !bearerMatches(r, s.RelayKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.Tavern.Subscribe()
	defer s.Tavern.Unsubscribe(subID)

	// Catch-up: recent events up to the subscription point.
	var lastSeq uint64
	for _, e := range s.Tavern.Events(0, defaultLimit) {
		writeSSEEvent(w, e)
		lastSeq = e.Seq
	}
	flusher.Flush()

	slog.Info("SSE client connected", "sub_id", subID)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e engine.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Category, data)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
