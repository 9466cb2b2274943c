// Package bartender implements an out-of-process bartender.
// It polls the tavern API for the session at the bar, picks a drink for the
// customer's mood, and serves it via the admin deliver endpoint.
package bartender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/service"
)

// Snapshot holds everything collected during one observation cycle.
type Snapshot struct {
	Session SessionView    `json:"session"`
	Menu    []service.Item `json:"menu"`
}

// SessionView mirrors GET /api/v1/session.
type SessionView struct {
	State   string       `json:"state"`
	Session *SessionInfo `json:"session,omitempty"`
}

// SessionInfo is the subset of a service session the bartender reads.
type SessionInfo struct {
	ID       string `json:"id"`
	Customer struct {
		ID   customers.CustomerID `json:"id"`
		Name string               `json:"name"`
		Mood customers.MoodState  `json:"mood"`
	} `json:"customer"`
	Dialogue string `json:"dialogue,omitempty"`
}

// Observer fetches tavern state from the API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Observe fetches the session and menu endpoints.
func (o *Observer) Observe(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := o.fetchJSON(ctx, "/api/v1/session", &snap.Session); err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if err := o.fetchJSON(ctx, "/api/v1/menu", &snap.Menu); err != nil {
		return nil, fmt.Errorf("fetch menu: %w", err)
	}
	return snap, nil
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (o *Observer) fetchJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
