// Package weather provides real-world weather data integration.
// Maps OpenWeatherMap conditions to a footfall multiplier: rain drives
// people indoors, storms keep them home.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/talgya/tavern/internal/customers"
)

const defaultEndpoint = "https://api.openweathermap.org/data/2.5/weather"

// Client fetches weather data from OpenWeatherMap.
type Client struct {
	apiKey   string
	location string
	endpoint string
	client   *http.Client
	now      func() time.Time

	mu          sync.Mutex
	cached      *Conditions
	cachedAt    time.Time
	cacheTTL    time.Duration
	lastFailAt  time.Time
	failBackoff time.Duration
}

// NewClient creates a weather API client. Returns nil if apiKey is empty.
func NewClient(apiKey, location string) *Client {
	if apiKey == "" {
		return nil
	}
	if location == "" {
		location = "San Diego,US"
	}
	return &Client{
		apiKey:   apiKey,
		location: location,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		cacheTTL: 5 * time.Minute,
	}
}

// WithEndpoint points the client at another API URL.
func (c *Client) WithEndpoint(u string) *Client {
	c.endpoint = u
	return c
}

// Conditions holds parsed weather data from the API.
type Conditions struct {
	Temp        float64 `json:"temp"` // Celsius
	Description string  `json:"description"`
	WindSpeed   float64 `json:"wind_speed"` // m/s
	IsStorm     bool    `json:"is_storm"`
	IsSnow      bool    `json:"is_snow"`
	IsRain      bool    `json:"is_rain"`
}

// Fetch retrieves current weather conditions, using cache if fresh. The
// lock is not held during the API call so Cached never waits on the network.
func (c *Client) Fetch(ctx context.Context) (*Conditions, error) {
	c.mu.Lock()
	now := c.now()
	if c.cached != nil && now.Sub(c.cachedAt) < c.cacheTTL {
		defer c.mu.Unlock()
		return c.cached, nil
	}

	// Backoff on repeated failures (up to 10 minutes).
	if c.failBackoff > 0 && now.Sub(c.lastFailAt) < c.failBackoff {
		defer c.mu.Unlock()
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, fmt.Errorf("weather API backoff (%s remaining)", c.failBackoff-now.Sub(c.lastFailAt))
	}
	c.mu.Unlock()

	conditions, err := c.fetchFromAPI(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastFailAt = now
		if c.failBackoff == 0 {
			c.failBackoff = 1 * time.Minute
		} else if c.failBackoff < 10*time.Minute {
			c.failBackoff *= 2
		}
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = conditions
	c.cachedAt = now
	c.failBackoff = 0
	return conditions, nil
}

// Cached returns the last fetched conditions without touching the network.
func (c *Client) Cached() *Conditions {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// Run refreshes the cache every interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cacheTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Fetch(ctx); err != nil {
			slog.Warn("weather refresh failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) fetchFromAPI(ctx context.Context) (*Conditions, error) {
	apiURL := fmt.Sprintf("%s?q=%s&appid=%s&units=metric",
		c.endpoint, url.QueryEscape(c.location), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API error %d: %s", resp.StatusCode, string(body))
	}

	var owm struct {
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	}

	if err := json.Unmarshal(body, &owm); err != nil {
		return nil, fmt.Errorf("parse weather: %w", err)
	}

	conditions := &Conditions{
		Temp:      owm.Main.Temp,
		WindSpeed: owm.Wind.Speed,
	}

	if len(owm.Weather) > 0 {
		conditions.Description = owm.Weather[0].Description
		main := strings.ToLower(owm.Weather[0].Main)
		conditions.IsRain = main == "rain" || main == "drizzle"
		conditions.IsSnow = main == "snow"
		conditions.IsStorm = main == "thunderstorm" || conditions.WindSpeed > 15
	}

	slog.Debug("weather fetched", "temp", conditions.Temp, "desc", conditions.Description)
	return conditions, nil
}

// Footfall is the effect of the weather on visits.
type Footfall struct {
	Multiplier  float64
	Description string
}

// MapToFootfall converts real weather conditions to a visit multiplier.
// Nil conditions leave footfall unchanged.
func MapToFootfall(c *Conditions) Footfall {
	if c == nil {
		return Footfall{Multiplier: 1, Description: "fair weather"}
	}

	f := Footfall{Multiplier: 1, Description: c.Description}
	switch {
	case c.IsStorm:
		f.Multiplier = 0.6
	case c.IsSnow:
		f.Multiplier = 0.85
	case c.IsRain:
		f.Multiplier = 1.15
	}

	// A cold night fills the hearth; a hot afternoon empties it.
	if c.Temp < 5 {
		f.Multiplier += 0.1
	} else if c.Temp > 30 {
		f.Multiplier -= 0.1
	}
	return f
}

// Scale wraps base so every visit probability is multiplied by the cached
// weather. It never calls the API; pair it with Run. A nil client returns
// base unchanged.
func Scale(base customers.ProbabilityFunc, c *Client) customers.ProbabilityFunc {
	if c == nil {
		return base
	}
	if base == nil {
		base = customers.Flat
	}
	return func(id *customers.Identity, ctx customers.ProbabilityContext) float64 {
		p := base(id, ctx) * MapToFootfall(c.Cached()).Multiplier
		if p > 100 {
			return 100
		}
		return p
	}
}
