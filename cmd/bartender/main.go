// Command bartender serves drinks at a running tavern over its HTTP API.
// It polls the session at the bar, picks a drink for the customer's mood,
// and delivers it through the admin endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/tavern/internal/bartender"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration from environment.
	apiURL := envOrDefault("TAVERN_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("TAVERN_ADMIN_KEY")
	memoryPath := envOrDefault("BARTENDER_MEMORY", "bartender_memory.json")
	intervalMS := envIntOrDefault("BARTENDER_INTERVAL_MS", 1000)

	if adminKey == "" {
		slog.Error("TAVERN_ADMIN_KEY is required")
		os.Exit(1)
	}

	interval := time.Duration(intervalMS) * time.Millisecond

	slog.Info("bartender starting",
		"api_url", apiURL,
		"interval", interval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("waiting for tavern API...")
	if !waitForAPI(ctx, apiURL) {
		return
	}

	b := bartender.New(apiURL, adminKey, memoryPath)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := b.RunCycle(ctx); err != nil {
			slog.Error("bartender cycle failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			slog.Info("received signal, shutting down")
			fmt.Println("Bartender off shift.")
			return
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

// waitForAPI polls the status endpoint with exponential backoff until it
// responds. Exits after 5 minutes if the API never becomes ready. Returns
// false if ctx is cancelled first.
func waitForAPI(ctx context.Context, apiURL string) bool {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(5 * time.Minute)

	for {
		resp, err := http.Get(apiURL + "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("tavern API is ready")
				return true
			}
		}
		if time.Now().After(deadline) {
			slog.Error("tavern API did not become ready within 5 minutes")
			os.Exit(1)
		}
		slog.Info("tavern not ready, retrying...", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
