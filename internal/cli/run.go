package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/tavern/internal/api"
	"github.com/talgya/tavern/internal/persistence"
	"github.com/talgya/tavern/internal/weather"
)

// saveInterval is how often the running tavern flushes events and
// carry-over state to the database.
const saveInterval = time.Minute

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the tavern and serve the HTTP API",
		Long: `Open the tavern: load the catalog, restore carry-over state from the
database, start the HTTP API and run the frame clock until interrupted.

Example:
  tavern run --config configs/tavern.yaml
  TAVERN_ADMIN_KEY=secret tavern run -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTavern(rootOpts, cmd)
		},
	}
	return cmd
}

func runTavern(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts, os.Stderr)
	if err != nil {
		return err
	}

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create data directory", err)
		}
	}
	db, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.Storage.Path)

	// ── Tavern ────────────────────────────────────────────────────────
	wx := weather.NewClient(cfg.WeatherKey, cfg.Weather.Location)
	tav, _, err := buildTavern(cfg, cfg.AutopilotConfig(), wx)
	if err != nil {
		return err
	}
	tav.Ledger = db

	snap, ok, err := db.LoadSnapshot()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load saved state", err)
	}
	if ok {
		tav.Restore(snap)
		slog.Info("tavern state restored", "phase", snap.Phase, "reputation", snap.Reputation)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("TAVERN_ADMIN_KEY not set, control endpoints are disabled")
	}
	apiServer := &api.Server{
		Tavern:   tav,
		DB:       db,
		Port:     cfg.API.Port,
		AdminKey: cfg.API.AdminKey,
		RelayKey: cfg.API.RelayKey,
	}
	httpServer := apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tav.Engine.OnFrame = tav.Step

	if wx != nil {
		slog.Info("weather footfall enabled", "location", cfg.Weather.Location)
		go wx.Run(ctx, cfg.Weather.Refresh)
	}

	var lastSeq uint64
	saverDone := make(chan struct{})
	go func() {
		defer close(saverDone)
		ticker := time.NewTicker(saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				seq, err := db.SaveTavernState(tav, lastSeq)
				if err != nil {
					slog.Error("periodic save failed", "error", err)
					continue
				}
				lastSeq = seq
			case <-ctx.Done():
				return
			}
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nThe tavern is open: %d regulars, %d drinks on the menu.\n",
		tav.Catalog.Len(), len(tav.Menu.Items()))
	fmt.Fprintf(out, "API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	if ok {
		fmt.Fprintf(out, "Resuming at phase %d\n", snap.Phase)
	}
	fmt.Fprintln(out, "Serving... (Ctrl+C to close)")

	tav.Engine.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	<-saverDone
	slog.Info("final save...")
	if _, err := db.SaveTavernState(tav, lastSeq); err != nil {
		return WrapExitError(ExitFailure, "final save failed", err)
	}

	fmt.Fprintln(out, "Tavern closed. State saved.")
	return nil
}
