package cli

import (
	"io"
	"log/slog"

	"github.com/talgya/tavern/internal/config"
	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/entropy"
	"github.com/talgya/tavern/internal/footfall"
	"github.com/talgya/tavern/internal/service"
	"github.com/talgya/tavern/internal/weather"
)

// loadConfig reads the config and installs the process logger.
func loadConfig(opts *RootOptions, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	slog.SetDefault(cfg.Log.NewLogger(logOut, opts.Verbose))
	return cfg, nil
}

// buildTavern loads the catalog and menu and wires a tavern from cfg.
// wx may be nil; otherwise its cached weather scales footfall. It returns
// the day seed it used.
func buildTavern(cfg *config.Config, pilot *engine.AutopilotConfig, wx *weather.Client) (*engine.Tavern, int64, error) {
	cat, err := customers.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	menu, err := service.LoadMenu(cfg.Catalog)
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "failed to load menu", err)
	}

	rnd := entropy.NewClient(cfg.RandomOrgKey)
	if rnd.Enabled() {
		slog.Info("random.org seeding enabled")
	}
	seed := entropy.Seed(cfg.Seed, rnd)

	var prob customers.ProbabilityFunc
	if cfg.Pool.Footfall.Enabled {
		prob = footfall.New(entropy.Derive(seed, entropy.StreamFootfall), cfg.FootfallConfig()).Probability
	}
	prob = weather.Scale(prob, wx)

	eng := engine.NewEngine(cfg.Engine.FrameInterval)
	eng.SetSpeed(cfg.Engine.Speed)

	tav, err := engine.NewTavern(cat, menu, eng, engine.Options{
		Service:             cfg.ServiceConfig(),
		QueueCapacity:       cfg.Queue.Capacity,
		Overflow:            cfg.OverflowPolicy(),
		CooldownRequirement: cfg.Pool.CooldownRequirement,
		Probability:         prob,
		SpawnInterval:       cfg.Engine.SpawnInterval,
		PhaseLength:         cfg.Engine.PhaseLength,
		Seed:                seed,
		Autopilot:           pilot,
	})
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "failed to build tavern", err)
	}

	slog.Info("tavern ready",
		"customers", cat.Len(),
		"dialogue_buckets", cat.Buckets(),
		"menu_items", len(menu.Items()),
		"seed", seed,
		"footfall", cfg.Pool.Footfall.Enabled,
		"weather", wx != nil,
		"autopilot", pilot != nil,
	)
	return tav, seed, nil
}

// multiLedger fans tavern output out to several ledgers.
type multiLedger []engine.Ledger

func (m multiLedger) RecordSettlement(phase int, r service.SettlementResult) error {
	for _, l := range m {
		if err := l.RecordSettlement(phase, r); err != nil {
			return err
		}
	}
	return nil
}

func (m multiLedger) SavePhase(r engine.PhaseReport) error {
	for _, l := range m {
		if err := l.SavePhase(r); err != nil {
			return err
		}
	}
	return nil
}

func (m multiLedger) SaveSnapshot(s engine.Snapshot) error {
	for _, l := range m {
		if err := l.SaveSnapshot(s); err != nil {
			return err
		}
	}
	return nil
}

var _ engine.Ledger = multiLedger(nil)
