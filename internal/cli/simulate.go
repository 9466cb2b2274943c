package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/talgya/tavern/internal/engine"
	"github.com/talgya/tavern/internal/persistence"
	"github.com/talgya/tavern/internal/service"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Phases   int
	Seed     int64
	Database string
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run whole phases headless and print a report",
		Long: `Run the tavern without a clock or presenter. Frames are stepped as fast
as possible with the autopilot standing in for animations and the bar.

Example:
  tavern simulate --phases 5 --seed 42
  tavern simulate --phases 2 --db /tmp/sim.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Phases, "phases", "n", 3, "number of phases to run")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "day seed (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "optional SQLite database to record into")

	return cmd
}

// phaseCollector keeps phase reports in memory.
type phaseCollector struct {
	reports []engine.PhaseReport
}

func (c *phaseCollector) RecordSettlement(int, service.SettlementResult) error { return nil }
func (c *phaseCollector) SaveSnapshot(engine.Snapshot) error                   { return nil }

func (c *phaseCollector) SavePhase(r engine.PhaseReport) error {
	c.reports = append(c.reports, r)
	return nil
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	if opts.Phases < 1 {
		return WrapExitError(ExitCommandError, "invalid flag", fmt.Errorf("--phases must be >= 1"))
	}

	cfg, err := loadConfig(opts.RootOptions, os.Stderr)
	if err != nil {
		return err
	}
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	if cfg.Engine.Speed <= 0 {
		cfg.Engine.Speed = 1
	}

	pilot := cfg.AutopilotConfig()
	if pilot == nil {
		cfg.Engine.Autopilot = true
		pilot = cfg.AutopilotConfig()
	}
	if !pilot.Bartender {
		slog.Warn("bartender disabled, nobody will be served")
	}

	// Live weather would make runs unrepeatable.
	tav, seed, err := buildTavern(cfg, pilot, nil)
	if err != nil {
		return err
	}

	collector := &phaseCollector{}
	ledger := multiLedger{collector}
	if opts.Database != "" {
		db, err := persistence.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer db.Close()
		ledger = append(ledger, db)
	}
	tav.Ledger = ledger

	tav.Engine.OnFrame = tav.Step
	frame := cfg.Engine.FrameInterval
	for len(collector.reports) < opts.Phases {
		tav.Engine.Step(frame)
	}
	slog.Debug("simulation finished", "frames", tav.Engine.Frame())

	if err := tav.CheckInvariant(); err != nil {
		return WrapExitError(ExitFailure, "pool invariant broken", err)
	}

	return printReport(cmd.OutOrStdout(), seed, collector.reports)
}

func printReport(w io.Writer, seed int64, reports []engine.PhaseReport) error {
	titleColor := color.New(color.FgCyan, color.Bold)
	successColor := color.New(color.FgGreen, color.Bold)
	infoColor := color.New(color.FgYellow)

	titleColor.Fprintf(w, "\nTavern simulation (seed %d)\n\n", seed)

	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Phase", "Spawns", "Served", "Aborted", "Rejected", "Evicted", "First", "Income", "Tips", "Rep"}),
	)

	var total engine.PhaseStats
	for _, r := range reports {
		row := []string{
			strconv.Itoa(r.Phase),
			strconv.Itoa(r.Spawns),
			strconv.Itoa(r.Served),
			strconv.Itoa(r.Aborted),
			strconv.Itoa(r.Rejected),
			strconv.Itoa(r.Evicted),
			strconv.Itoa(r.FirstVisits),
			humanize.Comma(int64(r.Income)),
			humanize.Comma(int64(r.Tips)),
			strconv.Itoa(r.Reputation),
		}
		_ = table.Append(row)

		total.Spawns += r.Spawns
		total.Served += r.Served
		total.Aborted += r.Aborted
		total.Income += r.Income
		total.Tips += r.Tips
		total.Reputation += r.Reputation
	}
	if err := table.Render(); err != nil {
		return WrapExitError(ExitFailure, "failed to render report", err)
	}

	fmt.Fprintln(w)
	successColor.Fprintf(w, "%s served across %d phases, %s crowns earned (%s in tips)\n",
		humanize.Comma(int64(total.Served)), len(reports),
		humanize.Comma(int64(total.Income)), humanize.Comma(int64(total.Tips)))
	if total.Spawns > 0 {
		infoColor.Fprintf(w, "%.0f%% of arrivals served, %d walked out, reputation +%d\n",
			100*float64(total.Served)/float64(total.Spawns), total.Aborted, total.Reputation)
	}
	return nil
}
