package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/talgya/tavern/internal/customers"
	"github.com/talgya/tavern/internal/service"
)

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect customer catalogs",
	}
	cmd.AddCommand(newCatalogValidateCommand(rootOpts))
	cmd.AddCommand(newCatalogListCommand(rootOpts))
	return cmd
}

func newCatalogValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Check a catalog's customers, dialogue and menu",
		Long: `Load a catalog the way the tavern does and report problems.

Errors (duplicate ids, unknown moods, too many dialogue lines, bad prices)
fail the command. Warnings cover gaps that only make the tavern dull:
customers with no dialogue and moods no drink improves. --strict turns
warnings into failures.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogValidate(cmd.OutOrStdout(), args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	return cmd
}

func newCatalogListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <catalog.yaml>",
		Short:         "Print the customers in a catalog",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := customers.LoadCatalog(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load catalog", err)
			}
			return printCatalog(cmd.OutOrStdout(), cat)
		},
	}
}

func runCatalogValidate(w io.Writer, path string, strict bool) error {
	errorColor := color.New(color.FgRed)
	warnColor := color.New(color.FgYellow)
	successColor := color.New(color.FgGreen)

	cat, err := customers.LoadCatalog(path)
	if err != nil {
		errorColor.Fprintf(w, "✗ %v\n", err)
		return WrapExitError(ExitFailure, "catalog invalid", err)
	}
	menu, err := service.LoadMenu(path)
	if err != nil {
		errorColor.Fprintf(w, "✗ %v\n", err)
		return WrapExitError(ExitFailure, "menu invalid", err)
	}

	warnings := catalogWarnings(cat, menu)
	for _, warning := range warnings {
		warnColor.Fprintf(w, "! %s\n", warning)
	}
	if strict && len(warnings) > 0 {
		return WrapExitError(ExitFailure, "catalog has warnings", fmt.Errorf("%d warning(s)", len(warnings)))
	}

	successColor.Fprintf(w, "✓ %d customers, %d dialogue buckets, %d drinks\n",
		cat.Len(), cat.Buckets(), len(menu.Items()))
	return nil
}

// catalogWarnings lists gaps that load fine but degrade service.
func catalogWarnings(cat *customers.Catalog, menu *service.Menu) []string {
	var warnings []string

	regular := 0
	for _, c := range cat.All() {
		if !c.Guaranteed {
			regular++
		}
		if cat.Lines(c.Bucket()) == (customers.Lines{}) {
			warnings = append(warnings, fmt.Sprintf("customer %s has no dialogue for %s", c.ID, c.Bucket()))
		}
		if c.VisitWeight == 0 {
			warnings = append(warnings, fmt.Sprintf("customer %s has zero visit weight", c.ID))
		}
	}
	if regular == 0 {
		warnings = append(warnings, "every customer is guaranteed, the regular rotation is empty")
	}

	if len(menu.Items()) == 0 {
		warnings = append(warnings, "menu is empty")
		return warnings
	}
	for m := customers.MoodState(0); m < customers.NumMoods; m++ {
		best, _ := menu.Best(m)
		if effect, _ := best.Effects.For(m); effect <= 0 {
			warnings = append(warnings, fmt.Sprintf("no drink improves a %s customer", m))
		}
	}
	return warnings
}

func printCatalog(w io.Writer, cat *customers.Catalog) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"ID", "Name", "Category", "Mood", "Gender", "Weight", "Payout", "Guaranteed"}),
	)
	for _, c := range cat.All() {
		guaranteed := ""
		if c.Guaranteed {
			guaranteed = "yes"
		}
		_ = table.Append([]string{
			string(c.ID),
			c.Name,
			c.Category,
			c.Mood.String(),
			c.Gender.String(),
			strconv.FormatFloat(c.VisitWeight, 'f', -1, 64),
			strconv.FormatFloat(c.PayoutMultiplier, 'f', 2, 64),
			guaranteed,
		})
	}
	if err := table.Render(); err != nil {
		return WrapExitError(ExitFailure, "failed to render catalog", err)
	}
	return nil
}
