package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/router"
)

var routesFormat string

var routesCmd = &cobra.Command{
	Use:     "routes",
	Aliases: []string{"r"},
	Short:   "List every routable URL pattern",
	Long: `List every URL pattern the public tree answers and the module that
renders it. URL-argument directories are shown as {__name__}.

Examples:
  treeline routes               # Table
  treeline routes -f yaml       # YAML`,
	RunE: runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)
	addFormatFlag(routesCmd, &routesFormat, formatTable, reportFormats)
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	s, err := loadSite(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	routes := s.router.Routes()
	if strings.EqualFold(routesFormat, formatTable) {
		return routesTable(cmd, routes)
	}
	return writeStructured(cmd.OutOrStdout(), routesFormat, routes)
}

func routesTable(cmd *cobra.Command, routes []router.Route) error {
	if len(routes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No routes found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATTERN\tMODULE")
	for _, r := range routes {
		fmt.Fprintf(w, "%s\t%s\n", r.Pattern, r.Module)
	}
	return w.Flush()
}
