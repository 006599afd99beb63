package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/conneroisu/treeline/internal/config"
)

var bundlesFormat string

var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "Show the asset bundles each page loads",
	Long: `Print the bundle plan: every bundle with its assets, and for each
routable page the bundles it loads in order.

Examples:
  treeline bundles
  treeline bundles -f json`,
	RunE: runBundles,
}

func init() {
	rootCmd.AddCommand(bundlesCmd)
	addFormatFlag(bundlesCmd, &bundlesFormat, formatTable, reportFormats)
}

type bundleReport struct {
	Name   string   `json:"name" yaml:"name"`
	Styles []string `json:"styles,omitempty" yaml:"styles,omitempty"`
	Script []string `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

type pageReport struct {
	Pattern string   `json:"pattern" yaml:"pattern"`
	Module  string   `json:"module" yaml:"module"`
	Bundles []string `json:"bundles" yaml:"bundles"`
}

type planReport struct {
	Bundles []bundleReport `json:"bundles" yaml:"bundles"`
	Pages   []pageReport   `json:"pages" yaml:"pages"`
}

func runBundles(cmd *cobra.Command, _ []string) error {
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

	report := planReport{Bundles: []bundleReport{}, Pages: []pageReport{}}
	for _, b := range s.plan.Bundles() {
		report.Bundles = append(report.Bundles, bundleReport{Name: b.Name(), Styles: b.AllStyles(), Script: b.AllScripts()})
	}
	for _, route := range s.router.Routes() {
		m, ok := s.registry.Module(route.Module)
		if !ok {
			continue
		}
		page := pageReport{Pattern: route.Pattern, Module: route.Module, Bundles: []string{}}
		for _, b := range s.plan.RequiredFor(m) {
			page.Bundles = append(page.Bundles, b.Name())
		}
		report.Pages = append(report.Pages, page)
	}

	if !strings.EqualFold(bundlesFormat, formatTable) {
		return writeStructured(cmd.OutOrStdout(), bundlesFormat, report)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tASSET")
	for _, b := range report.Bundles {
		for _, a := range append(append([]string(nil), b.Styles...), b.Script...) {
			fmt.Fprintf(w, "%s\t%s\n", b.Name, a)
		}
	}
	fmt.Fprintln(w, "\nPATTERN\tBUNDLES")
	for _, p := range report.Pages {
		fmt.Fprintf(w, "%s\t%s\n", p.Pattern, strings.Join(p.Bundles, ", "))
	}
	return w.Flush()
}
