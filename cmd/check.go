package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/errors"
)

var checkFormat string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, references and dependency cycles",
	Long: `Build the module tree, statically analyze every module and report
configuration problems, references that do not resolve, dependency cycles
and URL arguments that can never match. Exits non-zero when any error is found.

Examples:
  treeline check
  treeline check -f json`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	addFormatFlag(checkCmd, &checkFormat, formatTable, reportFormats)
}

// checkReport is the structured output of check.
type checkReport struct {
	Config   *config.ValidationResult `json:"config" yaml:"config"`
	Problems []errors.Problem         `json:"problems" yaml:"problems"`
	Modules  int                      `json:"modules" yaml:"modules"`
}

func (r *checkReport) failed() bool {
	if r.Config.HasErrors() {
		return true
	}
	for _, p := range r.Problems {
		if p.Severity == errors.ErrorSeverityError {
			return true
		}
	}
	return false
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	report := &checkReport{Config: config.ValidateConfigWithDetails(cfg), Problems: []errors.Problem{}}
	if !report.Config.HasErrors() {
		logger, closeLog, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		s, err := loadSite(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		report.Modules = len(s.registry.Modules())
		report.Problems = append(report.Problems, s.registry.Validate(cmd.Context())...)
		report.Problems = append(report.Problems, s.router.Conflicts()...)
	}

	out := cmd.OutOrStdout()
	if strings.EqualFold(checkFormat, formatTable) {
		if report.Config.HasErrors() || report.Config.HasWarnings() {
			fmt.Fprint(out, report.Config.String())
		}
		for i := range report.Problems {
			fmt.Fprintln(out, report.Problems[i].Error())
		}
		if !report.failed() {
			fmt.Fprintf(out, "%d modules OK\n", report.Modules)
		}
	} else if err := writeStructured(out, checkFormat, report); err != nil {
		return err
	}

	if report.failed() {
		return fmt.Errorf("check failed")
	}
	return nil
}
