package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/treeline/internal/version"
)

var (
	versionFormat string
	versionShort  bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the treeline version, commit, build time, Go version and platform.

Examples:
  treeline version              # Detailed text
  treeline version --short      # One line
  treeline version -f json      # JSON`,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	addFormatFlag(versionCmd, &versionFormat, "text", []string{"text", formatJSON, formatYAML})
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := version.Get()
	out := cmd.OutOrStdout()

	switch {
	case versionFormat != "text":
		return writeStructured(out, versionFormat, info)
	case versionShort:
		fmt.Fprintln(out, info.Short())
	default:
		fmt.Fprintln(out, "treeline")
		fmt.Fprintln(out, info.String())
	}
	return nil
}
