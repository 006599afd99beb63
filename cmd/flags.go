package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Output formats shared by the report commands.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var reportFormats = []string{formatTable, formatJSON, formatYAML}

// addFormatFlag adds a validated --format/-f flag.
func addFormatFlag(cmd *cobra.Command, target *string, def string, allowed []string) {
	cmd.Flags().StringVarP(target, "format", "f", def, "Output format ("+strings.Join(allowed, "|")+")")
	AddFlagValidation(cmd, "format", func(format string) error {
		return validateFormat(format, allowed)
	})
}

func validateFormat(format string, allowed []string) error {
	for _, f := range allowed {
		if strings.EqualFold(format, f) {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q (supported: %s)", format, strings.Join(allowed, ", "))
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}

	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// ValidatePort checks a --port value.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	return nil
}

// writeStructured encodes v as json or yaml.
func writeStructured(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
