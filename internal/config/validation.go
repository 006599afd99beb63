package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/conneroisu/treeline/internal/bundle"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string      `yaml:"field" json:"field"`
	Value       interface{} `yaml:"value" json:"value"`
	Message     string      `yaml:"message" json:"message"`
	Suggestions []string    `yaml:"suggestions,omitempty" json:"suggestions,omitempty"`
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool              `yaml:"valid" json:"valid"`
	Errors   []ValidationError `yaml:"errors" json:"errors"`
	Warnings []ValidationError `yaml:"warnings" json:"warnings"`
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation Errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation Warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", warning.Field, warning.Message))
			for _, suggestion := range warning.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	return builder.String()
}

// ValidateConfigWithDetails checks a loaded configuration against the file
// system and reports problems with suggestions.
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateServerConfigDetails(config, result)
	validateModulesConfigDetails(config, result)
	validateRoutingConfigDetails(&config.Routing, result)
	validateDevelopmentConfigDetails(config, result)
	validateProxiesDetails(config, result)
	validateBundlesDetails(config.Bundles, result)

	result.Valid = !result.HasErrors()

	return result
}

func validateServerConfigDetails(config *Config, result *ValidationResult) {
	server := &config.Server
	if server.Port < 0 || server.Port > 65535 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.port",
			Value:   server.Port,
			Message: fmt.Sprintf("port %d is not in valid range 0-65535", server.Port),
			Suggestions: []string{
				"Use a port between 1024-65535 for non-privileged access",
				"Port 0 allows system to assign an available port",
			},
		})
	} else if server.Port > 0 && server.Port < 1024 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.port",
			Value:   server.Port,
			Message: "port below 1024 requires elevated privileges",
			Suggestions: []string{
				"Consider using a port above 1024 for development",
			},
		})
	}

	if server.Host != "" {
		if err := validateHostname(server.Host); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.host",
				Value:   server.Host,
				Message: err.Error(),
				Suggestions: []string{
					"Use 'localhost' for local development",
					"Use '0.0.0.0' to bind to all interfaces",
				},
			})
		}
	}

	if config.IsProduction() && server.CSRFSecret == "" && len(config.Proxies) > 0 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.csrf_secret",
			Message: "proxy CSRF tokens are signed with a random secret and expire on restart",
			Suggestions: []string{
				"Set TREELINE_SERVER_CSRF_SECRET in production",
			},
		})
	}
}

func validateModulesConfigDetails(config *Config, result *ValidationResult) {
	modules := &config.Modules
	info, err := os.Stat(modules.Root)
	switch {
	case err != nil:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "modules.root",
			Value:   modules.Root,
			Message: "root directory does not exist",
			Suggestions: []string{
				"Run treeline from the site directory or pass --root",
			},
		})
		return
	case !info.IsDir():
		result.Errors = append(result.Errors, ValidationError{
			Field:   "modules.root",
			Value:   modules.Root,
			Message: "root is not a directory",
		})
		return
	}

	public := filepath.Join(modules.Root, config.Routing.Public)
	if !pathExists(public) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "routing.public",
			Value:   config.Routing.Public,
			Message: fmt.Sprintf("public directory %s does not exist", public),
			Suggestions: []string{
				"Create the directory and add a page module such as public/Home.hcl",
			},
		})
	}

	for i, pattern := range modules.Skip {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   fmt.Sprintf("modules.skip[%d]", i),
				Value:   pattern,
				Message: err.Error(),
			})
		}
	}

	if modules.PoolSize > 1 && config.Development.Debug {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "modules.pool_size",
			Value:   modules.PoolSize,
			Message: "the registry pool is unused in debug mode, which rebuilds per request",
		})
	}
}

func validateRoutingConfigDetails(config *RoutingConfig, result *ValidationResult) {
	for name, pattern := range config.URLArguments {
		if _, err := regexp.Compile(pattern); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "routing.url_arguments." + name,
				Value:   pattern,
				Message: err.Error(),
				Suggestions: []string{
					"Patterns are Go regular expressions, anchored to the whole segment",
				},
			})
		}
	}
}

func validateDevelopmentConfigDetails(config *Config, result *ValidationResult) {
	dev := &config.Development
	if dev.Debug && config.IsProduction() {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "development.debug",
			Value:   true,
			Message: "debug mode in production exposes error details and rebuilds every request",
		})
	}
	if dev.LiveReload && !dev.Debug {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "development.live_reload",
			Value:   true,
			Message: "live reload only takes effect in debug mode",
		})
	}
}

func validateProxiesDetails(config *Config, result *ValidationResult) {
	for _, def := range config.ProxyDefinitions() {
		field := "proxies." + def.Name
		u, err := url.Parse(def.Target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			result.Errors = append(result.Errors, ValidationError{
				Field:   field + ".target",
				Value:   def.Target,
				Message: "target must be an absolute http(s) URL",
			})
			continue
		}
		if u.Scheme == "http" && config.IsProduction() {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   field + ".target",
				Value:   def.Target,
				Message: "secret headers are sent over plain http",
			})
		}
		for header, value := range def.Headers {
			if strings.Contains(value, "$") && strings.TrimSpace(os.ExpandEnv(value)) == "" {
				result.Warnings = append(result.Warnings, ValidationError{
					Field:   field + ".headers." + header,
					Message: "header expands to an empty value; is the environment variable set?",
				})
			}
		}
	}
}

func validateBundlesDetails(bundles []bundle.Definition, result *ValidationResult) {
	for _, b := range bundles {
		for i, pattern := range b.Include {
			if _, err := glob.Compile(pattern, '.'); err != nil {
				result.Errors = append(result.Errors, ValidationError{
					Field:   fmt.Sprintf("bundles.%s.include[%d]", b.Name, i),
					Value:   pattern,
					Message: err.Error(),
				})
			}
		}
		if len(b.Include) == 0 {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   "bundles." + b.Name,
				Message: "bundle includes nothing",
			})
		}
	}
}

func validateHostname(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil || host == "localhost" {
		return nil
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid hostname format")
		}
	}

	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
