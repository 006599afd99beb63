// Package config loads Treeline configuration using Viper from .treeline.yml,
// TREELINE_ environment variables and command-line flags.
//
// The configuration covers the HTTP server, module discovery, routing, the
// render pipeline, development reload, logging, API proxies and asset
// bundles. Load applies defaults and validates every section.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/treeline/internal/bundle"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/proxy"
)

// FileName is the default configuration file, without extension.
const FileName = ".treeline"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TREELINE"

type Config struct {
	Server      ServerConfig                `mapstructure:"server" yaml:"server"`
	Modules     ModulesConfig               `mapstructure:"modules" yaml:"modules"`
	Routing     RoutingConfig               `mapstructure:"routing" yaml:"routing"`
	Render      RenderConfig                `mapstructure:"render" yaml:"render"`
	Development DevelopmentConfig           `mapstructure:"development" yaml:"development"`
	Logging     LoggingConfig               `mapstructure:"logging" yaml:"logging"`
	Proxies     map[string]proxy.Definition `mapstructure:"proxies" yaml:"proxies"`
	Bundles     []bundle.Definition         `mapstructure:"bundles" yaml:"bundles"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Environment     string        `mapstructure:"environment" yaml:"environment"`
	Compress        bool          `mapstructure:"compress" yaml:"compress"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// CSRFSecret signs proxy CSRF tokens; a random secret is used when empty.
	CSRFSecret string `mapstructure:"csrf_secret" yaml:"csrf_secret"`
}

type ModulesConfig struct {
	Root string   `mapstructure:"root" yaml:"root"`
	Skip []string `mapstructure:"skip" yaml:"skip"`
	// PoolSize is the number of independent registries in production.
	PoolSize  int `mapstructure:"pool_size" yaml:"pool_size"`
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

type RoutingConfig struct {
	Public       string            `mapstructure:"public" yaml:"public"`
	URLArguments map[string]string `mapstructure:"url_arguments" yaml:"url_arguments"`
}

type RenderConfig struct {
	PreloadTimeout time.Duration `mapstructure:"preload_timeout" yaml:"preload_timeout"`
	Lang           string        `mapstructure:"lang" yaml:"lang"`
	AssetPrefix    string        `mapstructure:"asset_prefix" yaml:"asset_prefix"`
}

type DevelopmentConfig struct {
	// Debug renders error details and rebuilds the module tree per request.
	Debug      bool          `mapstructure:"debug" yaml:"debug"`
	LiveReload bool          `mapstructure:"live_reload" yaml:"live_reload"`
	Debounce   time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	// File, when set, receives a JSON copy of every record.
	File string `mapstructure:"file" yaml:"file"`
}

// envKeys are the scalar keys overridable from the environment, for example
// TREELINE_SERVER_PORT or TREELINE_DEVELOPMENT_DEBUG.
var envKeys = []string{
	"server.port",
	"server.host",
	"server.environment",
	"server.compress",
	"server.shutdown_timeout",
	"server.csrf_secret",
	"modules.root",
	"modules.skip",
	"modules.pool_size",
	"modules.cache_size",
	"routing.public",
	"render.preload_timeout",
	"render.lang",
	"render.asset_prefix",
	"development.debug",
	"development.live_reload",
	"development.debounce",
	"logging.level",
	"logging.format",
	"logging.file",
}

// BindEnv enables TREELINE_ environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// Load reads the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads v, applies defaults and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "decoding configuration")
	}

	applyDefaults(&config, v)

	if err := validateConfig(&config); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid configuration")
	}

	return &config, nil
}

func applyDefaults(config *Config, v *viper.Viper) {
	if config.Server.Port == 0 && !v.IsSet("server.port") {
		config.Server.Port = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Environment == "" {
		config.Server.Environment = "development"
	}
	if !v.IsSet("server.compress") {
		config.Server.Compress = true
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 10 * time.Second
	}

	if config.Modules.Root == "" {
		config.Modules.Root = "."
	}
	if !v.IsSet("modules.skip") && len(config.Modules.Skip) == 0 {
		config.Modules.Skip = []string{"node_modules", "**/node_modules", "vendor"}
	}
	if config.Modules.PoolSize == 0 {
		config.Modules.PoolSize = 1
	}
	if config.Modules.CacheSize == 0 {
		config.Modules.CacheSize = 512
	}

	if config.Routing.Public == "" {
		config.Routing.Public = "public"
	}
	if config.Routing.URLArguments == nil {
		config.Routing.URLArguments = map[string]string{}
	}

	if config.Render.PreloadTimeout == 0 {
		config.Render.PreloadTimeout = 10 * time.Second
	}
	if config.Render.Lang == "" {
		config.Render.Lang = "en"
	}
	if config.Render.AssetPrefix == "" {
		config.Render.AssetPrefix = bundle.DefaultPrefix
	}

	if !v.IsSet("development.live_reload") {
		config.Development.LiveReload = config.Development.Debug
	}
	if config.Development.Debounce == 0 {
		config.Development.Debounce = 300 * time.Millisecond
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	if config.Proxies == nil {
		config.Proxies = map[string]proxy.Definition{}
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ProxyDefinitions returns the proxies sorted by name, each carrying its key
// as name.
func (c *Config) ProxyDefinitions() []proxy.Definition {
	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]proxy.Definition, 0, len(names))
	for _, name := range names {
		def := c.Proxies[name]
		def.Name = name
		defs = append(defs, def)
	}
	return defs
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateModulesConfig(&config.Modules); err != nil {
		return fmt.Errorf("modules config: %w", err)
	}
	if err := validateRoutingConfig(&config.Routing); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	if err := validateRenderConfig(&config.Render); err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	if err := validateProxies(config.Proxies); err != nil {
		return fmt.Errorf("proxies config: %w", err)
	}
	if err := validateBundles(config.Bundles); err != nil {
		return fmt.Errorf("bundles config: %w", err)
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Port 0 lets the system pick one, which tests rely on.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	switch strings.ToLower(config.Environment) {
	case "development", "production", "test":
	default:
		return fmt.Errorf("environment %q must be development, production or test", config.Environment)
	}

	return nil
}

func validateModulesConfig(config *ModulesConfig) error {
	if err := validatePath(config.Root); err != nil {
		return fmt.Errorf("invalid root '%s': %w", config.Root, err)
	}
	if config.PoolSize < 1 || config.PoolSize > 64 {
		return fmt.Errorf("pool_size %d is not in valid range 1-64", config.PoolSize)
	}
	if config.CacheSize < 1 {
		return fmt.Errorf("cache_size must be positive")
	}
	return nil
}

func validateRoutingConfig(config *RoutingConfig) error {
	if config.Public == "" || strings.ContainsAny(config.Public, `/\`) {
		return fmt.Errorf("public %q must be a single directory name", config.Public)
	}
	for name := range config.URLArguments {
		if !strings.HasPrefix(name, "__") || !strings.HasSuffix(name, "__") || len(name) <= 4 {
			return fmt.Errorf("url argument %q must look like __name__", name)
		}
	}
	return nil
}

func validateRenderConfig(config *RenderConfig) error {
	if config.PreloadTimeout < 0 {
		return fmt.Errorf("preload_timeout must not be negative")
	}
	if !strings.HasPrefix(config.AssetPrefix, "/") {
		return fmt.Errorf("asset_prefix %q must start with /", config.AssetPrefix)
	}
	return nil
}

func validateProxies(proxies map[string]proxy.Definition) error {
	for name, def := range proxies {
		if def.Target == "" {
			return fmt.Errorf("proxy %q has no target", name)
		}
		if def.Rate < 0 || def.Burst < 0 {
			return fmt.Errorf("proxy %q: rate and burst must not be negative", name)
		}
	}
	return nil
}

func validateBundles(bundles []bundle.Definition) error {
	seen := make(map[string]struct{}, len(bundles))
	for _, b := range bundles {
		if b.Name == "" {
			return fmt.Errorf("bundle without a name")
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("bundle %q defined twice", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
