// Package cmd provides the treeline command-line interface.
//
// Configuration is read from, highest priority first:
//
//  1. Command-line flags (--port, --debug, ...)
//  2. TREELINE_<SECTION>_<OPTION> environment variables
//  3. The file named by --config or TREELINE_CONFIG_FILE
//  4. .treeline.yml in the current directory
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/treeline/internal/bundle"
	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/module"
	"github.com/conneroisu/treeline/internal/router"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "treeline",
	Short: "Serve a directory tree of modules as a web site",
	Long: `Treeline discovers a directory tree of modules (HCL scripts, templates,
stylesheets), resolves their references lazily and serves every module under
public/ as a page rendered through its controller chain.

Quick Start:
  treeline serve --debug          Start a development server with live reload
  treeline routes                 List every routable URL
  treeline check                  Validate references and dependency cycles
  treeline bundles                Show the asset bundles each page loads`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .treeline.yml, can also use TREELINE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("root", "", "module root directory (default is the current directory)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("modules.root", rootCmd.PersistentFlags().Lookup("root"))
}

// initConfig selects the config file and enables environment overrides.
// A missing config file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(config.FileName)
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the logging section. When
// logging.file is set records go to stderr and, as JSON, to that file; the
// returned function closes it.
func newLogger(cfg *config.Config) (logging.Logger, func(), error) {
	logCfg := &logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}
	stderr := logging.NewLogger(logCfg)
	if cfg.Logging.File == "" {
		return stderr, func() {}, nil
	}

	file, err := logging.NewFileLogger(logCfg, cfg.Logging.File)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewMultiLogger(stderr, file), func() { _ = file.Close() }, nil
}

// site is a statically loaded module tree, used by the report commands.
type site struct {
	registry *module.Registry
	router   *router.Router
	plan     *bundle.Plan
}

func loadSite(ctx context.Context, cfg *config.Config, logger logging.Logger) (*site, error) {
	eval, err := evaluator.New(evaluator.Options{CacheSize: cfg.Modules.CacheSize, Logger: logger})
	if err != nil {
		return nil, err
	}
	reg, err := module.Build(ctx, cfg.Modules.Root, module.Options{
		Evaluator: eval,
		Logger:    logger,
		Skip:      cfg.Modules.Skip,
	})
	if err != nil {
		return nil, err
	}
	rt, err := router.New(reg, cfg.Routing.Public, cfg.Routing.URLArguments)
	if err != nil {
		return nil, err
	}
	plan, err := bundle.Build(ctx, reg, cfg.Bundles, cfg.Render.AssetPrefix)
	if err != nil {
		return nil, err
	}
	return &site{registry: reg, router: rt, plan: plan}, nil
}
