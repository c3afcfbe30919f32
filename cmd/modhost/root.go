package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
	"github.com/dshills/modhost/internal/config"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	configDir  string
	logLevel   string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "modhost",
		Short: "Host and manage versioned extension modules",
		Long: `modhost discovers extension packages, checks their dependencies and
permissions, drives their lifecycle from a fixed-rate main loop and installs
updates from package indexes.

Examples:
  modhost run                 Run the host loop
  modhost list                List installed modules
  modhost enable foo.bar      Enable a module
  modhost updates             Show available updates
  modhost config init         Write a default modhost.toml`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is <config dir>/modhost.toml)")
	flags.StringVar(&opts.configDir, "dir", "", "configuration directory")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text, json or yaml")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newEnableCmd(opts),
		newDisableCmd(opts),
		newDepsCmd(opts),
		newPermissionsCmd(opts),
		newUninstallCmd(opts),
		newUpdatesCmd(opts),
		newInstallCmd(opts),
		newAckCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// loadConfig reads configuration honoring the persistent flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, _, err := config.Load(config.LoadOptions{Path: o.configPath, Dir: o.configDir})
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp loads configuration and builds an initialized application.
// Callers must Close it.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.Application, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(app.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(); err != nil {
		return nil, err
	}
	return a, nil
}
