package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default modhost.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := opts.configDir
			if dir == "" {
				var err error
				if dir, err = config.Dir(); err != nil {
					return err
				}
			}
			path := opts.configPath
			if path == "" {
				path = filepath.Join(dir, config.FileName)
			}

			if err := config.WriteDefault(path, dir, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			format := opts.output
			if format == "text" {
				format = "yaml"
			}
			return render(cmd.OutOrStdout(), format, cfg, nil)
		},
	}

	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}
