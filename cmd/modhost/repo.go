package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/plugin/repository"
)

// entryRow is the serialized form of an index entry.
type entryRow struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Version   string `json:"version" yaml:"version"`
	Installed string `json:"installed,omitempty" yaml:"installed,omitempty"`
	URL       string `json:"download_url" yaml:"download_url"`
}

func newUpdatesCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Poll package indexes and list pending updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Poll(cmd.Context()); err != nil {
				return err
			}

			entries := a.Repository().Pending()
			if all {
				entries = a.Repository().Available()
			}

			registry := a.System().Registry()
			rows := make([]entryRow, 0, len(entries))
			for _, e := range entries {
				row := entryRow{Namespace: e.Namespace(), Version: e.Version().String(), URL: e.DownloadURL}
				if v, _, ok := registry.LookupVersion(e.Namespace()); ok {
					row.Installed = v.String()
				}
				rows = append(rows, row)
			}

			return render(cmd.OutOrStdout(), opts.output, rows, func(w io.Writer) error {
				if len(rows) == 0 {
					_, err := fmt.Fprintln(w, "no updates")
					return err
				}
				fmt.Fprintln(w, "NAMESPACE\tINSTALLED\tAVAILABLE")
				for _, r := range rows {
					installed := r.Installed
					if installed == "" {
						installed = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.Namespace, installed, r.Version)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list the newest version of every indexed package")
	return cmd
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <namespace>",
		Short: "Install or upgrade a package from the indexes",
		Long: `Install the newest indexed version of a package, replacing any installed
version. An enabled module stays enabled after the upgrade.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Poll(cmd.Context()); err != nil {
				return err
			}

			entry, ok := a.Repository().Latest(args[0])
			if !ok {
				return fmt.Errorf("%s: not found in any index", args[0])
			}
			// A restored module must finish loading before it can be replaced.
			if err := a.Settle(cmd.Context()); err != nil {
				return err
			}

			rec, err := a.Repository().Install(cmd.Context(), entry)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s\n", rec.Namespace(), rec.Manifest().Version())
			return err
		},
	}
}

func newAckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <namespace> <version>",
		Short: "Dismiss an update so it is not offered again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Repository().Acknowledge(args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s@%s\n", args[0], args[1])
			return err
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage the repository bearer token",
	}

	token.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store the repository token in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Repository.KeyringService == "" {
				return fmt.Errorf("repository.keyring_service is not set")
			}
			if err := repository.StoreToken(cfg.Repository.KeyringService, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "token stored")
			return err
		},
	})
	return token
}
