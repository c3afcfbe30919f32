package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
	"github.com/dshills/modhost/internal/plugin"
	"github.com/dshills/modhost/internal/plugin/security"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the host loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(app.Options{Config: cfg, LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			mods := a.System().Modules()
			return render(cmd.OutOrStdout(), opts.output, mods, func(w io.Writer) error {
				if len(mods) == 0 {
					_, err := fmt.Fprintln(w, "no modules installed")
					return err
				}
				fmt.Fprintln(w, "NAMESPACE\tVERSION\tENABLED\tSTATE\tNOTES")
				for _, m := range mods {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", m.Namespace, m.Version, m.Enabled, m.State, notes(m))
				}
				return nil
			})
		},
	}
}

func notes(m plugin.ModuleInfo) string {
	var out []string
	if m.AssemblyDirty {
		out = append(out, "restart required")
	}
	if len(m.Unmet) > 0 {
		out = append(out, "unmet: "+strings.Join(m.Unmet, "; "))
	}
	if m.Error != "" {
		out = append(out, m.Error)
	}
	return strings.Join(out, ", ")
}

func newEnableCmd(opts *rootOptions) *cobra.Command {
	var (
		grants     []string
		grantAll   bool
		ignoreDeps bool
	)

	cmd := &cobra.Command{
		Use:   "enable <namespace>",
		Short: "Enable a module",
		Long: `Enable a module after checking its dependencies and permissions.

Required permissions must be granted, with --grant or --grant-all, before
the module can load. Grants and --ignore-deps are persisted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, ok := a.System().Registry().Lookup(args[0])
			if !ok {
				return fmt.Errorf("%s: %w", args[0], plugin.ErrModuleNotFound)
			}

			requests := rec.Manifest().Permissions()
			if grantAll || len(grants) > 0 {
				approved := rec.State().ApprovedPermissions.Clone()
				if grantAll {
					for c := range requests {
						approved.Add(c)
					}
				}
				for _, g := range grants {
					c := security.ParseCapability(g)
					if _, requested := requests[c]; !requested && !security.IsKnownCapability(c) {
						return fmt.Errorf("unknown capability %q", g)
					}
					approved.Add(c)
				}
				if err := rec.SetApprovedPermissions(approved); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("ignore-deps") {
				if err := rec.SetIgnoreDependencies(ignoreDeps); err != nil {
					return err
				}
			}

			if err := rec.Enable(); err != nil {
				var perr *plugin.PermissionError
				if errors.As(err, &perr) {
					writeConsent(cmd.ErrOrStderr(), rec.Namespace(), requests, perr.Missing)
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "enabled %s %s\n", rec.Namespace(), rec.Manifest().Version())
			return err
		},
	}

	cmd.Flags().StringSliceVar(&grants, "grant", nil, "grant a permission (repeatable)")
	cmd.Flags().BoolVar(&grantAll, "grant-all", false, "grant every requested permission")
	cmd.Flags().BoolVar(&ignoreDeps, "ignore-deps", false, "enable despite unmet module dependencies")
	return cmd
}

// writeConsent explains the required permissions a module is missing.
func writeConsent(w io.Writer, namespace string, requests map[security.Capability]security.Request, missing []security.Capability) {
	want := security.NewSet(missing...)
	fmt.Fprintf(w, "%s requires permissions that have not been granted:\n", namespace)
	for _, p := range security.Describe(requests, nil) {
		if !want.Has(p.Capability) {
			continue
		}
		fmt.Fprintf(w, "  %s (%s, %s risk)", p.Capability, p.DisplayName, p.Risk)
		if p.Details != "" {
			fmt.Fprintf(w, ": %s", p.Details)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "grant them with --grant <capability> or --grant-all")
}

func newPermissionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "permissions <namespace>",
		Aliases: []string{"perms"},
		Short:   "Show the permissions a module requests",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, ok := a.System().Registry().Lookup(args[0])
			if !ok {
				return fmt.Errorf("%s: %w", args[0], plugin.ErrModuleNotFound)
			}
			rows := security.Describe(rec.Manifest().Permissions(), rec.State().ApprovedPermissions)

			return render(cmd.OutOrStdout(), opts.output, rows, func(w io.Writer) error {
				if len(rows) == 0 {
					_, err := fmt.Fprintln(w, "no permissions requested")
					return err
				}
				fmt.Fprintln(w, "CAPABILITY\tNAME\tRISK\tREQUIRED\tAPPROVED\tDETAILS")
				for _, p := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", p.Capability, p.DisplayName, p.Risk, !p.Optional, p.Approved, p.Details)
				}
				return nil
			})
		},
	}
}

func newDisableCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <namespace>",
		Short: "Disable a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.System().Disable(args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return err
		},
	}
}

// dependencyRow is the serialized form of a dependency check.
type dependencyRow struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Range     string `json:"range" yaml:"range"`
	Status    string `json:"status" yaml:"status"`
	Found     string `json:"found,omitempty" yaml:"found,omitempty"`
	Host      bool   `json:"host,omitempty" yaml:"host,omitempty"`
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <namespace>",
		Short: "Check a module's dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.System().Dependencies(args[0])
			if err != nil {
				return err
			}

			rows := make([]dependencyRow, 0, len(results))
			for _, r := range results {
				row := dependencyRow{
					Namespace: r.Dependency.Namespace,
					Range:     r.Dependency.Range.String(),
					Status:    r.Status.String(),
					Host:      r.Host,
				}
				if r.Found != nil {
					row.Found = r.Found.String()
				}
				rows = append(rows, row)
			}

			return render(cmd.OutOrStdout(), opts.output, rows, func(w io.Writer) error {
				if len(rows) == 0 {
					_, err := fmt.Fprintln(w, "no dependencies")
					return err
				}
				fmt.Fprintln(w, "NAMESPACE\tRANGE\tSTATUS\tFOUND")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Namespace, r.Range, r.Status, r.Found)
				}
				return nil
			})
		},
	}
}

func newUninstallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <namespace>",
		Short: "Disable a module and delete its package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Settle(cmd.Context()); err != nil {
				return err
			}
			if err := a.System().Uninstall(args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			return err
		},
	}
}
