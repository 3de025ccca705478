package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewBackupCommand creates the backup command. Without a subcommand it
// exports a snapshot.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export a compressed snapshot of the local store",
		Long: `Export every local table to a snappy-compressed JSON snapshot in the
configured backup store (a directory or an S3-compatible bucket).

Example:
  offsync backup
  offsync backup --keep 7
  offsync backup list
  offsync backup restore`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				exp, err := app.Exporter(ctx)
				if err != nil {
					return commandError("open backup store", err)
				}
				m, err := exp.Export(ctx)
				if err != nil {
					return commandError("export snapshot", err)
				}
				pruned := 0
				if keep > 0 {
					if pruned, err = exp.Prune(ctx, keep); err != nil {
						return commandError("prune snapshots", err)
					}
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"manifest": m, "pruned": pruned})
				}
				return p.kv(
					"key", m.Key,
					"size", humanize.Bytes(uint64(m.Bytes)),
					"records", fmt.Sprint(m.Records),
					"queue", fmt.Sprint(m.Queue),
					"checksum", m.Checksum,
					"pruned", fmt.Sprint(pruned),
				)
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "after exporting, keep only the newest N snapshots (0 keeps all)")
	cmd.AddCommand(newBackupListCommand(rootOpts))
	cmd.AddCommand(newBackupRestoreCommand(rootOpts))
	return cmd
}

func newBackupListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				exp, err := app.Exporter(cmd.Context())
				if err != nil {
					return commandError("open backup store", err)
				}
				keys, err := exp.List(cmd.Context())
				if err != nil {
					return commandError("list snapshots", err)
				}
				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(keys)
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}

func newBackupRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [key]",
		Short: "Replace the local store with a snapshot (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				exp, err := app.Exporter(ctx)
				if err != nil {
					return commandError("open backup store", err)
				}
				key := ""
				if len(args) == 1 {
					key = args[0]
				} else if key, err = exp.Latest(ctx); err != nil {
					return commandError("find latest snapshot", err)
				}
				if err := exp.Restore(ctx, key); err != nil {
					return commandError("restore snapshot", err)
				}
				if _, err := app.Engine.RefreshPendingCount(ctx); err != nil {
					return commandError("count pending", err)
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"restored": key, "pendingCount": app.Engine.PendingChanges()})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%d pending)\n", key, app.Engine.PendingChanges())
				return nil
			})
		},
	}
}
