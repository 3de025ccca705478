package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/salvacell/offsync/internal/models"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the pending operation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	cmd.AddCommand(newQueueResetCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.QueueStatus(status) {
			case "", models.QueueStatusPending, models.QueueStatusError, models.QueueStatusSynced:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", status))
			}

			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				items, err := app.Queue.List(cmd.Context())
				if err != nil {
					return commandError("list queue", err)
				}
				filtered := make([]*models.PendingOperation, 0, len(items))
				for _, it := range items {
					if status == "" || string(it.Status) == status {
						filtered = append(filtered, it)
					}
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(filtered)
				}
				rows := make([][]string, 0, len(filtered))
				for _, it := range filtered {
					rows = append(rows, []string{
						strconv.FormatInt(it.ID, 10),
						string(it.Action),
						it.Entity,
						it.EntityID,
						string(it.Status),
						fmt.Sprintf("%d/%d", it.RetryCount, app.Queue.MaxRetries()),
						humanTime(&it.Timestamp),
						it.Error,
					})
				}
				return p.table([]string{"ID", "ACTION", "ENTITY", "ENTITY ID", "STATUS", "RETRIES", "QUEUED", "ERROR"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show items with this status (pending|error|synced)")
	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Make failed operations eligible again",
		Long: `Move failed operations still under the retry cap back to pending.
With --all, exhausted operations are reset to zero retries as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				var (
					n   int64
					err error
				)
				if all {
					var reset int
					reset, err = app.Queue.ResetAllRetries(ctx)
					n = int64(reset)
				} else {
					n, err = app.Queue.RequeueFailed(ctx)
				}
				if err != nil {
					return commandError("retry queue", err)
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"requeued": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d operation(s) requeued\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "also reset operations that exhausted their retries")
	return cmd
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete synced operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				n, err := app.Engine.CleanSynced(cmd.Context())
				if err != nil {
					return commandError("purge queue", err)
				}
				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"purged": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d synced operation(s) purged\n", n)
				return nil
			})
		},
	}
}

func newQueueResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Reset one operation to pending with zero retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid queue id %q", args[0]))
			}
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				if err := app.Queue.ResetRetries(cmd.Context(), id); err != nil {
					return commandError("reset queue item", err)
				}
				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"reset": id})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "operation %d reset\n", id)
				return nil
			})
		},
	}
}
