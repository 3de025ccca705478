package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/salvacell/offsync/internal/models"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Probe the server and, when reachable, replay the pending queue once.

Exits 1 when the server is unreachable or any item failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				if !app.Probe(ctx) {
					return NewExitError(ExitFailure, "server unreachable at "+app.Config.APIURL)
				}

				run := app.Engine.SyncNow
				if retry {
					run = app.Engine.RetryFailed
				}
				res, err := run(ctx)
				if err != nil {
					return commandError("sync", err)
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					if err := p.value(map[string]interface{}{"result": res, "state": app.Engine.State()}); err != nil {
						return err
					}
				} else {
					p.kv(
						"processed", strconv.Itoa(res.Processed),
						"synced", strconv.Itoa(res.Synced),
						"failed", strconv.Itoa(res.Failed),
						"skipped", strconv.Itoa(res.Skipped),
						"duration", res.Duration.String(),
						"pending", strconv.Itoa(app.Engine.PendingChanges()),
					)
					for _, e := range app.Engine.State().Errors {
						fmt.Fprintf(cmd.OutOrStdout(), "  #%d %s %s: %s\n", e.ChangeID, e.Action, e.Entity, e.Error)
					}
				}
				if res.Failed > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", res.Failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&retry, "retry", false, "requeue failed operations under the retry cap first")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				online := false
				if probe {
					online = app.Probe(ctx)
				}

				stats, err := app.Queue.Stats(ctx)
				if err != nil {
					return commandError("queue stats", err)
				}
				info, err := app.Repo.StorageInfo(ctx, app.DB.Path())
				if err != nil {
					return commandError("storage info", err)
				}
				last, err := app.Repo.LastQueueTimestamp(ctx)
				if err != nil {
					return commandError("queue timestamp", err)
				}
				state := app.Engine.State()

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{
						"online":       online,
						"apiUrl":       app.Config.APIURL,
						"pendingCount": state.PendingCount,
						"queue":        stats,
						"lastQueued":   last,
						"storage":      info,
					})
				}
				return p.kv(
					"api", app.Config.APIURL,
					"online", strconv.FormatBool(online),
					"pending", strconv.Itoa(state.PendingCount),
					"queue", fmt.Sprintf("%d pending, %d error (%d exhausted), %d synced", stats.Pending, stats.Error, stats.Exhausted, stats.Synced),
					"last queued", humanTime(&last),
					"store", fmt.Sprintf("%s (%s in use)", info.HumanSize, info.HumanInUse),
					"records", recordSummary(info.Records),
				)
			})
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", true, "probe the server health endpoint")
	return cmd
}

func recordSummary(counts map[string]int) string {
	entities := []string{models.EntityCliente, models.EntityOrden, models.EntityEquipo, models.EntityRefaccion, models.EntityAccesorio}
	out := ""
	for i, e := range entities {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%d", e, counts[e])
	}
	return out
}
