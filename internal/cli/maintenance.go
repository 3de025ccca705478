package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/salvacell/offsync/internal/crypto"
	"github.com/salvacell/offsync/internal/sync/remote"
)

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "refresh <customers|inventory>",
		Short:     "Replace cached server collections with fresh copies",
		Long:      "Fetch customers or parts and accessories from the server. Locally pending records are kept.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"customers", "inventory"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				ctx := cmd.Context()
				if !app.Probe(ctx) {
					return NewExitError(ExitFailure, "server unreachable at "+app.Config.APIURL)
				}

				counts := map[string]int{}
				var err error
				switch args[0] {
				case "customers":
					counts["customers"], err = app.Offline.RefreshCustomers(ctx)
				case "inventory":
					var parts, accessories int
					parts, accessories, err = app.Offline.RefreshInventory(ctx)
					counts["parts"], counts["accessories"] = parts, accessories
				}

				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					if perr := p.value(counts); perr != nil {
						return perr
					}
				} else {
					for k, v := range counts {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", k, v)
					}
				}
				if err != nil {
					return commandError("refresh "+args[0], err)
				}
				return nil
			})
		},
	}
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove expired cache entries and old synced orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return NewExitError(ExitCommandError, "--older-than must be positive")
			}
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				n, err := app.Repo.CleanOldData(cmd.Context(), olderThan)
				if err != nil {
					return commandError("clean old data", err)
				}
				p := newPrinter(rootOpts, cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]interface{}{"ordersRemoved": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d old synced order(s) removed\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "remove synced orders last updated before this age")
	return cmd
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every local record, queued operation and cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear without --yes")
			}
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				if err := app.Repo.ClearAll(cmd.Context()); err != nil {
					return commandError("clear store", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "local store cleared")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all local data")
	return cmd
}

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the bearer token sent to the server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store the bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return NewExitError(ExitCommandError, "token must not be empty")
			}
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				sealed, err := crypto.Seal(args[0], app.TokenKey)
				if err != nil {
					return commandError("seal token", err)
				}
				if err := app.Repo.SetConfig(cmd.Context(), remote.TokenConfigKey, sealed); err != nil {
					return commandError("store token", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token stored")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				if err := app.Repo.DeleteConfig(cmd.Context(), remote.TokenConfigKey); err != nil {
					return commandError("remove token", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token removed")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Report whether a token is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(app *App) error {
				value, ok, err := app.Repo.GetConfig(cmd.Context(), remote.TokenConfigKey)
				if err != nil {
					return commandError("read token", err)
				}
				if !ok {
					return NewExitError(ExitFailure, "no token stored")
				}
				if !crypto.IsSealed(value) {
					fmt.Fprintln(cmd.OutOrStdout(), "token stored (plaintext, run token set to seal it)")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token stored")
				return nil
			})
		},
	})

	return cmd
}
