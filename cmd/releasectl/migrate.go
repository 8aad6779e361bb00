package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/releasectl/db"
	"github.com/splax/releasectl/internal/app/migrate"
	"github.com/splax/releasectl/pkg/config"
	"github.com/splax/releasectl/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the controller's audit schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")

	withRunner := func(fn func(ctx context.Context, cmd *cobra.Command, r *migrate.Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadConfig()
			log := logger.New("releasectl-migrate", logger.ParseLevel(cfg.LogLevel))
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			runner, err := migrate.Open(ctx, cfg.DatabaseURL, cfg.MigrationsDir, db.Migrations, log)
			if err != nil {
				return err
			}
			defer runner.Close()
			return fn(ctx, cmd, runner)
		}
	}

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --target",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(ctx context.Context, _ *cobra.Command, r *migrate.Runner) error {
			return r.Down(ctx, target)
		}),
	}
	down.Flags().Int64Var(&target, "target", 0, "target schema version")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withRunner(func(ctx context.Context, _ *cobra.Command, r *migrate.Runner) error {
				return r.Ensure(ctx)
			}),
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withRunner(func(ctx context.Context, cmd *cobra.Command, r *migrate.Runner) error {
				statuses, err := r.Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
				for _, s := range statuses {
					state, at := "pending", "-"
					if s.Applied {
						state, at = "applied", s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, state, at, s.Path)
				}
				return tw.Flush()
			}),
		},
	)
	return cmd
}
