package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"Newsroom/internal/app"
	"Newsroom/internal/infrastructure/storage"
)

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run cron jobs, the worker pool and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.withApp(ctx, func(a *app.Application) error {
				return a.Serve(ctx)
			})
		},
	}
}

func (c *cli) monitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Poll every due source once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.withApp(ctx, func(a *app.Application) error {
				report, err := a.Monitor.RunDue(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sources=%d fetched=%d duplicates=%d discarded=%d enqueued=%d failed=%d\n",
					report.Sources, report.Fetched, report.Duplicates, report.Discarded, report.Enqueued, report.Failed)
				return nil
			})
		},
	}
}

func (c *cli) workCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process pending tasks until the queue is empty or --max tasks ran",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.withApp(ctx, func(a *app.Application) error {
				ran, err := a.Scheduler.Drain(ctx, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d tasks\n", ran)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "max", 0, "stop after this many tasks (0 = until empty)")
	return cmd
}

func (c *cli) requeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Spawn successors for deferred tasks whose retry time passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.Application) error {
				n, err := a.Scheduler.RequeueDeferred(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d tasks\n", n)
				return nil
			})
		},
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.Open(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			c.logger.Info("schema applied")
			return nil
		},
	}
}
