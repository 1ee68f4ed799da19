package cmd

import (
	"fmt"

	"github.com/natserract/d365/pkg/dynamics"
	"github.com/natserract/d365/pkg/snapshot/postgres"
	"github.com/natserract/d365/pkg/snapshot/services"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newExportCommand() *cobra.Command {
	var (
		opts       services.ExportOptions
		initSchema bool
	)

	cmd := &cobra.Command{
		Use:   "export RESOURCE",
		Short: "Copy an entity set into Postgres as JSONB snapshots",
		Long: "Copy an entity set into Postgres as JSONB snapshots.\n\n" +
			"The database is configured through DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Resource = args[0]
			ctx := cmd.Context()

			client, err := a.client()
			if err != nil {
				return err
			}

			db, err := postgres.New(ctx, postgres.NewConfig(), a.logger)
			if err != nil {
				a.logger.Error("Failed to connect to database", zap.Error(err))
				return err
			}
			defer db.Close()

			if initSchema {
				if err := db.InitSchema(ctx); err != nil {
					return err
				}
			}

			metrics, err := services.NewExportService(client, db, a.logger).Export(ctx, opts)
			if err != nil {
				a.logger.Error("Export failed", zap.String("resource", opts.Resource), zap.Error(err))
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Export %s of %s:\n", metrics.RunID, metrics.Resource)
			fmt.Fprintf(out, "  Succeeded: %d\n", metrics.Succeeded)
			fmt.Fprintf(out, "  Failed: %d\n", metrics.Failed)
			fmt.Fprintf(out, "  Skipped: %d\n", metrics.Skipped)
			fmt.Fprintf(out, "  Stored: %d\n", metrics.Stored)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.KeyField, "key", "", "primary key attribute, e.g. accountid")
	flags.StringSliceVar(&opts.Query.Select, "select", nil, "attributes to export")
	flags.StringVar(&opts.Query.Filter, "filter", "", "OData $filter expression")
	flags.IntVar(&opts.Query.Top, "top", 0, "maximum number of entities")
	flags.IntVar(&opts.Workers, "workers", dynamics.DefaultConcurrency, "concurrent database writes")
	flags.BoolVar(&initSchema, "init-schema", false, "create the snapshot tables first")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
