package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/migrations"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var table string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a record table to the current schema version",
		Long: `Bootstrap the datastore, run the pending versioned migrations of a record table
and add the columns it is missing. Tables that do not exist are created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			sc, err := a.registry.Schema(ctx, a.schemaName(opts))
			if err != nil {
				return err
			}
			mapper, err := recordMapper(table)
			if err != nil {
				return err
			}

			ref := sc.Table(mapper.TableName())
			runner := migrations.NewRunner(migrations.DefaultRegistry(), sc, migrations.Collaborators{
				Refs:        services.NewExtIDRefs(sc.Records(ref.Table)),
				Permissions: services.OwnerPermissions{},
				Content:     a.content,
			}, a.logger)
			runner.ChunkSize = a.cfg.Datastore.MigrationChunkSize
			out := cmd.OutOrStdout()
			runner.OnChunk = func(_ context.Context, p migrations.ChunkProgress) error {
				fmt.Fprintf(out, "  %s chunk %d: %d rows (%d total)\n", p.Migration, p.Chunk, p.Rows, p.Total)
				return nil
			}

			pending, from, err := runner.Pending(ctx, ref, entity.RecordSchemaVersion)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is at version %d, target %d\n", ref.Key(), from, entity.RecordSchemaVersion)
			for _, m := range pending {
				fmt.Fprintf(out, "  pending %s (%d -> %d)\n", m.ID(), m.FromVersion(), m.ToVersion())
			}
			if dryRun {
				return nil
			}

			service, err := services.Register(ctx, sc, mapper, services.Options{
				TargetVersion: entity.RecordSchemaVersion,
				Migrator:      runner,
			})
			if err != nil {
				return err
			}
			a.logger.Info("Table ready", zap.String("table", ref.Key()), zap.Int("version", service.SchemaVersion()))
			color.New(color.FgGreen, color.Bold).Fprintf(out, "✓ %s is at version %d\n", ref.Key(), service.SchemaVersion())
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Record table name (defaults to the record entity's table)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the pending migrations")
	return cmd
}

// recordMapper returns the record mapper, optionally bound to another table.
func recordMapper(table string) (*entity.Mapper[entity.Record], error) {
	descriptor := entity.RecordDescriptor()
	if table != "" {
		descriptor = descriptor.Table(table)
	}
	return descriptor.Build()
}
