package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// DefaultChunkSize is the backfill chunk size when none is configured.
const DefaultChunkSize = 500

// Runner runs the migrations of one schema context.
type Runner struct {
	registry      *Registry
	schema        *services.SchemaContext
	collaborators Collaborators
	logger        *zap.Logger

	// ChunkSize and OnChunk are handed to every migration Context.
	ChunkSize int
	OnChunk   func(ctx context.Context, progress ChunkProgress) error
}

var _ services.Migrator = (*Runner)(nil)

func NewRunner(registry *Registry, schema *services.SchemaContext, collaborators Collaborators, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		registry:      registry,
		schema:        schema,
		collaborators: collaborators,
		logger:        logger.Named("migrations"),
		ChunkSize:     DefaultChunkSize,
	}
}

var errUpToDate = errors.New("up to date")

// Run migrates table to target. Every step commits on its own together with the new
// version, so an interrupted run resumes from the last completed step.
func (r *Runner) Run(ctx context.Context, table models.TableRef, target int) error {
	if table.Schema != r.schema.Name() {
		return fmt.Errorf("table %s does not belong to schema %q", table.Key(), r.schema.Name())
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.step(ctx, table, target)
		if errors.Is(err, errUpToDate) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Runner) step(ctx context.Context, table models.TableRef, target int) error {
	deps := r.schema.Deps()
	return deps.Txn.WithTransaction(ctx, txn.Options{RequiresNew: true}, func(ctx context.Context) error {
		columns, err := deps.Schema.GetColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table.Key(), err)
		}
		if len(columns) == 0 {
			return errUpToDate
		}

		version, err := deps.Meta.LockVersion(ctx, table)
		if err != nil {
			return err
		}
		if version >= target {
			return errUpToDate
		}
		step := r.registry.For(version)
		if len(step) == 0 {
			return apperrors.ErrNoMigrationPath.WithMessage("no migration from version %d of %s", version, table.Key())
		}
		to := step[0].ToVersion()

		mc := &Context{
			Table:         table,
			Schema:        deps.Schema,
			Records:       r.schema.Records(table.Table),
			Txn:           deps.Txn,
			Cache:         deps.Cache,
			Logger:        r.logger.With(zap.String("table", table.Key())),
			Version:       version,
			ChunkSize:     r.ChunkSize,
			OnChunk:       r.OnChunk,
			Collaborators: r.collaborators,
		}

		start := time.Now()
		ids := make([]string, len(step))
		commands, err := txn.WatchCommands(ctx, func(ctx context.Context) error {
			for i, m := range step {
				ids[i] = m.ID()
				mc.Logger.Info("Running migration",
					zap.String("migration", m.ID()),
					zap.Int("from", version),
					zap.Int("to", to))
				if err := m.Run(ctx, mc); err != nil {
					return apperrors.ErrMigrationFailed.
						WithMessage("migration %s of %s failed", m.ID(), table.Key()).
						WithCause(err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := deps.Meta.SetVersion(ctx, table, to); err != nil {
			return err
		}
		change := models.NewChangeSet(start, models.ChangeTypeMigration, map[string]any{
			"migrations": ids,
			"from":       version,
			"to":         to,
		}, commands)
		if err := deps.Meta.AppendChange(ctx, table, change); err != nil {
			return err
		}
		mc.Logger.Info("Migrated table",
			zap.Int("from", version),
			zap.Int("to", to),
			zap.Duration("elapsed", time.Since(start)))
		return txn.AfterCommit(ctx, func(ctx context.Context) {
			deps.Cache.Reset(ctx, table)
		})
	})
}

// Pending returns the migrations Run would execute for table, and the version it would
// stop at.
func (r *Runner) Pending(ctx context.Context, table models.TableRef, target int) ([]Migration, int, error) {
	deps := r.schema.Deps()
	version, err := txn.Do(ctx, deps.Txn, txn.Options{ReadOnly: true}, func(ctx context.Context) (int, error) {
		meta, err := deps.Meta.Get(ctx, table)
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return meta.SchemaVersion, nil
	})
	if err != nil {
		return nil, 0, err
	}
	path, reached := r.registry.Path(version, target)
	return path, reached, nil
}
