package migrations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// Suffixes of the columns a backfill works with.
const (
	nextSuffix   = "__next"
	legacySuffix = "__legacy"
)

// NextColumn is the temporary column a backfill writes the new value of column to.
func NextColumn(column string) string {
	return column + nextSuffix
}

// LegacyColumn is the name column is kept under once a backfill has replaced it.
func LegacyColumn(column string) string {
	return column + legacySuffix
}

// Backfill rewrites columns of every row in three phases: temporary columns are added,
// rows are computed chunk by chunk with each chunk committed on its own, and once no row
// is left the originals are renamed to their legacy names and the temporary columns take
// their place. A row is marked done by a flag column in the same update that writes its
// values, so a restarted backfill continues with the rows that are left.
type Backfill struct {
	// Name identifies the backfill's flag column.
	Name string
	// Columns are the new definitions of the rewritten columns.
	Columns []models.ColumnDef
	// Compute returns the new values of a row, keyed by column name. Columns it omits
	// become NULL.
	Compute func(ctx context.Context, row entity.Row) (entity.Row, error)
}

// FlagColumn marks rows the backfill has processed.
func (b *Backfill) FlagColumn() string {
	return entity.SystemColumn(b.Name + "__done")
}

func (b *Backfill) temporaryColumns() []models.ColumnDef {
	columns := make([]models.ColumnDef, 0, len(b.Columns)+1)
	for _, c := range b.Columns {
		columns = append(columns, c.WithName(NextColumn(c.Name)))
	}
	return append(columns, models.ColumnDef{Name: b.FlagColumn(), Type: models.ColumnTypeBoolean})
}

// Run executes the backfill. Cancellation is honored between chunks.
func (b *Backfill) Run(ctx context.Context, mc *Context) error {
	logger := mc.Logger.With(zap.String("backfill", b.Name))

	done, err := b.setup(ctx, mc)
	if err != nil {
		return err
	}
	if done {
		logger.Info("Backfill already swapped")
		return nil
	}

	chunkSize := mc.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := 0
	for chunk := 1; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := b.chunk(ctx, mc, chunkSize)
		if err != nil {
			return fmt.Errorf("backfill %s chunk %d: %w", b.Name, chunk, err)
		}
		if rows == 0 {
			break
		}
		total += rows
		logger.Debug("Backfilled chunk", zap.Int("chunk", chunk), zap.Int("rows", rows))
		if mc.OnChunk != nil {
			if err := mc.OnChunk(ctx, ChunkProgress{Migration: b.Name, Table: mc.Table, Chunk: chunk, Rows: rows, Total: total}); err != nil {
				return err
			}
		}
	}

	if err := b.swap(ctx, mc); err != nil {
		return err
	}
	logger.Info("Backfill complete", zap.Int("rows", total))
	return nil
}

// setup adds the temporary and flag columns that are missing. It reports true when a
// previous run already swapped the columns.
func (b *Backfill) setup(ctx context.Context, mc *Context) (bool, error) {
	var swapped bool
	err := mc.Txn.WithTransaction(ctx, txn.Options{RequiresNew: true}, func(ctx context.Context) error {
		columns, err := mc.Schema.GetColumns(ctx, mc.Table)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", mc.Table.Key(), err)
		}
		live := models.ColumnsByName(columns)
		if b.swapped(live) {
			swapped = true
			return nil
		}

		var missing []models.ColumnDef
		for _, c := range b.temporaryColumns() {
			existing, ok := live[c.Name]
			if !ok {
				missing = append(missing, c)
				continue
			}
			if !existing.SameType(c) {
				return fmt.Errorf("column %s of %s exists with type %s", c.Name, mc.Table.Key(), existing.Type)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		if err := mc.Schema.AddColumns(ctx, mc.Table, missing); err != nil {
			return err
		}
		return txn.AfterCommit(ctx, func(context.Context) { mc.Records.ResetColumnsCache() })
	})
	if err != nil {
		return false, fmt.Errorf("failed to prepare backfill %s: %w", b.Name, err)
	}
	mc.Records.ResetColumnsCache()
	return swapped, nil
}

func (b *Backfill) swapped(live map[string]models.ColumnDef) bool {
	if _, ok := live[b.FlagColumn()]; ok {
		return false
	}
	for _, c := range b.Columns {
		if _, ok := live[NextColumn(c.Name)]; ok {
			return false
		}
	}
	for _, c := range b.Columns {
		if _, ok := live[LegacyColumn(c.Name)]; ok {
			return true
		}
	}
	return false
}

// chunk processes up to size unflagged rows in its own transaction and returns how many
// it rewrote.
func (b *Backfill) chunk(ctx context.Context, mc *Context, size int) (int, error) {
	return txn.Do(ctx, mc.Txn, txn.Options{RequiresNew: true}, func(ctx context.Context) (int, error) {
		rows, err := mc.Records.Find(ctx, repositories.SelectQuery{
			Where:          predicate.IsEmpty(b.FlagColumn()),
			OrderBy:        []repositories.Order{{Column: entity.ColumnID}},
			Limit:          size,
			ForUpdate:      true,
			IncludeDeleted: true,
		})
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			id, err := entity.AsInt64(row[entity.ColumnID])
			if err != nil {
				return 0, err
			}
			computed, err := b.Compute(ctx, row.Clone())
			if err != nil {
				return 0, fmt.Errorf("failed to compute row %d: %w", id, err)
			}
			update := entity.Row{b.FlagColumn(): true}
			for _, c := range b.Columns {
				v, err := entity.Normalize(c, computed[c.Name])
				if err != nil {
					return 0, fmt.Errorf("failed to convert %s of row %d: %w", c.Name, id, err)
				}
				update[NextColumn(c.Name)] = v
			}
			version, _ := entity.AsInt64(row[entity.ColumnUpdVersion])
			if err := mc.Records.Update(ctx, id, version, update); err != nil {
				return 0, err
			}
		}
		return len(rows), nil
	})
}

// swap replaces the original columns with the temporary ones in a single transaction.
func (b *Backfill) swap(ctx context.Context, mc *Context) error {
	err := mc.Txn.WithTransaction(ctx, txn.Options{RequiresNew: true}, func(ctx context.Context) error {
		columns, err := mc.Schema.GetColumns(ctx, mc.Table)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", mc.Table.Key(), err)
		}
		live := models.ColumnsByName(columns)
		for _, c := range b.Columns {
			if _, ok := live[c.Name]; ok {
				if err := mc.Schema.RenameColumn(ctx, mc.Table, c.Name, LegacyColumn(c.Name)); err != nil {
					return err
				}
			}
			if err := mc.Schema.RenameColumn(ctx, mc.Table, NextColumn(c.Name), c.Name); err != nil {
				return err
			}
		}
		if err := mc.Schema.DropColumns(ctx, mc.Table, b.FlagColumn()); err != nil {
			return err
		}
		return txn.AfterCommit(ctx, func(ctx context.Context) {
			mc.Cache.Reset(ctx, mc.Table)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to swap columns of backfill %s: %w", b.Name, err)
	}
	mc.Records.ResetColumnsCache()
	return nil
}
