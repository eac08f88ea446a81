package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

var (
	columnCreated  = entity.SystemColumn("created")
	columnModified = entity.SystemColumn("modified")
)

// Deps are the collaborators shared by the data services of one schema.
type Deps struct {
	Txn    *txn.Manager
	Schema repositories.SchemaDAO
	Cache  *columncache.Cache
	// Meta records schema versions and changelogs. It is nil for the metadata table itself.
	Meta  repositories.TableMetaStore
	Retry *retry.Config
}

// Options configure one data service.
type Options struct {
	// TargetVersion is the version new tables are created at and existing tables are
	// migrated to.
	TargetVersion int
	Migrator      Migrator
}

// FindOptions shape a Find.
type FindOptions struct {
	OrderBy        []repositories.Order
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// DataService stores entities of type T in one table whose columns it creates and
// evolves on demand. Every method runs in the ambient transaction of ctx, or in a new
// one when there is none.
type DataService[T any] struct {
	mapper  *entity.Mapper[T]
	table   models.TableRef
	records repositories.RecordsDAO
	deps    Deps
	opts    Options
	version atomic.Int64
	logger  *zap.Logger
	now     func() time.Time
}

// NewDataService creates a data service over records, the records DAO of table. An
// empty table name defaults to the mapper's.
func NewDataService[T any](deps Deps, mapper *entity.Mapper[T], table models.TableRef, records repositories.RecordsDAO, opts Options, logger *zap.Logger) *DataService[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table.Table == "" {
		table = table.WithTable(mapper.TableName())
	}
	s := &DataService[T]{
		mapper:  mapper.WithLogger(logger),
		table:   table,
		records: records,
		deps:    deps,
		opts:    opts,
		logger:  logger.Named("data-service").With(zap.String("table", table.Key())),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.version.Store(int64(opts.TargetVersion))
	deps.Cache.OnInvalidate(func(ref models.TableRef) {
		if ref.Equal(table) {
			records.ResetColumnsCache()
		}
	})
	return s
}

func (s *DataService[T]) Table() models.TableRef {
	return s.table
}

func (s *DataService[T]) Mapper() *entity.Mapper[T] {
	return s.mapper
}

// SchemaVersion is the version rows are read under.
func (s *DataService[T]) SchemaVersion() int {
	return int(s.version.Load())
}

// Init brings the table up to date: existing tables are migrated to the target version,
// then the schema is evolved. Tables that do not exist yet are created at the target
// version.
func (s *DataService[T]) Init(ctx context.Context) error {
	exists, err := txn.Do(ctx, s.deps.Txn, txn.Options{ReadOnly: true}, func(ctx context.Context) (bool, error) {
		columns, err := s.liveColumns(ctx)
		return len(columns) > 0, err
	})
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", s.table.Key(), err)
	}

	if exists && s.opts.Migrator != nil && s.deps.Meta != nil {
		if err := s.opts.Migrator.Run(ctx, s.table, s.opts.TargetVersion); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.table.Key(), err)
		}
		s.ResetColumnsCache(ctx)
	}

	if _, err := s.EvolveSchema(ctx, nil, EvolveOptions{}); err != nil {
		return err
	}
	return s.loadVersion(ctx)
}

func (s *DataService[T]) loadVersion(ctx context.Context) error {
	if s.deps.Meta == nil {
		return nil
	}
	return s.deps.Txn.WithTransaction(ctx, txn.Options{ReadOnly: true}, func(ctx context.Context) error {
		meta, err := s.deps.Meta.Get(ctx, s.table)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			s.version.Store(0)
		case err != nil:
			return fmt.Errorf("failed to read schema version of %s: %w", s.table.Key(), err)
		default:
			s.version.Store(int64(meta.SchemaVersion))
		}
		return nil
	})
}

// liveColumns returns the cached columns of the table, reading the catalog on a miss.
// A missing table yields no columns and is not cached.
func (s *DataService[T]) liveColumns(ctx context.Context) ([]models.ColumnDef, error) {
	return s.readColumns(ctx, false)
}

// readColumns returns the cached columns, or the catalog's when fresh is set or nothing is
// cached. Columns read from the catalog replace the cache entry.
func (s *DataService[T]) readColumns(ctx context.Context, fresh bool) ([]models.ColumnDef, error) {
	if columns, ok := s.deps.Cache.Get(s.table); ok && !fresh {
		return columns, nil
	}
	columns, err := s.deps.Schema.GetColumns(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", s.table.Key(), err)
	}
	if len(columns) > 0 {
		s.deps.Cache.Set(s.table, columns)
		s.records.SetColumns(columns)
	}
	return columns, nil
}

// EvolveOptions control EvolveSchema.
type EvolveOptions struct {
	// Mock records the DDL without executing it. Neither the table, the cache nor the
	// changelog change.
	Mock bool
	// Diff plans against the columns read from the catalog instead of the column cache, so
	// the result reflects changes made to the table behind this process's back.
	Diff bool
}

// EvolveSchema adds the columns declared by the mapper and extra that the table lacks,
// creating the table when it does not exist, and returns the DDL it executed (or, with
// opts.Mock, the DDL that would have run).
func (s *DataService[T]) EvolveSchema(ctx context.Context, extra []models.ColumnDef, opts EvolveOptions) ([]string, error) {
	if !opts.Mock {
		return txn.Do(ctx, s.deps.Txn, txn.Options{}, func(ctx context.Context) ([]string, error) {
			return s.evolve(ctx, extra, opts.Diff)
		})
	}
	var commands []string
	err := s.deps.Txn.WithTransaction(ctx, txn.Options{ReadOnly: true}, func(ctx context.Context) error {
		var err error
		commands, err = txn.MockCommands(ctx, func(ctx context.Context) error {
			_, err := s.evolve(ctx, extra, opts.Diff)
			return err
		})
		return err
	})
	return commands, err
}

type evolution struct {
	create  bool
	columns []models.ColumnDef
	retyped []models.ColumnDef
}

func (e evolution) empty() bool {
	return !e.create && len(e.columns) == 0 && len(e.retyped) == 0
}

func planEvolution(current, expected []models.ColumnDef) evolution {
	if len(current) == 0 {
		return evolution{create: true, columns: expected}
	}
	live := models.ColumnsByName(current)
	var plan evolution
	for _, c := range expected {
		existing, ok := live[c.Name]
		switch {
		case !ok:
			plan.columns = append(plan.columns, c)
		case !existing.SameType(c):
			plan.retyped = append(plan.retyped, c)
		}
	}
	return plan
}

// expectedColumns is the union of the static columns and extra. Static columns win.
func (s *DataService[T]) expectedColumns(extra []models.ColumnDef) []models.ColumnDef {
	expected := s.mapper.Columns()
	seen := models.ColumnsByName(expected)
	dynamic := models.CopyColumns(extra)
	sort.SliceStable(dynamic, func(i, j int) bool { return dynamic[i].Name < dynamic[j].Name })
	for _, c := range dynamic {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = c
		expected = append(expected, c)
	}
	return expected
}

func (s *DataService[T]) evolve(ctx context.Context, extra []models.ColumnDef, diff bool) ([]string, error) {
	start := s.now()
	current, err := s.readColumns(ctx, diff)
	if err != nil {
		return nil, err
	}
	expected := s.expectedColumns(extra)
	plan := planEvolution(current, expected)
	if plan.empty() {
		return nil, nil
	}

	snapshot := s.deps.Cache.Snapshot(s.table)
	commands, err := txn.WatchCommands(ctx, func(ctx context.Context) error {
		return s.apply(ctx, plan)
	})
	if err != nil {
		return commands, err
	}
	if txn.IsMock(ctx) {
		return commands, nil
	}

	updated := expected
	if !plan.create {
		// a retype that reached this point was a no-op on the live table, which therefore
		// already has the requested definition
		retyped := models.ColumnsByName(plan.retyped)
		updated = models.CopyColumns(current)
		for i, c := range updated {
			if r, ok := retyped[c.Name]; ok {
				updated[i] = r
			}
		}
		updated = append(updated, plan.columns...)
	}
	s.deps.Cache.Set(s.table, updated)
	s.records.SetColumns(updated)
	if err := txn.AfterRollback(ctx, func(context.Context) {
		s.deps.Cache.Restore(s.table, snapshot)
		s.records.ResetColumnsCache()
	}); err != nil {
		return nil, err
	}
	if err := txn.AfterCommit(ctx, func(ctx context.Context) {
		s.deps.Cache.Broadcast(ctx, s.table)
	}); err != nil {
		return nil, err
	}

	names := make([]string, len(plan.columns))
	for i, c := range plan.columns {
		names[i] = c.Name
	}
	if len(commands) == 0 {
		s.logger.Debug("Refreshed cached column types", zap.Int("columns", len(plan.retyped)))
		return nil, nil
	}
	s.logger.Info("Evolved table schema",
		zap.Bool("created", plan.create),
		zap.Strings("columns", names),
		zap.Int("commands", len(commands)))

	if s.deps.Meta == nil {
		return commands, nil
	}
	changeType := models.ChangeTypeAddColumns
	if plan.create {
		changeType = models.ChangeTypeCreateTable
	}
	change := models.NewChangeSet(start, changeType, map[string]any{"columns": names}, commands)
	if err := s.deps.Meta.AppendChange(ctx, s.table, change); err != nil {
		return nil, fmt.Errorf("failed to record changelog of %s: %w", s.table.Key(), err)
	}
	if plan.create && s.opts.TargetVersion > 0 {
		if err := s.deps.Meta.SetVersion(ctx, s.table, s.opts.TargetVersion); err != nil {
			return nil, err
		}
		s.version.Store(int64(s.opts.TargetVersion))
	}
	return commands, nil
}

func (s *DataService[T]) apply(ctx context.Context, plan evolution) error {
	if plan.create {
		return s.deps.Schema.CreateTable(ctx, s.table, plan.columns)
	}
	for _, c := range plan.retyped {
		if err := s.deps.Schema.SetColumnType(ctx, s.table, c.Name, c.Multiple, c.Type); err != nil {
			return err
		}
	}
	if len(plan.columns) == 0 {
		return nil
	}
	return s.deps.Schema.AddColumns(ctx, s.table, plan.columns)
}

// Save inserts e when its id is zero and updates it otherwise, first adding the columns
// of extra and of e's attributes that the table lacks. Updates of versioned entities fail with
// apperrors.ErrConcurrentModification when the row changed since e was read. When the
// transaction rolls back, the column cache and e's id and version are restored.
func (s *DataService[T]) Save(ctx context.Context, e *T, extra ...models.ColumnDef) error {
	return s.deps.Txn.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		return s.save(ctx, e, extra)
	})
}

// SaveWithRetry saves e in a transaction of its own, retrying retryable failures such as
// writes against a stale column cache. Concurrent modifications are not retried.
func (s *DataService[T]) SaveWithRetry(ctx context.Context, e *T, extra ...models.ColumnDef) error {
	cfg := retry.DefaultConfig()
	if s.deps.Retry != nil {
		c := *s.deps.Retry
		cfg = &c
	}
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn("Retrying save",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return retry.DoIf(ctx, cfg, shouldRetrySave, func() error {
		return s.deps.Txn.WithTransaction(ctx, txn.Options{RequiresNew: true}, func(ctx context.Context) error {
			return s.save(ctx, e, extra)
		})
	})
}

func shouldRetrySave(err error) bool {
	return apperrors.IsRetryable(err) && !errors.Is(err, apperrors.ErrConcurrentModification)
}

func (s *DataService[T]) save(ctx context.Context, e *T, extra []models.ColumnDef) error {
	snapshot := s.deps.Cache.Snapshot(s.table)
	previousID := s.mapper.ID(e)
	previousVersion, versioned := s.updVersion(e)

	failure := s.write(ctx, e, extra)

	// registered after write so it runs after any rollback hook evolve added
	if err := txn.AfterRollback(ctx, func(context.Context) {
		if errors.Is(failure, apperrors.ErrSchemaMismatch) {
			s.deps.Cache.Invalidate(s.table)
		} else {
			s.deps.Cache.Restore(s.table, snapshot)
		}
		s.records.ResetColumnsCache()
		_ = s.mapper.SetValue(e, entity.ColumnID, previousID)
		if versioned {
			_ = s.mapper.SetValue(e, entity.ColumnUpdVersion, previousVersion)
		}
	}); err != nil {
		return err
	}
	if failure != nil {
		s.logger.Debug("Save failed", zap.Int64("id", previousID), zap.Error(failure))
	}
	return failure
}

func (s *DataService[T]) write(ctx context.Context, e *T, extra []models.ColumnDef) error {
	if err := s.stamp(e); err != nil {
		return err
	}
	attributes, err := s.mapper.AttributeColumns(e)
	if err != nil {
		return fmt.Errorf("failed to derive attribute columns for %s: %w", s.table.Key(), err)
	}
	if _, err := s.evolve(ctx, append(models.CopyColumns(extra), attributes...), false); err != nil {
		return err
	}
	row, err := s.mapper.ToRow(e)
	if err != nil {
		return err
	}

	id := s.mapper.ID(e)
	if id == 0 {
		newID, err := s.records.Insert(ctx, row)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", s.table.Key(), err)
		}
		return s.mapper.SetValue(e, entity.ColumnID, newID)
	}

	if s.mapper.HasAttributes() {
		s.clearRemovedAttributes(row)
	}
	expected, versioned := s.updVersion(e)
	if err := s.records.Update(ctx, id, expected, row); err != nil {
		return fmt.Errorf("failed to update %s id %d: %w", s.table.Key(), id, err)
	}
	if versioned {
		return s.mapper.SetValue(e, entity.ColumnUpdVersion, expected+1)
	}
	return nil
}

// stamp fills the external id and timestamps of entities that have them.
func (s *DataService[T]) stamp(e *T) error {
	now := s.now()
	if v, ok := s.mapper.Value(e, entity.ColumnExtID); ok {
		if extID, _ := v.(string); extID == "" {
			if err := s.mapper.SetValue(e, entity.ColumnExtID, uuid.NewString()); err != nil {
				return err
			}
		}
	}
	if v, ok := s.mapper.Value(e, columnCreated); ok {
		if created, _ := v.(time.Time); created.IsZero() {
			if err := s.mapper.SetValue(e, columnCreated, now); err != nil {
				return err
			}
		}
	}
	if _, ok := s.mapper.Value(e, columnModified); ok {
		return s.mapper.SetValue(e, columnModified, now)
	}
	return nil
}

// clearRemovedAttributes nulls attribute columns the entity no longer carries.
func (s *DataService[T]) clearRemovedAttributes(row entity.Row) {
	columns, _ := s.deps.Cache.Get(s.table)
	for _, c := range columns {
		if entity.IsSystemColumn(c.Name) || s.mapper.HasColumn(c.Name) {
			continue
		}
		if _, ok := row[c.Name]; !ok {
			row[c.Name] = nil
		}
	}
}

func (s *DataService[T]) updVersion(e *T) (int64, bool) {
	v, ok := s.mapper.Value(e, entity.ColumnUpdVersion)
	if !ok {
		return 0, false
	}
	version, _ := entity.AsInt64(v)
	return version, true
}

// read runs fn in a read-only scope once the columns are cached. It reports false
// without calling fn when the table does not exist.
func (s *DataService[T]) read(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	exists := false
	err := s.deps.Txn.WithTransaction(ctx, txn.Options{ReadOnly: true}, func(ctx context.Context) error {
		columns, err := s.liveColumns(ctx)
		if err != nil || len(columns) == 0 {
			return err
		}
		exists = true
		return fn(ctx)
	})
	return exists, err
}

func (s *DataService[T]) fromRow(row entity.Row) (*T, error) {
	e, err := s.mapper.FromRow(row, s.SchemaVersion())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row: %w", s.table.Key(), err)
	}
	return e, nil
}

func isDeleted(row entity.Row) bool {
	deleted, _ := row[entity.ColumnDeleted].(bool)
	return deleted
}

func (s *DataService[T]) findOne(ctx context.Context, what string, find func(ctx context.Context) (entity.Row, error)) (*T, error) {
	var result *T
	exists, err := s.read(ctx, func(ctx context.Context) error {
		row, err := find(ctx)
		if err != nil {
			return err
		}
		if isDeleted(row) {
			return fmt.Errorf("%s %s: %w", s.table.Key(), what, apperrors.ErrNotFound)
		}
		result, err = s.fromRow(row)
		return err
	})
	if err == nil && !exists {
		err = fmt.Errorf("%s %s: %w", s.table.Key(), what, apperrors.ErrNotFound)
	}
	return result, err
}

// FindByID returns the entity with id. Soft-deleted entities are not found.
func (s *DataService[T]) FindByID(ctx context.Context, id int64) (*T, error) {
	return s.findOne(ctx, fmt.Sprintf("id %d", id), func(ctx context.Context) (entity.Row, error) {
		return s.records.FindByID(ctx, id, false)
	})
}

func (s *DataService[T]) FindByExtID(ctx context.Context, extID string) (*T, error) {
	return s.findOne(ctx, "ext id "+extID, func(ctx context.Context) (entity.Row, error) {
		return s.records.FindByExtID(ctx, extID)
	})
}

// Find returns the entities matching where. A nil predicate matches every entity.
func (s *DataService[T]) Find(ctx context.Context, where predicate.Predicate, opts FindOptions) ([]*T, error) {
	var result []*T
	_, err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.records.Find(ctx, repositories.SelectQuery{
			Where:          where,
			OrderBy:        opts.OrderBy,
			Limit:          opts.Limit,
			Offset:         opts.Offset,
			IncludeDeleted: opts.IncludeDeleted,
		})
		if err != nil {
			return err
		}
		result = make([]*T, 0, len(rows))
		for _, row := range rows {
			e, err := s.fromRow(row)
			if err != nil {
				return err
			}
			result = append(result, e)
		}
		return nil
	})
	return result, err
}

func (s *DataService[T]) FindAll(ctx context.Context) ([]*T, error) {
	return s.Find(ctx, nil, FindOptions{})
}

func (s *DataService[T]) Count(ctx context.Context, where predicate.Predicate, includeDeleted bool) (int64, error) {
	var count int64
	_, err := s.read(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.records.Count(ctx, where, includeDeleted)
		return err
	})
	return count, err
}

// FindRaw runs a select with computed expressions and grouping and returns raw rows.
func (s *DataService[T]) FindRaw(ctx context.Context, q repositories.SelectQuery) ([]entity.Row, error) {
	var rows []entity.Row
	_, err := s.read(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.records.Find(ctx, q)
		return err
	})
	return rows, err
}

// Delete soft-deletes the entity with id when the entity has a deleted flag and removes
// the row otherwise.
func (s *DataService[T]) Delete(ctx context.Context, id int64) error {
	if !s.mapper.HasColumn(entity.ColumnDeleted) {
		return s.ForceDelete(ctx, id)
	}
	return s.deps.Txn.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		if _, err := s.liveColumns(ctx); err != nil {
			return err
		}
		row, err := s.records.FindByID(ctx, id, true)
		if err != nil {
			return err
		}
		if isDeleted(row) {
			return fmt.Errorf("%s id %d: %w", s.table.Key(), id, apperrors.ErrNotFound)
		}
		e, err := s.fromRow(row)
		if err != nil {
			return err
		}
		if err := s.mapper.SetValue(e, entity.ColumnDeleted, true); err != nil {
			return err
		}
		return s.save(ctx, e, nil)
	})
}

// ForceDelete removes the row with id.
func (s *DataService[T]) ForceDelete(ctx context.Context, id int64) error {
	return s.deps.Txn.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		if _, err := s.liveColumns(ctx); err != nil {
			return err
		}
		return s.records.Delete(ctx, id)
	})
}

// ResetColumnsCache forgets the cached columns here and in other processes.
func (s *DataService[T]) ResetColumnsCache(ctx context.Context) {
	s.deps.Cache.Reset(ctx, s.table)
}

// TableMeta returns the table's metadata record.
func (s *DataService[T]) TableMeta(ctx context.Context) (*models.TableMeta, error) {
	if s.deps.Meta == nil {
		return nil, fmt.Errorf("%s has no metadata: %w", s.table.Key(), apperrors.ErrNotFound)
	}
	return txn.Do(ctx, s.deps.Txn, txn.Options{ReadOnly: true}, func(ctx context.Context) (*models.TableMeta, error) {
		return s.deps.Meta.Get(ctx, s.table)
	})
}
