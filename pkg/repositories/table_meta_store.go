package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
)

// TableMetaTable is the table holding one metadata row per managed table.
const TableMetaTable = "ekaya_table_meta"

// TableMetaDescriptor declares the mapping of models.TableMeta.
func TableMetaDescriptor() *entity.Descriptor[models.TableMeta] {
	return entity.NewDescriptor[models.TableMeta]("TableMeta").
		Table(TableMetaTable).
		ID(func(m *models.TableMeta) int64 { return m.ID }, func(m *models.TableMeta, id int64) { m.ID = id }).
		Field("key", models.ColumnTypeText,
			func(m *models.TableMeta) any { return m.Table.Key() },
			func(m *models.TableMeta, v any) error { return nil }).
		Constraint(models.ConstraintNotNull).
		Indexed(true).
		Field("schema", models.ColumnTypeText,
			func(m *models.TableMeta) any { return m.Table.Schema },
			func(m *models.TableMeta, v any) (err error) { m.Table.Schema, err = entity.AsString(v); return }).
		Field("table", models.ColumnTypeText,
			func(m *models.TableMeta) any { return m.Table.Table },
			func(m *models.TableMeta, v any) (err error) { m.Table.Table, err = entity.AsString(v); return }).
		Constraint(models.ConstraintNotNull).
		Field("schema_version", models.ColumnTypeInt,
			func(m *models.TableMeta) any { return int32(m.SchemaVersion) },
			func(m *models.TableMeta, v any) error {
				version, err := entity.AsInt64(v)
				m.SchemaVersion = int(version)
				return err
			}).
		Default(int32(0)).
		Field("changelog", models.ColumnTypeJSON,
			func(m *models.TableMeta) any {
				if len(m.Changelog) == 0 {
					return nil
				}
				return m.Changelog
			},
			func(m *models.TableMeta, v any) error { return entity.AsJSON(v, &m.Changelog) }).
		Field("created", models.ColumnTypeDateTime,
			func(m *models.TableMeta) any { return m.Created },
			func(m *models.TableMeta, v any) (err error) { m.Created, err = entity.AsTime(v); return }).
		Field("modified", models.ColumnTypeDateTime,
			func(m *models.TableMeta) any { return m.Modified },
			func(m *models.TableMeta, v any) (err error) { m.Modified, err = entity.AsTime(v); return }).
		Field("upd_version", models.ColumnTypeLong,
			func(m *models.TableMeta) any { return m.UpdVersion },
			func(m *models.TableMeta, v any) (err error) { m.UpdVersion, err = entity.AsInt64(v); return }).
		Default(int64(0))
}

// NewTableMetaMapper builds the models.TableMeta mapper.
func NewTableMetaMapper() *entity.Mapper[models.TableMeta] {
	return TableMetaDescriptor().MustBuild()
}

// TableMetaStore keeps each managed table's migration version and DDL changelog. All
// methods run in the ambient transaction of ctx.
type TableMetaStore interface {
	// Get returns the metadata of table, or apperrors.ErrNotFound.
	Get(ctx context.Context, table models.TableRef) (*models.TableMeta, error)
	// LockVersion returns table's schema version and locks its metadata row until the
	// ambient transaction ends, creating the row at version 0 when missing.
	LockVersion(ctx context.Context, table models.TableRef) (int, error)
	SetVersion(ctx context.Context, table models.TableRef, version int) error
	// AppendChange adds a change set to table's changelog. Existing entries are kept as is.
	AppendChange(ctx context.Context, table models.TableRef, change models.ChangeSet) error
}

type tableMetaStore struct {
	dao    RecordsDAO
	mapper *entity.Mapper[models.TableMeta]
	logger *zap.Logger
	now    func() time.Time
}

// NewTableMetaStore creates a TableMetaStore over the records DAO of the metadata table.
func NewTableMetaStore(dao RecordsDAO, mapper *entity.Mapper[models.TableMeta], logger *zap.Logger) TableMetaStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tableMetaStore{
		dao:    dao,
		mapper: mapper,
		logger: logger.Named("table-meta"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ TableMetaStore = (*tableMetaStore)(nil)

func (s *tableMetaStore) find(ctx context.Context, table models.TableRef, forUpdate bool) (*models.TableMeta, error) {
	rows, err := s.dao.Find(ctx, SelectQuery{
		Where:     predicate.Eq("key", table.Key()),
		Limit:     1,
		ForUpdate: forUpdate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of %s: %w", table.Key(), err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("metadata of %s: %w", table.Key(), apperrors.ErrNotFound)
	}
	meta, err := s.mapper.FromRow(rows[0], 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", table.Key(), err)
	}
	return meta, nil
}

func (s *tableMetaStore) Get(ctx context.Context, table models.TableRef) (*models.TableMeta, error) {
	return s.find(ctx, table, false)
}

// load returns the locked metadata row of table, inserting it first when missing.
func (s *tableMetaStore) load(ctx context.Context, table models.TableRef) (*models.TableMeta, error) {
	meta, err := s.find(ctx, table, true)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	meta = &models.TableMeta{Table: table, Created: now, Modified: now}
	row, err := s.mapper.ToRow(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata of %s: %w", table.Key(), err)
	}
	if meta.ID, err = s.dao.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to create metadata of %s: %w", table.Key(), err)
	}
	s.logger.Debug("Created table metadata", zap.String("table", table.Key()), zap.Int64("id", meta.ID))
	return s.find(ctx, table, true)
}

func (s *tableMetaStore) save(ctx context.Context, meta *models.TableMeta) error {
	expected := meta.UpdVersion
	meta.Modified = s.now()
	row, err := s.mapper.ToRow(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", meta.Table.Key(), err)
	}
	if err := s.dao.Update(ctx, meta.ID, expected, row); err != nil {
		return fmt.Errorf("failed to save metadata of %s: %w", meta.Table.Key(), err)
	}
	meta.UpdVersion = expected + 1
	return nil
}

func (s *tableMetaStore) LockVersion(ctx context.Context, table models.TableRef) (int, error) {
	meta, err := s.load(ctx, table)
	if err != nil {
		return 0, err
	}
	return meta.SchemaVersion, nil
}

func (s *tableMetaStore) SetVersion(ctx context.Context, table models.TableRef, version int) error {
	meta, err := s.load(ctx, table)
	if err != nil {
		return err
	}
	if meta.SchemaVersion == version {
		return nil
	}
	s.logger.Info("Setting table schema version",
		zap.String("table", table.Key()),
		zap.Int("from", meta.SchemaVersion),
		zap.Int("to", version))
	meta.SchemaVersion = version
	return s.save(ctx, meta)
}

func (s *tableMetaStore) AppendChange(ctx context.Context, table models.TableRef, change models.ChangeSet) error {
	meta, err := s.load(ctx, table)
	if err != nil {
		return err
	}
	meta.AppendChange(change)
	return s.save(ctx, meta)
}
