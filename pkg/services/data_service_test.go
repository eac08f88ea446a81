package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories/repotest"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn/txntest"
)

var recordsTable = models.NewTableRef("content", "records")

type storeFixture struct {
	db       *repotest.DB
	beginner *txntest.Beginner
	manager  *txn.Manager
	cache    *columncache.Cache
	registry *Registry

	mu       sync.Mutex
	daos     map[string]*repotest.Records
	recorded []string
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	f := &storeFixture{
		db:       repotest.NewDB(),
		beginner: &txntest.Beginner{},
		cache:    columncache.New(nil, nil),
		daos:     make(map[string]*repotest.Records),
	}
	f.manager = txn.NewManager(f.beginner, nil)
	backend := Backend{
		Schema:  f.db.SchemaDAO(),
		Records: func(table models.TableRef) repositories.RecordsDAO { return f.records(table) },
		RecordSchema: func(_ context.Context, name string) error {
			f.mu.Lock()
			f.recorded = append(f.recorded, name)
			f.mu.Unlock()
			return nil
		},
	}
	fastRetry := &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	f.registry = NewRegistry(f.manager, backend, f.cache, fastRetry, nil)
	return f
}

// records returns one DAO per table so tests can inspect the instance services use.
func (f *storeFixture) records(table models.TableRef) *repotest.Records {
	f.mu.Lock()
	defer f.mu.Unlock()
	dao, ok := f.daos[table.Key()]
	if !ok {
		dao = f.db.RecordsDAO(table)
		f.daos[table.Key()] = dao
	}
	return dao
}

func (f *storeFixture) recordService(t *testing.T) *DataService[entity.Record] {
	t.Helper()
	ctx := context.Background()
	sc, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)
	service, err := Register(ctx, sc, entity.NewRecordMapper(), Options{TargetVersion: entity.RecordSchemaVersion})
	require.NoError(t, err)
	return service
}

func columnNames(columns []models.ColumnDef) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}

func TestDataService_InitCreatesTableAtTargetVersion(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	live := f.db.Columns(recordsTable)
	assert.ElementsMatch(t, columnNames(service.Mapper().Columns()), columnNames(live))
	assert.Equal(t, entity.RecordSchemaVersion, service.SchemaVersion())

	meta, err := service.TableMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordSchemaVersion, meta.SchemaVersion)
	require.Len(t, meta.Changelog, 1)
	assert.Equal(t, models.ChangeTypeCreateTable, meta.Changelog[0].ChangeType)
	require.NotEmpty(t, meta.Changelog[0].DDLCommands)
	assert.True(t, strings.HasPrefix(meta.Changelog[0].DDLCommands[0], `CREATE TABLE "content"."records"`))

	cached, ok := f.cache.Get(recordsTable)
	require.True(t, ok)
	assert.Equal(t, live, cached)
}

func TestDataService_EvolveSchemaIsIdempotent(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	commands, err := service.EvolveSchema(ctx, nil, EvolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, commands)

	score := []models.ColumnDef{{Name: "score", Type: models.ColumnTypeLong}}
	commands, err = service.EvolveSchema(ctx, score, EvolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "content"."records" ADD COLUMN "score" BIGINT`}, commands)

	commands, err = service.EvolveSchema(ctx, score, EvolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, commands)

	meta, err := service.TableMeta(ctx)
	require.NoError(t, err)
	require.Len(t, meta.Changelog, 2)
	added := meta.Changelog[1]
	assert.Equal(t, models.ChangeTypeAddColumns, added.ChangeType)
	assert.Equal(t, []string{`ALTER TABLE "content"."records" ADD COLUMN "score" BIGINT`}, added.DDLCommands)
	assert.EqualValues(t, []any{"score"}, added.Params["columns"])
}

func TestDataService_EvolveSchemaMockChangesNothing(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()
	before, _ := f.cache.Get(recordsTable)

	extra := []models.ColumnDef{
		{Name: "tags", Type: models.ColumnTypeText, Multiple: true},
		{Name: "score", Type: models.ColumnTypeLong},
	}
	for i := 0; i < 2; i++ {
		commands, err := service.EvolveSchema(ctx, extra, EvolveOptions{Mock: true})
		require.NoError(t, err)
		assert.Equal(t, []string{
			`ALTER TABLE "content"."records" ADD COLUMN "score" BIGINT`,
			`ALTER TABLE "content"."records" ADD COLUMN "tags" VARCHAR[]`,
		}, commands)
	}

	after, _ := f.cache.Get(recordsTable)
	assert.Equal(t, before, after)
	assert.NotContains(t, columnNames(f.db.Columns(recordsTable)), "score")

	meta, err := service.TableMeta(ctx)
	require.NoError(t, err)
	assert.Len(t, meta.Changelog, 1)
}

func TestDataService_EvolveSchemaRejectsTypeChange(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	_, err := service.EvolveSchema(ctx, []models.ColumnDef{{Name: "score", Type: models.ColumnTypeLong}}, EvolveOptions{})
	require.NoError(t, err)

	_, err = service.EvolveSchema(ctx, []models.ColumnDef{{Name: "score", Type: models.ColumnTypeText}}, EvolveOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTypeChangeUnsupported))
	assert.Equal(t, apperrors.KindSchemaConflict, apperrors.KindOf(err))

	live := models.ColumnsByName(f.db.Columns(recordsTable))
	assert.Equal(t, models.ColumnTypeLong, live["score"].Type)
}

func TestDataService_NoOpRetypeRefreshesCache(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	score := []models.ColumnDef{{Name: "score", Type: models.ColumnTypeLong}}
	_, err := service.EvolveSchema(ctx, score, EvolveOptions{})
	require.NoError(t, err)

	// the cache disagrees with the table, which already has the declared type
	stale, ok := f.cache.Get(recordsTable)
	require.True(t, ok)
	for i := range stale {
		if stale[i].Name == "score" {
			stale[i].Type = models.ColumnTypeText
		}
	}
	f.cache.Set(recordsTable, stale)

	commands, err := service.EvolveSchema(ctx, score, EvolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, commands)

	cached, ok := f.cache.Get(recordsTable)
	require.True(t, ok)
	assert.Equal(t, models.ColumnTypeLong, models.ColumnsByName(cached)["score"].Type)
	daoColumns, err := f.records(recordsTable).Columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ColumnTypeLong, models.ColumnsByName(daoColumns)["score"].Type)

	meta, err := service.TableMeta(ctx)
	require.NoError(t, err)
	assert.Len(t, meta.Changelog, 2)
}

func TestDataService_EvolveSchemaDiffReadsCatalog(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	score := []models.ColumnDef{{Name: "score", Type: models.ColumnTypeLong}}
	_, err := service.EvolveSchema(ctx, score, EvolveOptions{})
	require.NoError(t, err)

	cached, _ := f.cache.Get(recordsTable)
	var withoutScore []models.ColumnDef
	for _, c := range cached {
		if c.Name != "score" {
			withoutScore = append(withoutScore, c)
		}
	}
	f.cache.Set(recordsTable, withoutScore)

	commands, err := service.EvolveSchema(ctx, score, EvolveOptions{Mock: true})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "content"."records" ADD COLUMN "score" BIGINT`}, commands)

	commands, err = service.EvolveSchema(ctx, score, EvolveOptions{Mock: true, Diff: true})
	require.NoError(t, err)
	assert.Empty(t, commands)

	cached, _ = f.cache.Get(recordsTable)
	assert.Contains(t, columnNames(cached), "score")
}

func TestDataService_StaticColumnsWinOverExtra(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)

	commands, err := service.EvolveSchema(context.Background(),
		[]models.ColumnDef{{Name: entity.SystemColumn("name"), Type: models.ColumnTypeLong}}, EvolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestDataService_SaveInsertsAndStamps(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	rec := &entity.Record{Name: "first", Attributes: map[string]any{"color": "red"}}
	require.NoError(t, service.Save(ctx, rec))

	assert.NotZero(t, rec.ID)
	assert.NotEmpty(t, rec.ExtID)
	assert.False(t, rec.Created.IsZero())
	assert.Equal(t, rec.Created, rec.Modified)
	assert.Contains(t, columnNames(f.db.Columns(recordsTable)), "color")

	found, err := service.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", found.Name)
	assert.Equal(t, "red", found.Attributes["color"])

	byExt, err := service.FindByExtID(ctx, rec.ExtID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byExt.ID)

	matches, err := service.Find(ctx, predicate.Eq("color", "red"), FindOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, rec.ID, matches[0].ID)

	none, err := service.Find(ctx, predicate.Eq("missing", "red"), FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDataService_NegatedComparisonsSkipNulls(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	red := &entity.Record{Name: "red", Attributes: map[string]any{"color": "red"}}
	blue := &entity.Record{Name: "blue", Attributes: map[string]any{"color": "blue"}}
	plain := &entity.Record{Name: "plain"}
	for _, rec := range []*entity.Record{red, blue, plain} {
		require.NoError(t, service.Save(ctx, rec))
	}

	notRed, err := service.Find(ctx, predicate.Negate(predicate.Eq("color", "red")), FindOptions{})
	require.NoError(t, err)
	require.Len(t, notRed, 1)
	assert.Equal(t, blue.ID, notRed[0].ID)

	notMissing, err := service.Find(ctx, predicate.Negate(predicate.Eq("missing", "red")), FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, notMissing)

	either, err := service.Find(ctx, predicate.AnyOf(
		predicate.Eq("color", "red"),
		predicate.Negate(predicate.Eq("missing", "red")),
	), FindOptions{})
	require.NoError(t, err)
	require.Len(t, either, 1)
	assert.Equal(t, red.ID, either[0].ID)
}

func TestDataService_SaveExtraColumns(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)

	rec := &entity.Record{Name: "with extra"}
	require.NoError(t, service.Save(context.Background(), rec, models.ColumnDef{Name: "rating", Type: models.ColumnTypeDouble}))
	assert.Contains(t, columnNames(f.db.Columns(recordsTable)), "rating")
}

func TestDataService_ArrayRoundTripAndOptimisticLock(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	rec := &entity.Record{Name: "tagged", Attributes: map[string]any{"tags": []string{"v0"}}}
	require.NoError(t, service.Save(ctx, rec))

	stale, err := service.FindByID(ctx, rec.ID)
	require.NoError(t, err)

	rec.Attributes["tags"] = []string{"v0", "v1", "v2"}
	require.NoError(t, service.Save(ctx, rec))
	assert.EqualValues(t, 1, rec.UpdVersion)

	reread, err := service.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v0", "v1", "v2"}, reread.Attributes["tags"])

	stale.Attributes["tags"] = []string{"stale"}
	err = service.Save(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConcurrentModification))
	assert.EqualValues(t, 0, stale.UpdVersion)

	// concurrent modifications are returned without retrying
	err = service.SaveWithRetry(ctx, stale)
	assert.True(t, errors.Is(err, apperrors.ErrConcurrentModification))

	reread, err = service.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v0", "v1", "v2"}, reread.Attributes["tags"])
}

func TestDataService_RemovedAttributesAreCleared(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	rec := &entity.Record{Attributes: map[string]any{"color": "red", "size": int64(3)}}
	require.NoError(t, service.Save(ctx, rec))

	delete(rec.Attributes, "color")
	require.NoError(t, service.Save(ctx, rec))

	reread, err := service.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotContains(t, reread.Attributes, "color")
	assert.EqualValues(t, 3, reread.Attributes["size"])
}

func TestDataService_FailedSaveRestoresCache(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	require.NoError(t, service.Save(ctx, &entity.Record{ExtID: "dup"}))
	before, ok := f.cache.Get(recordsTable)
	require.True(t, ok)
	resets := f.records(recordsTable).Resets

	second := &entity.Record{ExtID: "dup", Attributes: map[string]any{"color": "red"}}
	err := service.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConstraintViolation))

	after, ok := f.cache.Get(recordsTable)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.NotContains(t, columnNames(f.db.Columns(recordsTable)), "color")
	assert.Greater(t, f.records(recordsTable).Resets, resets)
	assert.Zero(t, second.ID)
}

func TestDataService_FailedSaveInOuterTransactionRollsBackEverything(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	rec := &entity.Record{Attributes: map[string]any{"color": "red"}}
	boom := errors.New("boom")
	err := f.manager.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		require.NoError(t, service.Save(ctx, rec))
		assert.NotZero(t, rec.ID)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rec.ID)

	cached, _ := f.cache.Get(recordsTable)
	assert.NotContains(t, columnNames(cached), "color")
	assert.NotContains(t, columnNames(f.db.Columns(recordsTable)), "color")

	count, err := service.Count(ctx, nil, EvolveOptions{Mock: true})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDataService_SaveWithRetryRecoversFromStaleCache(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	require.NoError(t, service.Save(ctx, &entity.Record{Attributes: map[string]any{"color": "red"}}))

	// another process drops the column behind the cache's back
	require.NoError(t, f.manager.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		return f.db.SchemaDAO().DropColumns(ctx, recordsTable, "color")
	}))

	stale := &entity.Record{Attributes: map[string]any{"color": "blue"}}
	err := service.Save(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSchemaMismatch))
	_, cached := f.cache.Get(recordsTable)
	assert.False(t, cached)

	// the cache goes stale again before the retried save
	f.cache.Set(recordsTable, append(f.db.Columns(recordsTable), models.ColumnDef{Name: "color", Type: models.ColumnTypeText}))

	retried := &entity.Record{Attributes: map[string]any{"color": "green"}}
	require.NoError(t, service.SaveWithRetry(ctx, retried))
	assert.NotZero(t, retried.ID)
	assert.Contains(t, columnNames(f.db.Columns(recordsTable)), "color")
}

func TestDataService_DeleteIsSoft(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	keep := &entity.Record{Name: "keep"}
	gone := &entity.Record{Name: "gone"}
	require.NoError(t, service.Save(ctx, keep))
	require.NoError(t, service.Save(ctx, gone))

	require.NoError(t, service.Delete(ctx, gone.ID))

	_, err := service.FindByID(ctx, gone.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, service.Delete(ctx, gone.ID), apperrors.ErrNotFound)

	all, err := service.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID, all[0].ID)

	withDeleted, err := service.Find(ctx, nil, FindOptions{IncludeDeleted: true, OrderBy: []repositories.Order{{Column: entity.ColumnID, Desc: true}}})
	require.NoError(t, err)
	require.Len(t, withDeleted, 2)
	assert.True(t, withDeleted[0].Deleted)

	count, err := service.Count(ctx, nil, EvolveOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, service.ForceDelete(ctx, gone.ID))
	count, err = service.Count(ctx, nil, EvolveOptions{Mock: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestDataService_FindPaging(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, service.Save(ctx, &entity.Record{Name: name}))
	}

	page, err := service.Find(ctx, nil, FindOptions{
		OrderBy: []repositories.Order{{Column: entity.SystemColumn("name")}},
		Limit:   2,
		Offset:  1,
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Name)
	assert.Equal(t, "c", page[1].Name)
}

func TestDataService_ReadsOfMissingTable(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)
	service := NewDataService(sc.Deps(), entity.NewRecordMapper(), models.TableRef{Schema: "content"}, sc.Records("records"), Options{}, nil)

	_, err = service.FindByID(ctx, 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	all, err := service.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, cached := f.cache.Get(recordsTable)
	assert.False(t, cached)
}

func TestDataService_ResetColumnsCache(t *testing.T) {
	f := newStoreFixture(t)
	service := f.recordService(t)
	resets := f.records(recordsTable).Resets

	service.ResetColumnsCache(context.Background())

	_, ok := f.cache.Get(recordsTable)
	assert.False(t, ok)
	assert.Equal(t, resets+1, f.records(recordsTable).Resets)

	_, err := service.FindAll(context.Background())
	require.NoError(t, err)
	_, ok = f.cache.Get(recordsTable)
	assert.True(t, ok)
}

type fakeMigrator struct {
	calls []int
	err   error
}

func (m *fakeMigrator) Run(_ context.Context, _ models.TableRef, target int) error {
	m.calls = append(m.calls, target)
	return m.err
}

func TestDataService_InitMigratesExistingTables(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)

	migrator := &fakeMigrator{}
	fresh := NewDataService(sc.Deps(), entity.NewRecordMapper(), recordsTable, sc.Records("records"),
		Options{TargetVersion: entity.RecordSchemaVersion, Migrator: migrator}, nil)
	require.NoError(t, fresh.Init(ctx))
	assert.Empty(t, migrator.calls)

	again := NewDataService(sc.Deps(), entity.NewRecordMapper(), recordsTable, sc.Records("records"),
		Options{TargetVersion: entity.RecordSchemaVersion, Migrator: migrator}, nil)
	require.NoError(t, again.Init(ctx))
	assert.Equal(t, []int{entity.RecordSchemaVersion}, migrator.calls)
	assert.Equal(t, entity.RecordSchemaVersion, again.SchemaVersion())

	migrator.err = apperrors.ErrMigrationFailed
	failing := NewDataService(sc.Deps(), entity.NewRecordMapper(), recordsTable, sc.Records("records"),
		Options{TargetVersion: entity.RecordSchemaVersion, Migrator: migrator}, nil)
	assert.ErrorIs(t, failing.Init(ctx), apperrors.ErrMigrationFailed)
}

func TestRegistry_SchemaBootstrapsOnce(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()

	first, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)
	second, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"content"}, f.recorded)
	assert.Equal(t, []string{"content"}, f.registry.Schemas())

	assert.Contains(t, f.beginner.Executed(), `CREATE SCHEMA IF NOT EXISTS "content"`)
	metaTable := models.NewTableRef("content", repositories.TableMetaTable)
	assert.NotEmpty(t, f.db.Columns(metaTable))

	_, err = f.registry.Schema(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, f.db.Columns(models.NewTableRef("", repositories.TableMetaTable)))
}

func TestRegistry_RegisterCachesServices(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sc, err := f.registry.Schema(ctx, "content")
	require.NoError(t, err)

	first, err := Register(ctx, sc, entity.NewRecordMapper(), Options{})
	require.NoError(t, err)
	second, err := Register(ctx, sc, entity.NewRecordMapper(), Options{})
	require.NoError(t, err)
	assert.Same(t, first, second)

	tables, err := sc.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.TableRef{recordsTable}, tables)

	_, err = Register(ctx, sc, repositories.TableMetaDescriptor().Table("records").MustBuild(), Options{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidDescriptor)
}
