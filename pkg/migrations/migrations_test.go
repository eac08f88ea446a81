package migrations

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/contentstore"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories/repotest"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn/txntest"
)

var recordsTable = models.NewTableRef("content", "records")

type fixture struct {
	db      *repotest.DB
	manager *txn.Manager
	cache   *columncache.Cache
	schema  *services.SchemaContext
	refs    *fakeRefs
	perms   fakePermissions
	content contentstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		db:    repotest.NewDB(),
		cache: columncache.New(nil, nil),
		refs:  &fakeRefs{ids: map[string]int64{"doc-a": 7, "doc-b": 8, "doc-c": 9}},
	}
	f.manager = txn.NewManager(&txntest.Beginner{}, nil)
	backend := services.Backend{
		Schema:  f.db.SchemaDAO(),
		Records: func(table models.TableRef) repositories.RecordsDAO { return f.db.RecordsDAO(table) },
	}
	registry := services.NewRegistry(f.manager, backend, f.cache, nil, nil)
	var err error
	f.schema, err = registry.Schema(ctx, "content")
	require.NoError(t, err)
	f.content, err = contentstore.NewLocalStore(t.TempDir(), true, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) collaborators() Collaborators {
	return Collaborators{Refs: f.refs, Permissions: f.perms, Content: f.content}
}

func (f *fixture) runner(registry *Registry) *Runner {
	r := NewRunner(registry, f.schema, f.collaborators(), nil)
	r.ChunkSize = 2
	return r
}

// legacyTable creates the records table as it looked at version, with one row per value.
func (f *fixture) legacyTable(t *testing.T, version int, rows ...entity.Row) {
	t.Helper()
	columns := []models.ColumnDef{
		{Name: entity.ColumnID, Type: models.ColumnTypeLongSerial},
		{Name: entity.ColumnExtID, Type: models.ColumnTypeText},
		{Name: entity.ColumnDeleted, Type: models.ColumnTypeBoolean},
		{Name: entity.ColumnUpdVersion, Type: models.ColumnTypeLong},
		{Name: entity.SystemColumn("tenant"), Type: models.ColumnTypeText},
		{Name: entity.ColumnRefID, Type: models.ColumnTypeText},
		{Name: entity.ColumnContent, Type: models.ColumnTypeBinary},
		{Name: "title", Type: models.ColumnTypeText},
	}
	if version >= 1 {
		columns = append(columns, authoritiesColumn)
	}
	err := f.manager.WithTransaction(context.Background(), txn.Options{}, func(ctx context.Context) error {
		if err := f.db.SchemaDAO().CreateTable(ctx, recordsTable, columns); err != nil {
			return err
		}
		dao := f.db.RecordsDAO(recordsTable)
		for _, row := range rows {
			row[entity.ColumnUpdVersion] = int64(0)
			if _, err := dao.Insert(ctx, row); err != nil {
				return err
			}
		}
		return f.schema.Deps().Meta.SetVersion(ctx, recordsTable, version)
	})
	require.NoError(t, err)
}

func (f *fixture) version(t *testing.T) int {
	t.Helper()
	version, err := txn.Do(context.Background(), f.manager, txn.Options{ReadOnly: true}, func(ctx context.Context) (int, error) {
		meta, err := f.schema.Deps().Meta.Get(ctx, recordsTable)
		if err != nil {
			return 0, err
		}
		return meta.SchemaVersion, nil
	})
	require.NoError(t, err)
	return version
}

func (f *fixture) meta(t *testing.T) *models.TableMeta {
	t.Helper()
	meta, err := txn.Do(context.Background(), f.manager, txn.Options{ReadOnly: true}, func(ctx context.Context) (*models.TableMeta, error) {
		return f.schema.Deps().Meta.Get(ctx, recordsTable)
	})
	require.NoError(t, err)
	return meta
}

func rowByExtID(t *testing.T, rows []entity.Row, extID string) entity.Row {
	t.Helper()
	for _, row := range rows {
		if row[entity.ColumnExtID] == extID {
			return row
		}
	}
	t.Fatalf("no row with ext id %s", extID)
	return nil
}

type fakeRefs struct {
	mu    sync.Mutex
	ids   map[string]int64
	calls int
}

func (r *fakeRefs) IDFor(_ context.Context, ref string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	id, ok := r.ids[ref]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	return id, nil
}

func (r *fakeRefs) RefFor(_ context.Context, id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, other := range r.ids {
		if other == id {
			return ref, nil
		}
	}
	return "", apperrors.ErrNotFound
}

type fakePermissions struct{}

func (fakePermissions) ReadableAuthorities(_ context.Context, record *entity.Record) ([]string, error) {
	return []string{"tenant:" + record.Tenant, "type:" + record.Type}, nil
}

func TestRegistry_Register(t *testing.T) {
	noop := func(context.Context, *Context) error { return nil }
	r := NewRegistry()

	require.NoError(t, r.Register(New("b", 0, 1, noop)))
	require.NoError(t, r.Register(New("a", 0, 1, noop)))
	require.NoError(t, r.Register(New("c", 1, 3, noop)))

	assert.Error(t, r.Register(New("a", 3, 4, noop)), "duplicate id")
	assert.Error(t, r.Register(New("d", 3, 3, noop)), "no progress")
	assert.Error(t, r.Register(New("e", 0, 2, noop)), "conflicting target")
	assert.Error(t, r.Register(New("", 5, 6, noop)))

	step := r.For(0)
	require.Len(t, step, 2)
	assert.Equal(t, "a", step[0].ID())
	assert.Equal(t, "b", step[1].ID())
	assert.Empty(t, r.For(2))

	path, reached := r.Path(0, 5)
	assert.Len(t, path, 3)
	assert.Equal(t, 3, reached)
}

func TestDefaultRegistry_CoversRecordVersions(t *testing.T) {
	path, reached := DefaultRegistry().Path(0, entity.RecordSchemaVersion)
	assert.Len(t, path, 4)
	assert.Equal(t, entity.RecordSchemaVersion, reached)
}

func TestRunner_MigratesLegacyRecords(t *testing.T) {
	f := newFixture(t)
	stored, err := f.content.Write(context.Background(), strings.NewReader("already stored"))
	require.NoError(t, err)
	f.legacyTable(t, 2,
		entity.Row{entity.ColumnExtID: "a", entity.ColumnRefID: "42", entity.ColumnContent: []byte("hello")},
		entity.Row{entity.ColumnExtID: "b", entity.ColumnRefID: "doc-a"},
		entity.Row{entity.ColumnExtID: "c", entity.ColumnRefID: "gone", entity.ColumnDeleted: true},
		entity.Row{entity.ColumnExtID: "d", entity.ColumnContent: stored.String()},
		entity.Row{entity.ColumnExtID: "e", entity.ColumnRefID: "doc-c"},
	)

	require.NoError(t, f.runner(DefaultRegistry()).Run(context.Background(), recordsTable, entity.RecordSchemaVersion))
	assert.Equal(t, entity.RecordSchemaVersion, f.version(t))

	live := models.ColumnsByName(f.db.Columns(recordsTable))
	assert.Equal(t, models.ColumnTypeLong, live[entity.ColumnRefID].Type)
	assert.Equal(t, models.ColumnTypeText, live[LegacyColumn(entity.ColumnRefID)].Type)
	assert.Equal(t, models.ColumnTypeText, live[entity.ColumnContent].Type)
	assert.Equal(t, models.ColumnTypeBinary, live[LegacyColumn(entity.ColumnContent)].Type)
	for name := range live {
		assert.NotContains(t, name, nextSuffix)
		assert.NotContains(t, name, "__done")
	}

	rows := f.db.Rows(recordsTable)
	require.Len(t, rows, 5)
	assert.Equal(t, int64(42), rowByExtID(t, rows, "a")[entity.ColumnRefID])
	assert.Equal(t, int64(7), rowByExtID(t, rows, "b")[entity.ColumnRefID])
	assert.Nil(t, rowByExtID(t, rows, "c")[entity.ColumnRefID])
	assert.Equal(t, "gone", rowByExtID(t, rows, "c")[LegacyColumn(entity.ColumnRefID)])
	assert.Equal(t, int64(9), rowByExtID(t, rows, "e")[entity.ColumnRefID])

	ref, err := contentstore.ParseRef(rowByExtID(t, rows, "a")[entity.ColumnContent].(string))
	require.NoError(t, err)
	payload, err := contentstore.ReadAll(context.Background(), f.content, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
	assert.Equal(t, stored.String(), rowByExtID(t, rows, "d")[entity.ColumnContent])
	assert.Nil(t, rowByExtID(t, rows, "b")[entity.ColumnContent])

	meta := f.meta(t)
	var migrations []models.ChangeSet
	for _, change := range meta.Changelog {
		if change.ChangeType == models.ChangeTypeMigration {
			migrations = append(migrations, change)
		}
	}
	require.Len(t, migrations, 2)
	assert.EqualValues(t, []any{"0003_refs_to_ids"}, migrations[0].Params["migrations"])
	assert.NotEmpty(t, migrations[0].DDLCommands)
	assert.EqualValues(t, []any{"0004_content_to_store"}, migrations[1].Params["migrations"])
}

func TestRunner_FromVersionZero(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 0,
		entity.Row{entity.ColumnExtID: "a", entity.SystemColumn("tenant"): "acme"},
		entity.Row{entity.ColumnExtID: "b", entity.SystemColumn("tenant"): "globex", entity.ColumnRefID: "doc-b"},
	)

	require.NoError(t, f.runner(DefaultRegistry()).Run(context.Background(), recordsTable, entity.RecordSchemaVersion))
	assert.Equal(t, entity.RecordSchemaVersion, f.version(t))

	rows := f.db.Rows(recordsTable)
	assert.Equal(t, []string{"tenant:acme", "type:"}, rowByExtID(t, rows, "a")[entity.ColumnAuthorities])
	assert.Equal(t, []string{"tenant:globex", "type:"}, rowByExtID(t, rows, "b")[entity.ColumnAuthorities])
	assert.Equal(t, int64(8), rowByExtID(t, rows, "b")[entity.ColumnRefID])
}

func TestRunner_TableBackedCollaborators(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 1,
		entity.Row{entity.ColumnExtID: "doc-a", entity.SystemColumn("tenant"): "acme"},
		entity.Row{entity.ColumnExtID: "doc-b", entity.ColumnRefID: "doc-a"},
		entity.Row{entity.ColumnExtID: "doc-c", entity.ColumnRefID: "doc-missing"},
	)

	runner := NewRunner(DefaultRegistry(), f.schema, Collaborators{
		Refs:        services.NewExtIDRefs(f.schema.Records(recordsTable.Table)),
		Permissions: services.OwnerPermissions{},
		Content:     f.content,
	}, nil)
	require.NoError(t, runner.Run(context.Background(), recordsTable, entity.RecordSchemaVersion))
	assert.Equal(t, entity.RecordSchemaVersion, f.version(t))

	rows := f.db.Rows(recordsTable)
	a := rowByExtID(t, rows, "doc-a")
	assert.Equal(t, a[entity.ColumnID], rowByExtID(t, rows, "doc-b")[entity.ColumnRefID])
	assert.Nil(t, rowByExtID(t, rows, "doc-c")[entity.ColumnRefID])

	authorities, err := entity.AsStrings(a[entity.ColumnAuthorities])
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant:acme"}, authorities)
	authorities, err = entity.AsStrings(rowByExtID(t, rows, "doc-b")[entity.ColumnAuthorities])
	require.NoError(t, err)
	assert.Empty(t, authorities)
}

func TestRunner_InitMigratesThroughDataService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.legacyTable(t, 2,
		entity.Row{entity.ColumnExtID: "a", entity.ColumnRefID: "doc-a", entity.ColumnContent: []byte("body"), "title": "first"},
	)

	service, err := services.Register(ctx, f.schema, entity.NewRecordMapper(), services.Options{
		TargetVersion: entity.RecordSchemaVersion,
		Migrator:      f.runner(DefaultRegistry()),
	})
	require.NoError(t, err)
	assert.Equal(t, entity.RecordSchemaVersion, service.SchemaVersion())

	record, err := service.FindByExtID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), record.RefID)
	assert.True(t, contentstore.IsRef(record.Content))
	assert.Equal(t, "first", record.Attributes["title"])

	record.Name = "renamed"
	require.NoError(t, service.Save(ctx, record))
}

func TestRunner_ResumesInterruptedBackfill(t *testing.T) {
	f := newFixture(t)
	var rows []entity.Row
	for _, ref := range []string{"doc-a", "doc-b", "doc-c", "doc-a", "doc-b"} {
		rows = append(rows, entity.Row{entity.ColumnExtID: ref + "-" + string(rune('a'+len(rows))), entity.ColumnRefID: ref})
	}
	f.legacyTable(t, 2, rows...)

	ctx, cancel := context.WithCancel(context.Background())
	runner := f.runner(DefaultRegistry())
	runner.OnChunk = func(_ context.Context, progress ChunkProgress) error {
		if progress.Chunk == 1 {
			cancel()
		}
		return nil
	}
	err := runner.Run(ctx, recordsTable, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, apperrors.ErrMigrationFailed)
	assert.Equal(t, 2, f.version(t))
	assert.Equal(t, 2, f.refs.calls)

	live := models.ColumnsByName(f.db.Columns(recordsTable))
	assert.Contains(t, live, NextColumn(entity.ColumnRefID))

	runner.OnChunk = nil
	require.NoError(t, runner.Run(context.Background(), recordsTable, 3))
	assert.Equal(t, 3, f.version(t))
	assert.Equal(t, 5, f.refs.calls, "processed rows are not computed again")
}

func TestRunner_OnChunkErrorStopsBackfill(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 2,
		entity.Row{entity.ColumnExtID: "a", entity.ColumnRefID: "doc-a"},
		entity.Row{entity.ColumnExtID: "b", entity.ColumnRefID: "doc-b"},
		entity.Row{entity.ColumnExtID: "c", entity.ColumnRefID: "doc-c"},
	)
	stop := errors.New("stop")
	runner := f.runner(DefaultRegistry())
	runner.OnChunk = func(context.Context, ChunkProgress) error { return stop }

	err := runner.Run(context.Background(), recordsTable, 3)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, f.version(t))
}

func TestRunner_NoMigrationPath(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 2)

	err := f.runner(NewRegistry()).Run(context.Background(), recordsTable, 3)
	assert.ErrorIs(t, err, apperrors.ErrNoMigrationPath)
	assert.Equal(t, 2, f.version(t))
}

func TestRunner_SkipsMissingTableAndCurrentVersion(t *testing.T) {
	f := newFixture(t)
	runner := f.runner(DefaultRegistry())
	require.NoError(t, runner.Run(context.Background(), recordsTable, entity.RecordSchemaVersion))
	assert.Nil(t, f.db.Columns(recordsTable))

	f.legacyTable(t, entity.RecordSchemaVersion)
	require.NoError(t, runner.Run(context.Background(), recordsTable, entity.RecordSchemaVersion))
	assert.Len(t, f.meta(t).Changelog, 0)
}

func TestRunner_RejectsForeignSchema(t *testing.T) {
	f := newFixture(t)
	err := f.runner(DefaultRegistry()).Run(context.Background(), models.NewTableRef("other", "records"), 1)
	assert.Error(t, err)
}

func TestRunner_Pending(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 2)

	pending, reached, err := f.runner(DefaultRegistry()).Pending(context.Background(), recordsTable, entity.RecordSchemaVersion)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "0003_refs_to_ids", pending[0].ID())
	assert.Equal(t, entity.RecordSchemaVersion, reached)
}

func TestRunner_MissingCollaborator(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 3, entity.Row{entity.ColumnExtID: "a", entity.ColumnContent: []byte("x")})

	runner := NewRunner(DefaultRegistry(), f.schema, Collaborators{}, nil)
	err := runner.Run(context.Background(), recordsTable, 4)
	assert.ErrorIs(t, err, apperrors.ErrMigrationFailed)
	assert.Equal(t, 3, f.version(t))
}

func TestBackfill_SecondRunAfterSwapIsNoop(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 2,
		entity.Row{entity.ColumnExtID: "a", entity.ColumnRefID: "doc-a"},
		entity.Row{entity.ColumnExtID: "b", entity.ColumnRefID: "doc-b"},
	)
	computed := 0
	b := &Backfill{
		Name:    "refs",
		Columns: []models.ColumnDef{refIDColumn},
		Compute: func(_ context.Context, row entity.Row) (entity.Row, error) {
			computed++
			return entity.Row{entity.ColumnRefID: int64(computed)}, nil
		},
	}
	mc := &Context{
		Table:   recordsTable,
		Schema:  f.db.SchemaDAO(),
		Records: f.db.RecordsDAO(recordsTable),
		Txn:     f.manager,
		Cache:   f.cache,
		Logger:  zap.NewNop(),
	}

	ctx := context.Background()
	require.NoError(t, b.Run(ctx, mc))
	assert.Equal(t, 2, computed)
	require.NoError(t, b.Run(ctx, mc))
	assert.Equal(t, 2, computed)

	rows := f.db.Rows(recordsTable)
	assert.Equal(t, int64(1), rows[0][entity.ColumnRefID])
	assert.Equal(t, "doc-a", rows[0][LegacyColumn(entity.ColumnRefID)])
}

func TestBackfill_ComputeErrorRollsBackChunk(t *testing.T) {
	f := newFixture(t)
	f.legacyTable(t, 2,
		entity.Row{entity.ColumnExtID: "a", entity.ColumnRefID: "1"},
		entity.Row{entity.ColumnExtID: "b", entity.ColumnRefID: "2"},
	)
	boom := errors.New("boom")
	b := &Backfill{
		Name:    "refs",
		Columns: []models.ColumnDef{refIDColumn},
		Compute: func(_ context.Context, row entity.Row) (entity.Row, error) {
			if row[entity.ColumnExtID] == "b" {
				return nil, boom
			}
			return entity.Row{entity.ColumnRefID: int64(1)}, nil
		},
	}
	mc := &Context{
		Table:   recordsTable,
		Schema:  f.db.SchemaDAO(),
		Records: f.db.RecordsDAO(recordsTable),
		Txn:     f.manager,
		Cache:   f.cache,
		Logger:  zap.NewNop(),
	}

	err := b.Run(context.Background(), mc)
	assert.ErrorIs(t, err, boom)
	for _, row := range f.db.Rows(recordsTable) {
		assert.Nil(t, row[b.FlagColumn()], "chunk was rolled back")
	}
}
