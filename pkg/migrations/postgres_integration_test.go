//go:build integration

package migrations_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/contentstore"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/migrations"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
	"github.com/ekaya-inc/ekaya-datastore/pkg/testhelpers"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

type mapRefs map[string]int64

func (m mapRefs) IDFor(_ context.Context, ref string) (int64, error) {
	if id, ok := m[ref]; ok {
		return id, nil
	}
	return 0, apperrors.ErrNotFound
}

func (m mapRefs) RefFor(_ context.Context, id int64) (string, error) {
	for ref, other := range m {
		if other == id {
			return ref, nil
		}
	}
	return "", apperrors.ErrNotFound
}

type tenantPermissions struct{}

func (tenantPermissions) ReadableAuthorities(_ context.Context, record *entity.Record) ([]string, error) {
	return []string{"tenant:" + record.Tenant}, nil
}

func TestRunner_Postgres_MigratesLegacyTable(t *testing.T) {
	db := testhelpers.GetDatastoreDB(t)
	schema := testhelpers.FreshSchema(t, db)
	ctx := context.Background()

	manager := txn.NewManager(db.DB, zap.NewNop())
	registry := services.NewRegistry(manager, services.PostgresBackend(zap.NewNop()), columncache.New(nil, nil),
		&retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, zap.NewNop())
	sc, err := registry.Schema(ctx, schema)
	require.NoError(t, err)
	table := sc.Table("records")

	// the records table as it looked at version 2
	_, err = db.DB.Exec(ctx, `CREATE TABLE "`+schema+`"."records" (
		"id" BIGSERIAL PRIMARY KEY,
		"__ext_id" VARCHAR NOT NULL,
		"__deleted" BOOLEAN,
		"__upd_version" BIGINT,
		"__tenant" VARCHAR,
		"__type" VARCHAR,
		"__ref_id" VARCHAR,
		"__content" BYTEA,
		"__authorities" VARCHAR[],
		"title" VARCHAR
	)`)
	require.NoError(t, err)
	_, err = db.DB.Exec(ctx, `INSERT INTO "`+schema+`"."records"
		("__ext_id", "__upd_version", "__tenant", "__type", "__ref_id", "__content", "title") VALUES
		('a', 0, 'acme', 'doc', 'doc-a', 'hello'::bytea, 'first'),
		('b', 0, 'acme', 'doc', '42', NULL, 'second'),
		('c', 0, 'initech', 'doc', 'gone', 'world'::bytea, 'third')`)
	require.NoError(t, err)
	require.NoError(t, manager.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		return sc.Deps().Meta.SetVersion(ctx, table, 2)
	}))

	content, err := contentstore.NewLocalStore(t.TempDir(), true, zap.NewNop())
	require.NoError(t, err)
	runner := migrations.NewRunner(migrations.DefaultRegistry(), sc, migrations.Collaborators{
		Refs:        mapRefs{"doc-a": 7},
		Permissions: tenantPermissions{},
		Content:     content,
	}, zap.NewNop())
	runner.ChunkSize = 2

	pending, from, err := runner.Pending(ctx, table, entity.RecordSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, 2, from)
	require.Len(t, pending, 2)

	service, err := services.Register(ctx, sc, entity.NewRecordMapper(), services.Options{
		TargetVersion: entity.RecordSchemaVersion,
		Migrator:      runner,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.RecordSchemaVersion, service.SchemaVersion())

	live, err := txn.Do(ctx, manager, txn.Options{ReadOnly: true}, func(ctx context.Context) ([]models.ColumnDef, error) {
		return sc.Deps().Schema.GetColumns(ctx, table)
	})
	require.NoError(t, err)
	byName := models.ColumnsByName(live)
	assert.Equal(t, models.ColumnTypeLong, byName[entity.ColumnRefID].Type)
	assert.Equal(t, models.ColumnTypeText, byName[entity.ColumnContent].Type)
	for name := range byName {
		assert.False(t, strings.HasSuffix(name, "__next") || strings.HasSuffix(name, "__done"), "leftover column %s", name)
	}

	a, err := service.FindByExtID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.RefID)
	ref, err := contentstore.ParseRef(a.Content)
	require.NoError(t, err)
	payload, err := contentstore.ReadAll(ctx, content, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	b, err := service.FindByExtID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.RefID)
	assert.Empty(t, b.Content)

	c, err := service.FindByExtID(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, c.RefID, "unresolvable refs are cleared")

	meta, err := service.TableMeta(ctx)
	require.NoError(t, err)
	var migrated []models.ChangeSet
	for _, change := range meta.Changelog {
		if change.ChangeType == models.ChangeTypeMigration {
			migrated = append(migrated, change)
		}
	}
	require.Len(t, migrated, 2)
	assert.NotEmpty(t, migrated[0].DDLCommands)
}
