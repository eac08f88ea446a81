package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/expr"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
)

func liveColumns() []models.ColumnDef {
	return append(recordColumns(),
		models.ColumnDef{Name: "__upd_version", Type: models.ColumnTypeLong},
		models.ColumnDef{Name: "price", Type: models.ColumnTypeDouble},
		models.ColumnDef{Name: "type", Type: models.ColumnTypeText},
	)
}

func TestBuildSelect(t *testing.T) {
	tests := []struct {
		name         string
		query        SelectQuery
		expectedSQL  string
		expectedArgs []any
	}{
		{
			name:        "all rows",
			query:       SelectQuery{},
			expectedSQL: `SELECT * FROM "content"."records" WHERE "__deleted" IS NOT TRUE`,
		},
		{
			name:        "including deleted",
			query:       SelectQuery{IncludeDeleted: true},
			expectedSQL: `SELECT * FROM "content"."records" WHERE TRUE`,
		},
		{
			name: "system fields resolve before attributes",
			query: SelectQuery{
				Where:   predicate.AllOf(predicate.Eq("type", "doc"), predicate.Gt("price", 10.0)),
				OrderBy: []Order{{Column: "price", Desc: true}, {Column: "id"}},
				Limit:   20,
				Offset:  40,
			},
			expectedSQL: `SELECT * FROM "content"."records" WHERE "__deleted" IS NOT TRUE AND ` +
				`(("__type" = $1 AND "price" > $2)) ORDER BY "price" DESC, "id" LIMIT 20 OFFSET 40`,
			expectedArgs: []any{"doc", 10.0},
		},
		{
			name: "unknown attribute",
			query: SelectQuery{
				Where:          predicate.Eq("color", "red"),
				Columns:        []string{"id", "type", "color"},
				IncludeDeleted: true,
				ForUpdate:      true,
			},
			expectedSQL: `SELECT "id", "__type" AS "type", NULL AS "color" FROM "content"."records" WHERE NULL FOR UPDATE`,
		},
		{
			name: "aggregates with group by",
			query: SelectQuery{
				Expressions: map[string]expr.Token{
					"total": expr.MustParse("sum(price)"),
					"n":     expr.MustParse("count(*)"),
				},
				GroupBy:        []string{"type"},
				OrderBy:        []Order{{Column: "total", Desc: true}},
				IncludeDeleted: true,
			},
			expectedSQL: `SELECT "__type" AS "type", count(*) AS "n", sum("price") AS "total" FROM "content"."records" ` +
				`WHERE TRUE GROUP BY "__type" ORDER BY "total" DESC`,
		},
		{
			name: "aggregates collapse without group by",
			query: SelectQuery{
				Expressions: map[string]expr.Token{
					"n":   expr.MustParse("count(*)"),
					"net": expr.MustParse("sum(price * 2)"),
				},
				IncludeDeleted: true,
			},
			expectedSQL: `SELECT *, 1 AS "n", ("price" * 2) AS "net" FROM "content"."records" WHERE TRUE`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := BuildSelect(recordsTable, liveColumns(), tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedSQL, sql)
			if tt.expectedArgs == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.expectedArgs, args)
			}
		})
	}
}

func TestBuildSelect_Errors(t *testing.T) {
	_, _, err := BuildSelect(recordsTable, liveColumns(), SelectQuery{GroupBy: []string{"missing"}})
	assert.ErrorContains(t, err, "unknown column missing")

	_, _, err = BuildSelect(recordsTable, liveColumns(), SelectQuery{OrderBy: []Order{{Column: "missing"}}})
	assert.ErrorContains(t, err, "unknown column missing")

	_, _, err = BuildSelect(recordsTable, liveColumns(), SelectQuery{
		Expressions: map[string]expr.Token{"x": expr.Func("lower", expr.Column("missing"))},
	})
	assert.ErrorContains(t, err, "missing")

	_, _, err = BuildSelect(recordsTable, liveColumns(), SelectQuery{
		Expressions: map[string]expr.Token{"x": expr.Func("pg_sleep", expr.Scalar(int64(10)))},
	})
	assert.ErrorContains(t, err, "not allowed")
}

func TestBuildUpdate(t *testing.T) {
	columns := models.ColumnsByName(liveColumns())
	row := entity.Row{"__type": "doc", "price": 9.5, "__authorities": []string{"a"}}

	sql, args, versioned := BuildUpdate(recordsTable, columns, []string{"__authorities", "__type", "price"}, row, 42, 3)
	assert.True(t, versioned)
	assert.Equal(t, `UPDATE "content"."records" SET "__authorities" = $1, "__type" = $2, "price" = $3, "__upd_version" = $4 `+
		`WHERE "id" = $5 AND COALESCE("__upd_version", 0) = $6`, sql)
	assert.Equal(t, []any{[]string{"a"}, "doc", 9.5, int64(4), int64(42), int64(3)}, args)

	unversioned := models.ColumnsByName(recordColumns())
	sql, args, versioned = BuildUpdate(recordsTable, unversioned, nil, entity.Row{}, 7, 0)
	assert.False(t, versioned)
	assert.Equal(t, `UPDATE "content"."records" SET "id" = "id" WHERE "id" = $1`, sql)
	assert.Equal(t, []any{int64(7)}, args)
}

type staticSchema struct {
	SchemaDAO
	columns []models.ColumnDef
	calls   int
}

func (s *staticSchema) GetColumns(context.Context, models.TableRef) ([]models.ColumnDef, error) {
	s.calls++
	return s.columns, nil
}

func TestRecordsDAO_ColumnsCache(t *testing.T) {
	schema := &staticSchema{columns: liveColumns()}
	dao := NewRecordsDAO(recordsTable, schema, nil)
	ctx := context.Background()

	columns, err := dao.Columns(ctx)
	require.NoError(t, err)
	assert.Len(t, columns, len(liveColumns()))

	columns[0].Name = "mutated"
	again, err := dao.Columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, "id", again[0].Name)
	assert.Equal(t, 1, schema.calls)

	dao.ResetColumnsCache()
	_, err = dao.Columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, schema.calls)

	dao.SetColumns([]models.ColumnDef{{Name: "id", Type: models.ColumnTypeLongSerial}})
	columns, err = dao.Columns(ctx)
	require.NoError(t, err)
	assert.Len(t, columns, 1)
	assert.Equal(t, 2, schema.calls)
}

func TestRecordsDAO_WritesNeedTransaction(t *testing.T) {
	dao := NewRecordsDAO(recordsTable, &staticSchema{columns: liveColumns()}, nil)
	ctx := context.Background()

	_, err := dao.Insert(ctx, entity.Row{"__type": "doc"})
	assert.ErrorIs(t, err, apperrors.ErrNoTransaction)
	assert.ErrorIs(t, dao.Update(ctx, 1, 0, entity.Row{}), apperrors.ErrNoTransaction)
	assert.ErrorIs(t, dao.Delete(ctx, 1), apperrors.ErrNoTransaction)
}
