package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/expr"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// Order sorts query results by a column or an expression alias.
type Order struct {
	Column string
	Desc   bool
}

// SelectQuery describes a read against one table.
type SelectQuery struct {
	Where predicate.Predicate
	// Expressions are computed projections keyed by their result alias. Without GroupBy,
	// aggregate calls are collapsed to their per-row equivalents.
	Expressions map[string]expr.Token
	// Columns restricts the projection. When empty and GroupBy is empty every column is
	// returned; when empty with GroupBy the group columns are returned.
	Columns []string
	GroupBy []string
	OrderBy []Order
	Limit   int
	Offset  int
	// ForUpdate locks the selected rows until the ambient transaction ends.
	ForUpdate bool
	// IncludeDeleted returns soft-deleted rows too.
	IncludeDeleted bool
}

// RecordsDAO performs row-level SQL against one table. It keeps its own copy of the
// table's columns, used to resolve attributes and to reject writes to columns it has
// not seen; ResetColumnsCache makes it re-read them from the catalog.
type RecordsDAO interface {
	Table() models.TableRef
	Columns(ctx context.Context) ([]models.ColumnDef, error)
	SetColumns(columns []models.ColumnDef)
	ResetColumnsCache()

	// FindByID returns apperrors.ErrNotFound when no row has id.
	FindByID(ctx context.Context, id int64, forUpdate bool) (entity.Row, error)
	FindByExtID(ctx context.Context, extID string) (entity.Row, error)
	Find(ctx context.Context, q SelectQuery) ([]entity.Row, error)
	Count(ctx context.Context, where predicate.Predicate, includeDeleted bool) (int64, error)

	// Insert writes row and returns the generated id.
	Insert(ctx context.Context, row entity.Row) (int64, error)
	// Update writes the columns of row to the row with id. On tables with an
	// update-version column the write only applies while the stored version equals
	// expectedVersion, and bumps it by one.
	Update(ctx context.Context, id int64, expectedVersion int64, row entity.Row) error
	Delete(ctx context.Context, id int64) error
}

type recordsDAO struct {
	table  models.TableRef
	schema SchemaDAO
	logger *zap.Logger

	mu      sync.RWMutex
	columns []models.ColumnDef
	loaded  bool
}

// NewRecordsDAO creates a RecordsDAO for table. Columns are loaded through schema on first use.
func NewRecordsDAO(table models.TableRef, schema SchemaDAO, logger *zap.Logger) RecordsDAO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &recordsDAO{
		table:  table,
		schema: schema,
		logger: logger.Named("records-dao").With(zap.String("table", table.Key())),
	}
}

var _ RecordsDAO = (*recordsDAO)(nil)

func (d *recordsDAO) Table() models.TableRef {
	return d.table
}

func (d *recordsDAO) Columns(ctx context.Context) ([]models.ColumnDef, error) {
	d.mu.RLock()
	if d.loaded {
		columns := models.CopyColumns(d.columns)
		d.mu.RUnlock()
		return columns, nil
	}
	d.mu.RUnlock()

	columns, err := d.schema.GetColumns(ctx, d.table)
	if err != nil {
		return nil, err
	}
	d.SetColumns(columns)
	return columns, nil
}

func (d *recordsDAO) SetColumns(columns []models.ColumnDef) {
	d.mu.Lock()
	d.columns = models.CopyColumns(columns)
	d.loaded = true
	d.mu.Unlock()
}

func (d *recordsDAO) ResetColumnsCache() {
	d.mu.Lock()
	d.columns, d.loaded = nil, false
	d.mu.Unlock()
	d.logger.Debug("Columns cache reset")
}

func (d *recordsDAO) columnMap(ctx context.Context) (map[string]models.ColumnDef, error) {
	columns, err := d.Columns(ctx)
	if err != nil {
		return nil, err
	}
	return models.ColumnsByName(columns), nil
}

// lookupColumn resolves an attribute name: a system field name ("type") resolves to its
// prefixed column, anything else is taken literally. Static columns win on collisions.
func lookupColumn(columns map[string]models.ColumnDef, attr string) (models.ColumnDef, bool) {
	if !entity.IsSystemColumn(attr) {
		if c, ok := columns[entity.SystemColumn(attr)]; ok {
			return c, true
		}
	}
	c, ok := columns[attr]
	return c, ok
}

func predicateResolver(columns map[string]models.ColumnDef) predicate.Resolver {
	return func(attr string) (predicate.Column, bool) {
		c, ok := lookupColumn(columns, attr)
		if !ok {
			return predicate.Column{}, false
		}
		return predicate.Column{SQL: quoteIdent(c.Name), Def: c}, true
	}
}

func expressionResolver(columns map[string]models.ColumnDef) expr.ColumnResolver {
	return func(name string) (string, bool) {
		c, ok := lookupColumn(columns, name)
		if !ok {
			return "", false
		}
		return quoteIdent(c.Name), true
	}
}

func buildWhere(table models.TableRef, columns map[string]models.ColumnDef, where predicate.Predicate, includeDeleted bool, args *predicate.Args) (string, error) {
	condition, err := predicate.Compile(where, predicateResolver(columns), args)
	if err != nil {
		return "", fmt.Errorf("failed to compile predicate for %s: %w", table.Key(), err)
	}
	if _, ok := columns[entity.ColumnDeleted]; ok && !includeDeleted {
		if condition == "TRUE" {
			return quoteIdent(entity.ColumnDeleted) + " IS NOT TRUE", nil
		}
		return fmt.Sprintf("%s IS NOT TRUE AND (%s)", quoteIdent(entity.ColumnDeleted), condition), nil
	}
	return condition, nil
}

// BuildSelect renders q against the given live columns.
func BuildSelect(table models.TableRef, columns []models.ColumnDef, q SelectQuery) (string, []any, error) {
	byName := models.ColumnsByName(columns)
	args := predicate.NewArgs()

	var projection []string
	switch {
	case len(q.Columns) > 0:
		for _, name := range q.Columns {
			projection = append(projection, projectColumn(byName, name))
		}
	case len(q.GroupBy) > 0:
		for _, name := range q.GroupBy {
			projection = append(projection, projectColumn(byName, name))
		}
	default:
		projection = append(projection, "*")
	}

	aliases := make([]string, 0, len(q.Expressions))
	for alias := range q.Expressions {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	resolveExpr := expressionResolver(byName)
	for _, alias := range aliases {
		token := q.Expressions[alias]
		if err := token.Validate(); err != nil {
			return "", nil, fmt.Errorf("invalid expression %s: %w", alias, err)
		}
		if len(q.GroupBy) == 0 {
			token = expr.CollapseAggregates(token)
		}
		rendered, err := expr.RenderSQL(token, resolveExpr)
		if err != nil {
			return "", nil, fmt.Errorf("failed to render expression %s: %w", alias, err)
		}
		projection = append(projection, fmt.Sprintf("%s AS %s", rendered, quoteIdent(alias)))
	}

	condition, err := buildWhere(table, byName, q.Where, q.IncludeDeleted, args)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", strings.Join(projection, ", "), table, condition)

	if len(q.GroupBy) > 0 {
		groups := make([]string, len(q.GroupBy))
		for i, name := range q.GroupBy {
			c, ok := lookupColumn(byName, name)
			if !ok {
				return "", nil, fmt.Errorf("cannot group %s by unknown column %s", table.Key(), name)
			}
			groups[i] = quoteIdent(c.Name)
		}
		sb.WriteString(" GROUP BY " + strings.Join(groups, ", "))
	}

	if len(q.OrderBy) > 0 {
		orders := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			var target string
			if _, ok := q.Expressions[o.Column]; ok {
				target = quoteIdent(o.Column)
			} else if c, ok := lookupColumn(byName, o.Column); ok {
				target = quoteIdent(c.Name)
			} else {
				return "", nil, fmt.Errorf("cannot order %s by unknown column %s", table.Key(), o.Column)
			}
			if o.Desc {
				target += " DESC"
			}
			orders[i] = target
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + strconv.Itoa(q.Offset))
	}
	if q.ForUpdate {
		sb.WriteString(" FOR UPDATE")
	}
	return sb.String(), args.Values(), nil
}

// projectColumn selects a column by attribute name, keeping the requested name as the
// result key. Unknown columns project as NULL.
func projectColumn(columns map[string]models.ColumnDef, name string) string {
	c, ok := lookupColumn(columns, name)
	if !ok {
		return "NULL AS " + quoteIdent(name)
	}
	if c.Name == name {
		return quoteIdent(name)
	}
	return fmt.Sprintf("%s AS %s", quoteIdent(c.Name), quoteIdent(name))
}

func (d *recordsDAO) Find(ctx context.Context, q SelectQuery) ([]entity.Row, error) {
	columns, err := d.Columns(ctx)
	if err != nil {
		return nil, err
	}
	if q.ForUpdate && txn.IsReadOnly(ctx) {
		return nil, apperrors.ErrReadOnlyTransaction.WithMessage("cannot lock rows of %s in a read-only scope", d.table.Key())
	}
	sql, args, err := BuildSelect(d.table, columns, q)
	if err != nil {
		return nil, err
	}
	rows, err := txn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.table.Key(), err)
	}
	return collectRows(rows, models.ColumnsByName(columns))
}

func (d *recordsDAO) findOne(ctx context.Context, q SelectQuery, what string) (entity.Row, error) {
	q.Limit = 1
	rows, err := d.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", d.table.Key(), what, apperrors.ErrNotFound)
	}
	return rows[0], nil
}

func (d *recordsDAO) FindByID(ctx context.Context, id int64, forUpdate bool) (entity.Row, error) {
	return d.findOne(ctx, SelectQuery{
		Where:          predicate.Eq(entity.ColumnID, id),
		ForUpdate:      forUpdate,
		IncludeDeleted: true,
	}, fmt.Sprintf("id %d", id))
}

func (d *recordsDAO) FindByExtID(ctx context.Context, extID string) (entity.Row, error) {
	return d.findOne(ctx, SelectQuery{
		Where:          predicate.Eq(entity.ColumnExtID, extID),
		IncludeDeleted: true,
	}, fmt.Sprintf("ext id %q", extID))
}

func (d *recordsDAO) Count(ctx context.Context, where predicate.Predicate, includeDeleted bool) (int64, error) {
	columns, err := d.columnMap(ctx)
	if err != nil {
		return 0, err
	}
	args := predicate.NewArgs()
	condition, err := buildWhere(d.table, columns, where, includeDeleted, args)
	if err != nil {
		return 0, err
	}
	var count int64
	sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", d.table, condition)
	if err := txn.QueryRow(ctx, sql, args.Values()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", d.table.Key(), apperrors.ClassifyPgError(err))
	}
	return count, nil
}

func (d *recordsDAO) checkWritable(ctx context.Context) error {
	if !txn.InTransaction(ctx) {
		return apperrors.ErrNoTransaction
	}
	if txn.IsReadOnly(ctx) {
		return apperrors.ErrReadOnlyTransaction.WithMessage("cannot write to %s in a read-only scope", d.table.Key())
	}
	return nil
}

// writeColumns returns the row's column names in stable order, rejecting columns the
// DAO does not know. A write naming such a column was planned against a stale schema.
func (d *recordsDAO) writeColumns(columns map[string]models.ColumnDef, row entity.Row, skip ...string) ([]string, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		if contains(skip, name) {
			continue
		}
		if _, ok := columns[name]; !ok {
			return nil, apperrors.ErrSchemaMismatch.WithMessage("column %s does not exist in %s", name, d.table.Key())
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func (d *recordsDAO) Insert(ctx context.Context, row entity.Row) (int64, error) {
	if err := d.checkWritable(ctx); err != nil {
		return 0, err
	}
	columns, err := d.columnMap(ctx)
	if err != nil {
		return 0, err
	}
	var skip []string
	if id, _ := entity.AsInt64(row[entity.ColumnID]); id == 0 {
		skip = append(skip, entity.ColumnID)
	}
	names, err := d.writeColumns(columns, row, skip...)
	if err != nil {
		return 0, err
	}

	var sql string
	args := make([]any, len(names))
	if len(names) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", d.table, quoteIdent(entity.ColumnID))
	} else {
		placeholders := make([]string, len(names))
		for i, name := range names {
			args[i] = row[name]
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			d.table, quoteIdents(names), strings.Join(placeholders, ", "), quoteIdent(entity.ColumnID))
	}

	var id int64
	if err := txn.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", d.table.Key(), apperrors.ClassifyPgError(err))
	}
	return id, nil
}

// BuildUpdate renders the UPDATE for Update. The returned flag reports whether the
// statement is guarded by the update version.
func BuildUpdate(table models.TableRef, columns map[string]models.ColumnDef, names []string, row entity.Row, id, expectedVersion int64) (string, []any, bool) {
	args := predicate.NewArgs()
	var sets []string
	for _, name := range names {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(name), args.Add(row[name])))
	}

	_, versioned := columns[entity.ColumnUpdVersion]
	if versioned {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(entity.ColumnUpdVersion), args.Add(expectedVersion+1)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(entity.ColumnID), quoteIdent(entity.ColumnID)))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", table, strings.Join(sets, ", "), quoteIdent(entity.ColumnID), args.Add(id))
	if versioned {
		sql += fmt.Sprintf(" AND COALESCE(%s, 0) = %s", quoteIdent(entity.ColumnUpdVersion), args.Add(expectedVersion))
	}
	return sql, args.Values(), versioned
}

func (d *recordsDAO) Update(ctx context.Context, id int64, expectedVersion int64, row entity.Row) error {
	if err := d.checkWritable(ctx); err != nil {
		return err
	}
	columns, err := d.columnMap(ctx)
	if err != nil {
		return err
	}
	names, err := d.writeColumns(columns, row, entity.ColumnID, entity.ColumnUpdVersion)
	if err != nil {
		return err
	}
	sql, args, versioned := BuildUpdate(d.table, columns, names, row, id, expectedVersion)
	tag, err := txn.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s id %d: %w", d.table.Key(), id, err)
	}
	if tag.RowsAffected() == 0 {
		if versioned {
			return apperrors.ErrConcurrentModification.WithMessage("%s id %d was modified since version %d", d.table.Key(), id, expectedVersion)
		}
		return fmt.Errorf("%s id %d: %w", d.table.Key(), id, apperrors.ErrNotFound)
	}
	return nil
}

func (d *recordsDAO) Delete(ctx context.Context, id int64) error {
	if err := d.checkWritable(ctx); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", d.table, quoteIdent(entity.ColumnID))
	tag, err := txn.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s id %d: %w", d.table.Key(), id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s id %d: %w", d.table.Key(), id, apperrors.ErrNotFound)
	}
	return nil
}

// collectRows reads every row into column-keyed maps, normalizing driver values by the
// live column definitions.
func collectRows(rows pgx.Rows, columns map[string]models.ColumnDef) ([]entity.Row, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var result []entity.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(entity.Row, len(fields))
		for i, f := range fields {
			v := values[i]
			if c, ok := columns[f.Name]; ok && v != nil {
				if v, err = entity.Normalize(c, v); err != nil {
					return nil, fmt.Errorf("failed to decode column %s: %w", f.Name, err)
				}
			}
			row[f.Name] = v
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to iterate rows: %w", apperrors.ClassifyPgError(err))
	}
	return result, nil
}
