package repotest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/predicate"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// RecordsDAO returns a RecordsDAO over one table of db. Like the PostgreSQL one it
// caches the table's columns until ResetColumnsCache, and rejects writes naming columns
// that do not exist. Computed expressions are not supported.
func (db *DB) RecordsDAO(ref models.TableRef) *Records {
	return &Records{db: db, ref: ref}
}

// Records is the in-memory RecordsDAO.
type Records struct {
	db  *DB
	ref models.TableRef

	mu      sync.Mutex
	columns []models.ColumnDef
	loaded  bool
	// Resets counts ResetColumnsCache calls.
	Resets int
}

var _ repositories.RecordsDAO = (*Records)(nil)

func (r *Records) Table() models.TableRef {
	return r.ref
}

func (r *Records) Columns(context.Context) ([]models.ColumnDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		r.columns = r.db.Columns(r.ref)
		r.loaded = true
	}
	return models.CopyColumns(r.columns), nil
}

func (r *Records) SetColumns(columns []models.ColumnDef) {
	r.mu.Lock()
	r.columns = models.CopyColumns(columns)
	r.loaded = true
	r.mu.Unlock()
}

func (r *Records) ResetColumnsCache() {
	r.mu.Lock()
	r.columns, r.loaded = nil, false
	r.Resets++
	r.mu.Unlock()
}

func (r *Records) columnMap(ctx context.Context) map[string]models.ColumnDef {
	columns, _ := r.Columns(ctx)
	return models.ColumnsByName(columns)
}

func (r *Records) snapshot() *table {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tables[r.ref.Key()]
	if !ok {
		return &table{}
	}
	return t.clone()
}

func (r *Records) FindByID(ctx context.Context, id int64, _ bool) (entity.Row, error) {
	return r.findOne(ctx, predicate.Eq(entity.ColumnID, id))
}

func (r *Records) FindByExtID(ctx context.Context, extID string) (entity.Row, error) {
	return r.findOne(ctx, predicate.Eq(entity.ColumnExtID, extID))
}

func (r *Records) findOne(ctx context.Context, where predicate.Predicate) (entity.Row, error) {
	rows, err := r.Find(ctx, repositories.SelectQuery{Where: where, IncludeDeleted: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", r.ref.Key(), where, apperrors.ErrNotFound)
	}
	return rows[0], nil
}

func (r *Records) Find(ctx context.Context, q repositories.SelectQuery) ([]entity.Row, error) {
	if len(q.Expressions) > 0 || len(q.GroupBy) > 0 {
		return nil, fmt.Errorf("repotest: expressions and grouping are not supported")
	}
	columns := r.columnMap(ctx)
	var result []entity.Row
	for _, row := range sortedRows(r.snapshot()) {
		ok, err := r.matches(columns, row, q.Where, q.IncludeDeleted)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, row)
		}
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(result, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c, _ := lookup(columns, o.Column)
				cmp, _ := compare(result[i][c.Name], result[j][c.Name])
				if cmp != 0 {
					return (cmp < 0) != o.Desc
				}
			}
			return false
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return nil, nil
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	if len(q.Columns) > 0 {
		for i, row := range result {
			projected := make(entity.Row, len(q.Columns))
			for _, name := range q.Columns {
				if c, ok := lookup(columns, name); ok {
					projected[name] = row[c.Name]
				} else {
					projected[name] = nil
				}
			}
			result[i] = projected
		}
	}
	return result, nil
}

func (r *Records) Count(ctx context.Context, where predicate.Predicate, includeDeleted bool) (int64, error) {
	rows, err := r.Find(ctx, repositories.SelectQuery{Where: where, IncludeDeleted: includeDeleted})
	return int64(len(rows)), err
}

func (r *Records) checkWrite(ctx context.Context, row entity.Row, skip ...string) error {
	if !txn.InTransaction(ctx) {
		return apperrors.ErrNoTransaction
	}
	if txn.IsReadOnly(ctx) {
		return apperrors.ErrReadOnlyTransaction
	}
	known := r.columnMap(ctx)
	live := models.ColumnsByName(r.db.Columns(r.ref))
	for name := range row {
		if contains(skip, name) {
			continue
		}
		_, cached := known[name]
		_, exists := live[name]
		if !cached || !exists {
			return apperrors.ErrSchemaMismatch.WithMessage("column %s does not exist in %s", name, r.ref.Key())
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func (r *Records) Insert(ctx context.Context, row entity.Row) (int64, error) {
	if err := r.checkWrite(ctx, row, entity.ColumnID); err != nil {
		return 0, err
	}
	var id int64
	err := r.db.change(ctx, r.ref, func(t *table) error {
		if len(t.columns) == 0 {
			return apperrors.ErrSchemaMismatch.WithMessage("relation %s does not exist", r.ref.Key())
		}
		if err := checkUnique(t, row, 0); err != nil {
			return err
		}
		id, _ = entity.AsInt64(row[entity.ColumnID])
		if id == 0 {
			t.nextID++
			id = t.nextID
		} else if id > t.nextID {
			t.nextID = id
		}
		stored := row.Clone()
		stored[entity.ColumnID] = id
		t.rows[id] = stored
		return nil
	})
	return id, err
}

// checkUnique enforces the unique external id index created with every table.
func checkUnique(t *table, row entity.Row, id int64) error {
	extID, ok := row[entity.ColumnExtID]
	if !ok || extID == nil {
		return nil
	}
	for otherID, other := range t.rows {
		if otherID != id && other[entity.ColumnExtID] == extID {
			return apperrors.ErrConstraintViolation.WithMessage("duplicate %s %v", entity.ColumnExtID, extID)
		}
	}
	return nil
}

func (r *Records) Update(ctx context.Context, id int64, expectedVersion int64, row entity.Row) error {
	if err := r.checkWrite(ctx, row, entity.ColumnID, entity.ColumnUpdVersion); err != nil {
		return err
	}
	return r.db.change(ctx, r.ref, func(t *table) error {
		stored, ok := t.rows[id]
		if !ok {
			return fmt.Errorf("%s id %d: %w", r.ref.Key(), id, apperrors.ErrNotFound)
		}
		if err := checkUnique(t, row, id); err != nil {
			return err
		}
		versioned := models.ColumnsByName(t.columns)
		if _, ok := versioned[entity.ColumnUpdVersion]; ok {
			current, _ := entity.AsInt64(stored[entity.ColumnUpdVersion])
			if current != expectedVersion {
				return apperrors.ErrConcurrentModification.WithMessage("%s id %d was modified since version %d", r.ref.Key(), id, expectedVersion)
			}
			stored[entity.ColumnUpdVersion] = expectedVersion + 1
		}
		for name, v := range row {
			if name == entity.ColumnID || name == entity.ColumnUpdVersion {
				continue
			}
			stored[name] = v
		}
		return nil
	})
}

func (r *Records) Delete(ctx context.Context, id int64) error {
	if txn.IsReadOnly(ctx) {
		return apperrors.ErrReadOnlyTransaction
	}
	return r.db.change(ctx, r.ref, func(t *table) error {
		if _, ok := t.rows[id]; !ok {
			return fmt.Errorf("%s id %d: %w", r.ref.Key(), id, apperrors.ErrNotFound)
		}
		delete(t.rows, id)
		return nil
	})
}

func lookup(columns map[string]models.ColumnDef, attr string) (models.ColumnDef, bool) {
	if !entity.IsSystemColumn(attr) {
		if c, ok := columns[entity.SystemColumn(attr)]; ok {
			return c, true
		}
	}
	c, ok := columns[attr]
	return c, ok
}

func (r *Records) matches(columns map[string]models.ColumnDef, row entity.Row, where predicate.Predicate, includeDeleted bool) (bool, error) {
	if !includeDeleted {
		if deleted, _ := row[entity.ColumnDeleted].(bool); deleted {
			return false, nil
		}
	}
	t, err := evaluate(columns, row, where)
	return t == sqlTrue, err
}

// truth is an SQL boolean: a WHERE clause keeps a row only when it is sqlTrue.
type truth int

const (
	sqlFalse truth = iota
	sqlTrue
	sqlNull
)

func truthOf(b bool) truth {
	if b {
		return sqlTrue
	}
	return sqlFalse
}

// evaluate interprets a predicate against a row with the semantics of predicate.Compile,
// including NULL propagation through NOT, AND and OR.
func evaluate(columns map[string]models.ColumnDef, row entity.Row, p predicate.Predicate) (truth, error) {
	if p == nil {
		return sqlTrue, nil
	}
	switch n := p.(type) {
	case *predicate.Constant:
		return truthOf(n.Value), nil
	case *predicate.Comparison:
		c, ok := lookup(columns, n.Attr)
		if !ok {
			if n.Value == nil && n.Op == predicate.OpEq {
				return sqlTrue, nil
			}
			return sqlNull, nil
		}
		v := row[c.Name]
		if n.Value == nil {
			if n.Op != predicate.OpEq {
				return sqlFalse, fmt.Errorf("repotest: cannot compare %s %s NULL", n.Attr, n.Op)
			}
			return truthOf(v == nil), nil
		}
		if v == nil {
			return sqlNull, nil
		}
		if c.Multiple {
			if reflect.ValueOf(n.Value).Kind() == reflect.Slice {
				return truthOf(equal(v, n.Value)), nil
			}
			return truthOf(containsItem(v, n.Value)), nil
		}
		cmp, ok := compare(v, n.Value)
		if !ok {
			return sqlFalse, fmt.Errorf("repotest: cannot compare %T with %T", v, n.Value)
		}
		switch n.Op {
		case predicate.OpEq:
			return truthOf(cmp == 0), nil
		case predicate.OpGt:
			return truthOf(cmp > 0), nil
		case predicate.OpGe:
			return truthOf(cmp >= 0), nil
		case predicate.OpLt:
			return truthOf(cmp < 0), nil
		case predicate.OpLe:
			return truthOf(cmp <= 0), nil
		}
		return sqlFalse, fmt.Errorf("repotest: unknown operator %s", n.Op)
	case *predicate.Contains:
		c, ok := lookup(columns, n.Attr)
		if !ok || row[c.Name] == nil {
			return sqlNull, nil
		}
		if c.Multiple {
			items := reflect.ValueOf(n.Value)
			if items.Kind() != reflect.Slice {
				return truthOf(containsItem(row[c.Name], n.Value)), nil
			}
			for i := 0; i < items.Len(); i++ {
				if !containsItem(row[c.Name], items.Index(i).Interface()) {
					return sqlFalse, nil
				}
			}
			return sqlTrue, nil
		}
		s, _ := row[c.Name].(string)
		sub, _ := n.Value.(string)
		return truthOf(strings.Contains(strings.ToLower(s), strings.ToLower(sub))), nil
	case *predicate.Empty:
		c, ok := lookup(columns, n.Attr)
		if !ok {
			return sqlTrue, nil
		}
		v := row[c.Name]
		if v == nil {
			return sqlTrue, nil
		}
		if s, ok := v.(string); ok {
			return truthOf(s == ""), nil
		}
		rv := reflect.ValueOf(v)
		return truthOf(rv.Kind() == reflect.Slice && rv.Len() == 0 && c.Multiple), nil
	case *predicate.In:
		if len(n.Values) == 0 {
			return sqlFalse, nil
		}
		c, ok := lookup(columns, n.Attr)
		if !ok || row[c.Name] == nil {
			return sqlNull, nil
		}
		for _, value := range n.Values {
			if c.Multiple && containsItem(row[c.Name], value) {
				return sqlTrue, nil
			}
			if cmp, ok := compare(row[c.Name], value); ok && cmp == 0 {
				return sqlTrue, nil
			}
		}
		return sqlFalse, nil
	case *predicate.And:
		result := sqlTrue
		for _, item := range n.Items {
			t, err := evaluate(columns, row, item)
			if err != nil || t == sqlFalse {
				return sqlFalse, err
			}
			if t == sqlNull {
				result = sqlNull
			}
		}
		return result, nil
	case *predicate.Or:
		result := sqlFalse
		for _, item := range n.Items {
			t, err := evaluate(columns, row, item)
			if err != nil || t == sqlTrue {
				return t, err
			}
			if t == sqlNull {
				result = sqlNull
			}
		}
		return result, nil
	case *predicate.Not:
		t, err := evaluate(columns, row, n.Item)
		switch t {
		case sqlTrue:
			return sqlFalse, err
		case sqlFalse:
			return sqlTrue, err
		}
		return sqlNull, err
	}
	return sqlFalse, fmt.Errorf("repotest: unsupported predicate %T", p)
}

func containsItem(slice, item any) bool {
	rv := reflect.ValueOf(slice)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if cmp, ok := compare(rv.Index(i).Interface(), item); ok && cmp == 0 {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() != reflect.Slice || bv.Kind() != reflect.Slice || av.Len() != bv.Len() {
		return false
	}
	for i := 0; i < av.Len(); i++ {
		if cmp, ok := compare(av.Index(i).Interface(), bv.Index(i).Interface()); !ok || cmp != 0 {
			return false
		}
	}
	return true
}

// compare orders two scalar values of compatible kinds.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok || ab == bb {
			return 0, ok
		}
		if !ab {
			return -1, true
		}
		return 1, true
	}
	af, aerr := entity.AsFloat64(a)
	bf, berr := entity.AsFloat64(b)
	if aerr != nil || berr != nil {
		if reflect.DeepEqual(a, b) {
			return 0, true
		}
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}
