// Package repotest provides an in-memory database behind the repositories interfaces for
// tests of the services and migrations layers. DDL still flows through txn.ExecDDL, so
// recorders and mock mode see the same statements the PostgreSQL implementation emits,
// and every change is undone when the ambient transaction rolls back.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

type table struct {
	columns []models.ColumnDef
	rows    map[int64]entity.Row
	nextID  int64
}

func (t *table) clone() *table {
	c := &table{columns: models.CopyColumns(t.columns), rows: make(map[int64]entity.Row, len(t.rows)), nextID: t.nextID}
	for id, row := range t.rows {
		c.rows[id] = row.Clone()
	}
	return c
}

// DB is an in-memory set of tables.
type DB struct {
	mu     sync.Mutex
	tables map[string]*table
	// undo holds, per open transaction, each touched table as it was before the
	// transaction first changed it. A nil entry means the table did not exist.
	undo map[uint64]map[string]*table
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{tables: make(map[string]*table), undo: make(map[uint64]map[string]*table)}
}

// change runs fn against the table under the lock. The table's state from before the
// ambient transaction first touched it is restored if that transaction rolls back.
func (db *DB) change(ctx context.Context, ref models.TableRef, fn func(t *table) error) error {
	tx, ok := txn.Current(ctx)
	if !ok {
		return apperrors.ErrNoTransaction
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	key := ref.Key()
	t, existed := db.tables[key]
	if !existed {
		t = &table{rows: make(map[int64]entity.Row)}
	}
	working := t.clone()
	if err := fn(working); err != nil {
		return err
	}

	undo, registered := db.undo[tx.ID]
	if !registered {
		undo = make(map[string]*table)
		db.undo[tx.ID] = undo
		if err := db.registerHooks(ctx, tx.ID); err != nil {
			return err
		}
	}
	if _, ok := undo[key]; !ok {
		if existed {
			undo[key] = t
		} else {
			undo[key] = nil
		}
	}
	db.tables[key] = working
	return nil
}

func (db *DB) registerHooks(ctx context.Context, id uint64) error {
	if err := txn.AfterCommit(ctx, func(context.Context) {
		db.mu.Lock()
		delete(db.undo, id)
		db.mu.Unlock()
	}); err != nil {
		return err
	}
	return txn.AfterRollback(ctx, func(context.Context) {
		db.mu.Lock()
		defer db.mu.Unlock()
		for key, previous := range db.undo[id] {
			if previous == nil {
				delete(db.tables, key)
			} else {
				db.tables[key] = previous
			}
		}
		delete(db.undo, id)
	})
}

// Columns returns the live columns of a table, nil when it does not exist.
func (db *DB) Columns(ref models.TableRef) []models.ColumnDef {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[ref.Key()]; ok {
		return models.CopyColumns(t.columns)
	}
	return nil
}

// Rows returns copies of a table's rows ordered by id.
func (db *DB) Rows(ref models.TableRef) []entity.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[ref.Key()]
	if !ok {
		return nil
	}
	return sortedRows(t)
}

func sortedRows(t *table) []entity.Row {
	ids := make([]int64, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	result := make([]entity.Row, len(ids))
	for i, id := range ids {
		result[i] = fullRow(t, t.rows[id])
	}
	return result
}

// fullRow returns a row holding every live column, as SELECT * would.
func fullRow(t *table, row entity.Row) entity.Row {
	result := make(entity.Row, len(t.columns))
	for _, c := range t.columns {
		result[c.Name] = row[c.Name]
	}
	return result
}

// SchemaDAO returns a SchemaDAO over db.
func (db *DB) SchemaDAO() repositories.SchemaDAO {
	return &schemaDAO{db: db, ddl: repositories.NewSchemaDAO(nil)}
}

type schemaDAO struct {
	db  *DB
	ddl repositories.SchemaDAO
}

var _ repositories.SchemaDAO = (*schemaDAO)(nil)

func (s *schemaDAO) GetColumns(_ context.Context, ref models.TableRef) ([]models.ColumnDef, error) {
	return s.db.Columns(ref), nil
}

func (s *schemaDAO) CreateTable(ctx context.Context, ref models.TableRef, columns []models.ColumnDef) error {
	if err := s.ddl.CreateTable(ctx, ref, columns); err != nil {
		return err
	}
	if txn.IsMock(ctx) {
		return nil
	}
	return s.db.change(ctx, ref, func(t *table) error {
		if len(t.columns) > 0 {
			return fmt.Errorf("relation %s already exists", ref.Key())
		}
		t.columns = models.CopyColumns(columns)
		return nil
	})
}

func (s *schemaDAO) AddColumns(ctx context.Context, ref models.TableRef, columns []models.ColumnDef) error {
	if err := s.ddl.AddColumns(ctx, ref, columns); err != nil {
		return err
	}
	if txn.IsMock(ctx) {
		return nil
	}
	return s.db.change(ctx, ref, func(t *table) error {
		existing := models.ColumnsByName(t.columns)
		for _, c := range columns {
			if _, ok := existing[c.Name]; ok {
				return fmt.Errorf("column %s of %s already exists", c.Name, ref.Key())
			}
			t.columns = append(t.columns, c.WithName(c.Name))
		}
		return nil
	})
}

func (s *schemaDAO) SetColumnType(_ context.Context, ref models.TableRef, name string, multiple bool, columnType models.ColumnType) error {
	live, ok := models.ColumnsByName(s.db.Columns(ref))[name]
	if !ok {
		return apperrors.ErrTypeChangeUnsupported.WithMessage("column %s does not exist in %s", name, ref.Key())
	}
	if live.Type == columnType && live.Multiple == multiple {
		return nil
	}
	return apperrors.ErrTypeChangeUnsupported.WithMessage("cannot convert column %s of %s", name, ref.Key())
}

func (s *schemaDAO) RenameColumn(ctx context.Context, ref models.TableRef, from, to string) error {
	if err := s.ddl.RenameColumn(ctx, ref, from, to); err != nil {
		return err
	}
	if txn.IsMock(ctx) {
		return nil
	}
	return s.db.change(ctx, ref, func(t *table) error {
		byName := models.ColumnsByName(t.columns)
		if _, ok := byName[from]; !ok {
			return fmt.Errorf("column %s of %s does not exist", from, ref.Key())
		}
		if _, ok := byName[to]; ok {
			return fmt.Errorf("column %s of %s already exists", to, ref.Key())
		}
		for i := range t.columns {
			if t.columns[i].Name == from {
				t.columns[i].Name = to
			}
		}
		for _, row := range t.rows {
			if v, ok := row[from]; ok {
				row[to] = v
				delete(row, from)
			}
		}
		return nil
	})
}

func (s *schemaDAO) DropColumns(ctx context.Context, ref models.TableRef, names ...string) error {
	if err := s.ddl.DropColumns(ctx, ref, names...); err != nil {
		return err
	}
	if txn.IsMock(ctx) {
		return nil
	}
	return s.db.change(ctx, ref, func(t *table) error {
		kept := t.columns[:0]
		for _, c := range t.columns {
			drop := false
			for _, name := range names {
				drop = drop || c.Name == name
			}
			if !drop {
				kept = append(kept, c)
			}
		}
		t.columns = kept
		for _, row := range t.rows {
			for _, name := range names {
				delete(row, name)
			}
		}
		return nil
	})
}

func (s *schemaDAO) CreateIndexes(ctx context.Context, ref models.TableRef, indexes []models.IndexDef) error {
	return s.ddl.CreateIndexes(ctx, ref, indexes)
}

func (s *schemaDAO) CreateForeignKeys(ctx context.Context, ref models.TableRef, fks []models.ForeignKeyDef) error {
	return s.ddl.CreateForeignKeys(ctx, ref, fks)
}
