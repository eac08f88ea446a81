package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TableRef identifies a physical table. The zero Schema means the connection's search path.
type TableRef struct {
	Schema string `json:"schema,omitempty"`
	Table  string `json:"table"`
}

// NewTableRef creates a TableRef.
func NewTableRef(schema, table string) TableRef {
	return TableRef{Schema: schema, Table: table}
}

// ParseTableRef parses "schema.table" or "table".
func ParseTableRef(s string) (TableRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableRef{}, fmt.Errorf("table reference is empty")
	}
	if idx := strings.Index(s, "."); idx >= 0 {
		ref := TableRef{Schema: s[:idx], Table: s[idx+1:]}
		if ref.Table == "" || strings.Contains(ref.Table, ".") {
			return TableRef{}, fmt.Errorf("invalid table reference %q", s)
		}
		return ref, nil
	}
	return TableRef{Table: s}, nil
}

// String returns the quoted reference: "schema"."table", or "table" when Schema is empty.
func (r TableRef) String() string {
	quotedTable := pgx.Identifier{r.Table}.Sanitize()
	if r.Schema == "" {
		return quotedTable
	}
	return pgx.Identifier{r.Schema}.Sanitize() + "." + quotedTable
}

// Key returns the unquoted schema.table form used as a map and record key.
func (r TableRef) Key() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// WithTable returns a reference to another table in the same schema.
func (r TableRef) WithTable(table string) TableRef {
	return TableRef{Schema: r.Schema, Table: table}
}

// Equal reports structural equality.
func (r TableRef) Equal(other TableRef) bool {
	return r.Schema == other.Schema && r.Table == other.Table
}

// IsEmpty reports whether the reference names no table.
func (r TableRef) IsEmpty() bool {
	return r.Table == ""
}

// ChangeType classifies a changelog entry.
type ChangeType string

const (
	ChangeTypeCreateTable   ChangeType = "CREATE_TABLE"
	ChangeTypeAddColumns    ChangeType = "ADD_COLUMNS"
	ChangeTypeSetColumnType ChangeType = "SET_COLUMN_TYPE"
	ChangeTypeMigration     ChangeType = "MIGRATION"
)

// ChangeSet is an immutable audit record of DDL executed against a table.
type ChangeSet struct {
	ID          uuid.UUID      `json:"id"`
	StartTime   time.Time      `json:"startTime"`
	DurationMs  int64          `json:"durationMs"`
	ChangeType  ChangeType     `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	DDLCommands []string       `json:"commands"`
}

// NewChangeSet creates a change set that started at start and finished now.
func NewChangeSet(start time.Time, changeType ChangeType, params map[string]any, commands []string) ChangeSet {
	return ChangeSet{
		ID:          uuid.New(),
		StartTime:   start.UTC(),
		DurationMs:  time.Since(start).Milliseconds(),
		ChangeType:  changeType,
		Params:      params,
		DDLCommands: append([]string(nil), commands...),
	}
}

// TableMeta is the per-table metadata record: migration version and DDL changelog.
type TableMeta struct {
	ID            int64       `json:"id"`
	Table         TableRef    `json:"table"`
	SchemaVersion int         `json:"schemaVersion"`
	Changelog     []ChangeSet `json:"changelog"`
	Created       time.Time   `json:"created"`
	Modified      time.Time   `json:"modified"`
	UpdVersion    int64       `json:"updVersion"`
}

// AppendChange appends to the changelog. Existing entries are never modified.
func (m *TableMeta) AppendChange(change ChangeSet) {
	changelog := make([]ChangeSet, len(m.Changelog), len(m.Changelog)+1)
	copy(changelog, m.Changelog)
	m.Changelog = append(changelog, change)
}
