package models

import (
	"fmt"
	"strings"

	sqlcheck "github.com/ekaya-inc/ekaya-datastore/pkg/sql"
)

// ColumnType is the closed set of logical column types the datastore can persist.
type ColumnType string

const (
	ColumnTypeLongSerial ColumnType = "LONG_SERIAL"
	ColumnTypeText       ColumnType = "TEXT"
	ColumnTypeDouble     ColumnType = "DOUBLE"
	ColumnTypeInt        ColumnType = "INT"
	ColumnTypeLong       ColumnType = "LONG"
	ColumnTypeBoolean    ColumnType = "BOOLEAN"
	ColumnTypeDateTime   ColumnType = "DATETIME"
	ColumnTypeDate       ColumnType = "DATE"
	ColumnTypeJSON       ColumnType = "JSON"
	ColumnTypeBinary     ColumnType = "BINARY"
	ColumnTypeUUID       ColumnType = "UUID"
)

// AllColumnTypes lists every ColumnType in declaration order.
var AllColumnTypes = []ColumnType{
	ColumnTypeLongSerial,
	ColumnTypeText,
	ColumnTypeDouble,
	ColumnTypeInt,
	ColumnTypeLong,
	ColumnTypeBoolean,
	ColumnTypeDateTime,
	ColumnTypeDate,
	ColumnTypeJSON,
	ColumnTypeBinary,
	ColumnTypeUUID,
}

var columnSQLTypes = map[ColumnType]string{
	ColumnTypeLongSerial: "BIGSERIAL",
	ColumnTypeText:       "VARCHAR",
	ColumnTypeDouble:     "DOUBLE PRECISION",
	ColumnTypeInt:        "INTEGER",
	ColumnTypeLong:       "BIGINT",
	ColumnTypeBoolean:    "BOOLEAN",
	ColumnTypeDateTime:   "TIMESTAMP WITHOUT TIME ZONE",
	ColumnTypeDate:       "DATE",
	ColumnTypeJSON:       "JSONB",
	ColumnTypeBinary:     "BYTEA",
	ColumnTypeUUID:       "UUID",
}

// Valid reports whether t is one of the declared column types.
func (t ColumnType) Valid() bool {
	_, ok := columnSQLTypes[t]
	return ok
}

// SQLType returns the PostgreSQL base type used for t in DDL.
func (t ColumnType) SQLType() string {
	return columnSQLTypes[t]
}

func (t ColumnType) String() string {
	return string(t)
}

// ParseColumnType converts a case-insensitive name into a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	t := ColumnType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

// Constraint is a column-level constraint declared on an entity field.
type Constraint string

const (
	ConstraintNotNull Constraint = "NOT_NULL"
	ConstraintUnique  Constraint = "UNIQUE"
)

// IndexDef describes an index. On a ColumnDef only Enabled and Unique are meaningful;
// table-level indexes also carry Name and Columns.
type IndexDef struct {
	Enabled bool     `json:"enabled,omitempty"`
	Unique  bool     `json:"unique,omitempty"`
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns,omitempty"`
}

// ForeignKeyDef describes a foreign key from Column to RefTable.RefColumn.
type ForeignKeyDef struct {
	Name      string   `json:"name"`
	Column    string   `json:"column"`
	RefTable  TableRef `json:"refTable"`
	RefColumn string   `json:"refColumn"`
	OnDelete  string   `json:"onDelete,omitempty"`
}

// ColumnDef is the physical definition of a single table column.
type ColumnDef struct {
	Name        string       `json:"name"`
	Type        ColumnType   `json:"type"`
	Multiple    bool         `json:"multiple,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Index       IndexDef     `json:"index,omitempty"`
}

// SQLType returns the DDL type for the column, with the array suffix for multiple columns.
func (c ColumnDef) SQLType() string {
	base := c.Type.SQLType()
	if c.Multiple {
		if c.Type == ColumnTypeLongSerial {
			// serial arrays do not exist; arrays of ids are plain bigint[]
			base = ColumnTypeLong.SQLType()
		}
		return base + "[]"
	}
	return base
}

// HasConstraint reports whether the column declares the given constraint.
func (c ColumnDef) HasConstraint(constraint Constraint) bool {
	for _, ct := range c.Constraints {
		if ct == constraint {
			return true
		}
	}
	return false
}

// SameType reports whether two definitions share type and multiplicity.
func (c ColumnDef) SameType(other ColumnDef) bool {
	return c.Type == other.Type && c.Multiple == other.Multiple
}

// WithName returns a copy of the column with a different name.
func (c ColumnDef) WithName(name string) ColumnDef {
	c.Name = name
	c.Constraints = append([]Constraint(nil), c.Constraints...)
	return c
}

// Equal compares name, type, multiplicity, constraints and index flags.
func (c ColumnDef) Equal(other ColumnDef) bool {
	if c.Name != other.Name || !c.SameType(other) {
		return false
	}
	if len(c.Constraints) != len(other.Constraints) {
		return false
	}
	for i := range c.Constraints {
		if c.Constraints[i] != other.Constraints[i] {
			return false
		}
	}
	return c.Index.Enabled == other.Index.Enabled && c.Index.Unique == other.Index.Unique
}

// Validate checks that the column has a name and a known type.
func (c ColumnDef) Validate() error {
	if err := sqlcheck.CheckIdentifier(c.Name); err != nil {
		return fmt.Errorf("column name: %w", err)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}

// ValidateColumns validates each column and enforces unique names within a table.
func ValidateColumns(columns []ColumnDef) error {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// ColumnsByName indexes columns by name.
func ColumnsByName(columns []ColumnDef) map[string]ColumnDef {
	result := make(map[string]ColumnDef, len(columns))
	for _, c := range columns {
		result[c.Name] = c
	}
	return result
}

// CopyColumns returns a copy of the slice that shares no backing storage with columns.
func CopyColumns(columns []ColumnDef) []ColumnDef {
	if columns == nil {
		return nil
	}
	result := make([]ColumnDef, len(columns))
	for i, c := range columns {
		result[i] = c.WithName(c.Name)
	}
	return result
}
