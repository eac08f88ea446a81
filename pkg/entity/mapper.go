package entity

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// EntityColumn is the derived mapping of one entity field.
type EntityColumn[T any] struct {
	FieldName    string
	SemanticType models.ColumnType
	DefaultValue any
	Column       models.ColumnDef
	Get          Getter[T]
}

// Mapper converts between entities of type T and rows. It is immutable after Build and
// safe for concurrent use.
type Mapper[T any] struct {
	name     string
	table    string
	newFn    func() *T
	fields   []*fieldSpec[T]
	byColumn map[string]*fieldSpec[T]
	byField  map[string]*fieldSpec[T]
	attrsGet func(e *T) map[string]any
	attrsSet func(e *T, attrs map[string]any)
	legacy   []LegacyShape
	logger   *zap.Logger
}

func newMapper[T any](
	name, table string,
	newFn func() *T,
	fields []*fieldSpec[T],
	attrsGet func(e *T) map[string]any,
	attrsSet func(e *T, attrs map[string]any),
	legacy []LegacyShape,
) *Mapper[T] {
	m := &Mapper[T]{
		name:     name,
		table:    table,
		newFn:    newFn,
		fields:   append([]*fieldSpec[T](nil), fields...),
		byColumn: make(map[string]*fieldSpec[T], len(fields)),
		byField:  make(map[string]*fieldSpec[T], len(fields)),
		attrsGet: attrsGet,
		attrsSet: attrsSet,
		legacy:   legacy,
		logger:   zap.NewNop(),
	}
	for _, f := range m.fields {
		m.byColumn[f.column.Name] = f
		m.byField[f.name] = f
	}
	return m
}

// WithLogger returns a copy of the mapper that logs to logger.
func (m *Mapper[T]) WithLogger(logger *zap.Logger) *Mapper[T] {
	c := *m
	c.logger = logger.Named("entity").With(zap.String("entity", m.name))
	return &c
}

// Name returns the entity name.
func (m *Mapper[T]) Name() string {
	return m.name
}

// TableName returns the table the entity is stored in.
func (m *Mapper[T]) TableName() string {
	return m.table
}

// HasAttributes reports whether the entity carries an attributes bag.
func (m *Mapper[T]) HasAttributes() bool {
	return m.attrsGet != nil
}

// Columns returns the static columns in declaration order.
func (m *Mapper[T]) Columns() []models.ColumnDef {
	columns := make([]models.ColumnDef, len(m.fields))
	for i, f := range m.fields {
		columns[i] = f.column.WithName(f.column.Name)
	}
	return columns
}

// EntityColumns returns the per-field mappings.
func (m *Mapper[T]) EntityColumns() []EntityColumn[T] {
	result := make([]EntityColumn[T], len(m.fields))
	for i, f := range m.fields {
		result[i] = EntityColumn[T]{
			FieldName:    f.name,
			SemanticType: f.column.Type,
			DefaultValue: f.def,
			Column:       f.column.WithName(f.column.Name),
			Get:          f.get,
		}
	}
	return result
}

// ColumnFor resolves a field name or a column name to its static column.
func (m *Mapper[T]) ColumnFor(attr string) (models.ColumnDef, bool) {
	if f, ok := m.byField[attr]; ok {
		return f.column, true
	}
	if f, ok := m.byColumn[attr]; ok {
		return f.column, true
	}
	return models.ColumnDef{}, false
}

// HasColumn reports whether the static mapping has the column.
func (m *Mapper[T]) HasColumn(column string) bool {
	_, ok := m.byColumn[column]
	return ok
}

// NewEntity returns a new zero entity.
func (m *Mapper[T]) NewEntity() *T {
	return m.newFn()
}

// ID returns the entity's primary key.
func (m *Mapper[T]) ID(e *T) int64 {
	id, _ := AsInt64(m.byColumn[ColumnID].get(e))
	return id
}

// Value reads the value of a static column from e.
func (m *Mapper[T]) Value(e *T, column string) (any, bool) {
	f, ok := m.byColumn[column]
	if !ok {
		return nil, false
	}
	return f.get(e), true
}

// SetValue writes a static column value into e.
func (m *Mapper[T]) SetValue(e *T, column string, v any) error {
	f, ok := m.byColumn[column]
	if !ok {
		return fmt.Errorf("entity %s has no column %s", m.name, column)
	}
	return f.set(e, v)
}

// ToRow converts e into a row: static fields under their columns, then attributes.
// Attributes named like a system column are dropped; static columns win.
func (m *Mapper[T]) ToRow(e *T) (Row, error) {
	row := make(Row, len(m.fields))
	for _, f := range m.fields {
		v, err := Normalize(f.column, f.get(e))
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s of %s: %w", f.name, m.name, err)
		}
		row[f.column.Name] = v
	}
	if m.attrsGet == nil {
		return row, nil
	}
	for name, v := range m.attrsGet(e) {
		if IsSystemColumn(name) {
			m.logger.Debug("Dropping attribute that collides with a system column", zap.String("attribute", name))
			continue
		}
		normalized, err := NormalizeAttribute(name, v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert attribute %s of %s: %w", name, m.name, err)
		}
		row[name] = normalized
	}
	return row, nil
}

// NormalizeAttribute normalizes a dynamic attribute value using its inferred column.
func NormalizeAttribute(name string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	column, err := InferColumn(name, v)
	if err != nil {
		return nil, err
	}
	return Normalize(column, v)
}

// AttributeColumns infers column definitions for e's non-nil attributes.
func (m *Mapper[T]) AttributeColumns(e *T) ([]models.ColumnDef, error) {
	if m.attrsGet == nil {
		return nil, nil
	}
	var columns []models.ColumnDef
	for name, v := range m.attrsGet(e) {
		if v == nil || IsSystemColumn(name) {
			continue
		}
		column, err := InferColumn(name, v)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, nil
}

// UpgradeRow applies the legacy chain to a row written under schemaVersion. The first
// shape whose MaxVersion covers the version converts the row, and conversion continues
// from the version after it.
func (m *Mapper[T]) UpgradeRow(row Row, schemaVersion int) (Row, error) {
	version := schemaVersion
	for _, shape := range m.legacy {
		if version > shape.MaxVersion {
			continue
		}
		converted, err := shape.Convert(row.Clone())
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s row from schema version %d: %w", m.name, version, err)
		}
		row = converted
		version = shape.MaxVersion + 1
	}
	return row, nil
}

// FromRow builds an entity from a row written under schemaVersion. Columns that are not
// static fields become attributes; nil values and unknown system columns are skipped.
func (m *Mapper[T]) FromRow(row Row, schemaVersion int) (*T, error) {
	row, err := m.UpgradeRow(row, schemaVersion)
	if err != nil {
		return nil, err
	}
	e := m.newFn()
	for _, f := range m.fields {
		v, ok := row[f.column.Name]
		if !ok || v == nil {
			if f.def == nil {
				continue
			}
			v = f.def
		}
		if err := f.set(e, v); err != nil {
			return nil, fmt.Errorf("failed to set field %s of %s: %w", f.name, m.name, err)
		}
	}
	if m.attrsSet == nil {
		return e, nil
	}
	var attrs map[string]any
	for name, v := range row {
		if v == nil || IsSystemColumn(name) {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[name] = v
	}
	m.attrsSet(e, attrs)
	return e, nil
}
