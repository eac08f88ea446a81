// Package entity maps typed entities to table rows through explicit descriptors.
//
// A Descriptor lists an entity's fields, their column types and constraints, and how to
// read and write each field on an instance. Build turns it into a Mapper, which derives
// the table's static columns and converts entities to and from rows. Entities may also
// carry an attributes bag for dynamic columns that share the table.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// SystemPrefix marks columns owned by the mapper rather than free-form attributes.
const SystemPrefix = "__"

// ColumnID is the primary key column.
const ColumnID = "id"

// Standard system columns. Tables that have them get baseline indexes and optimistic locking.
var (
	ColumnExtID       = SystemColumn("ext_id")
	ColumnDeleted     = SystemColumn("deleted")
	ColumnUpdVersion  = SystemColumn("upd_version")
	ColumnAuthorities = SystemColumn("authorities")
)

// SystemColumn returns the column name for a system field.
func SystemColumn(name string) string {
	return SystemPrefix + name
}

// IsSystemColumn reports whether name is the id or carries the system prefix.
func IsSystemColumn(name string) bool {
	return name == ColumnID || strings.HasPrefix(name, SystemPrefix)
}

// Getter reads a field value from an entity.
type Getter[T any] func(e *T) any

// Setter writes a column value into an entity field.
type Setter[T any] func(e *T, v any) error

// LegacyShape converts a row written under schema versions <= MaxVersion into the shape
// that follows MaxVersion.
type LegacyShape struct {
	MaxVersion int
	Convert    func(row Row) (Row, error)
}

type fieldSpec[T any] struct {
	name   string
	column models.ColumnDef
	def    any
	get    Getter[T]
	set    Setter[T]
}

// Descriptor declares how an entity type maps to a table.
type Descriptor[T any] struct {
	name      string
	table     string
	newFn     func() *T
	fields    []*fieldSpec[T]
	attrsGet  func(e *T) map[string]any
	attrsSet  func(e *T, attrs map[string]any)
	legacy    []LegacyShape
	hasID     bool
	errs      []error
	lastField *fieldSpec[T]
}

// NewDescriptor starts a descriptor for an entity type.
func NewDescriptor[T any](name string) *Descriptor[T] {
	return &Descriptor[T]{name: name}
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func (d *Descriptor[T]) fail(format string, args ...any) {
	d.errs = append(d.errs, fmt.Errorf(format, args...))
}

// ID declares the primary key field. It maps to an auto-increment id column.
func (d *Descriptor[T]) ID(get func(e *T) int64, set func(e *T, id int64)) *Descriptor[T] {
	if d.hasID {
		d.fail("entity %s declares ID twice", d.name)
	}
	d.hasID = true
	f := &fieldSpec[T]{
		name:   ColumnID,
		column: models.ColumnDef{Name: ColumnID, Type: models.ColumnTypeLongSerial},
		get:    func(e *T) any { return get(e) },
		set: func(e *T, v any) error {
			id, err := AsInt64(v)
			if err != nil {
				return err
			}
			set(e, id)
			return nil
		},
	}
	d.fields = append(d.fields, f)
	d.lastField = f
	return d
}

// Field declares a system field. Its column is the field name with SystemPrefix.
func (d *Descriptor[T]) Field(name string, columnType models.ColumnType, get Getter[T], set Setter[T]) *Descriptor[T] {
	if !fieldNamePattern.MatchString(name) {
		d.fail("entity %s: invalid field name %q", d.name, name)
	}
	if get == nil || set == nil {
		d.fail("entity %s: field %s needs both accessors", d.name, name)
	}
	f := &fieldSpec[T]{
		name:   name,
		column: models.ColumnDef{Name: SystemColumn(name), Type: columnType},
		get:    get,
		set:    set,
	}
	d.fields = append(d.fields, f)
	d.lastField = f
	return d
}

func (d *Descriptor[T]) modify(what string, fn func(f *fieldSpec[T])) *Descriptor[T] {
	if d.lastField == nil {
		d.fail("entity %s: %s before any field", d.name, what)
		return d
	}
	fn(d.lastField)
	return d
}

// Multiple marks the last declared field as multi-valued (an array column).
func (d *Descriptor[T]) Multiple() *Descriptor[T] {
	return d.modify("Multiple", func(f *fieldSpec[T]) { f.column.Multiple = true })
}

// Constraint adds constraints to the last declared field.
func (d *Descriptor[T]) Constraint(constraints ...models.Constraint) *Descriptor[T] {
	return d.modify("Constraint", func(f *fieldSpec[T]) {
		f.column.Constraints = append(f.column.Constraints, constraints...)
	})
}

// Indexed requests an index on the last declared field.
func (d *Descriptor[T]) Indexed(unique bool) *Descriptor[T] {
	return d.modify("Indexed", func(f *fieldSpec[T]) {
		f.column.Index = models.IndexDef{Enabled: true, Unique: unique}
	})
}

// Default sets the value FromRow assigns when the row lacks the last declared field's column.
func (d *Descriptor[T]) Default(v any) *Descriptor[T] {
	return d.modify("Default", func(f *fieldSpec[T]) { f.def = v })
}

// Attributes declares the entity's attributes bag.
func (d *Descriptor[T]) Attributes(get func(e *T) map[string]any, set func(e *T, attrs map[string]any)) *Descriptor[T] {
	d.attrsGet, d.attrsSet = get, set
	return d
}

// Legacy registers a converter for rows written under schema versions <= maxVersion.
func (d *Descriptor[T]) Legacy(maxVersion int, convert func(row Row) (Row, error)) *Descriptor[T] {
	d.legacy = append(d.legacy, LegacyShape{MaxVersion: maxVersion, Convert: convert})
	return d
}

// Table overrides the default table name.
func (d *Descriptor[T]) Table(name string) *Descriptor[T] {
	d.table = name
	return d
}

// New sets the constructor used by FromRow. The default is new(T).
func (d *Descriptor[T]) New(fn func() *T) *Descriptor[T] {
	d.newFn = fn
	return d
}

// Build validates the descriptor and returns its mapper. Invalid descriptors are
// configuration errors.
func (d *Descriptor[T]) Build() (*Mapper[T], error) {
	errs := append([]error(nil), d.errs...)
	if strings.TrimSpace(d.name) == "" {
		errs = append(errs, fmt.Errorf("entity name is empty"))
	}
	if !d.hasID {
		errs = append(errs, fmt.Errorf("entity %s has no ID field", d.name))
	}

	columns := make([]models.ColumnDef, 0, len(d.fields))
	for _, f := range d.fields {
		if !f.column.Type.Valid() {
			return nil, apperrors.ErrUnknownColumnType.WithMessage("entity %s field %s has unknown column type %q", d.name, f.name, f.column.Type)
		}
		columns = append(columns, f.column)
	}
	if err := models.ValidateColumns(columns); err != nil {
		errs = append(errs, err)
	}

	legacy := append([]LegacyShape(nil), d.legacy...)
	sort.SliceStable(legacy, func(i, j int) bool { return legacy[i].MaxVersion < legacy[j].MaxVersion })
	for i := range legacy {
		if legacy[i].Convert == nil {
			errs = append(errs, fmt.Errorf("entity %s: legacy shape %d has no converter", d.name, legacy[i].MaxVersion))
		}
		if i > 0 && legacy[i].MaxVersion == legacy[i-1].MaxVersion {
			errs = append(errs, fmt.Errorf("entity %s: duplicate legacy shape for version %d", d.name, legacy[i].MaxVersion))
		}
	}

	if len(errs) > 0 {
		return nil, apperrors.ErrInvalidDescriptor.WithMessage("invalid descriptor for entity %s", d.name).WithCause(errors.Join(errs...))
	}

	table := d.table
	if table == "" {
		table = DefaultTableName(d.name)
	}
	newFn := d.newFn
	if newFn == nil {
		newFn = func() *T { return new(T) }
	}
	return newMapper(d.name, table, newFn, d.fields, d.attrsGet, d.attrsSet, legacy), nil
}

// MustBuild is like Build but panics. Descriptors are built at startup, where an invalid
// one is a programming error.
func (d *Descriptor[T]) MustBuild() *Mapper[T] {
	m, err := d.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// DefaultTableName derives a table name from an entity name: snake_case, pluralized.
func DefaultTableName(entityName string) string {
	return inflection.Plural(toSnakeCase(entityName))
}

func toSnakeCase(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		isUpper := r >= 'A' && r <= 'Z'
		if isUpper {
			if i > 0 && runes[i-1] != '_' && (!(runes[i-1] >= 'A' && runes[i-1] <= 'Z') || (i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z')) {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
			continue
		}
		if r == ' ' || r == '-' {
			sb.WriteByte('_')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
