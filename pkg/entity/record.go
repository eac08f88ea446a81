package entity

import (
	"strconv"
	"time"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// RecordSchemaVersion is the current shape of record tables.
//
//	1: __authorities column added
//	2: __authorities backfilled from the permissions component
//	3: __ref_id holds numeric ids instead of textual refs
//	4: __content holds content store refs instead of inline payloads
const RecordSchemaVersion = 4

// Columns of Record that migrations and legacy shapes refer to.
var (
	ColumnRefID   = SystemColumn("ref_id")
	ColumnContent = SystemColumn("content")
)

// Attributes that legacy shapes move unconverted values into.
const (
	AttrLegacyRef     = "legacy_ref"
	AttrLegacyContent = "legacy_content"
)

// Record is the platform's generic record: a fixed set of system fields plus free-form
// attributes stored as dynamic columns.
type Record struct {
	ID          int64
	ExtID       string
	Deleted     bool
	Created     time.Time
	Creator     string
	Modified    time.Time
	Modifier    string
	Type        string
	Name        string
	Status      string
	Tenant      string
	UpdVersion  int64
	RefID       int64
	Authorities []string
	Content     string
	Attributes  map[string]any
}

// RecordDescriptor declares the Record mapping.
func RecordDescriptor() *Descriptor[Record] {
	return NewDescriptor[Record]("record").
		ID(func(r *Record) int64 { return r.ID }, func(r *Record, id int64) { r.ID = id }).
		Field("ext_id", models.ColumnTypeText,
			func(r *Record) any { return r.ExtID },
			func(r *Record, v any) (err error) { r.ExtID, err = AsString(v); return }).
		Constraint(models.ConstraintNotNull).
		Field("deleted", models.ColumnTypeBoolean,
			func(r *Record) any { return r.Deleted },
			func(r *Record, v any) (err error) { r.Deleted, err = AsBool(v); return }).
		Default(false).
		Field("created", models.ColumnTypeDateTime,
			func(r *Record) any { return r.Created },
			func(r *Record, v any) (err error) { r.Created, err = AsTime(v); return }).
		Field("creator", models.ColumnTypeText,
			func(r *Record) any { return r.Creator },
			func(r *Record, v any) (err error) { r.Creator, err = AsString(v); return }).
		Field("modified", models.ColumnTypeDateTime,
			func(r *Record) any { return r.Modified },
			func(r *Record, v any) (err error) { r.Modified, err = AsTime(v); return }).
		Field("modifier", models.ColumnTypeText,
			func(r *Record) any { return r.Modifier },
			func(r *Record, v any) (err error) { r.Modifier, err = AsString(v); return }).
		Field("type", models.ColumnTypeText,
			func(r *Record) any { return r.Type },
			func(r *Record, v any) (err error) { r.Type, err = AsString(v); return }).
		Indexed(false).
		Field("name", models.ColumnTypeText,
			func(r *Record) any { return r.Name },
			func(r *Record, v any) (err error) { r.Name, err = AsString(v); return }).
		Field("status", models.ColumnTypeText,
			func(r *Record) any { return r.Status },
			func(r *Record, v any) (err error) { r.Status, err = AsString(v); return }).
		Field("tenant", models.ColumnTypeText,
			func(r *Record) any { return r.Tenant },
			func(r *Record, v any) (err error) { r.Tenant, err = AsString(v); return }).
		Indexed(false).
		Field("upd_version", models.ColumnTypeLong,
			func(r *Record) any { return r.UpdVersion },
			func(r *Record, v any) (err error) { r.UpdVersion, err = AsInt64(v); return }).
		Default(int64(0)).
		Field("ref_id", models.ColumnTypeLong,
			func(r *Record) any { return nullableInt64(r.RefID) },
			func(r *Record, v any) (err error) { r.RefID, err = AsInt64(v); return }).
		Field("authorities", models.ColumnTypeText,
			func(r *Record) any { return r.Authorities },
			func(r *Record, v any) (err error) { r.Authorities, err = AsStrings(v); return }).
		Multiple().
		Field("content", models.ColumnTypeText,
			func(r *Record) any { return nullableString(r.Content) },
			func(r *Record, v any) (err error) { r.Content, err = AsString(v); return }).
		Attributes(
			func(r *Record) map[string]any { return r.Attributes },
			func(r *Record, attrs map[string]any) { r.Attributes = attrs }).
		Legacy(2, upgradeRefColumn).
		Legacy(3, upgradeContentColumn)
}

// NewRecordMapper builds the Record mapper.
func NewRecordMapper() *Mapper[Record] {
	return RecordDescriptor().MustBuild()
}

// upgradeRefColumn handles rows whose __ref_id still holds a textual ref. Numeric refs
// are kept; anything else moves to an attribute until the refs migration resolves it.
func upgradeRefColumn(row Row) (Row, error) {
	ref, ok := row[ColumnRefID].(string)
	if !ok {
		return row, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row[ColumnRefID] = id
		return row, nil
	}
	row[ColumnRefID] = nil
	row[AttrLegacyRef] = ref
	return row, nil
}

// upgradeContentColumn moves inline payloads out of __content, which now holds refs.
func upgradeContentColumn(row Row) (Row, error) {
	payload, ok := row[ColumnContent].([]byte)
	if !ok {
		return row, nil
	}
	row[ColumnContent] = nil
	row[AttrLegacyContent] = payload
	return row, nil
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
