package repositories

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/spaolacci/murmur3"

	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLength = 63

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// columnDefinition renders a column for CREATE TABLE or ADD COLUMN. NOT NULL is only
// emitted when creating the table; existing rows would violate it on ADD COLUMN.
func columnDefinition(c models.ColumnDef, creating bool) string {
	var sb strings.Builder
	sb.WriteString(quoteIdent(c.Name))
	sb.WriteByte(' ')
	sb.WriteString(c.SQLType())
	if c.Name == entity.ColumnID && c.Type == models.ColumnTypeLongSerial && !c.Multiple {
		sb.WriteString(" PRIMARY KEY")
		return sb.String()
	}
	if creating && c.HasConstraint(models.ConstraintNotNull) {
		sb.WriteString(" NOT NULL")
	}
	if c.HasConstraint(models.ConstraintUnique) {
		sb.WriteString(" UNIQUE")
	}
	return sb.String()
}

// BuildCreateTable renders a single CREATE TABLE statement with one quoted column per
// definition.
func BuildCreateTable(table models.TableRef, columns []models.ColumnDef) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = columnDefinition(c, true)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

// BuildAddColumn renders ALTER TABLE ... ADD COLUMN for one column.
func BuildAddColumn(table models.TableRef, column models.ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDefinition(column, false))
}

// BuildRenameColumn renders ALTER TABLE ... RENAME COLUMN.
func BuildRenameColumn(table models.TableRef, from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, quoteIdent(from), quoteIdent(to))
}

// BuildDropColumn renders ALTER TABLE ... DROP COLUMN IF EXISTS.
func BuildDropColumn(table models.TableRef, name string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", table, quoteIdent(name))
}

// BuildCreateIndex renders CREATE [UNIQUE] INDEX IF NOT EXISTS for a table-level index.
// An empty name is derived from the table and columns.
func BuildCreateIndex(table models.TableRef, index models.IndexDef) string {
	name := index.Name
	if name == "" {
		name = IndexName(table, index.Columns, index.Unique)
	}
	unique := ""
	if index.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, quoteIdent(name), table, quoteIdents(index.Columns))
}

// BuildAddForeignKey renders ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY.
func BuildAddForeignKey(table models.TableRef, fk models.ForeignKeyDef) string {
	name := fk.Name
	if name == "" {
		name = truncateIdentifier(fmt.Sprintf("fk_%s_%s", table.Table, fk.Column))
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		table, quoteIdent(name), quoteIdent(fk.Column), fk.RefTable, quoteIdent(fk.RefColumn))
	if fk.OnDelete != "" {
		stmt += " ON DELETE " + strings.ToUpper(fk.OnDelete)
	}
	return stmt
}

// IndexName derives an index name from the table and column names. Names longer than
// PostgreSQL allows are shortened and suffixed with a hash of the full name so distinct
// indexes keep distinct names.
func IndexName(table models.TableRef, columns []string, unique bool) string {
	prefix := "idx"
	if unique {
		prefix = "uidx"
	}
	parts := append([]string{prefix, table.Table}, columns...)
	name := strings.Join(parts, "_")
	name = strings.ReplaceAll(name, " ", "_")
	return truncateIdentifier(name)
}

func truncateIdentifier(name string) string {
	if len(name) <= maxIdentifierLength {
		return name
	}
	suffix := fmt.Sprintf("_%08x", murmur3.Sum32([]byte(name)))
	return name[:maxIdentifierLength-len(suffix)] + suffix
}

// BaselineIndexes returns the indexes created with a table: a unique index on the
// external id column and a plain index on the soft-delete flag when present, then one
// index per column that requests it.
func BaselineIndexes(table models.TableRef, columns []models.ColumnDef) []models.IndexDef {
	var indexes []models.IndexDef
	byName := models.ColumnsByName(columns)
	if _, ok := byName[entity.ColumnExtID]; ok {
		indexes = append(indexes, models.IndexDef{Enabled: true, Unique: true, Columns: []string{entity.ColumnExtID}})
	}
	if _, ok := byName[entity.ColumnDeleted]; ok {
		indexes = append(indexes, models.IndexDef{Enabled: true, Columns: []string{entity.ColumnDeleted}})
	}
	indexes = append(indexes, ColumnIndexes(columns)...)
	for i := range indexes {
		indexes[i].Name = IndexName(table, indexes[i].Columns, indexes[i].Unique)
	}
	return indexes
}

// ColumnIndexes returns the single-column indexes requested by column definitions,
// excluding the baseline columns.
func ColumnIndexes(columns []models.ColumnDef) []models.IndexDef {
	var indexes []models.IndexDef
	for _, c := range columns {
		if !c.Index.Enabled || c.Name == entity.ColumnExtID || c.Name == entity.ColumnDeleted || c.Name == entity.ColumnID {
			continue
		}
		indexes = append(indexes, models.IndexDef{Enabled: true, Unique: c.Index.Unique, Columns: []string{c.Name}})
	}
	return indexes
}
