package repositories

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/logging"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// SchemaDAO reads physical column metadata and emits DDL. Every method runs in the
// ambient transaction of ctx; DDL goes through txn.ExecDDL so command recorders and mock
// mode observe it.
type SchemaDAO interface {
	// GetColumns returns the live columns of table in ordinal order. A missing table has
	// no columns.
	GetColumns(ctx context.Context, table models.TableRef) ([]models.ColumnDef, error)
	// CreateTable creates table with columns and its baseline indexes.
	CreateTable(ctx context.Context, table models.TableRef, columns []models.ColumnDef) error
	// AddColumns adds each column with its own ALTER TABLE statement.
	AddColumns(ctx context.Context, table models.TableRef, columns []models.ColumnDef) error
	// SetColumnType accepts only a request that matches the live column's type and
	// multiplicity. Any real conversion fails with apperrors.ErrTypeChangeUnsupported.
	SetColumnType(ctx context.Context, table models.TableRef, name string, multiple bool, columnType models.ColumnType) error
	RenameColumn(ctx context.Context, table models.TableRef, from, to string) error
	DropColumns(ctx context.Context, table models.TableRef, names ...string) error
	CreateIndexes(ctx context.Context, table models.TableRef, indexes []models.IndexDef) error
	CreateForeignKeys(ctx context.Context, table models.TableRef, fks []models.ForeignKeyDef) error
}

type schemaDAO struct {
	logger *zap.Logger
}

// NewSchemaDAO creates the PostgreSQL SchemaDAO.
func NewSchemaDAO(logger *zap.Logger) SchemaDAO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &schemaDAO{logger: logger.Named("schema-dao")}
}

var _ SchemaDAO = (*schemaDAO)(nil)

const columnsQuery = `
	SELECT
		c.column_name,
		c.udt_name,
		COALESCE(c.column_default, '') AS column_default,
		c.is_nullable = 'NO' AS not_null
	FROM information_schema.columns c
	WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema())
	  AND c.table_name = $2
	ORDER BY c.ordinal_position
`

func (d *schemaDAO) GetColumns(ctx context.Context, table models.TableRef) ([]models.ColumnDef, error) {
	rows, err := txn.Query(ctx, columnsQuery, table.Schema, table.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table.Key(), err)
	}
	defer rows.Close()

	var columns []models.ColumnDef
	for rows.Next() {
		var name, udtName, columnDefault string
		var notNull bool
		if err := rows.Scan(&name, &udtName, &columnDefault, &notNull); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table.Key(), err)
		}
		columnType, multiple, err := ColumnTypeFromNative(udtName, columnDefault)
		if err != nil {
			return nil, apperrors.ErrUnknownNativeType.WithMessage("column %s of %s has native type %q", name, table.Key(), udtName).WithCause(err)
		}
		c := models.ColumnDef{Name: name, Type: columnType, Multiple: multiple}
		if notNull && columnType != models.ColumnTypeLongSerial {
			c.Constraints = []models.Constraint{models.ConstraintNotNull}
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns of %s: %w", table.Key(), err)
	}
	return columns, nil
}

var nativeColumnTypes = map[string]models.ColumnType{
	"int8":        models.ColumnTypeLong,
	"int4":        models.ColumnTypeInt,
	"float8":      models.ColumnTypeDouble,
	"bool":        models.ColumnTypeBoolean,
	"varchar":     models.ColumnTypeText,
	"text":        models.ColumnTypeText,
	"timestamp":   models.ColumnTypeDateTime,
	"date":        models.ColumnTypeDate,
	"jsonb":       models.ColumnTypeJSON,
	"json":        models.ColumnTypeJSON,
	"bytea":       models.ColumnTypeBinary,
	"uuid":        models.ColumnTypeUUID,
	"timestamptz": models.ColumnTypeDateTime,
}

// ColumnTypeFromNative maps a catalog udt_name to a ColumnType. A leading underscore marks
// an array. A bigint whose default draws from a sequence is a serial id.
func ColumnTypeFromNative(udtName, columnDefault string) (models.ColumnType, bool, error) {
	multiple := strings.HasPrefix(udtName, "_")
	base := strings.TrimPrefix(udtName, "_")
	columnType, ok := nativeColumnTypes[base]
	if !ok {
		return "", false, fmt.Errorf("unrecognized native type %q", udtName)
	}
	if columnType == models.ColumnTypeLong && !multiple && strings.HasPrefix(columnDefault, "nextval(") {
		columnType = models.ColumnTypeLongSerial
	}
	return columnType, multiple, nil
}

func (d *schemaDAO) exec(ctx context.Context, table models.TableRef, statement string) error {
	d.logger.Info("Executing DDL",
		zap.String("table", table.Key()),
		logging.DDL(statement),
		zap.Bool("mock", txn.IsMock(ctx)))
	if err := txn.ExecDDL(ctx, statement); err != nil {
		return fmt.Errorf("failed to execute DDL on %s: %w", table.Key(), apperrors.ClassifyPgError(err))
	}
	return nil
}

func (d *schemaDAO) CreateTable(ctx context.Context, table models.TableRef, columns []models.ColumnDef) error {
	if len(columns) == 0 {
		return fmt.Errorf("cannot create %s without columns", table.Key())
	}
	if err := models.ValidateColumns(columns); err != nil {
		return fmt.Errorf("invalid columns for %s: %w", table.Key(), err)
	}
	if err := d.exec(ctx, table, BuildCreateTable(table, columns)); err != nil {
		return err
	}
	return d.CreateIndexes(ctx, table, BaselineIndexes(table, columns))
}

func (d *schemaDAO) AddColumns(ctx context.Context, table models.TableRef, columns []models.ColumnDef) error {
	if err := models.ValidateColumns(columns); err != nil {
		return fmt.Errorf("invalid columns for %s: %w", table.Key(), err)
	}
	for _, c := range columns {
		if err := d.exec(ctx, table, BuildAddColumn(table, c)); err != nil {
			return err
		}
	}
	return d.CreateIndexes(ctx, table, ColumnIndexes(columns))
}

func (d *schemaDAO) SetColumnType(ctx context.Context, table models.TableRef, name string, multiple bool, columnType models.ColumnType) error {
	columns, err := d.GetColumns(ctx, table)
	if err != nil {
		return err
	}
	live, ok := models.ColumnsByName(columns)[name]
	if !ok {
		return apperrors.ErrTypeChangeUnsupported.WithMessage("column %s does not exist in %s", name, table.Key())
	}
	if live.Type == columnType && live.Multiple == multiple {
		return nil
	}
	return apperrors.ErrTypeChangeUnsupported.WithMessage("cannot convert column %s of %s from %s to %s",
		name, table.Key(), describeType(live.Type, live.Multiple), describeType(columnType, multiple))
}

func describeType(t models.ColumnType, multiple bool) string {
	if multiple {
		return string(t) + "[]"
	}
	return string(t)
}

func (d *schemaDAO) RenameColumn(ctx context.Context, table models.TableRef, from, to string) error {
	return d.exec(ctx, table, BuildRenameColumn(table, from, to))
}

func (d *schemaDAO) DropColumns(ctx context.Context, table models.TableRef, names ...string) error {
	for _, name := range names {
		if err := d.exec(ctx, table, BuildDropColumn(table, name)); err != nil {
			return err
		}
	}
	return nil
}

func (d *schemaDAO) CreateIndexes(ctx context.Context, table models.TableRef, indexes []models.IndexDef) error {
	for _, index := range indexes {
		if len(index.Columns) == 0 {
			return fmt.Errorf("index %q on %s has no columns", index.Name, table.Key())
		}
		if err := d.exec(ctx, table, BuildCreateIndex(table, index)); err != nil {
			return err
		}
	}
	return nil
}

func (d *schemaDAO) CreateForeignKeys(ctx context.Context, table models.TableRef, fks []models.ForeignKeyDef) error {
	for _, fk := range fks {
		if err := d.exec(ctx, table, BuildAddForeignKey(table, fk)); err != nil {
			return err
		}
	}
	return nil
}
