package migrations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/contentstore"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

var (
	authoritiesColumn = models.ColumnDef{Name: entity.ColumnAuthorities, Type: models.ColumnTypeText, Multiple: true}
	refIDColumn       = models.ColumnDef{Name: entity.ColumnRefID, Type: models.ColumnTypeLong}
	contentColumn     = models.ColumnDef{Name: entity.ColumnContent, Type: models.ColumnTypeText}
)

// AddAuthoritiesMigration adds the __authorities column to record tables.
func AddAuthoritiesMigration() Migration {
	return New("0001_add_authorities", 0, 1, func(ctx context.Context, mc *Context) error {
		columns, err := mc.Schema.GetColumns(ctx, mc.Table)
		if err != nil {
			return err
		}
		if _, ok := models.ColumnsByName(columns)[authoritiesColumn.Name]; ok {
			return nil
		}
		return mc.Schema.AddColumns(ctx, mc.Table, []models.ColumnDef{authoritiesColumn})
	})
}

// AuthoritiesBackfillMigration fills __authorities from the permissions component.
func AuthoritiesBackfillMigration() Migration {
	return New("0002_backfill_authorities", 1, 2, func(ctx context.Context, mc *Context) error {
		if mc.Permissions == nil {
			return errors.New("permissions resolver is required")
		}
		mapper := entity.NewRecordMapper().WithLogger(mc.Logger)
		b := &Backfill{
			Name:    "authorities",
			Columns: []models.ColumnDef{authoritiesColumn},
			Compute: func(ctx context.Context, row entity.Row) (entity.Row, error) {
				record, err := mapper.FromRow(row, mc.Version)
				if err != nil {
					return nil, err
				}
				authorities, err := mc.Permissions.ReadableAuthorities(ctx, record)
				if err != nil {
					return nil, err
				}
				return entity.Row{authoritiesColumn.Name: authorities}, nil
			},
		}
		return b.Run(ctx, mc)
	})
}

// RefsToIDsMigration converts textual refs in __ref_id into numeric record ids.
func RefsToIDsMigration() Migration {
	return New("0003_refs_to_ids", 2, 3, func(ctx context.Context, mc *Context) error {
		b := &Backfill{
			Name:    "ref_ids",
			Columns: []models.ColumnDef{refIDColumn},
			Compute: func(ctx context.Context, row entity.Row) (entity.Row, error) {
				id, err := resolveRef(ctx, mc, row[refIDColumn.Name])
				if err != nil {
					return nil, err
				}
				return entity.Row{refIDColumn.Name: id}, nil
			},
		}
		return b.Run(ctx, mc)
	})
}

// resolveRef returns the record id a __ref_id value points to. Refs that no longer
// resolve become NULL.
func resolveRef(ctx context.Context, mc *Context, v any) (any, error) {
	switch ref := v.(type) {
	case nil:
		return nil, nil
	case string:
		if ref == "" {
			return nil, nil
		}
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			return id, nil
		}
		if mc.Refs == nil {
			return nil, fmt.Errorf("ref resolver is required to resolve %q", ref)
		}
		id, err := mc.Refs.IDFor(ctx, ref)
		if errors.Is(err, apperrors.ErrNotFound) {
			mc.Logger.Warn("Dropping unresolvable ref", zap.String("ref", ref))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return id, nil
	}
	return entity.AsInt64(v)
}

// ContentToStoreMigration moves inline __content payloads to the content store and keeps
// their refs in the column.
func ContentToStoreMigration() Migration {
	return New("0004_content_to_store", 3, 4, func(ctx context.Context, mc *Context) error {
		if mc.Content == nil {
			return errors.New("content store is required")
		}
		b := &Backfill{
			Name:    "content_refs",
			Columns: []models.ColumnDef{contentColumn},
			Compute: func(ctx context.Context, row entity.Row) (entity.Row, error) {
				ref, err := storeContent(ctx, mc.Content, row[contentColumn.Name])
				if err != nil {
					return nil, err
				}
				return entity.Row{contentColumn.Name: ref}, nil
			},
		}
		return b.Run(ctx, mc)
	})
}

func storeContent(ctx context.Context, store contentstore.Store, v any) (any, error) {
	var payload []byte
	switch content := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		payload = content
	case string:
		if contentstore.IsRef(content) {
			return content, nil
		}
		payload = []byte(content)
	default:
		return nil, fmt.Errorf("unexpected content value %T", v)
	}
	ref, err := store.Write(ctx, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return ref.String(), nil
}
