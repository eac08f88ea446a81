package services

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
)

// RefResolver translates between textual record refs and numeric record ids.
type RefResolver interface {
	// IDFor returns the id of the record ref names, or apperrors.ErrNotFound.
	IDFor(ctx context.Context, ref string) (int64, error)
	RefFor(ctx context.Context, id int64) (string, error)
}

// PermissionsResolver computes who may read a record.
type PermissionsResolver interface {
	ReadableAuthorities(ctx context.Context, record *entity.Record) ([]string, error)
}

// Migrator advances a table's data and schema through versioned steps.
type Migrator interface {
	Run(ctx context.Context, table models.TableRef, target int) error
}

// ExtIDRefs resolves refs as the external ids of the records of one table. Lookups run in
// the ambient transaction.
type ExtIDRefs struct {
	records repositories.RecordsDAO
}

var _ RefResolver = (*ExtIDRefs)(nil)

func NewExtIDRefs(records repositories.RecordsDAO) *ExtIDRefs {
	return &ExtIDRefs{records: records}
}

func (r *ExtIDRefs) IDFor(ctx context.Context, ref string) (int64, error) {
	row, err := r.records.FindByExtID(ctx, ref)
	if err != nil {
		return 0, err
	}
	return entity.AsInt64(row[entity.ColumnID])
}

func (r *ExtIDRefs) RefFor(ctx context.Context, id int64) (string, error) {
	row, err := r.records.FindByID(ctx, id, false)
	if err != nil {
		return "", err
	}
	ref, err := entity.AsString(row[entity.ColumnExtID])
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("record %d of %s has no external id", id, r.records.Table().Key())
	}
	return ref, nil
}

const (
	UserAuthorityPrefix   = "user:"
	TenantAuthorityPrefix = "tenant:"
)

// OwnerPermissions grants read access to a record's creator and, when the record has
// one, to its tenant.
type OwnerPermissions struct{}

var _ PermissionsResolver = OwnerPermissions{}

func (OwnerPermissions) ReadableAuthorities(_ context.Context, record *entity.Record) ([]string, error) {
	authorities := []string{}
	if record.Creator != "" {
		authorities = append(authorities, UserAuthorityPrefix+record.Creator)
	}
	if record.Tenant != "" {
		authorities = append(authorities, TenantAuthorityPrefix+record.Tenant)
	}
	return authorities, nil
}
