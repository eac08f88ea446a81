package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/entity"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/retry"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// SchemaRegistryTable lists every schema a Registry has bootstrapped.
const SchemaRegistryTable = "ekaya_schema_registry"

// Backend supplies the DAOs of every schema context.
type Backend struct {
	Schema  repositories.SchemaDAO
	Records func(table models.TableRef) repositories.RecordsDAO
	// RecordSchema, when set, persists the name of a newly bootstrapped schema.
	RecordSchema func(ctx context.Context, name string) error
}

// PostgresBackend returns the pgx-backed DAOs.
func PostgresBackend(logger *zap.Logger) Backend {
	schema := repositories.NewSchemaDAO(logger)
	return Backend{
		Schema: schema,
		Records: func(table models.TableRef) repositories.RecordsDAO {
			return repositories.NewRecordsDAO(table, schema, logger)
		},
		RecordSchema: recordSchema,
	}
}

func recordSchema(ctx context.Context, name string) error {
	_, err := txn.Exec(ctx,
		"INSERT INTO "+SchemaRegistryTable+" (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return fmt.Errorf("failed to record schema %q: %w", name, err)
	}
	return nil
}

// Registry owns one SchemaContext per database schema. Contexts are bootstrapped on first
// use and live as long as the registry.
type Registry struct {
	txn     *txn.Manager
	backend Backend
	cache   *columncache.Cache
	retry   *retry.Config
	logger  *zap.Logger

	mu      sync.Mutex
	schemas map[string]*SchemaContext
}

func NewRegistry(manager *txn.Manager, backend Backend, cache *columncache.Cache, retryCfg *retry.Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		txn:     manager,
		backend: backend,
		cache:   cache,
		retry:   retryCfg,
		logger:  logger,
		schemas: make(map[string]*SchemaContext),
	}
}

// Schema returns the context of the named schema, bootstrapping it on first use. The
// empty name is the connection's default schema.
func (r *Registry) Schema(ctx context.Context, name string) (*SchemaContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.schemas[name]; ok {
		return sc, nil
	}
	sc, err := r.bootstrap(ctx, name)
	if err != nil {
		return nil, err
	}
	r.schemas[name] = sc
	return sc, nil
}

// Schemas returns the names of the bootstrapped schemas, sorted.
func (r *Registry) Schemas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) bootstrap(ctx context.Context, name string) (*SchemaContext, error) {
	logger := r.logger.With(zap.String("schema", name))
	metaRef := models.NewTableRef(name, repositories.TableMetaTable)
	metaRecords := r.backend.Records(metaRef)
	deps := Deps{
		Txn:    r.txn,
		Schema: r.backend.Schema,
		Cache:  r.cache,
		Retry:  r.retry,
	}
	meta := NewDataService(deps, repositories.NewTableMetaMapper(), metaRef, metaRecords, Options{}, logger)

	err := r.txn.WithTransaction(ctx, txn.Options{}, func(ctx context.Context) error {
		if name != "" {
			if err := txn.ExecDDL(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
				return fmt.Errorf("failed to create schema %q: %w", name, err)
			}
		}
		if _, err := meta.EvolveSchema(ctx, nil, EvolveOptions{}); err != nil {
			return err
		}
		if r.backend.RecordSchema != nil {
			return r.backend.RecordSchema(ctx, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap schema %q: %w", name, err)
	}

	deps.Meta = repositories.NewTableMetaStore(metaRecords, repositories.NewTableMetaMapper(), logger)
	logger.Info("Schema context ready")
	return &SchemaContext{
		name:     name,
		deps:     deps,
		backend:  r.backend,
		meta:     meta,
		logger:   logger,
		services: make(map[string]any),
	}, nil
}

// SchemaContext holds the data services of one schema and the metadata they share.
type SchemaContext struct {
	name    string
	deps    Deps
	backend Backend
	meta    *DataService[models.TableMeta]
	logger  *zap.Logger

	mu       sync.Mutex
	services map[string]any
}

func (sc *SchemaContext) Name() string {
	return sc.name
}

// Deps returns the collaborators of the schema's data services.
func (sc *SchemaContext) Deps() Deps {
	return sc.deps
}

// Records returns a records DAO for a table of the schema.
func (sc *SchemaContext) Records(table string) repositories.RecordsDAO {
	return sc.backend.Records(sc.Table(table))
}

func (sc *SchemaContext) Table(name string) models.TableRef {
	return models.NewTableRef(sc.name, name)
}

// Meta is the data service of the schema's metadata table.
func (sc *SchemaContext) Meta() *DataService[models.TableMeta] {
	return sc.meta
}

// Tables returns the tables of the schema that have metadata.
func (sc *SchemaContext) Tables(ctx context.Context) ([]models.TableRef, error) {
	metas, err := sc.meta.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	tables := make([]models.TableRef, len(metas))
	for i, m := range metas {
		tables[i] = m.Table
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Key() < tables[j].Key() })
	return tables, nil
}

// Register returns the data service of mapper's table in sc, creating and initializing it
// on first use.
func Register[T any](ctx context.Context, sc *SchemaContext, mapper *entity.Mapper[T], opts Options) (*DataService[T], error) {
	table := sc.Table(mapper.TableName())
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if existing, ok := sc.services[table.Key()]; ok {
		service, ok := existing.(*DataService[T])
		if !ok {
			return nil, apperrors.ErrInvalidDescriptor.WithMessage("table %s is already mapped by %T", table.Key(), existing)
		}
		return service, nil
	}

	service := NewDataService(sc.deps, mapper, table, sc.backend.Records(table), opts, sc.logger)
	if err := service.Init(ctx); err != nil {
		return nil, err
	}
	sc.services[table.Key()] = service
	return service, nil
}
