// Package migrations advances managed tables through versioned schema and data steps.
//
// Each table carries a schema version in its metadata row. A Runner reads the version,
// runs the migrations registered for that version in a fresh transaction, and persists
// the new version in the same transaction, one step at a time. Long data rewrites use
// Backfill, which commits chunk by chunk and only swaps columns once every row is done.
package migrations

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/columncache"
	"github.com/ekaya-inc/ekaya-datastore/pkg/contentstore"
	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/repositories"
	"github.com/ekaya-inc/ekaya-datastore/pkg/services"
	"github.com/ekaya-inc/ekaya-datastore/pkg/txn"
)

// Migration moves a table from one schema version to the next.
type Migration interface {
	// ID names the migration in logs and changelogs. IDs are unique within a Registry.
	ID() string
	FromVersion() int
	ToVersion() int
	Run(ctx context.Context, mc *Context) error
}

// ChunkProgress reports one committed backfill chunk.
type ChunkProgress struct {
	Migration string
	Table     models.TableRef
	Chunk     int
	Rows      int
	Total     int
}

// Collaborators are the external components data migrations consult.
type Collaborators struct {
	Refs        services.RefResolver
	Permissions services.PermissionsResolver
	Content     contentstore.Store
}

// Context is what a migration runs against. Run is called inside the step's write
// transaction; migrations that need independent commits open their own with RequiresNew.
type Context struct {
	Table   models.TableRef
	Schema  repositories.SchemaDAO
	Records repositories.RecordsDAO
	Txn     *txn.Manager
	Cache   *columncache.Cache
	Logger  *zap.Logger
	// Version is the schema version the table's rows were written under.
	Version int

	// ChunkSize bounds the rows a backfill chunk rewrites. Zero means DefaultChunkSize.
	ChunkSize int
	OnChunk   func(ctx context.Context, progress ChunkProgress) error

	Collaborators
}

// migration is a Migration defined by its fields.
type migration struct {
	id   string
	from int
	to   int
	run  func(ctx context.Context, mc *Context) error
}

// New returns a Migration that runs fn.
func New(id string, from, to int, fn func(ctx context.Context, mc *Context) error) Migration {
	return &migration{id: id, from: from, to: to, run: fn}
}

func (m *migration) ID() string       { return m.id }
func (m *migration) FromVersion() int { return m.from }
func (m *migration) ToVersion() int   { return m.to }

func (m *migration) Run(ctx context.Context, mc *Context) error {
	return m.run(ctx, mc)
}
