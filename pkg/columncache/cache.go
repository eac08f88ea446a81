// Package columncache holds the last-known live columns of each managed table.
//
// Entries are created lazily by their owners and reset after failed writes or schema
// changes made elsewhere. A Notifier carries resets to other processes sharing the
// database, so their next access re-reads the catalog.
package columncache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
)

// Entry is a point-in-time copy of one table's cache state.
type Entry struct {
	Columns []models.ColumnDef
	Present bool
}

// Cache is safe for concurrent use. Columns are copied on the way in and out.
type Cache struct {
	mu        sync.RWMutex
	tables    map[string][]models.ColumnDef
	listeners []func(models.TableRef)
	notifier  Notifier
	logger    *zap.Logger
}

// New creates a cache. A nil notifier keeps invalidations process-local.
func New(notifier Notifier, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Cache{
		tables:   make(map[string][]models.ColumnDef),
		notifier: notifier,
		logger:   logger.Named("column-cache"),
	}
}

// Get returns the cached columns of table and whether an entry exists.
func (c *Cache) Get(table models.TableRef) ([]models.ColumnDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	columns, ok := c.tables[table.Key()]
	if !ok {
		return nil, false
	}
	return models.CopyColumns(columns), true
}

func (c *Cache) Set(table models.TableRef, columns []models.ColumnDef) {
	c.mu.Lock()
	c.tables[table.Key()] = models.CopyColumns(columns)
	c.mu.Unlock()
}

// Snapshot captures the entry of table for a later Restore.
func (c *Cache) Snapshot(table models.TableRef) Entry {
	columns, ok := c.Get(table)
	return Entry{Columns: columns, Present: ok}
}

// Restore puts back an entry taken by Snapshot.
func (c *Cache) Restore(table models.TableRef, entry Entry) {
	if !entry.Present {
		c.drop(table)
		return
	}
	c.Set(table, entry.Columns)
}

// Reset drops the entry of table locally, notifies listeners and publishes the
// invalidation to other processes.
func (c *Cache) Reset(ctx context.Context, table models.TableRef) {
	c.Invalidate(table)
	c.Broadcast(ctx, table)
}

// Broadcast tells other processes that table changed, keeping the local entry.
func (c *Cache) Broadcast(ctx context.Context, table models.TableRef) {
	if err := c.notifier.Publish(ctx, table); err != nil {
		c.logger.Warn("Failed to publish column cache invalidation",
			zap.String("table", table.Key()),
			zap.Error(err))
	}
}

// Invalidate drops the entry of table and notifies listeners without publishing.
func (c *Cache) Invalidate(table models.TableRef) {
	c.drop(table)
	c.mu.RLock()
	listeners := append(([]func(models.TableRef))(nil), c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(table)
	}
}

func (c *Cache) drop(table models.TableRef) {
	c.mu.Lock()
	delete(c.tables, table.Key())
	c.mu.Unlock()
}

// OnInvalidate registers fn to run after every Reset or Invalidate.
func (c *Cache) OnInvalidate(fn func(models.TableRef)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Listen applies invalidations published by other processes until ctx is done.
func (c *Cache) Listen(ctx context.Context) error {
	return c.notifier.Subscribe(ctx, func(table models.TableRef) {
		c.logger.Debug("Received column cache invalidation", zap.String("table", table.Key()))
		c.Invalidate(table)
	})
}
