package migrations

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds migrations keyed by the version they start from.
type Registry struct {
	mu     sync.RWMutex
	byFrom map[int][]Migration
	ids    map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byFrom: make(map[int][]Migration),
		ids:    make(map[string]struct{}),
	}
}

// Register adds m. Every migration starting from the same version must end at the same
// version, so that a step is well defined.
func (r *Registry) Register(m Migration) error {
	if m.ID() == "" {
		return fmt.Errorf("migration id is required")
	}
	if m.ToVersion() <= m.FromVersion() {
		return fmt.Errorf("migration %s: target version %d must be greater than %d", m.ID(), m.ToVersion(), m.FromVersion())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[m.ID()]; ok {
		return fmt.Errorf("migration %s is already registered", m.ID())
	}
	for _, other := range r.byFrom[m.FromVersion()] {
		if other.ToVersion() != m.ToVersion() {
			return fmt.Errorf("migration %s: version %d already migrates to %d (%s), not %d",
				m.ID(), m.FromVersion(), other.ToVersion(), other.ID(), m.ToVersion())
		}
	}
	r.ids[m.ID()] = struct{}{}
	r.byFrom[m.FromVersion()] = append(r.byFrom[m.FromVersion()], m)
	return nil
}

// MustRegister is Register for static setup.
func (r *Registry) MustRegister(migrations ...Migration) *Registry {
	for _, m := range migrations {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

// For returns the migrations starting at version, ordered by id.
func (r *Registry) For(version int) []Migration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found := append([]Migration(nil), r.byFrom[version]...)
	sort.Slice(found, func(i, j int) bool { return found[i].ID() < found[j].ID() })
	return found
}

// Path returns the migrations that take a table from version to target, step by step.
// It stops early at the first version with nothing registered.
func (r *Registry) Path(version, target int) ([]Migration, int) {
	var path []Migration
	for version < target {
		step := r.For(version)
		if len(step) == 0 {
			break
		}
		path = append(path, step...)
		version = step[0].ToVersion()
	}
	return path, version
}

// DefaultRegistry returns the migrations of record tables.
func DefaultRegistry() *Registry {
	return NewRegistry().MustRegister(
		AddAuthoritiesMigration(),
		AuthoritiesBackfillMigration(),
		RefsToIDsMigration(),
		ContentToStoreMigration(),
	)
}
