// Package migrations holds the migrations a run can be started with: the
// built-in registry and declarative migration files on disk.
package migrations

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go-data-migrate/internal/model"
	"go-data-migrate/internal/pipeline"

	"github.com/pkg/errors"
)

// Registry maps migration names to definitions.
type Registry struct {
	mu         sync.RWMutex
	migrations map[string]model.Migration
}

func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]model.Migration)}
}

// Default holds the built-in migrations.
var Default = NewRegistry()

// Register adds m to the default registry. It panics on invalid or
// duplicate definitions, since registration happens at init time.
func Register(m model.Migration) {
	if err := Default.Add(m); err != nil {
		panic(err)
	}
}

func (r *Registry) Add(m model.Migration) error {
	if m.Name == "" {
		return errors.New("migration has no name")
	}
	if err := pipeline.ValidateMigration(m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.migrations[m.Name]; ok {
		return errors.Errorf("migration %q registered twice", m.Name)
	}
	r.migrations[m.Name] = m
	return nil
}

func (r *Registry) Lookup(name string) (model.Migration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.migrations[name]
	return m, ok
}

// List returns the registered migrations sorted by name.
func (r *Registry) List() []model.Migration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolved is a migration together with where it was found.
type Resolved struct {
	Migration model.Migration
	// Origin is the file the migration was loaded from, or "builtin".
	Origin string
}

// candidates lists the files a migration called name may live in.
func candidates(dir, name string) []string {
	return []string{
		filepath.Join(dir, name+".yaml"),
		filepath.Join(dir, name+".yml"),
		filepath.Join(dir, name, "index.yaml"),
		filepath.Join(dir, name, "index.yml"),
	}
}

// Resolve finds the migration called name among the files in dir and the
// registry. Exactly one match is required.
func Resolve(reg *Registry, dir, name string) (Resolved, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolved{}, &pipeline.DefinitionError{Reason: "migration name is required"}
	}

	var found []string
	if dir != "" {
		for _, c := range candidates(dir, name) {
			if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
				found = append(found, c)
			}
		}
	}
	builtin, isBuiltin := reg.Lookup(name)
	if isBuiltin {
		found = append(found, "builtin")
	}

	switch len(found) {
	case 0:
		tried := []string{"builtin " + name}
		if dir != "" {
			tried = append(candidates(dir, name), tried...)
		}
		return Resolved{}, &pipeline.DefinitionError{Reason: "no migration found for " + name + ", tried:\n  " + strings.Join(tried, "\n  ")}
	case 1:
	default:
		return Resolved{}, &pipeline.DefinitionError{Reason: "found multiple migrations for " + name + ":\n  " + strings.Join(found, "\n  ")}
	}

	if isBuiltin {
		return Resolved{Migration: builtin, Origin: "builtin"}, nil
	}
	m, err := LoadFile(found[0])
	if err != nil {
		return Resolved{}, err
	}
	if m.Name == "" {
		m.Name = name
	}
	return Resolved{Migration: m, Origin: found[0]}, nil
}

// Discover lists the declarative migrations in dir, keyed by the name they
// resolve under. Files that fail to load are reported in the error map.
func Discover(dir string) (map[string]string, map[string]error) {
	found := make(map[string]string)
	failed := make(map[string]error)
	if dir == "" {
		return found, failed
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			failed[dir] = err
		}
		return found, failed
	}
	for _, e := range entries {
		var name string
		switch {
		case e.IsDir():
			name = e.Name()
		case strings.HasSuffix(e.Name(), ".yaml"), strings.HasSuffix(e.Name(), ".yml"):
			name = strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".yaml"), ".yml")
		default:
			continue
		}
		for _, c := range candidates(dir, name) {
			if _, err := os.Stat(c); err != nil {
				continue
			}
			if _, err := LoadFile(c); err != nil {
				failed[c] = err
				continue
			}
			found[name] = c
			break
		}
	}
	return found, failed
}
