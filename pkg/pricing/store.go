package pricing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Loader produces a fresh catalog
type Loader interface {
	Load(ctx context.Context) (*Catalog, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context) (*Catalog, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context) (*Catalog, error) {
	return f(ctx)
}

// FileLoader loads a catalog from a YAML file
type FileLoader struct {
	Path string
}

// Load reads and parses the file
func (l FileLoader) Load(ctx context.Context) (*Catalog, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", l.Path, err)
	}
	return Parse(bytes.NewReader(data))
}

// Store holds the current catalog snapshot
type Store struct {
	loader  Loader
	current atomic.Pointer[Catalog]
	group   singleflight.Group
}

// NewStore loads the initial snapshot
func NewStore(ctx context.Context, loader Loader) (*Store, error) {
	s := &Store{loader: loader}
	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps a fixed catalog; Reload keeps it
func NewStaticStore(c *Catalog) *Store {
	s := &Store{loader: LoaderFunc(func(context.Context) (*Catalog, error) { return c, nil })}
	s.current.Store(c)
	return s
}

// Current returns the active snapshot
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Reload replaces the snapshot. A failed load keeps the previous snapshot.
// Concurrent calls share one load.
func (s *Store) Reload(ctx context.Context) (*Catalog, error) {
	v, err, _ := s.group.Do("reload", func() (any, error) {
		c, err := s.loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.current.Store(c)
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reload pricing: %w", err)
	}
	return v.(*Catalog), nil
}
