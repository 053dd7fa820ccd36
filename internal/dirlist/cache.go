// Package dirlist fronts ListDir's directory enumeration with a small
// bounded LRU cache. This server only ever serves one configured
// directory, so in practice one entry is exercised, but the cache is
// general: nothing about it assumes a single directory.
package dirlist

import (
	"os"

	lru "github.com/hashicorp/golang-lru"
)

// Cache caches regular-file name listings keyed by directory path.
type Cache struct {
	entries *lru.Cache
}

// New returns a Cache holding up to capacity directory listings.
func New(capacity int) (*Cache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: c}, nil
}

// List returns the regular-file names directly under dir, in unspecified
// order, serving a cached result when available.
func (c *Cache) List(dir string) ([]string, error) {
	if v, ok := c.entries.Get(dir); ok {
		return v.([]string), nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	c.entries.Add(dir, names)
	return names, nil
}
