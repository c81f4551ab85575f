// Package packages installs and removes system packages from a curated
// catalog, one transaction at a time.
package packages

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/devstack/internal/fault"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var ErrUnknownPackage = fault.New(fault.InvalidInput, "package is not in the catalog")

// Entry is one catalog package, merged with its live state by Entries.
type Entry struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Service     string `yaml:"service,omitempty" json:"service,omitempty"`
	Category    string `yaml:"-" json:"category"`

	Installed bool   `yaml:"-" json:"installed"`
	Version   string `yaml:"-" json:"version,omitempty"`
	Available bool   `yaml:"-" json:"available"`
}

type category struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Packages []Entry `yaml:"packages"`
}

type catalogFile struct {
	Categories []category `yaml:"categories"`
}

// Catalog is the static list of packages devstack offers.
type Catalog struct {
	entries []Entry
	byID    map[string]int
}

// Default returns the catalog shipped with devstack.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog file, or returns the default catalog if path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML. Package ids must be unique.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]int)}
	for _, cat := range f.Categories {
		for _, e := range cat.Packages {
			if e.ID == "" {
				return nil, fmt.Errorf("catalog category %s has a package without id", cat.ID)
			}
			if _, dup := c.byID[e.ID]; dup {
				return nil, fmt.Errorf("catalog lists %s twice", e.ID)
			}
			e.Category = cat.Name
			c.byID[e.ID] = len(c.entries)
			c.entries = append(c.entries, e)
		}
	}
	return c, nil
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// All returns every entry in catalog order, without live state.
func (c *Catalog) All() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Categories returns category names in catalog order.
func (c *Catalog) Categories() []string {
	var names []string
	seen := make(map[string]bool)
	for _, e := range c.entries {
		if !seen[e.Category] {
			seen[e.Category] = true
			names = append(names, e.Category)
		}
	}
	return names
}

// Search returns entries whose id, name or description contains query,
// ignoring case.
func (c *Catalog) Search(query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Entry
	for _, e := range c.entries {
		if strings.Contains(strings.ToLower(e.ID), q) ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Description), q) {
			out = append(out, e)
		}
	}
	return out
}

// State answers live package questions; *inspect.Inspector implements it.
type State interface {
	PackageInstalled(ctx context.Context, id string) (bool, string, error)
	PackagesAvailable(ctx context.Context, ids []string) (map[string]bool, error)
}

const queryConcurrency = 4

// Entries returns entries (all if none given) merged with live installed
// version and availability.
func (c *Catalog) Entries(ctx context.Context, state State, entries ...Entry) ([]Entry, error) {
	if len(entries) == 0 {
		entries = c.All()
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	avail, err := state.PackagesAvailable(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(entries))
	sem := semaphore.NewWeighted(queryConcurrency)
	var mu sync.Mutex
	var firstErr error
	for i, e := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int, e Entry) {
			defer sem.Release(1)
			installed, version, err := state.PackageInstalled(ctx, e.ID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			e.Installed, e.Version = installed, version
			e.Available = avail[e.ID] || installed
			out[i] = e
		}(i, e)
	}
	if err := sem.Acquire(ctx, queryConcurrency); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Installed returns the ids of installed entries, sorted.
func Installed(entries []Entry) []string {
	var ids []string
	for _, e := range entries {
		if e.Installed {
			ids = append(ids, e.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
