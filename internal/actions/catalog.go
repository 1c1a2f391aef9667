package actions

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// PackageEntry groups a package with its served actions and environment.
type PackageEntry struct {
	Package Package
	Actions []Action // sorted by slug
	Env     EnvironmentRef
}

// Action returns the entry's action with the given slug.
func (e *PackageEntry) Action(slug string) (*Action, bool) {
	idx := sort.Search(len(e.Actions), func(i int) bool {
		return e.Actions[i].Slug >= slug
	})
	if idx < len(e.Actions) && e.Actions[idx].Slug == slug {
		return &e.Actions[idx], true
	}
	return nil, false
}

// Snapshot is an immutable view of the served catalog. Snapshots are never
// mutated after construction; the live one is swapped by pointer.
type Snapshot struct {
	Version  int64
	packages map[string]*PackageEntry
	order    []string
}

// Package returns the entry for a package slug.
func (s *Snapshot) Package(slug string) (*PackageEntry, bool) {
	e, ok := s.packages[slug]
	return e, ok
}

// Packages returns all entries in slug order.
func (s *Snapshot) Packages() []*PackageEntry {
	out := make([]*PackageEntry, 0, len(s.order))
	for _, slug := range s.order {
		out = append(out, s.packages[slug])
	}
	return out
}

// Lookup resolves (package slug, action slug) to an action.
func (s *Snapshot) Lookup(pkgSlug, actionSlug string) (*Action, *PackageEntry, bool) {
	entry, ok := s.packages[pkgSlug]
	if !ok {
		return nil, nil, false
	}
	act, ok := entry.Action(actionSlug)
	if !ok {
		return nil, nil, false
	}
	return act, entry, true
}

// ActionCount returns the number of served actions across all packages.
func (s *Snapshot) ActionCount() int {
	n := 0
	for _, e := range s.packages {
		n += len(e.Actions)
	}
	return n
}

// SnapshotBuilder assembles the next snapshot, applying whitelist filters.
// Zero-length whitelists allow everything.
type SnapshotBuilder struct {
	packageAllow []string
	actionAllow  []string
	entries      map[string]*PackageEntry
}

// NewSnapshotBuilder creates a builder with the operator's whitelists.
func NewSnapshotBuilder(packageAllow, actionAllow []string) *SnapshotBuilder {
	return &SnapshotBuilder{
		packageAllow: packageAllow,
		actionAllow:  actionAllow,
		entries:      make(map[string]*PackageEntry),
	}
}

// AddPackage contributes a package and its actions. Disabled packages,
// disabled actions, and entries excluded by the whitelists are skipped here;
// they stay in the database untouched.
func (b *SnapshotBuilder) AddPackage(pkg Package, env EnvironmentRef, acts []Action) {
	if !pkg.Enabled || !allowed(b.packageAllow, pkg.Slug) {
		return
	}

	kept := make([]Action, 0, len(acts))
	for _, a := range acts {
		if !a.Enabled || !allowed(b.actionAllow, a.Slug) {
			continue
		}
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		return
	}
	slices.SortFunc(kept, func(x, y Action) int {
		return strings.Compare(x.Slug, y.Slug)
	})

	b.entries[pkg.Slug] = &PackageEntry{Package: pkg, Actions: kept, Env: env}
}

// Build finalizes the snapshot with the given version.
func (b *SnapshotBuilder) Build(version int64) *Snapshot {
	order := make([]string, 0, len(b.entries))
	for slug := range b.entries {
		order = append(order, slug)
	}
	sort.Strings(order)

	return &Snapshot{
		Version:  version,
		packages: b.entries,
		order:    order,
	}
}

func allowed(allow []string, slug string) bool {
	if len(allow) == 0 {
		return true
	}
	return slices.Contains(allow, slug)
}

// Catalog holds the live snapshot. Reads are lock-free; writers are
// serialized so snapshot versions advance monotonically.
type Catalog struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewCatalog starts with an empty snapshot at version 0.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.current.Store(NewSnapshotBuilder(nil, nil).Build(0))
	return c
}

// Current returns the live snapshot.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Replace builds and publishes the next snapshot under the writer lock. The
// build callback receives the previous snapshot and must return one with a
// higher version (conventionally prev.Version+1).
func (c *Catalog) Replace(build func(prev *Snapshot) *Snapshot) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := build(prev)
	c.current.Store(next)
	return next
}
