// Package secrets holds the in-memory secret overrides set through the
// management API. Overrides are per package, live only for the process
// lifetime, and lose to per-request envelope values on conflict.
package secrets

import "sync"

// Store is a concurrency-safe package → name → value map. Values never touch
// disk and are never logged.
type Store struct {
	mu        sync.RWMutex
	byPackage map[string]map[string]string
}

// NewStore creates an empty override store.
func NewStore() *Store {
	return &Store{byPackage: make(map[string]map[string]string)}
}

// Set replaces the named overrides for a package. Existing names not present
// in values are kept; set a name to the empty string to clear it.
func (s *Store) Set(packageSlug string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byPackage[packageSlug]
	if m == nil {
		m = make(map[string]string, len(values))
		s.byPackage[packageSlug] = m
	}
	for name, value := range values {
		if value == "" {
			delete(m, name)
			continue
		}
		m[name] = value
	}
	if len(m) == 0 {
		delete(s.byPackage, packageSlug)
	}
}

// Get looks up an override for a package.
func (s *Store) Get(packageSlug, name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byPackage[packageSlug]
	if !ok {
		return "", false
	}
	v, ok := m[name]
	return v, ok
}

// Names returns the override names set for a package, for redacted
// reporting. Values are never returned in bulk.
func (s *Store) Names(packageSlug string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.byPackage[packageSlug]
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}
