// Package registry tracks, for the lifetime of one runtime instance, which
// packages are loaded, currently loading, or failed.
package registry

import (
	"sort"
	"strings"
	"sync"
)

// Normalize returns the canonical form of a package name: lower case with
// runs of '-', '_' and '.' collapsed to a single '-'.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name))
	sep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// Snapshot is a point-in-time copy of the registry sets, sorted by name.
type Snapshot struct {
	Loaded  []string `json:"loaded"`
	Loading []string `json:"loading"`
	Failed  []string `json:"failed"`
}

// Registry holds three disjoint name sets. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loaded  map[string]struct{}
	loading map[string]struct{}
	failed  map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Reset empties all sets. Called when the owning runtime is torn down.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = make(map[string]struct{})
	r.loading = make(map[string]struct{})
	r.failed = make(map[string]struct{})
}

// IsLoaded reports whether name is in the loaded set.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[Normalize(name)]
	return ok
}

// IsLoading reports whether name is in the loading set.
func (r *Registry) IsLoading(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loading[Normalize(name)]
	return ok
}

// MarkLoading moves name into the loading set, clearing any earlier failure.
func (r *Registry) MarkLoading(name string) {
	n := Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failed, n)
	delete(r.loaded, n)
	r.loading[n] = struct{}{}
}

// MarkLoaded moves name from loading to loaded.
func (r *Registry) MarkLoaded(name string) {
	n := Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, n)
	delete(r.failed, n)
	r.loaded[n] = struct{}{}
}

// MarkFailed moves name from loading to failed.
func (r *Registry) MarkFailed(name string) {
	n := Normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, n)
	delete(r.loaded, n)
	r.failed[n] = struct{}{}
}

// Snapshot returns sorted copies of the three sets.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Loaded:  sortedKeys(r.loaded),
		Loading: sortedKeys(r.loading),
		Failed:  sortedKeys(r.failed),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
