// Package diagnostics assembles a read-only snapshot of the kernel's cache
// tiers and runtime for troubleshooting.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/cellkernel/internal/pkglist"
	"github.com/seantiz/cellkernel/internal/registry"
	"github.com/seantiz/cellkernel/internal/runtime"
	"github.com/seantiz/cellkernel/internal/wheelcache"
)

// Snapshot is the diagnostic view. Collection never fails; problems are
// listed in Errors.
type Snapshot struct {
	CollectedAt    time.Time          `json:"collected_at"`
	RuntimeVersion string             `json:"runtime_version,omitempty"`
	LoadedModules  []string           `json:"loaded_modules"`
	Registry       registry.Snapshot  `json:"registry"`
	ListCache      *ListCache         `json:"list_cache,omitempty"`
	WheelCache     wheelcache.Listing `json:"wheel_cache"`
	Errors         []string           `json:"errors,omitempty"`
}

// ListCache describes the package list cache entry.
type ListCache struct {
	FetchedAt time.Time `json:"fetched_at"`
	Expired   bool      `json:"expired"`
	Packages  []string  `json:"packages"`
}

// Sources are the components a Collector reads. Any of them may be nil.
type Sources struct {
	// Runtime returns the current runtime, or nil when none is running.
	Runtime func() runtime.Runtime
	// Registry returns the current runtime's registry, or nil.
	Registry func() *registry.Registry
	List     *pkglist.Source
	Cache    wheelcache.Store
}

// Collector builds Snapshots.
type Collector struct {
	src Sources
	now func() time.Time
}

// NewCollector returns a Collector over src.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{CollectedAt: c.now().UTC(), LoadedModules: []string{}}

	c.collectRuntime(ctx, &snap)

	if c.src.Registry != nil {
		if reg := c.src.Registry(); reg != nil {
			snap.Registry = reg.Snapshot()
		}
	}

	if c.src.List != nil {
		if entry, ok := c.src.List.Cached(); ok {
			snap.ListCache = &ListCache{
				FetchedAt: entry.Timestamp,
				Expired:   c.now().Sub(entry.Timestamp) >= c.src.List.TTL(),
				Packages:  entry.Packages,
			}
		}
	}

	if c.src.Cache != nil {
		listing, err := c.src.Cache.List(ctx)
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("wheel cache: %v", err))
		}
		snap.WheelCache = listing
	}

	return snap
}

func (c *Collector) collectRuntime(ctx context.Context, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("runtime: panic: %v", r))
		}
	}()

	if c.src.Runtime == nil {
		return
	}
	rt := c.src.Runtime()
	if rt == nil {
		snap.Errors = append(snap.Errors, "runtime: not initialized")
		return
	}
	snap.RuntimeVersion = rt.Version()
	mods, err := rt.LoadedModules(ctx)
	if err != nil {
		snap.Errors = append(snap.Errors, fmt.Sprintf("runtime modules: %v", err))
		return
	}
	if mods != nil {
		snap.LoadedModules = mods
	}
}
