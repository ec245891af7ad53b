// Package catalog aggregates the capabilities of every ready backend
// into a single namespaced view.
//
// Qualification rules:
//
//  1. A backend with an explicit namespace gets every capability name
//     prefixed with it, unconditionally.
//  2. Other backends keep bare names unless the bare name collides with
//     an entry from a different backend; then every colliding entry is
//     re-qualified with its backend name as prefix.
//
// Resolution is always recomputed from the full backend set with
// deterministic ordering, so the outcome is independent of the order
// backends registered or recovered in.
//
// The resolved view is published as an immutable snapshot swapped
// atomically; lookups are lock-free reads against the current snapshot.
package catalog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mcpmux/mcpmux/pkg/logger"
	"github.com/mcpmux/mcpmux/pkg/mux"
)

// Separator joins a namespace prefix and a capability name.
const Separator = "_"

// Entry is one capability in the resolved catalog.
type Entry struct {
	// QualifiedName is the globally unique client-facing name.
	QualifiedName string

	// OriginalName is the name (or URI) the backend knows the
	// capability by. Requests forwarded to the backend must use it.
	OriginalName string

	// Backend is the owning backend's name.
	Backend string

	// Kind is the capability variant.
	Kind mux.CapabilityKind

	// Tool, Resource, and Prompt carry the raw descriptor payload for
	// the matching kind; the other two are zero.
	Tool     mux.Tool
	Resource mux.Resource
	Prompt   mux.Prompt
}

// Snapshot is an immutable resolved catalog. Maps are keyed by
// qualified name (URI for resources) and must not be mutated.
type Snapshot struct {
	Tools     map[string]Entry
	Resources map[string]Entry
	Prompts   map[string]Entry
}

// emptySnapshot is published before any backend reaches ready.
var emptySnapshot = &Snapshot{
	Tools:     map[string]Entry{},
	Resources: map[string]Entry{},
	Prompts:   map[string]Entry{},
}

type backendCaps struct {
	namespace string
	caps      *mux.CapabilityList
}

// Catalog owns per-backend capability sets and publishes the resolved
// snapshot. All mutations go through the catalog mutex (single-writer);
// Snapshot() is safe from any goroutine without locking.
type Catalog struct {
	mu          sync.Mutex
	backends    map[string]backendCaps
	snapshot    atomic.Pointer[Snapshot]
	subscribers []func(*Snapshot)
}

// New creates an empty catalog.
func New() *Catalog {
	c := &Catalog{
		backends: make(map[string]backendCaps),
	}
	c.snapshot.Store(emptySnapshot)
	return c
}

// Snapshot returns the current resolved catalog.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Subscribe registers fn to run after every publish, with the new
// snapshot. Used by the frontend to refresh advertised capabilities.
// Callbacks run on the mutating goroutine under the catalog lock; keep
// them quick.
func (c *Catalog) Subscribe(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// SetBackend replaces (not appends) the capability set for a backend
// and republishes. Called on every negotiating-to-ready and recovery
// transition, so stale entries from a previous generation never
// survive.
func (c *Catalog) SetBackend(name, namespace string, caps *mux.CapabilityList) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backends[name] = backendCaps{namespace: namespace, caps: caps}
	c.publishLocked()
}

// RemoveBackend drops a backend's capabilities and republishes.
// Called on failed and stopped transitions.
func (c *Catalog) RemoveBackend(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.backends[name]; !ok {
		return
	}
	delete(c.backends, name)
	c.publishLocked()
}

// publishLocked recomputes qualification from scratch and swaps in the
// new snapshot. Caller holds c.mu.
func (c *Catalog) publishLocked() {
	snap := &Snapshot{
		Tools:     make(map[string]Entry),
		Resources: make(map[string]Entry),
		Prompts:   make(map[string]Entry),
	}

	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	resolveKind(snap.Tools, c.backends, names, mux.CapabilityTool)
	resolveKind(snap.Resources, c.backends, names, mux.CapabilityResource)
	resolveKind(snap.Prompts, c.backends, names, mux.CapabilityPrompt)

	c.snapshot.Store(snap)

	logger.Infow("published capability catalog",
		"backends", len(c.backends),
		"tools", len(snap.Tools),
		"resources", len(snap.Resources),
		"prompts", len(snap.Prompts))

	for _, fn := range c.subscribers {
		fn(snap)
	}
}

// candidate is a capability with its proposed client-facing name.
type candidate struct {
	backend    string
	namespaced bool
	entry      Entry
}

// resolveKind qualifies every capability of one kind across all
// backends and writes the result into out.
func resolveKind(out map[string]Entry, backends map[string]backendCaps, orderedNames []string, kind mux.CapabilityKind) {
	// Pass 1: propose names. Explicitly namespaced backends are
	// prefixed up front; the rest propose their bare name.
	proposed := make(map[string][]candidate)
	for _, backendName := range orderedNames {
		bc := backends[backendName]
		for _, e := range kindEntries(backendName, bc.caps, kind) {
			name := e.OriginalName
			namespaced := bc.namespace != ""
			if namespaced {
				name = bc.namespace + Separator + name
			}
			e.QualifiedName = name
			proposed[name] = append(proposed[name], candidate{
				backend:    backendName,
				namespaced: namespaced,
				entry:      e,
			})
		}
	}

	// Pass 2: re-qualify bare-name collisions with the backend name.
	// Symmetric: every bare collider is renamed, never just the
	// newcomer. Explicitly namespaced entries already carry their
	// prefix and keep it.
	final := make(map[string][]candidate)
	for name, cands := range proposed {
		if len(cands) == 1 {
			final[name] = append(final[name], cands[0])
			continue
		}
		for _, cand := range cands {
			if cand.namespaced {
				final[name] = append(final[name], cand)
				continue
			}
			renamed := cand.backend + Separator + cand.entry.OriginalName
			cand.entry.QualifiedName = renamed
			final[renamed] = append(final[renamed], cand)
		}
	}

	// Pass 3: publish. A residual collision (e.g. an explicit namespace
	// equal to another backend's name) keeps the first candidate in
	// backend-name order, so the winner is stable across recomputes.
	finalNames := make([]string, 0, len(final))
	for name := range final {
		finalNames = append(finalNames, name)
	}
	sort.Strings(finalNames)
	for _, name := range finalNames {
		cands := final[name]
		if len(cands) > 1 {
			sort.Slice(cands, func(i, j int) bool { return cands[i].backend < cands[j].backend })
			logger.Warnw("capability name collision not resolvable by qualification; keeping first backend",
				"name", name,
				"kind", kind,
				"kept", cands[0].backend,
				"dropped", len(cands)-1)
		}
		out[name] = cands[0].entry
	}
}

// kindEntries extracts entries of one kind from a backend's capability
// list.
func kindEntries(backend string, caps *mux.CapabilityList, kind mux.CapabilityKind) []Entry {
	if caps == nil {
		return nil
	}
	var entries []Entry
	switch kind {
	case mux.CapabilityTool:
		for _, tool := range caps.Tools {
			entries = append(entries, Entry{
				OriginalName: tool.Name,
				Backend:      backend,
				Kind:         kind,
				Tool:         tool,
			})
		}
	case mux.CapabilityResource:
		for _, res := range caps.Resources {
			entries = append(entries, Entry{
				OriginalName: res.URI,
				Backend:      backend,
				Kind:         kind,
				Resource:     res,
			})
		}
	case mux.CapabilityPrompt:
		for _, prompt := range caps.Prompts {
			entries = append(entries, Entry{
				OriginalName: prompt.Name,
				Backend:      backend,
				Kind:         kind,
				Prompt:       prompt,
			})
		}
	}
	return entries
}

// Counts returns per-kind entry counts for one backend in the current
// snapshot. Used by status reporting.
func (c *Catalog) Counts(backend string) (tools, resources, prompts int) {
	snap := c.Snapshot()
	for _, e := range snap.Tools {
		if e.Backend == backend {
			tools++
		}
	}
	for _, e := range snap.Resources {
		if e.Backend == backend {
			resources++
		}
	}
	for _, e := range snap.Prompts {
		if e.Backend == backend {
			prompts++
		}
	}
	return tools, resources, prompts
}
