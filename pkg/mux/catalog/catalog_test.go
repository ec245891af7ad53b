package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/pkg/mux"
)

func toolList(names ...string) *mux.CapabilityList {
	caps := &mux.CapabilityList{}
	for _, name := range names {
		caps.Tools = append(caps.Tools, mux.Tool{Name: name, Description: "tool " + name})
	}
	return caps
}

func TestBareNamesStayBareWithoutCollision(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", toolList("search", "fetch"))
	c.SetBackend("beta", "", toolList("render"))

	snap := c.Snapshot()
	require.Len(t, snap.Tools, 3)
	assert.Contains(t, snap.Tools, "search")
	assert.Contains(t, snap.Tools, "fetch")
	assert.Contains(t, snap.Tools, "render")
	assert.Equal(t, "alpha", snap.Tools["search"].Backend)
}

func TestBareCollisionRenamesAllColliders(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", toolList("search", "fetch"))
	c.SetBackend("beta", "", toolList("search"))

	snap := c.Snapshot()
	require.Len(t, snap.Tools, 3)

	// Both colliders are renamed; neither keeps the bare name.
	assert.NotContains(t, snap.Tools, "search")
	assert.Equal(t, "alpha", snap.Tools["alpha_search"].Backend)
	assert.Equal(t, "beta", snap.Tools["beta_search"].Backend)
	assert.Equal(t, "search", snap.Tools["alpha_search"].OriginalName)

	// The non-colliding tool stays bare.
	assert.Contains(t, snap.Tools, "fetch")
}

func TestExplicitNamespaceAlwaysPrefixes(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "files", toolList("search"))

	snap := c.Snapshot()
	require.Len(t, snap.Tools, 1)
	entry := snap.Tools["files_search"]
	assert.Equal(t, "alpha", entry.Backend)
	assert.Equal(t, "search", entry.OriginalName)
	assert.Equal(t, "files_search", entry.QualifiedName)
}

func TestNamespacedEntryDoesNotCollideWithBare(t *testing.T) {
	t.Parallel()

	// beta's bare "files_search" collides with alpha's namespaced name.
	// The namespaced entry keeps it; the bare one is backend-prefixed.
	c := New()
	c.SetBackend("alpha", "files", toolList("search"))
	c.SetBackend("beta", "", toolList("files_search"))

	snap := c.Snapshot()
	require.Len(t, snap.Tools, 2)
	assert.Equal(t, "alpha", snap.Tools["files_search"].Backend)
	assert.Equal(t, "beta", snap.Tools["beta_files_search"].Backend)
}

func TestQualificationIsOrderIndependent(t *testing.T) {
	t.Parallel()

	build := func(order []string) *Snapshot {
		c := New()
		for _, name := range order {
			c.SetBackend(name, "", toolList("search"))
		}
		return c.Snapshot()
	}

	forward := build([]string{"alpha", "beta"})
	reverse := build([]string{"beta", "alpha"})

	assert.Equal(t, forward.Tools, reverse.Tools)
}

func TestSetBackendReplacesPreviousSet(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", toolList("old_tool"))
	c.SetBackend("alpha", "", toolList("new_tool"))

	snap := c.Snapshot()
	require.Len(t, snap.Tools, 1)
	assert.Contains(t, snap.Tools, "new_tool")
	assert.NotContains(t, snap.Tools, "old_tool")
}

func TestRemoveBackendRestoresBareNames(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", toolList("search"))
	c.SetBackend("beta", "", toolList("search"))
	require.NotContains(t, c.Snapshot().Tools, "search")

	c.RemoveBackend("beta")

	// With the collision gone, the survivor gets its bare name back on
	// the recompute.
	snap := c.Snapshot()
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "alpha", snap.Tools["search"].Backend)
}

func TestRemoveUnknownBackendIsNoop(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", toolList("search"))
	before := c.Snapshot()
	c.RemoveBackend("ghost")
	assert.Same(t, before, c.Snapshot())
}

func TestResourcesAndPromptsQualified(t *testing.T) {
	t.Parallel()

	caps := &mux.CapabilityList{
		Resources: []mux.Resource{{URI: "file:///data/readme", Name: "readme"}},
		Prompts:   []mux.Prompt{{Name: "summarize"}},
	}
	c := New()
	c.SetBackend("alpha", "docs", caps)

	snap := c.Snapshot()
	assert.Contains(t, snap.Resources, "docs_file:///data/readme")
	assert.Contains(t, snap.Prompts, "docs_summarize")
	assert.Equal(t, "file:///data/readme", snap.Resources["docs_file:///data/readme"].OriginalName)
}

func TestSubscriberNotifiedOnPublish(t *testing.T) {
	t.Parallel()

	c := New()
	var got []*Snapshot
	c.Subscribe(func(s *Snapshot) { got = append(got, s) })

	c.SetBackend("alpha", "", toolList("search"))
	c.RemoveBackend("alpha")

	require.Len(t, got, 2)
	assert.Len(t, got[0].Tools, 1)
	assert.Len(t, got[1].Tools, 0)
}

func TestCounts(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetBackend("alpha", "", &mux.CapabilityList{
		Tools:     []mux.Tool{{Name: "a"}, {Name: "b"}},
		Resources: []mux.Resource{{URI: "file:///x"}},
	})
	c.SetBackend("beta", "", toolList("c"))

	tools, resources, prompts := c.Counts("alpha")
	assert.Equal(t, 2, tools)
	assert.Equal(t, 1, resources)
	assert.Equal(t, 0, prompts)
}
