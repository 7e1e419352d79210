package diff_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/diff"
	"github.com/infrahub-project/infrahub-core/internal/entity"
	"github.com/infrahub-project/infrahub-core/internal/nodemanager"
	"github.com/infrahub-project/infrahub-core/internal/schema"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// sortedPaths flattens a branch's modified-path set into a deterministic
// slice so it can be compared structurally with go-cmp — a map of
// structs compares poorly with assert.Equal's reflect-based output.
func sortedPaths(set map[diff.Path]struct{}) []diff.Path {
	out := make([]diff.Path, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return cmpKey(out[i]) < cmpKey(out[j])
	})
	return out
}

func cmpKey(p diff.Path) string {
	return string(p.Kind) + "/" + p.A + "/" + p.B + "/" + string(p.PropKind)
}

func criticalitySchema() schema.NodeSchema {
	return schema.NodeSchema{
		Kind: "Criticality",
		Attributes: map[string]schema.AttributeSchema{
			"name":  {Name: "name", Kind: "String", Branch: schema.BranchSupportAware},
			"level": {Name: "level", Kind: "Integer", Branch: schema.BranchSupportAware},
		},
	}
}

func newHarness(t *testing.T) (*nodemanager.Manager, store.Backend) {
	t.Helper()
	b, err := store.NewBoltBackend(filepath.Join(t.TempDir(), "infrahub-core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	registry := schema.NewRegistry()
	registry.Set(branch.DefaultName, map[string]schema.NodeSchema{"Criticality": criticalitySchema()}, "h1")

	return nodemanager.NewManager(b, registry, nil), b
}

func TestDiffReportsAddedNodeOnChildBranch(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	ns := criticalitySchema()

	main := branch.NewDefault()
	branchedAt := timestamp.Now()
	feature, err := branch.New("feature", main, branchedAt)
	require.NoError(t, err)

	_, err = mgr.Create(ctx, feature, ns, map[string]interface{}{"name": "high", "level": int64(1)})
	require.NoError(t, err)

	to := timestamp.Now().Add(1)
	d, err := diff.New(backend, feature, main, false, nil, &to, nil)
	require.NoError(t, err)

	cs, err := d.ChangeSet(ctx)
	require.NoError(t, err)

	featureNodes := cs.Nodes["feature"]
	require.Len(t, featureNodes, 1)
	for _, n := range featureNodes {
		assert.Equal(t, diff.ActionAdded, n.Action)
	}
}

func TestDiffReportsUpdatedAttributeAndConflict(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	ns := criticalitySchema()

	main := branch.NewDefault()
	n, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "low", "level": int64(1)})
	require.NoError(t, err)

	branchedAt := timestamp.Now()
	feature, err := branch.New("feature", main, branchedAt)
	require.NoError(t, err)

	n.Attributes["name"].Value = "medium"
	require.NoError(t, mgr.Save(ctx, feature, ns, n))

	n.Attributes["name"].Value = "high"
	require.NoError(t, mgr.Save(ctx, main, ns, n))

	to := timestamp.Now().Add(1)
	d, err := diff.New(backend, feature, main, false, nil, &to, nil)
	require.NoError(t, err)

	paths, err := d.ModifiedPaths(ctx)
	require.NoError(t, err)
	assert.Contains(t, paths, "feature")
	assert.Contains(t, paths, "main")

	expected := diff.Path{Kind: diff.PathNode, A: n.UUID, B: "name", PropKind: entity.PropValue}
	assert.Contains(t, paths["feature"], expected)
	assert.Contains(t, paths["main"], expected)

	conflicts, err := d.Conflicts(ctx)
	require.NoError(t, err)
	assert.Contains(t, conflicts, expected)

	hasConflict, err := d.HasConflict(ctx)
	require.NoError(t, err)
	assert.True(t, hasConflict)

	if out := cmp.Diff([]diff.Path{expected}, sortedPaths(paths["feature"])); out != "" {
		t.Errorf("feature modified paths mismatch (-want +got):\n%s", out)
	}
}

func TestDiffBranchOnlyHidesParentPaths(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	ns := criticalitySchema()

	main := branch.NewDefault()
	n, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "low", "level": int64(1)})
	require.NoError(t, err)

	branchedAt := timestamp.Now()
	feature, err := branch.New("feature", main, branchedAt)
	require.NoError(t, err)

	n.Attributes["name"].Value = "medium"
	require.NoError(t, mgr.Save(ctx, feature, ns, n))

	to := timestamp.Now().Add(1)
	d, err := diff.New(backend, feature, main, true, nil, &to, nil)
	require.NoError(t, err)

	paths, err := d.ModifiedPaths(ctx)
	require.NoError(t, err)
	assert.Contains(t, paths, "feature")
	assert.NotContains(t, paths, "main")

	conflicts, err := d.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDiffOnDefaultBranchRequiresExplicitFrom(t *testing.T) {
	_, backend := newHarness(t)
	main := branch.NewDefault()

	_, err := diff.New(backend, main, nil, false, nil, nil, nil)
	assert.Error(t, err)

	from := timestamp.Now()
	_, err = diff.New(backend, main, nil, false, &from, nil, nil)
	require.NoError(t, err)
}
