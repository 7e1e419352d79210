// Package acceptance exercises the full L1-L6 pipeline end to end
// against store.BoltBackend, one test per scenario from the core's
// testable-properties list.
package acceptance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/diff"
	"github.com/infrahub-project/infrahub-core/internal/entity"
	"github.com/infrahub-project/infrahub-core/internal/merge"
	"github.com/infrahub-project/infrahub-core/internal/nodemanager"
	"github.com/infrahub-project/infrahub-core/internal/schema"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

func criticalitySchema() schema.NodeSchema {
	return schema.NodeSchema{
		Kind: "Criticality",
		Attributes: map[string]schema.AttributeSchema{
			"name":        {Name: "name", Kind: "String", Branch: schema.BranchSupportAware},
			"level":       {Name: "level", Kind: "Integer", Branch: schema.BranchSupportAware},
			"color":       {Name: "color", Kind: "String", Optional: true, DefaultValue: "#444444", Branch: schema.BranchSupportAware},
			"description": {Name: "description", Kind: "String", Optional: true, Branch: schema.BranchSupportAware},
		},
	}
}

func personSchema() schema.NodeSchema {
	return schema.NodeSchema{
		Kind: "Person",
		Attributes: map[string]schema.AttributeSchema{
			"name":   {Name: "name", Kind: "String", Branch: schema.BranchSupportAware},
			"height": {Name: "height", Kind: "Integer", Branch: schema.BranchSupportAware},
		},
	}
}

func carSchema() schema.NodeSchema {
	return schema.NodeSchema{
		Kind: "Car",
		Attributes: map[string]schema.AttributeSchema{
			"name": {Name: "name", Kind: "String", Branch: schema.BranchSupportAware},
		},
		Relationships: map[string]schema.RelationshipSchema{
			"owner": {Name: "owner", Peer: "Person", Cardinality: "one"},
		},
	}
}

func newHarness(t *testing.T) (*nodemanager.Manager, store.Backend) {
	t.Helper()
	b, err := store.NewBoltBackend(filepath.Join(t.TempDir(), "infrahub-core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	registry := schema.NewRegistry()
	registry.Set(branch.DefaultName, map[string]schema.NodeSchema{
		"Criticality": criticalitySchema(),
		"Person":      personSchema(),
		"Car":         carSchema(),
	}, "h1")

	return nodemanager.NewManager(b, registry, nil), b
}

// S1 Create + read.
func TestS1CreatePlusRead(t *testing.T) {
	mgr, _ := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	ns := criticalitySchema()

	n, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "low", "level": int64(4)})
	require.NoError(t, err)

	loaded, err := mgr.Load(ctx, main, ns, n.UUID, timestamp.Now())
	require.NoError(t, err)

	color, err := loaded.Attribute("color")
	require.NoError(t, err)
	assert.Equal(t, "#444444", color.Value)

	desc, err := loaded.Attribute("description")
	require.NoError(t, err)
	assert.Nil(t, desc.Value)

	name, err := loaded.Attribute("name")
	require.NoError(t, err)
	assert.True(t, name.IsVisible)
	assert.False(t, name.IsProtected)
}

// S2 Branch isolation.
func TestS2BranchIsolation(t *testing.T) {
	mgr, _ := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	ns := personSchema()

	n, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "John", "height": int64(180)})
	require.NoError(t, err)

	t0 := timestamp.Now()
	b2, err := branch.New("b2", main, t0)
	require.NoError(t, err)

	n.Attributes["height"].Value = int64(200)
	require.NoError(t, mgr.Save(ctx, b2, ns, n))

	mainView, err := mgr.Load(ctx, main, ns, n.UUID, timestamp.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 180, mainView.Attributes["height"].Value)

	b2View, err := mgr.Load(ctx, b2, ns, n.UUID, timestamp.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 200, b2View.Attributes["height"].Value)

	beforeBranch, err := mgr.Load(ctx, b2, ns, n.UUID, t0.Add(-time.Microsecond))
	require.NoError(t, err)
	assert.EqualValues(t, 180, beforeBranch.Attributes["height"].Value)
}

// S3 Diff classifications.
func TestS3DiffClassifications(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	ns := criticalitySchema()

	nodeB, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "b", "level": int64(1)})
	require.NoError(t, err)
	nodeC, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "x", "level": int64(1)})
	require.NoError(t, err)

	b2, err := branch.New("b2", main, timestamp.Now())
	require.NoError(t, err)

	nodeA, err := mgr.Create(ctx, b2, ns, map[string]interface{}{"name": "a", "level": int64(1)})
	require.NoError(t, err)
	require.NoError(t, mgr.Delete(ctx, b2, nodeB, timestamp.Now()))
	nodeC.Attributes["name"].Value = "y"
	require.NoError(t, mgr.Save(ctx, b2, ns, nodeC))

	d, err := diff.New(backend, b2, main, false, nil, nil, nil)
	require.NoError(t, err)
	cs, err := d.ChangeSet(ctx)
	require.NoError(t, err)

	branchNodes := cs.Nodes["b2"]
	require.Contains(t, branchNodes, nodeA.UUID)
	assert.Equal(t, diff.ActionAdded, branchNodes[nodeA.UUID].Action)

	require.Contains(t, branchNodes, nodeB.UUID)
	assert.Equal(t, diff.ActionRemoved, branchNodes[nodeB.UUID].Action)

	require.Contains(t, branchNodes, nodeC.UUID)
	assert.Equal(t, diff.ActionUpdated, branchNodes[nodeC.UUID].Action)
	nameChange, ok := branchNodes[nodeC.UUID].Attributes["name"]
	require.True(t, ok)
	assert.Equal(t, diff.ActionUpdated, nameChange.Action)
}

// S4 Conflict.
func TestS4Conflict(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	ns := criticalitySchema()

	nodeC, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "x", "level": int64(1)})
	require.NoError(t, err)

	b2, err := branch.New("b2", main, timestamp.Now())
	require.NoError(t, err)

	nodeC.Attributes["name"].Value = "z"
	require.NoError(t, mgr.Save(ctx, main, ns, nodeC))

	b2Copy, err := mgr.Load(ctx, b2, ns, nodeC.UUID, timestamp.Now())
	require.NoError(t, err)
	b2Copy.Attributes["name"].Value = "y"
	require.NoError(t, mgr.Save(ctx, b2, ns, b2Copy))

	d, err := diff.New(backend, b2, main, false, nil, nil, nil)
	require.NoError(t, err)
	conflicts, err := d.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, diff.PathNode, conflicts[0].Kind)
	assert.Equal(t, nodeC.UUID, conflicts[0].A)
	assert.Equal(t, "name", conflicts[0].B)
	assert.Equal(t, entity.PropValue, conflicts[0].PropKind)

	branches := branch.NewStore(backend, nil)
	err = merge.Merge(ctx, backend, branches, b2, main, timestamp.Now().Add(1), nil, nil)
	assert.Error(t, err)
}

// S5 Clean merge.
func TestS5CleanMerge(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	ns := criticalitySchema()

	nodeC, err := mgr.Create(ctx, main, ns, map[string]interface{}{"name": "x", "level": int64(1)})
	require.NoError(t, err)

	b2, err := branch.New("b2", main, timestamp.Now())
	require.NoError(t, err)

	b2Copy, err := mgr.Load(ctx, b2, ns, nodeC.UUID, timestamp.Now())
	require.NoError(t, err)
	b2Copy.Attributes["description"].Value = "critical system"
	require.NoError(t, mgr.Save(ctx, b2, ns, b2Copy))

	mergedAt := timestamp.Now().Add(1)
	branches := branch.NewStore(backend, nil)
	require.NoError(t, merge.Merge(ctx, backend, branches, b2, main, mergedAt, nil, nil))

	mainView, err := mgr.Load(ctx, main, ns, nodeC.UUID, timestamp.Now().Add(2))
	require.NoError(t, err)
	assert.Equal(t, "critical system", mainView.Attributes["description"].Value)

	assert.True(t, b2.BranchedFrom.Equal(mergedAt))

	d, err := diff.New(backend, b2, main, false, nil, nil, nil)
	require.NoError(t, err)
	hasChanges, err := d.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, hasChanges)
}

// S6 Relationship flags.
func TestS6RelationshipFlags(t *testing.T) {
	mgr, backend := newHarness(t)
	ctx := context.Background()
	main := branch.NewDefault()
	before := timestamp.Now()

	owner, err := mgr.Create(ctx, main, personSchema(), map[string]interface{}{"name": "P1", "height": int64(180)})
	require.NoError(t, err)
	car, err := mgr.Create(ctx, main, carSchema(), map[string]interface{}{"name": "Tesla"})
	require.NoError(t, err)

	rel := entity.NewRelationship("owner", car.UUID, owner.UUID)
	rel.IsVisible = false
	rel.IsProtected = true
	require.NoError(t, mgr.Relate(ctx, main, rel))

	loaded, err := mgr.LoadRelationship(ctx, main, "owner", owner.UUID, timestamp.Now())
	require.NoError(t, err)
	assert.False(t, loaded.IsVisible)
	assert.True(t, loaded.IsProtected)

	loaded.IsVisible = true
	require.NoError(t, mgr.SaveRelationship(ctx, main, loaded))

	d, err := diff.New(backend, main, nil, false, &before, nil, nil)
	require.NoError(t, err)
	cs, err := d.ChangeSet(ctx)
	require.NoError(t, err)

	rels := cs.Rels[main.Name]
	require.Contains(t, rels, "owner")
	require.Contains(t, rels["owner"], rel.UUID)
	visibleChange, ok := rels["owner"][rel.UUID].Properties[entity.PropVisible]
	require.True(t, ok)
	assert.Equal(t, diff.ActionUpdated, visibleChange.Action)
}
