package branch_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

func newStoreHarness(t *testing.T) store.Backend {
	t.Helper()
	b, err := store.NewBoltBackend(filepath.Join(t.TempDir(), "infrahub-core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBranchStoreCreateAndGet(t *testing.T) {
	backend := newStoreHarness(t)
	s := branch.NewStore(backend, nil)
	ctx := context.Background()

	main := branch.NewDefault()
	require.NoError(t, s.Create(ctx, main))

	feature, err := branch.New("feature", main, timestamp.Now())
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, feature))

	loaded, err := s.Get(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", loaded.Name)
	assert.Equal(t, branch.DefaultName, loaded.OriginBranch)
	assert.False(t, loaded.IsDefault)
	assert.Equal(t, feature.HierarchyLevel, loaded.HierarchyLevel)
}

func TestBranchStoreCreateRejectsDuplicateName(t *testing.T) {
	backend := newStoreHarness(t)
	s := branch.NewStore(backend, nil)
	ctx := context.Background()

	main := branch.NewDefault()
	require.NoError(t, s.Create(ctx, main))
	assert.Error(t, s.Create(ctx, main))
}

func TestBranchStoreList(t *testing.T) {
	backend := newStoreHarness(t)
	s := branch.NewStore(backend, nil)
	ctx := context.Background()

	main := branch.NewDefault()
	require.NoError(t, s.Create(ctx, main))

	feature, err := branch.New("feature", main, timestamp.Now())
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, feature))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	names := map[string]bool{}
	for _, b := range all {
		names[b.Name] = true
	}
	assert.True(t, names[branch.DefaultName])
	assert.True(t, names["feature"])
}

func TestBranchStoreSaveUpsertsAndUpdates(t *testing.T) {
	backend := newStoreHarness(t)
	s := branch.NewStore(backend, nil)
	ctx := context.Background()

	main := branch.NewDefault()
	require.NoError(t, s.Save(ctx, main))

	loaded, err := s.Get(ctx, branch.DefaultName)
	require.NoError(t, err)
	assert.True(t, loaded.IsDefault)

	rebaseAt := timestamp.Now().Add(1)
	main.Rebase(rebaseAt)
	require.NoError(t, s.Save(ctx, main))

	reloaded, err := s.Get(ctx, branch.DefaultName)
	require.NoError(t, err)
	assert.True(t, reloaded.BranchedFrom.Equal(rebaseAt))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBranchStoreGetMissingReturnsNotFound(t *testing.T) {
	backend := newStoreHarness(t)
	s := branch.NewStore(backend, nil)

	_, err := s.Get(context.Background(), "does-not-exist")
	assert.Error(t, err)
}
