package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// backendAcceptanceSuite exercises the Backend contract against
// whichever implementation a test hands it, written against the
// interface alone. TestBoltBackendAcceptance is the only test that runs
// it; Neo4jBackend is not exercised here.
func backendAcceptanceSuite(t *testing.T, b store.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get vertex round trip", func(t *testing.T) {
		id, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "n1", "kind": "Criticality"})
		require.NoError(t, err)

		v, err := b.GetVertex(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"Node"}, v.Labels)
		assert.Equal(t, "n1", v.Properties["uuid"])
	})

	t.Run("get unknown vertex is not found", func(t *testing.T) {
		_, err := b.GetVertex(ctx, "does-not-exist")
		assert.Error(t, err)
	})

	t.Run("find vertices by property", func(t *testing.T) {
		_, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "n2", "kind": "Host"})
		require.NoError(t, err)

		found, err := b.FindVerticesByProperty(ctx, "Node", "uuid", "n2")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "n2", found[0].Properties["uuid"])
	})

	t.Run("add edge then traverse it", func(t *testing.T) {
		src, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "src1"})
		require.NoError(t, err)
		dst, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "dst1"})
		require.NoError(t, err)

		from := timestamp.Now()
		_, err = b.AddEdge(ctx, store.Edge{
			SrcDBID: src, DstDBID: dst, Label: "HAS_ATTRIBUTE",
			Branch: "main", From: from, Status: store.StatusActive,
		})
		require.NoError(t, err)

		edges, err := b.Edges(ctx, store.EdgeQuery{VertexDBID: src, Direction: store.DirectionOut})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, dst, edges[0].DstDBID)
		assert.True(t, edges[0].IsOpen())
	})

	t.Run("close edges stops them being open", func(t *testing.T) {
		src, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "src2"})
		require.NoError(t, err)
		dst, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "dst2"})
		require.NoError(t, err)

		edgeID, err := b.AddEdge(ctx, store.Edge{
			SrcDBID: src, DstDBID: dst, Label: "HAS_ATTRIBUTE",
			Branch: "main", From: timestamp.Now(), Status: store.StatusActive,
		})
		require.NoError(t, err)

		closeAt := timestamp.Now().Add(1)
		require.NoError(t, b.CloseEdges(ctx, []string{edgeID}, closeAt))

		edges, err := b.Edges(ctx, store.EdgeQuery{VertexDBID: src, Direction: store.DirectionOut})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.False(t, edges[0].IsOpen())
	})

	t.Run("delete node closes its edges and appends a deleted marker", func(t *testing.T) {
		node, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "del1"})
		require.NoError(t, err)
		peer, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "del1-peer"})
		require.NoError(t, err)

		_, err = b.AddEdge(ctx, store.Edge{
			SrcDBID: node, DstDBID: peer, Label: "HAS_ATTRIBUTE",
			Branch: "main", From: timestamp.Now(), Status: store.StatusActive,
		})
		require.NoError(t, err)

		require.NoError(t, b.DeleteNode(ctx, "del1", "main", timestamp.Now().Add(1)))

		edges, err := b.Edges(ctx, store.EdgeQuery{VertexDBID: node, Direction: store.DirectionBoth})
		require.NoError(t, err)
		for _, e := range edges {
			if e.Label == "HAS_ATTRIBUTE" {
				assert.False(t, e.IsOpen())
			}
		}

		deleted, err := b.Edges(ctx, store.EdgeQuery{VertexDBID: node, Direction: store.DirectionOut, Label: "IS_PART_OF"})
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Equal(t, store.StatusDeleted, deleted[0].Status)
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		src, err := b.CreateVertex(ctx, []string{"Node"}, map[string]interface{}{"uuid": "tx-src"})
		require.NoError(t, err)

		_ = b.WithTransaction(ctx, store.OperationWrite, func(ctx context.Context, tx store.Transaction) error {
			_, err := tx.AddEdge(ctx, store.Edge{
				SrcDBID: src, DstDBID: src, Label: "SELF",
				Branch: "main", From: timestamp.Now(), Status: store.StatusActive,
			})
			if err != nil {
				return err
			}
			return assert.AnError
		})

		edges, err := b.Edges(ctx, store.EdgeQuery{VertexDBID: src, Direction: store.DirectionOut, Label: "SELF"})
		require.NoError(t, err)
		assert.Empty(t, edges)
	})
}

func TestBoltBackendAcceptance(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "infrahub-core.db")
	b, err := store.NewBoltBackend(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	backendAcceptanceSuite(t, b)
}
