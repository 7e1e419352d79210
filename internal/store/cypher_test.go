package store_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

func TestBuildMergeVertexRejectsInvalidLabel(t *testing.T) {
	b := store.NewCypherBuilder()
	_, err := b.BuildMergeVertex("bad label", "uuid", "x", nil)
	assert.Error(t, err)
}

func TestBuildMergeVertexParameterizesEveryValue(t *testing.T) {
	b := store.NewCypherBuilder()
	query, err := b.BuildMergeVertex("Node", "uuid", "abc", map[string]interface{}{"kind": "Criticality"})
	require.NoError(t, err)

	assert.NotContains(t, query, "abc")
	assert.NotContains(t, query, "Criticality")
	assert.Len(t, b.Params(), 2)
}

func TestBuildVisibilityFilterOnDefaultBranchIsSingleClause(t *testing.T) {
	main := branch.NewDefault()
	qs := branch.BranchesToQuery(main, timestamp.Now())

	b := store.NewCypherBuilder()
	filter, err := b.BuildVisibilityFilter("r", qs)
	require.NoError(t, err)

	assert.Contains(t, filter, "r.branch =")
	assert.Equal(t, 1, strings.Count(filter, "r.branch ="))
}

func TestBuildVisibilityFilterOnChildBranchOrsTwoClauses(t *testing.T) {
	main := branch.NewDefault()
	b2, err := branch.New("b2", main, timestamp.Now())
	require.NoError(t, err)

	qs := branch.BranchesToQuery(b2, timestamp.Now().Add(time.Hour))

	b := store.NewCypherBuilder()
	filter, err := b.BuildVisibilityFilter("r", qs)
	require.NoError(t, err)

	assert.Contains(t, filter, " OR ")
}

func TestBuildVisibilityFilterMultiRejectsInvalidAlias(t *testing.T) {
	main := branch.NewDefault()
	qs := branch.BranchesToQuery(main, timestamp.Now())

	b := store.NewCypherBuilder()
	_, err := b.BuildVisibilityFilterMulti([]string{"r1", "bad alias"}, qs)
	assert.Error(t, err)
}
