package branch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

func TestBranchesToQueryOnDefaultIsSingleton(t *testing.T) {
	main := branch.NewDefault()
	now := timestamp.Now()

	qs := branch.BranchesToQuery(main, now)

	require.Len(t, qs, 1)
	assert.Equal(t, branch.DefaultName, qs[0].Name)
	assert.True(t, qs[0].Time.Equal(now))
}

func TestBranchesToQueryOnChildIncludesParentAtDivergence(t *testing.T) {
	main := branch.NewDefault()
	divergedAt := timestamp.Now()
	b2, err := branch.New("b2", main, divergedAt)
	require.NoError(t, err)

	later := divergedAt.Add(time.Hour)
	qs := branch.BranchesToQuery(b2, later)

	require.Len(t, qs, 2)
	assert.Equal(t, branch.DefaultName, qs[0].Name)
	assert.True(t, qs[0].Time.Equal(divergedAt))
	assert.Equal(t, "b2", qs[1].Name)
	assert.True(t, qs[1].Time.Equal(later))
}

func TestBranchesToQueryBeforeDivergenceCollapsesToAt(t *testing.T) {
	main := branch.NewDefault()
	divergedAt := timestamp.Now()
	b2, err := branch.New("b2", main, divergedAt)
	require.NoError(t, err)

	earlier := divergedAt.Add(-time.Hour)
	qs := branch.BranchesToQuery(b2, earlier)

	assert.True(t, qs[0].Time.Equal(earlier))
}

func TestBranchesToQueryEphemeralRebaseCollapsesToAt(t *testing.T) {
	main := branch.NewDefault()
	divergedAt := timestamp.Now()
	b2, err := branch.New("b2", main, divergedAt)
	require.NoError(t, err)
	b2.EphemeralRebase = true

	later := divergedAt.Add(time.Hour)
	qs := branch.BranchesToQuery(b2, later)

	assert.True(t, qs[0].Time.Equal(later))
}

func TestNewRejectsNestedOrigin(t *testing.T) {
	main := branch.NewDefault()
	divergedAt := timestamp.Now()
	b2, err := branch.New("b2", main, divergedAt)
	require.NoError(t, err)

	_, err = branch.New("b3", b2, divergedAt)
	assert.Error(t, err)
}

func TestVisibleRespectsOpenAndClosedBounds(t *testing.T) {
	main := branch.NewDefault()
	at := timestamp.Now()
	qs := branch.BranchesToQuery(main, at)

	from := at.Add(-time.Hour)
	assert.True(t, branch.Visible(qs, branch.DefaultName, from, nil, true))

	closedTo := at.Add(-time.Minute)
	assert.False(t, branch.Visible(qs, branch.DefaultName, from, &closedTo, true))

	assert.False(t, branch.Visible(qs, branch.DefaultName, from, nil, false))
	assert.False(t, branch.Visible(qs, "other", from, nil, true))
}

func TestScorePrefersChildBranch(t *testing.T) {
	main := branch.NewDefault()
	divergedAt := timestamp.Now()
	b2, err := branch.New("b2", main, divergedAt)
	require.NoError(t, err)

	qs := branch.BranchesToQuery(b2, divergedAt.Add(time.Hour))

	assert.Greater(t, branch.Score(qs, "b2"), branch.Score(qs, branch.DefaultName))
}
