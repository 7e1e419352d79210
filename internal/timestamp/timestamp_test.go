package timestamp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

func TestParseRoundTrip(t *testing.T) {
	ts := timestamp.New(time.Date(2026, 1, 2, 3, 4, 5, 123000, time.UTC))

	parsed, err := timestamp.Parse(ts.String())
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed), "expected %s to equal %s", ts, parsed)
}

func TestParseEmptyIsZero(t *testing.T) {
	ts, err := timestamp.Parse("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestCompareOrdering(t *testing.T) {
	early := timestamp.MustParse("2026-01-01T00:00:00.000000Z")
	late := timestamp.MustParse("2026-01-02T00:00:00.000000Z")

	assert.True(t, early.Before(late))
	assert.True(t, late.After(early))
	assert.Equal(t, -1, early.Compare(late))
	assert.Equal(t, 1, late.Compare(early))
	assert.Equal(t, 0, early.Compare(early))
}

func TestBoundContainsOpenEnded(t *testing.T) {
	from := timestamp.MustParse("2026-01-01T00:00:00.000000Z")
	b := timestamp.Bound{From: from}

	assert.True(t, b.IsOpen())
	assert.False(t, b.Contains(from.Add(-time.Second)))
	assert.True(t, b.Contains(from))
	assert.True(t, b.Contains(from.Add(24*time.Hour)))
}

func TestBoundContainsClosed(t *testing.T) {
	from := timestamp.MustParse("2026-01-01T00:00:00.000000Z")
	to := from.Add(time.Hour)
	b := timestamp.Bound{From: from, To: &to}

	assert.True(t, b.Contains(from))
	assert.True(t, b.Contains(to))
	assert.False(t, b.Contains(to.Add(time.Second)))
}

func TestBoundClose(t *testing.T) {
	from := timestamp.MustParse("2026-01-01T00:00:00.000000Z")
	b := timestamp.Bound{From: from}
	at := from.Add(time.Minute)

	closed := b.Close(at)
	require.False(t, closed.IsOpen())
	assert.True(t, closed.To.Equal(at))
	assert.True(t, b.IsOpen(), "original bound must not be mutated")
}
