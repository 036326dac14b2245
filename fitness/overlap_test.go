package fitness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(group []Interval) []string {
	out := make([]string, len(group))
	for i, iv := range group {
		out[i] = iv.ID
	}
	return out
}

func TestOverlapRatio(t *testing.T) {
	a := Interval{ID: "a", StartTimeMs: 0, DurationSeconds: 100}
	b := Interval{ID: "b", StartTimeMs: 20_000, DurationSeconds: 100}
	c := Interval{ID: "c", StartTimeMs: 50_000, DurationSeconds: 100}

	assert.InDelta(t, 0.8, OverlapRatio(a, b), 1e-9)
	assert.InDelta(t, 0.5, OverlapRatio(a, c), 1e-9)
	assert.Equal(t, OverlapRatio(a, b), OverlapRatio(b, a))
	assert.Zero(t, OverlapRatio(a, Interval{ID: "z", StartTimeMs: 0}))
	assert.Zero(t, OverlapRatio(a, Interval{ID: "far", StartTimeMs: 1_000_000, DurationSeconds: 10}))
}

func TestOverlapRatioUsesShorterDuration(t *testing.T) {
	long := Interval{ID: "long", StartTimeMs: 0, DurationSeconds: 3600}
	short := Interval{ID: "short", StartTimeMs: 60_000, DurationSeconds: 600}
	assert.InDelta(t, 1.0, OverlapRatio(long, short), 1e-9)
}

func TestGroupOverlapping(t *testing.T) {
	t.Run("merges at threshold", func(t *testing.T) {
		groups := GroupOverlapping([]Interval{
			{ID: "b", StartTimeMs: 20_000, DurationSeconds: 100},
			{ID: "a", StartTimeMs: 0, DurationSeconds: 100},
		})
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"a", "b"}, ids(groups[0]))
	})

	t.Run("keeps partial overlap apart", func(t *testing.T) {
		groups := GroupOverlapping([]Interval{
			{ID: "a", StartTimeMs: 0, DurationSeconds: 100},
			{ID: "c", StartTimeMs: 50_000, DurationSeconds: 100},
		})
		require.Len(t, groups, 2)
		assert.Equal(t, []string{"a"}, ids(groups[0]))
		assert.Equal(t, []string{"c"}, ids(groups[1]))
	})

	t.Run("transitive chain", func(t *testing.T) {
		// a~b and b~c but a and c share only 60%.
		groups := GroupOverlapping([]Interval{
			{ID: "c", StartTimeMs: 40_000, DurationSeconds: 100},
			{ID: "a", StartTimeMs: 0, DurationSeconds: 100},
			{ID: "b", StartTimeMs: 20_000, DurationSeconds: 100},
		})
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"a", "b", "c"}, ids(groups[0]))
	})

	t.Run("ties ordered by id", func(t *testing.T) {
		groups := GroupOverlapping([]Interval{
			{ID: "y", StartTimeMs: 0, DurationSeconds: 60},
			{ID: "x", StartTimeMs: 0, DurationSeconds: 60},
		})
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"x", "y"}, ids(groups[0]))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, GroupOverlapping(nil))
	})
}
