// Package fitness holds the pure algorithms of the fitness import: overlap
// grouping of activities, the privacy geofence and track parsing.
package fitness

import (
	"math"
	"sort"
)

// OverlapThreshold is the overlap ratio at which two activities are
// considered the same workout.
const OverlapThreshold = 0.8

// Interval is the time span of one activity.
type Interval struct {
	ID              string
	StartTimeMs     int64
	DurationSeconds float64
}

func (iv Interval) endMs() float64 {
	return float64(iv.StartTimeMs) + iv.DurationSeconds*1000
}

// OverlapRatio is the shared time of a and b divided by the shorter of the
// two durations. Non-positive durations never overlap.
func OverlapRatio(a, b Interval) float64 {
	if a.DurationSeconds <= 0 || b.DurationSeconds <= 0 {
		return 0
	}
	start := math.Max(float64(a.StartTimeMs), float64(b.StartTimeMs))
	end := math.Min(a.endMs(), b.endMs())
	shared := math.Max(0, end-start)
	shorter := math.Min(a.DurationSeconds, b.DurationSeconds) * 1000
	return shared / shorter
}

// GroupOverlapping clusters intervals whose pairwise overlap ratio reaches
// OverlapThreshold, transitively. Members are ordered by start then id and
// groups by their earliest member.
func GroupOverlapping(items []Interval) [][]Interval {
	uf := newUnionFind(len(items))
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if OverlapRatio(items[i], items[j]) >= OverlapThreshold {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]Interval)
	var roots []int
	for i, item := range items {
		root := uf.find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], item)
	}

	groups := make([][]Interval, 0, len(roots))
	for _, root := range roots {
		members := byRoot[root]
		sort.Slice(members, func(i, j int) bool { return intervalLess(members[i], members[j]) })
		groups = append(groups, members)
	}
	sort.SliceStable(groups, func(i, j int) bool { return intervalLess(groups[i][0], groups[j][0]) })
	return groups
}

func intervalLess(a, b Interval) bool {
	if a.StartTimeMs != b.StartTimeMs {
		return a.StartTimeMs < b.StartTimeMs
	}
	return a.ID < b.ID
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}
