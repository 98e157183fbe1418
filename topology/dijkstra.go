package topology

import (
	"math"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

type DijkstraResult struct {
	Distances map[lib.NodeID]int
	Previous  map[lib.NodeID]lib.NodeID
}

// RunDijkstra computes shortest path costs from source. O(V^2), which is
// plenty for a handful of nodes.
func RunDijkstra(g map[lib.NodeID]map[lib.NodeID]int, source lib.NodeID) *DijkstraResult {
	dist := make(map[lib.NodeID]int, len(g))
	prev := make(map[lib.NodeID]lib.NodeID, len(g))
	visited := make(map[lib.NodeID]bool, len(g))

	for n := range g {
		dist[n] = math.MaxInt32
	}
	dist[source] = 0

	for len(visited) < len(dist) {
		// pick the unvisited node with minimum distance, lowest id on ties
		var cur lib.NodeID
		found := false
		best := math.MaxInt32
		for n, d := range dist {
			if visited[n] || d == math.MaxInt32 {
				continue
			}
			if d < best || (d == best && n < cur) {
				cur, best, found = n, d, true
			}
		}
		if !found {
			break // no more reachable nodes
		}
		visited[cur] = true

		for v, c := range g[cur] {
			if visited[v] {
				continue
			}
			alt := dist[cur] + c
			if alt < dist[v] || (alt == dist[v] && cur < prev[v]) {
				dist[v] = alt
				prev[v] = cur
			}
		}
	}
	return &DijkstraResult{Distances: dist, Previous: prev}
}

// NextHop walks the predecessor chain back from dst and returns the first
// hop out of src, or false when dst is unreachable.
func (r *DijkstraResult) NextHop(src, dst lib.NodeID) (lib.NodeID, bool) {
	if src == dst {
		return 0, false
	}
	if d, ok := r.Distances[dst]; !ok || d == math.MaxInt32 {
		return 0, false
	}
	cur := dst
	for {
		p, ok := r.Previous[cur]
		if !ok {
			return 0, false
		}
		if p == src {
			return cur, true
		}
		cur = p
	}
}

func (r *DijkstraResult) Reachable(dst lib.NodeID) bool {
	d, ok := r.Distances[dst]
	return ok && d != math.MaxInt32
}
