package topology

import (
	"sort"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

type RouteEntry struct {
	Destination lib.NodeID
	NextHop     lib.NodeID
	Cost        int
}

// RoutingTable is one node's static next-hop table, resolved at startup.
type RoutingTable struct {
	self   lib.NodeID
	routes map[lib.NodeID]RouteEntry
}

func NewRoutingTable(self lib.NodeID) *RoutingTable {
	return &RoutingTable{self: self, routes: make(map[lib.NodeID]RouteEntry)}
}

func (rt *RoutingTable) AddRoute(dest, nextHop lib.NodeID, cost int) {
	rt.routes[dest] = RouteEntry{Destination: dest, NextHop: nextHop, Cost: cost}
}

func (rt *RoutingTable) GetRoute(dest lib.NodeID) (RouteEntry, bool) {
	route, ok := rt.routes[dest]
	return route, ok
}

// Routes returns the entries ordered by destination.
func (rt *RoutingTable) Routes() []RouteEntry {
	out := make([]RouteEntry, 0, len(rt.routes))
	for _, r := range rt.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func buildRoutingTable(g map[lib.NodeID]map[lib.NodeID]int, self lib.NodeID) *RoutingTable {
	rt := NewRoutingTable(self)
	res := RunDijkstra(g, self)
	for dest := range g {
		if hop, ok := res.NextHop(self, dest); ok {
			rt.AddRoute(dest, hop, res.Distances[dest])
		}
	}
	return rt
}
