package topology

import "github.com/nel-eleven11/lora_mesh_lab/lib"

// Link is a bidirectional radio hop between two nodes.
type Link struct {
	NodeA lib.NodeID `yaml:"a"`
	NodeB lib.NodeID `yaml:"b"`
	Cost  int        `yaml:"cost,omitempty"`
}

func NewLink(nodeA, nodeB lib.NodeID, cost int) Link {
	if cost <= 0 {
		cost = 1
	}
	return Link{NodeA: nodeA, NodeB: nodeB, Cost: cost}
}

func (l Link) GetOtherEnd(node lib.NodeID) lib.NodeID {
	if l.NodeA == node {
		return l.NodeB
	}
	return l.NodeA
}

func (l Link) Has(node lib.NodeID) bool {
	return l.NodeA == node || l.NodeB == node
}

// graph builds the undirected adjacency map from the link table. When two
// links join the same pair the smaller cost wins.
func graph(nodes []NodeSpec, links []Link) map[lib.NodeID]map[lib.NodeID]int {
	g := make(map[lib.NodeID]map[lib.NodeID]int, len(nodes))
	for _, n := range nodes {
		g[n.ID] = make(map[lib.NodeID]int)
	}
	for _, l := range links {
		l = NewLink(l.NodeA, l.NodeB, l.Cost)
		for _, end := range []lib.NodeID{l.NodeA, l.NodeB} {
			if _, ok := g[end]; !ok {
				g[end] = make(map[lib.NodeID]int)
			}
		}
		if cur, ok := g[l.NodeA][l.NodeB]; !ok || l.Cost < cur {
			g[l.NodeA][l.NodeB] = l.Cost
			g[l.NodeB][l.NodeA] = l.Cost
		}
	}
	return g
}
