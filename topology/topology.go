// Package topology describes an experiment's static node table: which role
// each node id plays, how nodes are linked, where each node sends, and the
// token ring order. Everything is resolved once at startup.
package topology

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

type Role string

const (
	RoleProducer          Role = "producer"
	RoleForwarder         Role = "forwarder"
	RoleSink              Role = "sink"
	RoleProducerForwarder Role = "producer-forwarder"
)

func (r Role) Produces() bool { return r == RoleProducer || r == RoleProducerForwarder }
func (r Role) Forwards() bool { return r == RoleForwarder || r == RoleProducerForwarder }

// Payload grammars a producer can originate.
const (
	PayloadSensor    = "sensor"      // ID:<seq> T:<t> C H:<h> %
	PayloadCounter   = "counter"     // T:<t> C H:<h> % Count: <seq+1>
	PayloadValue     = "value"       // Value N<id>: <v>
	PayloadValueTS   = "value_ts"    // Value N<id>: <v> | timestamps: <s>
	PayloadIDValueTS = "id_value_ts" // ID: <seq> | Value N<id>: <v> | timestamps: <s>
	PayloadText      = "text"        // Hello From Node <id>
	PayloadData      = "data"        // ID:<seq>;Data from Node <id>
)

var payloadKinds = []string{
	PayloadSensor, PayloadCounter, PayloadValue, PayloadValueTS,
	PayloadIDValueTS, PayloadText, PayloadData,
}

// NodeSpec is one row of the topology table.
type NodeSpec struct {
	ID   lib.NodeID `yaml:"id"`
	Role Role       `yaml:"role"`

	// NextHops overrides the computed route toward the nearest sink.
	NextHops []lib.NodeID `yaml:"next_hops,omitempty"`

	Payload  string        `yaml:"payload,omitempty"`
	ValueMin int           `yaml:"value_min,omitempty"`
	ValueMax int           `yaml:"value_max,omitempty"`
	Every    time.Duration `yaml:"every,omitempty"`

	// forwarder options
	Append     bool `yaml:"append,omitempty"`
	Timestamps bool `yaml:"timestamps,omitempty"`
	Gossip     bool `yaml:"gossip,omitempty"`

	// sink options
	Ack bool `yaml:"ack,omitempty"`
}

type Topology struct {
	Name              string     `yaml:"name"`
	Description       string     `yaml:"description,omitempty"`
	Access            string     `yaml:"access"`
	Dedupe            bool       `yaml:"dedupe"`
	GossipProbability *float64   `yaml:"gossip_probability,omitempty"`
	Nodes             []NodeSpec `yaml:"nodes"`
	Links             []Link     `yaml:"links"`

	Ring        []lib.NodeID `yaml:"ring,omitempty"`
	TokenHolder lib.NodeID   `yaml:"token_holder,omitempty"`

	graph  map[lib.NodeID]map[lib.NodeID]int
	tables map[lib.NodeID]*RoutingTable
}

// DefaultGossipProbability applies when a gossiping topology sets none.
const DefaultGossipProbability = 0.7

var ErrUnknownNode = errors.New("node not in topology")

// Parse decodes and validates a YAML topology.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the table and precomputes routing. It must succeed before
// any lookup method is used.
func (t *Topology) Validate() error {
	if t.Name == "" {
		return errors.New("topology: missing name")
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology %s: no nodes", t.Name)
	}
	ids := make(map[lib.NodeID]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == 0 {
			return fmt.Errorf("topology %s: node id 0 is reserved", t.Name)
		}
		if ids[n.ID] {
			return fmt.Errorf("topology %s: duplicate node %s", t.Name, n.ID)
		}
		ids[n.ID] = true
	}
	for _, l := range t.Links {
		if !ids[l.NodeA] || !ids[l.NodeB] {
			return fmt.Errorf("topology %s: link %s-%s: %w", t.Name, l.NodeA, l.NodeB, ErrUnknownNode)
		}
	}
	if p := t.GossipProbability; p != nil && (*p < 0 || *p > 1) {
		return fmt.Errorf("topology %s: gossip_probability %v outside [0,1]", t.Name, *p)
	}

	t.graph = graph(t.Nodes, t.Links)
	t.tables = make(map[lib.NodeID]*RoutingTable, len(t.Nodes))
	for _, n := range t.Nodes {
		t.tables[n.ID] = buildRoutingTable(t.graph, n.ID)
	}

	for _, n := range t.Nodes {
		if err := t.validateNode(n, ids); err != nil {
			return fmt.Errorf("topology %s: node %s: %w", t.Name, n.ID, err)
		}
	}
	if t.Access == "token" {
		if err := t.validateRing(ids); err != nil {
			return fmt.Errorf("topology %s: %w", t.Name, err)
		}
	}
	return nil
}

func (t *Topology) validateNode(n NodeSpec, ids map[lib.NodeID]bool) error {
	switch n.Role {
	case RoleProducer, RoleForwarder, RoleSink, RoleProducerForwarder:
	default:
		return fmt.Errorf("unknown role %q", n.Role)
	}
	if n.Role.Produces() && !slices.Contains(payloadKinds, n.Payload) {
		return fmt.Errorf("unknown payload %q", n.Payload)
	}
	if n.ValueMax < n.ValueMin {
		return fmt.Errorf("value range [%d,%d) is empty", n.ValueMin, n.ValueMax)
	}
	for _, hop := range n.NextHops {
		if !ids[hop] || hop == n.ID {
			return fmt.Errorf("next hop %s: %w", hop, ErrUnknownNode)
		}
	}
	if n.Role != RoleSink {
		if hops := t.NextHops(n.ID); len(hops) == 0 {
			return errors.New("no next hop and no reachable sink")
		}
	}
	return nil
}

func (t *Topology) validateRing(ids map[lib.NodeID]bool) error {
	if len(t.Ring) < 2 {
		return errors.New("token ring needs at least two nodes")
	}
	seen := make(map[lib.NodeID]bool, len(t.Ring))
	for _, id := range t.Ring {
		if !ids[id] {
			return fmt.Errorf("ring member %s: %w", id, ErrUnknownNode)
		}
		if seen[id] {
			return fmt.Errorf("ring member %s listed twice", id)
		}
		seen[id] = true
	}
	if t.TokenHolder == 0 {
		t.TokenHolder = t.Ring[0]
	}
	if !seen[t.TokenHolder] {
		return fmt.Errorf("token holder %s not in ring", t.TokenHolder)
	}
	return nil
}

func (t *Topology) Node(id lib.NodeID) (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

func (t *Topology) IDs() []lib.NodeID {
	out := make([]lib.NodeID, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		out = append(out, n.ID)
	}
	slices.Sort(out)
	return out
}

// Sinks lists the sink nodes in id order.
func (t *Topology) Sinks() []lib.NodeID {
	var out []lib.NodeID
	for _, n := range t.Nodes {
		if n.Role == RoleSink {
			out = append(out, n.ID)
		}
	}
	slices.Sort(out)
	return out
}

// NextHops returns where id sends its traffic: the configured next hops, or
// the first hop toward the nearest reachable sink.
func (t *Topology) NextHops(id lib.NodeID) []lib.NodeID {
	n, ok := t.Node(id)
	if !ok {
		return nil
	}
	if len(n.NextHops) > 0 {
		return slices.Clone(n.NextHops)
	}
	rt := t.tables[id]
	if rt == nil {
		return nil
	}
	var best RouteEntry
	found := false
	for _, sink := range t.Sinks() {
		r, ok := rt.GetRoute(sink)
		if !ok {
			continue
		}
		if !found || r.Cost < best.Cost {
			best, found = r, true
		}
	}
	if !found {
		return nil
	}
	return []lib.NodeID{best.NextHop}
}

// RoutingTable returns the static next-hop table of id.
func (t *Topology) RoutingTable(id lib.NodeID) (*RoutingTable, bool) {
	rt, ok := t.tables[id]
	return rt, ok
}

// Reachable reports whether the mesh can route from one node to another.
func (t *Topology) Reachable(from, to lib.NodeID) bool {
	_, ok := t.Distance(from, to)
	return ok
}

// Distance is the summed link cost of the best route, false if unreachable.
func (t *Topology) Distance(from, to lib.NodeID) (int, bool) {
	if from == to {
		_, ok := t.Node(from)
		return 0, ok
	}
	rt, ok := t.tables[from]
	if !ok {
		return 0, false
	}
	r, ok := rt.GetRoute(to)
	return r.Cost, ok
}

// Successor is the next node after id in the token ring.
func (t *Topology) Successor(id lib.NodeID) (lib.NodeID, bool) {
	i := slices.Index(t.Ring, id)
	if i < 0 {
		return 0, false
	}
	return t.Ring[(i+1)%len(t.Ring)], true
}

// GossipThreshold is the integer cutoff for a uniform draw in [0,100):
// a message is forwarded iff draw < floor(p×100). An unset probability
// means DefaultGossipProbability; an explicit 0 never forwards.
func (t *Topology) GossipThreshold() int {
	p := DefaultGossipProbability
	if t.GossipProbability != nil {
		p = *t.GossipProbability
	}
	// the epsilon keeps 0.29 from flooring to 28
	return int(math.Floor(p*100 + 1e-9))
}
