package topology

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

func TestPresetsParse(t *testing.T) {
	names := Presets()
	want := []string{"chain3", "gossip5", "hub5-ack", "lbt4-dht", "linear4-backoff", "linear5-csma", "token5"}
	if !slices.Equal(names, want) {
		t.Fatalf("Presets() = %v, want %v", names, want)
	}
	for _, name := range names {
		topo, err := Preset(name)
		if err != nil {
			t.Errorf("preset %s: %v", name, err)
			continue
		}
		if topo.Name != name {
			t.Errorf("preset %s declares name %q", name, topo.Name)
		}
	}
}

func TestUnknownPreset(t *testing.T) {
	if _, err := Preset("nope"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestNextHopsTowardSink(t *testing.T) {
	topo, err := Preset("linear5-csma")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		id   lib.NodeID
		want []lib.NodeID
	}{
		{1, []lib.NodeID{2}},
		{2, []lib.NodeID{3}},
		{3, nil},
		{4, []lib.NodeID{3}},
		{5, []lib.NodeID{4}},
	}
	for _, tt := range tests {
		if got := topo.NextHops(tt.id); !slices.Equal(got, tt.want) {
			t.Errorf("NextHops(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}
	if d, ok := topo.Distance(1, 5); !ok || d != 4 {
		t.Errorf("Distance(1,5) = %d, %v", d, ok)
	}
}

func TestExplicitNextHopsWin(t *testing.T) {
	topo, err := Preset("token5")
	if err != nil {
		t.Fatal(err)
	}
	if got := topo.NextHops(5); !slices.Equal(got, []lib.NodeID{4}) {
		t.Errorf("NextHops(5) = %v", got)
	}
	if got := topo.NextHops(1); !slices.Equal(got, []lib.NodeID{2}) {
		t.Errorf("NextHops(1) = %v", got)
	}
}

func TestSuccessorWrapsRing(t *testing.T) {
	topo, err := Preset("token5")
	if err != nil {
		t.Fatal(err)
	}
	if topo.TokenHolder != 1 {
		t.Errorf("TokenHolder = %s", topo.TokenHolder)
	}
	for i, id := range topo.Ring {
		next, ok := topo.Successor(id)
		if !ok || next != topo.Ring[(i+1)%len(topo.Ring)] {
			t.Errorf("Successor(%s) = %s, %v", id, next, ok)
		}
	}
	if _, ok := topo.Successor(9); ok {
		t.Error("Successor of a non-member succeeded")
	}
}

func TestGossipThreshold(t *testing.T) {
	tests := []struct {
		p    float64
		want int
	}{
		{0, 0},
		{0.7, 70},
		{0.29, 29},
		{0.555, 55},
		{1, 100},
		{0.01, 1},
	}
	for _, tt := range tests {
		topo := &Topology{GossipProbability: &tt.p}
		if got := topo.GossipThreshold(); got != tt.want {
			t.Errorf("GossipThreshold(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
	if got := (&Topology{}).GossipThreshold(); got != 70 {
		t.Errorf("unset probability threshold = %d, want 70", got)
	}
}

func TestGossipProbabilityZeroIsKept(t *testing.T) {
	topo, err := Parse([]byte(`
name: silent
access: unconditional
gossip_probability: 0
nodes:
  - {id: 1, role: producer, payload: value, value_max: 10}
  - {id: 2, role: forwarder, gossip: true}
  - {id: 3, role: sink}
links:
  - {a: 1, b: 2}
  - {a: 2, b: 3}
`))
	if err != nil {
		t.Fatal(err)
	}
	if got := topo.GossipThreshold(); got != 0 {
		t.Errorf("threshold = %d, want 0", got)
	}
}

func TestRoutingTablePrefersCheaperLinks(t *testing.T) {
	topo, err := Parse([]byte(`
name: diamond
access: unconditional
nodes:
  - {id: 1, role: producer, payload: text}
  - {id: 2, role: forwarder}
  - {id: 3, role: forwarder}
  - {id: 4, role: sink}
links:
  - {a: 1, b: 2, cost: 5}
  - {a: 1, b: 3}
  - {a: 2, b: 4}
  - {a: 3, b: 4}
`))
	if err != nil {
		t.Fatal(err)
	}
	rt, ok := topo.RoutingTable(1)
	if !ok {
		t.Fatal("no routing table for node 1")
	}
	r, ok := rt.GetRoute(4)
	if !ok || r.NextHop != 3 || r.Cost != 2 {
		t.Errorf("route 1->4 = %+v, %v", r, ok)
	}
	if got := len(rt.Routes()); got != 3 {
		t.Errorf("node 1 has %d routes, want 3", got)
	}
}

func TestEveryParsesDuration(t *testing.T) {
	topo, err := Preset("hub5-ack")
	if err != nil {
		t.Fatal(err)
	}
	n, _ := topo.Node(2)
	if n.Every != 10*time.Second {
		t.Errorf("node 2 every = %v", n.Every)
	}
	sink, _ := topo.Node(3)
	if !sink.Ack {
		t.Error("hub sink does not ack")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "nodes: [{id: 1, role: sink}]", "missing name"},
		{"no nodes", "name: x", "no nodes"},
		{"zero id", "name: x\nnodes: [{id: 0, role: sink}]", "reserved"},
		{"duplicate", "name: x\nnodes: [{id: 1, role: sink}, {id: 1, role: sink}]", "duplicate"},
		{"bad role", "name: x\nnodes: [{id: 1, role: relay}]", "unknown role"},
		{"bad payload", "name: x\nnodes: [{id: 1, role: producer, payload: blob}, {id: 2, role: sink}]\nlinks: [{a: 1, b: 2}]", "unknown payload"},
		{"unreachable sink", "name: x\nnodes: [{id: 1, role: producer, payload: text}, {id: 2, role: sink}]", "no reachable sink"},
		{"bad link", "name: x\nnodes: [{id: 1, role: sink}]\nlinks: [{a: 1, b: 7}]", "not in topology"},
		{"probability", "name: x\ngossip_probability: 1.5\nnodes: [{id: 1, role: sink}]", "gossip_probability"},
		{"short ring", "name: x\naccess: token\nring: [1]\nnodes: [{id: 1, role: sink}]", "at least two"},
		{"holder outside ring", "name: x\naccess: token\nring: [1, 2]\ntoken_holder: 3\nnodes: [{id: 1, role: sink}, {id: 2, role: sink}, {id: 3, role: sink}]", "not in ring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse accepted %q", tt.yaml)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestUnknownLinkWrapsSentinel(t *testing.T) {
	_, err := Parse([]byte("name: x\nnodes: [{id: 1, role: sink}]\nlinks: [{a: 1, b: 7}]"))
	if !errors.Is(err, ErrUnknownNode) {
		t.Errorf("err = %v, want ErrUnknownNode", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mine.yaml")
	data := "name: mine\nnodes:\n  - {id: 1, role: producer, payload: text}\n  - {id: 2, role: sink}\nlinks: [{a: 1, b: 2}]\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	topo, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if topo.Name != "mine" {
		t.Errorf("Load(file) name = %q", topo.Name)
	}
	topo, err = Load("chain3")
	if err != nil || topo.Name != "chain3" {
		t.Errorf("Load(preset) = %v, %v", topo, err)
	}
}
