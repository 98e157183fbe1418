package node

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nel-eleven11/lora_mesh_lab/dedupe"
	"github.com/nel-eleven11/lora_mesh_lab/flooding"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/topology"
	"github.com/nel-eleven11/lora_mesh_lab/transport/mem"
)

const chainYAML = `
name: chain3-e2e
access: unconditional
dedupe: true
nodes:
  - {id: 1, role: producer, payload: value, value_min: 0, value_max: 100}
  - {id: 2, role: forwarder, append: true, value_min: 0, value_max: 100}
  - {id: 3, role: sink}
links:
  - {a: 1, b: 2}
  - {a: 2, b: 3}
`

type constRand int

func (r constRand) Intn(n int) int { return int(r) % n }

type nanSensor struct{}

func (nanSensor) Read() lib.Reading { return lib.Reading{Temperature: math.NaN(), Humidity: 40} }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig(log *zap.Logger) Config {
	cfg := DefaultConfig()
	cfg.ReceiveTimeout = 0
	cfg.CycleDelay = 0
	cfg.Sleep = noSleep
	cfg.Log = log
	return cfg
}

// mesh builds every node of topo on one in-process medium.
func mesh(t *testing.T, topo *topology.Topology, m *mem.Medium, cfg Config, deps map[lib.NodeID]Deps) map[lib.NodeID]*Node {
	t.Helper()
	nodes := make(map[lib.NodeID]*Node)
	for _, id := range topo.IDs() {
		d := deps[id]
		d.Transport = m.Attach(id)
		n, err := Build(topo, id, d, cfg)
		if err != nil {
			t.Fatalf("Build(%s): %v", id, err)
		}
		n.Start(context.Background())
		nodes[id] = n
	}
	return nodes
}

func mustPreset(t *testing.T, name string) *topology.Topology {
	t.Helper()
	topo, err := topology.Preset(name)
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func mustParse(t *testing.T, src string) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return topo
}

func TestChainEndToEnd(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium(mem.WithReachable(topo.Reachable))
	core, logs := observer.New(zap.InfoLevel)
	nodes := mesh(t, topo, m, testConfig(zap.New(core)), map[lib.NodeID]Deps{
		1: {Rand: constRand(42)},
		2: {Rand: constRand(57)},
	})
	ctx := context.Background()
	for _, id := range []lib.NodeID{1, 2, 3} {
		nodes[id].Cycle(ctx)
	}

	want := []mem.Delivery{
		{From: 1, To: 2, Payload: "Value N1: 42", Outcome: lib.OutcomeNone},
		{From: 2, To: 3, Payload: "Value N1: 42 | Value N2: 57", Outcome: lib.OutcomeNone},
	}
	trace := m.Trace()
	if len(trace) != len(want) {
		t.Fatalf("trace = %+v", trace)
	}
	for i, d := range trace {
		d.At = time.Time{}
		if d != want[i] {
			t.Errorf("delivery %d = %+v, want %+v", i, d, want[i])
		}
	}

	if s := nodes[3].Stats(); s.SinkReceived != 1 {
		t.Errorf("sink stats = %+v", s)
	}
	entries := logs.FilterMessage("data from node").FilterField(zap.String("payload", "Value N1: 42 | Value N2: 57"))
	if entries.Len() != 1 {
		t.Errorf("sink did not log the relayed message")
	}

	// nothing further: the sink forwards nothing
	for _, id := range []lib.NodeID{2, 3} {
		nodes[id].Cycle(ctx)
	}
	for _, d := range m.Trace() {
		if d.From == 3 {
			t.Errorf("sink transmitted %+v", d)
		}
	}
}

func TestForwarderSuppressesDuplicates(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium()
	// node 1 is driven by hand
	nodes := map[lib.NodeID]*Node{}
	for _, id := range []lib.NodeID{2, 3} {
		n, err := Build(topo, id, Deps{Transport: m.Attach(id), Rand: constRand(7)}, testConfig(zaptest.NewLogger(t)))
		if err != nil {
			t.Fatal(err)
		}
		n.Start(context.Background())
		nodes[id] = n
	}
	src := m.Attach(1)
	ctx := context.Background()

	for _, msg := range []string{"ID:5 T:21.00 C H:40.00 %", "ID:5 T:21.00 C H:40.00 %", "ID:6 T:21.10 C H:40.00 %"} {
		if out := src.Send(ctx, 2, []byte(msg)); out != lib.OutcomeNone {
			t.Fatal(out)
		}
		nodes[2].Cycle(ctx)
	}
	s := nodes[2].Stats()
	if s.Forwarded != 2 || s.Duplicates != 1 || s.Received != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestChainKeepsRelayingPastWindow(t *testing.T) {
	// chain3-e2e keeps dedupe on; untagged values must still flow once
	// every possible value text has been seen
	for _, topo := range []*topology.Topology{mustParse(t, chainYAML), mustPreset(t, "chain3")} {
		m := mem.NewMedium(mem.WithReachable(topo.Reachable))
		nodes := mesh(t, topo, m, testConfig(nil), nil)
		ctx := context.Background()

		cycles := 3 * dedupe.DefaultCapacity
		for i := 0; i < cycles; i++ {
			for _, id := range topo.IDs() {
				nodes[id].Cycle(ctx)
			}
		}
		if s := nodes[2].Stats(); s.Forwarded != cycles || s.Duplicates != 0 {
			t.Errorf("%s: relay stats = %+v, want %d forwarded", topo.Name, s, cycles)
		}
		if got := nodes[3].Stats().SinkReceived; got != cycles {
			t.Errorf("%s: sink received %d of %d", topo.Name, got, cycles)
		}
	}
}

func TestSequenceCollisionAcrossOriginators(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium()
	n, err := Build(topo, 2, Deps{Transport: m.Attach(2), Rand: constRand(1)}, testConfig(nil))
	if err != nil {
		t.Fatal(err)
	}
	n.Start(context.Background())
	m.Attach(3)
	a, b := m.Attach(1), m.Attach(4)
	ctx := context.Background()

	a.Send(ctx, 2, []byte("ID:0;Data from Node 1"))
	n.Cycle(ctx)
	b.Send(ctx, 2, []byte("ID:0;Data from Node 4"))
	n.Cycle(ctx)

	// equal sequence ids from different originators share one key
	if s := n.Stats(); s.Forwarded != 1 || s.Duplicates != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTokenRingCirculation(t *testing.T) {
	topo, err := topology.Preset("token5")
	if err != nil {
		t.Fatal(err)
	}
	m := mem.NewMedium(mem.WithReachable(topo.Reachable))
	nodes := mesh(t, topo, m, testConfig(zaptest.NewLogger(t)), nil)
	ctx := context.Background()

	tokenSends := func() []mem.Delivery {
		var out []mem.Delivery
		for _, d := range m.Trace() {
			if d.Payload == lib.TokenMessage {
				out = append(out, d)
			}
		}
		return out
	}
	checkOneToken := func(after lib.NodeID) {
		t.Helper()
		held := 0
		for _, n := range nodes {
			if n.Token().Held() {
				held++
			}
		}
		if held > 1 || held+m.Pending(lib.TokenMessage) != 1 {
			t.Fatalf("after %s: %d holders, %d tokens in flight", after, held, m.Pending(lib.TokenMessage))
		}
	}

	checkOneToken(0)
	ring := topo.Ring
rounds:
	for round := 0; round < 4*len(ring); round++ {
		for _, id := range ring {
			nodes[id].Cycle(ctx)
			checkOneToken(id)
			if len(tokenSends()) == len(ring) {
				break rounds
			}
		}
	}

	sends := tokenSends()
	if len(sends) != len(ring) {
		t.Fatalf("token moved %d times, want %d", len(sends), len(ring))
	}
	for i, d := range sends {
		if d.From != ring[i] || d.To != ring[(i+1)%len(ring)] || d.Outcome != lib.OutcomeNone {
			t.Errorf("step %d = %+v", i, d)
		}
	}
	for _, id := range ring {
		s := nodes[id].Stats()
		if s.TokenPasses != 1 {
			t.Errorf("%s passed the token %d times", id, s.TokenPasses)
		}
		wantSent := 1
		if id == 3 {
			wantSent = 0
		}
		if s.Sent != wantSent {
			t.Errorf("%s sent %d payloads, want %d", id, s.Sent, wantSent)
		}
	}
	// back with the original holder
	last := sends[len(sends)-1]
	if last.To != topo.TokenHolder || m.Pending(lib.TokenMessage) != 1 {
		t.Errorf("token did not return to %s", topo.TokenHolder)
	}
}

func TestTokenRingAckSinkWaitsForTurn(t *testing.T) {
	topo := mustParse(t, `
name: ring2-ack
access: token
ring: [1, 2]
token_holder: 1
nodes:
  - {id: 1, role: producer, payload: data, next_hops: [2]}
  - {id: 2, role: sink, ack: true}
links:
  - {a: 1, b: 2}
`)
	m := mem.NewMedium(mem.WithReachable(topo.Reachable))
	nodes := mesh(t, topo, m, testConfig(zaptest.NewLogger(t)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 1 sends data and the token; 2 takes the data first, then the token
	for round := 0; round < 3; round++ {
		for _, id := range topo.Ring {
			nodes[id].Cycle(ctx)
		}
	}
	if ctx.Err() != nil {
		t.Fatal("ring stalled")
	}

	ackAt, tokenAt := -1, -1
	for i, d := range m.Trace() {
		if d.From != 2 {
			continue
		}
		switch {
		case flooding.IsAck(d.Payload) && ackAt < 0:
			ackAt = i
		case d.Payload == lib.TokenMessage && tokenAt < 0:
			tokenAt = i
		}
	}
	if ackAt < 0 || tokenAt < 0 || ackAt > tokenAt {
		t.Fatalf("node 2 sent ACK at %d and token at %d: %+v", ackAt, tokenAt, m.Trace())
	}
	if nodes[1].Stats().Acks == 0 {
		t.Error("producer never received the ACK")
	}
}

func TestDegradedModeKeepsCycling(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium(mem.WithInitFailure(2))
	core, logs := observer.New(zap.ErrorLevel)
	nodes := mesh(t, topo, m, testConfig(zap.New(core)), nil)

	if !nodes[2].Degraded() || nodes[1].Degraded() {
		t.Fatalf("degraded: n1=%v n2=%v", nodes[1].Degraded(), nodes[2].Degraded())
	}
	if logs.FilterMessage("initialization failed").Len() != 1 {
		t.Error("init failure not logged")
	}
	ctx := context.Background()
	nodes[1].Cycle(ctx)
	nodes[2].Cycle(ctx)
	nodes[2].Cycle(ctx)
	s := nodes[2].Stats()
	if s.DegradedCycles != 2 || s.Received != 0 || s.Cycles != 0 {
		t.Errorf("degraded node stats = %+v", s)
	}
}

func TestSensorFailureSkipsOrigination(t *testing.T) {
	topo, err := topology.Preset("lbt4-dht")
	if err != nil {
		t.Fatal(err)
	}
	m := mem.NewMedium()
	m.Attach(2)
	n, err := Build(topo, 1, Deps{Transport: m.Attach(1), Sensor: nanSensor{}}, testConfig(nil))
	if err != nil {
		t.Fatal(err)
	}
	n.Start(context.Background())
	n.Cycle(context.Background())
	if s := n.Stats(); s.SensorErrors != 1 || s.Sent != 0 {
		t.Errorf("stats = %+v", s)
	}
	if len(m.Trace()) != 0 {
		t.Errorf("sent after a failed sensor read: %+v", m.Trace())
	}
}

func TestHubAcksAreNotForwarded(t *testing.T) {
	topo, err := topology.Preset("hub5-ack")
	if err != nil {
		t.Fatal(err)
	}
	m := mem.NewMedium(mem.WithReachable(topo.Reachable))
	cfg := testConfig(zaptest.NewLogger(t))
	fixed := time.Unix(1000, 0)
	cfg.Now = func() time.Time { return fixed }
	nodes := mesh(t, topo, m, cfg, nil)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for _, id := range topo.IDs() {
			nodes[id].Cycle(ctx)
		}
	}
	acks := 0
	for _, d := range m.Trace() {
		if !flooding.IsAck(d.Payload) {
			continue
		}
		acks++
		if d.From != 3 {
			t.Errorf("ACK relayed by %s: %+v", d.From, d)
		}
	}
	if acks == 0 {
		t.Fatal("hub sent no acknowledgements")
	}
	if nodes[2].Stats().Acks == 0 {
		t.Error("node 2 never received an ACK")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(nil)
	cfg.CycleDelay = 2 * time.Second
	sleeps := 0
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		if d == cfg.CycleDelay {
			sleeps++
			if sleeps == 3 {
				cancel()
			}
		}
		return ctx.Err()
	}
	n, err := Build(topo, 3, Deps{Transport: m.Attach(3)}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if s := n.Stats(); s.Cycles != 3 {
		t.Errorf("ran %d cycles, want 3", s.Cycles)
	}
}

func TestBuildRejects(t *testing.T) {
	topo := mustParse(t, chainYAML)
	m := mem.NewMedium()
	if _, err := Build(topo, 9, Deps{Transport: m.Attach(9)}, testConfig(nil)); !errors.Is(err, topology.ErrUnknownNode) {
		t.Errorf("unknown node: %v", err)
	}
	if _, err := Build(topo, 1, Deps{}, testConfig(nil)); err == nil {
		t.Error("built a node without a transport")
	}
}
