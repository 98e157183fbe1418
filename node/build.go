package node

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/channel"
	"github.com/nel-eleven11/lora_mesh_lab/config"
	"github.com/nel-eleven11/lora_mesh_lab/dedupe"
	"github.com/nel-eleven11/lora_mesh_lab/flooding"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/observability"
	"github.com/nel-eleven11/lora_mesh_lab/retry"
	"github.com/nel-eleven11/lora_mesh_lab/topology"
)

// Config carries the timings of one node. Values are used as given: a zero
// ReceiveTimeout polls and a zero CycleDelay cycles back to back.
type Config struct {
	ReceiveTimeout time.Duration
	CycleDelay     time.Duration
	DedupeCapacity int
	QueueCapacity  int

	// Retry and Access carry the tunables; Build fills in the collaborators.
	Retry  retry.Config
	Access channel.Options

	Sleep lib.Sleeper
	Now   func() time.Time
	Log   *zap.Logger
}

// DefaultConfig returns the firmware timings.
func DefaultConfig() Config {
	return Config{
		ReceiveTimeout: 1000 * time.Millisecond,
		CycleDelay:     2000 * time.Millisecond,
		DedupeCapacity: dedupe.DefaultCapacity,
		QueueCapacity:  flooding.DefaultQueueCapacity,
		Retry: retry.Config{
			MaxAttempts: retry.DefaultMaxAttempts,
			MaxDenials:  retry.DefaultMaxDenials,
			Delay:       retry.DefaultDelay,
		},
	}
}

// FromConfig maps the loaded configuration onto a node Config.
func FromConfig(c *config.Config) Config {
	t := c.Timing
	cfg := DefaultConfig()
	cfg.ReceiveTimeout = t.ReceiveTimeout
	cfg.CycleDelay = t.CycleDelay
	cfg.DedupeCapacity = c.DedupeCapacity
	cfg.Retry = retry.Config{
		MaxAttempts: t.MaxAttempts,
		MaxDenials:  t.MaxDenials,
		Delay:       t.RetryDelay,
		DenyDelay:   t.DenyDelay,
	}
	cfg.Access = channel.Options{
		CSMAMin:          t.CSMAMin,
		CSMAMax:          t.CSMAMax,
		BackoffUnit:      t.BackoffUnit,
		BackoffCap:       t.BackoffCap,
		BackoffMaxProbes: t.BackoffMaxProbes,
	}
	return cfg
}

// Deps are the external collaborators of a node.
type Deps struct {
	Transport lib.Transport
	// Radio defaults to Transport when it also implements lib.Radio.
	Radio  lib.Radio
	Sensor lib.Sensor
	Rand   lib.Rand
}

// Build resolves id's row in topo into a wired node. Role dispatch is fixed
// here; the loop never looks at the id again.
func Build(topo *topology.Topology, id lib.NodeID, deps Deps, cfg Config) (*Node, error) {
	spec, ok := topo.Node(id)
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, topology.ErrUnknownNode)
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("node %s: no transport", id)
	}
	if deps.Radio == nil {
		r, ok := deps.Transport.(lib.Radio)
		if !ok {
			return nil, fmt.Errorf("node %s: transport has no radio and none was given", id)
		}
		deps.Radio = r
	}
	if deps.Rand == nil {
		deps.Rand = lib.NewRand(fmt.Sprintf("%s-node-%d", topo.Name, id))
	}
	if deps.Sensor == nil {
		deps.Sensor = flooding.SyntheticSensor{Rand: deps.Rand}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = lib.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	log := observability.NodeLogger(cfg.Log, id)

	boot := cfg.Now()
	uptime := func() time.Duration { return cfg.Now().Sub(boot) }

	var token *channel.Token
	var successor lib.NodeID
	if topo.Access == channel.KindToken {
		next, ok := topo.Successor(id)
		if !ok {
			return nil, fmt.Errorf("node %s: not in the token ring", id)
		}
		successor = next
		token = channel.NewToken(topo.TokenHolder == id)
	}

	access := cfg.Access
	access.Kind = topo.Access
	access.Sense = deps.Radio
	access.Token = token
	access.Rand = deps.Rand
	access.Sleep = cfg.Sleep
	access.Log = log
	policy, err := channel.New(access)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}

	rc := cfg.Retry
	rc.Sleep = cfg.Sleep
	rc.Log = log
	deliver := retry.New(rc, deps.Transport, policy)

	n := &Node{
		ID:             id,
		Role:           spec.Role,
		transport:      deps.Transport,
		radio:          deps.Radio,
		token:          token,
		receiveTimeout: cfg.ReceiveTimeout,
		cycleDelay:     cfg.CycleDelay,
		sleep:          cfg.Sleep,
		log:            log,
	}
	if topo.Dedupe {
		n.window = dedupe.NewWindow(cfg.DedupeCapacity)
	}

	values := &flooding.Builder{
		Self:   id,
		Kind:   spec.Payload,
		Min:    spec.ValueMin,
		Max:    spec.ValueMax,
		Rand:   deps.Rand,
		Sensor: deps.Sensor,
		Uptime: uptime,
	}
	hops := topo.NextHops(id)

	var queue *flooding.Queue
	if token != nil {
		queue = flooding.NewQueue(cfg.QueueCapacity)
	}

	if spec.Role.Produces() {
		n.producer = &flooding.Producer{
			Self:     id,
			NextHops: hops,
			Payload:  values,
			Every:    spec.Every,
			Now:      cfg.Now,
			Deliver:  deliver,
			Radio:    deps.Radio,
			Log:      log,
		}
		n.origin = n.producer
	}
	switch {
	case spec.Role.Forwards():
		n.forwarder = &flooding.Forwarder{
			Self:       id,
			NextHops:   hops,
			Deliver:    deliver,
			Log:        log,
			Append:     spec.Append,
			Timestamps: spec.Timestamps,
			Value:      values,
			Gossip:     spec.Gossip,
			Threshold:  topo.GossipThreshold(),
			Rand:       deps.Rand,
			Token:      token,
			Queue:      queue,
		}
		n.recv = n.forwarder
	case spec.Role == topology.RoleSink:
		n.sink = &flooding.Sink{
			Self:    id,
			Ack:     spec.Ack,
			Deliver: deliver,
			Log:     log,
			Token:   token,
			Queue:   queue,
		}
		n.recv = n.sink
	}

	if token != nil {
		n.holder = &flooding.TokenHolder{
			Self:      id,
			Successor: successor,
			Token:     token,
			Queue:     queue,
			Deliver:   deliver,
			Log:       log,
		}
		if n.producer != nil {
			n.holder.Origin = n.producer
		}
	}

	log.Debug("node built",
		zap.String("role", string(spec.Role)),
		zap.String("access", policy.Name()),
		zap.Any("next_hops", hops))
	return n, nil
}
