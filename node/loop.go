// Package node runs one mesh node: a single cooperative control loop that
// polls the radio, suppresses duplicates, lets the node's roles forward and
// originate, and hands on the token when the experiment uses one.
package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/channel"
	"github.com/nel-eleven11/lora_mesh_lab/dedupe"
	"github.com/nel-eleven11/lora_mesh_lab/flooding"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/topology"
)

// Stats counts what a node has done since it started.
type Stats struct {
	Cycles         int
	DegradedCycles int
	Received       int
	Duplicates     int
	Acks           int
	Tokens         int
	SensorErrors   int
	Failures       int

	Sent          int // own payloads delivered
	Forwarded     int
	GossipDropped int
	SinkReceived  int
	TokenPasses   int
}

type Node struct {
	ID   lib.NodeID
	Role topology.Role

	transport lib.Transport
	radio     lib.Radio
	window    *dedupe.Window
	token     *channel.Token

	origin flooding.Originator
	recv   flooding.Receiver

	producer  *flooding.Producer
	forwarder *flooding.Forwarder
	sink      *flooding.Sink
	holder    *flooding.TokenHolder

	receiveTimeout time.Duration
	cycleDelay     time.Duration
	sleep          lib.Sleeper
	log            *zap.Logger

	degraded bool
	stats    Stats
}

// Start initialises the transport. A failure is logged and leaves the node
// in degraded mode: it keeps cycling but never touches the radio.
func (n *Node) Start(ctx context.Context) {
	if err := n.transport.Init(ctx); err != nil {
		n.degraded = true
		n.log.Error("initialization failed", zap.Error(err))
		return
	}
	n.log.Info("node ready", zap.String("role", string(n.Role)))
}

// Run starts the node and cycles until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.Start(ctx)
	for {
		n.Cycle(ctx)
		if err := n.sleep(ctx, n.cycleDelay); err != nil {
			n.log.Info("node stopped")
			return err
		}
	}
}

// Cycle runs one pass of the control loop, without the inter-cycle delay.
func (n *Node) Cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n.degraded {
		n.stats.DegradedCycles++
		n.log.Debug("radio not initialised, idling")
		return
	}
	n.stats.Cycles++

	if n.radio.ChannelBusy() {
		n.log.Debug("channel busy")
	}

	if pkt, ok := n.transport.Receive(ctx, n.receiveTimeout); ok {
		n.handle(ctx, pkt)
	}

	if n.origin != nil && n.holder == nil {
		err := n.origin.Originate(ctx)
		switch {
		case errors.Is(err, flooding.ErrSensorRead):
			n.stats.SensorErrors++
			return
		case err != nil:
			n.stats.Failures++
		}
	}

	if n.holder != nil {
		n.holder.Pass(ctx)
	}
}

func (n *Node) handle(ctx context.Context, pkt lib.Packet) {
	n.stats.Received++
	text := pkt.Text()
	q := n.radio.LastSignalQuality()
	log := n.log.With(zap.Stringer("from", pkt.From))
	log.Info("received", zap.String("payload", text),
		zap.Int16("rssi", q.RSSI), zap.Float32("snr", q.SNR))

	switch {
	case flooding.IsToken(text):
		if n.token == nil {
			log.Warn("token received outside a ring, ignoring")
			return
		}
		n.token.Hold()
		n.stats.Tokens++
		log.Info("token received")
		return
	case flooding.IsAck(text):
		n.stats.Acks++
		return
	}

	if n.window != nil {
		if key, ok := flooding.MessageKey(text); ok && !n.window.Check(key) {
			n.stats.Duplicates++
			log.Info("duplicate message received, ignoring", zap.String("key", key))
			return
		}
	}
	if n.recv == nil {
		return
	}
	if err := n.recv.Handle(ctx, pkt); err != nil {
		n.stats.Failures++
	}
}

func (n *Node) Degraded() bool { return n.degraded }

// Token is the node's possession flag, nil outside a token ring.
func (n *Node) Token() *channel.Token { return n.token }

func (n *Node) Stats() Stats {
	s := n.stats
	if n.producer != nil {
		s.Sent = n.producer.Sent()
	}
	if n.forwarder != nil {
		s.Forwarded = n.forwarder.Forwarded()
		s.GossipDropped = n.forwarder.Dropped()
	}
	if n.sink != nil {
		s.SinkReceived = n.sink.Received()
	}
	if n.holder != nil {
		s.TokenPasses = n.holder.Passes()
	}
	return s
}
