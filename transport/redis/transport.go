// Package redis carries mesh frames over Redis pub/sub: each node subscribes
// to its own channel and a send publishes one envelope to the destination's.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/transport"
)

const (
	DefaultPrefix    = "loramesh"
	DefaultInboxSize = 10
	DefaultAirtime   = 200 * time.Millisecond
)

// Channel is the pub/sub channel node id listens on.
func Channel(prefix string, id lib.NodeID) string {
	return fmt.Sprintf("%s.node%d", prefix, id)
}

type Options struct {
	Prefix    string
	Codec     transport.Codec // defaults to CBOR
	InboxSize int
	// Airtime is how long the channel counts as busy after a frame arrives.
	Airtime time.Duration
	Log     *zap.Logger
}

// Transport is one node's endpoint. It has no radio under it: carrier sense
// reports busy for Airtime after each inbound frame and signal quality stays
// zero.
type Transport struct {
	rdb    *goredis.Client
	self   lib.NodeID
	prefix string
	codec  transport.Codec
	log    *zap.Logger

	airtime  time.Duration
	lastSeen atomic.Int64 // unix nanoseconds of the last inbound frame

	inbox  chan lib.Packet
	pubsub *goredis.PubSub
	wg     sync.WaitGroup
}

func New(rdb *goredis.Client, self lib.NodeID, o Options) (*Transport, error) {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Airtime <= 0 {
		o.Airtime = DefaultAirtime
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Codec == nil {
		c, err := transport.CBOR()
		if err != nil {
			return nil, err
		}
		o.Codec = c
	}
	return &Transport{
		rdb:     rdb,
		self:    self,
		prefix:  o.Prefix,
		codec:   o.Codec,
		log:     o.Log,
		airtime: o.Airtime,
		inbox:   make(chan lib.Packet, o.InboxSize),
	}, nil
}

// Init checks the server and subscribes to this node's channel. Frames are
// decoded in the background until Close.
func (t *Transport) Init(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	ch := Channel(t.prefix, t.self)
	pubsub := t.rdb.Subscribe(ctx, ch)
	// wait for the subscription to be confirmed before anyone publishes
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	t.pubsub = pubsub
	t.wg.Add(1)
	go t.parseFrames(pubsub.Channel())
	t.log.Info("listening", zap.String("channel", ch))
	return nil
}

func (t *Transport) parseFrames(msgs <-chan *goredis.Message) {
	defer t.wg.Done()
	for msg := range msgs {
		var env transport.Envelope
		if err := t.codec.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.log.Warn("received invalid frame", zap.Error(err))
			continue
		}
		if env.To != t.self {
			t.log.Warn("frame for another node", zap.Stringer("to", env.To))
			continue
		}
		t.lastSeen.Store(time.Now().UnixNano())
		select {
		case t.inbox <- env.Packet():
		default:
			t.log.Warn("inbox full, dropping frame", zap.Stringer("from", env.From))
		}
	}
}

func (t *Transport) Send(ctx context.Context, to lib.NodeID, payload []byte) lib.Outcome {
	if len(payload) == 0 || len(payload) > lib.MaxMessageLen {
		return lib.OutcomeInvalidLength
	}
	data, err := t.codec.Marshal(transport.Envelope{
		From:    t.self,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		t.log.Error("encode frame", zap.Error(err))
		return lib.OutcomeInvalidLength
	}
	receivers, err := t.rdb.Publish(ctx, Channel(t.prefix, to), data).Result()
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return lib.OutcomeTimeout
		}
		t.log.Warn("publish failed", zap.Error(err))
		return lib.OutcomeUnableToDeliver
	}
	if receivers == 0 {
		return lib.OutcomeNoRoute
	}
	return lib.OutcomeNone
}

func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (lib.Packet, bool) {
	if timeout <= 0 {
		select {
		case p := <-t.inbox:
			return p, true
		default:
			return lib.Packet{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-t.inbox:
		return p, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return lib.Packet{}, false
}

func (t *Transport) ChannelBusy() bool {
	last := t.lastSeen.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < t.airtime
}

func (t *Transport) LastSignalQuality() lib.SignalQuality { return lib.SignalQuality{} }

// Close unsubscribes and waits for the frame parser to stop.
func (t *Transport) Close() error {
	if t.pubsub == nil {
		return nil
	}
	err := t.pubsub.Close()
	t.wg.Wait()
	return err
}
