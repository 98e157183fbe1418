package flooding

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/channel"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// Deliverer is Transmission-with-Retry as seen by the roles.
type Deliverer interface {
	Deliver(ctx context.Context, to lib.NodeID, payload []byte) error
}

// Originator produces a node's own traffic once per turn.
type Originator interface {
	Originate(ctx context.Context) error
}

// Receiver handles one inbound message that already passed duplicate
// suppression.
type Receiver interface {
	Handle(ctx context.Context, pkt lib.Packet) error
}

// Producer originates a payload toward its next hops and advances its
// sequence only after every hop accepted it.
type Producer struct {
	Self     lib.NodeID
	NextHops []lib.NodeID
	Payload  *Builder
	Every    time.Duration // zero sends every turn
	Now      func() time.Time
	Deliver  Deliverer
	Radio    lib.Radio
	Log      *zap.Logger

	seq    int
	sent   int
	failed int
	last   time.Time
}

func (p *Producer) Seq() int    { return p.seq }
func (p *Producer) Sent() int   { return p.sent }
func (p *Producer) Failed() int { return p.failed }

// Originate builds and delivers one payload. It returns ErrSensorRead when
// the sample was unusable and the delivery error when a hop refused it.
func (p *Producer) Originate(ctx context.Context) error {
	log := orNop(p.Log)
	if p.Every > 0 {
		now := p.now()
		if !p.last.IsZero() && now.Sub(p.last) < p.Every {
			return nil
		}
		p.last = now
	}

	msg, err := p.Payload.Build(p.seq)
	if err != nil {
		log.Warn("skipping origination", zap.Error(err))
		return err
	}

	var failed error
	for _, hop := range p.NextHops {
		if err := p.Deliver.Deliver(ctx, hop, []byte(msg)); err != nil {
			failed = errors.Join(failed, err)
		}
	}
	if failed != nil {
		p.failed++
		return failed
	}
	p.seq++
	p.sent++
	log.Info("sent", zap.String("payload", msg), zap.Int("seq", p.seq))
	logSignal(log, p.Radio, "sent")
	return nil
}

func (p *Producer) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Forwarder relays what it hears toward its next hops, optionally appending
// its own value. A gossiping forwarder relays only when a fresh draw in
// [0,100) falls below Threshold.
type Forwarder struct {
	Self     lib.NodeID
	NextHops []lib.NodeID
	Deliver  Deliverer
	Log      *zap.Logger

	Append     bool
	Timestamps bool
	Value      *Builder // value range and uptime for appended fields

	Gossip    bool
	Threshold int
	Rand      lib.Rand

	// Token and Queue are set on a token ring: without the token, relays
	// wait in Queue for the next turn.
	Token *channel.Token
	Queue *Queue

	forwarded int
	dropped   int
	failed    int
}

func (f *Forwarder) Forwarded() int { return f.forwarded }
func (f *Forwarder) Dropped() int   { return f.dropped }
func (f *Forwarder) Failed() int    { return f.failed }

func (f *Forwarder) Handle(ctx context.Context, pkt lib.Packet) error {
	log := orNop(f.Log).With(zap.Stringer("from", pkt.From))
	if f.Gossip {
		draw := f.Rand.Intn(100)
		if draw >= f.Threshold {
			f.dropped++
			log.Info("gossip: not forwarding", zap.Int("draw", draw), zap.Int("threshold", f.Threshold))
			return nil
		}
	}

	out := f.relayed(pkt.Text(), log)
	if f.Token != nil && !f.Token.Held() {
		for _, hop := range f.NextHops {
			if f.Queue.Push(Outbound{To: hop, Payload: out}) {
				log.Warn("pending queue full, dropped oldest relay")
			}
		}
		log.Debug("queued until token arrives", zap.Int("pending", f.Queue.Len()))
		return nil
	}

	var failed error
	for _, hop := range f.NextHops {
		if err := f.Deliver.Deliver(ctx, hop, out); err != nil {
			log.Warn("failed to forward after retries", zap.Stringer("to", hop))
			failed = errors.Join(failed, err)
			continue
		}
		log.Info("forwarded", zap.Stringer("to", hop), zap.ByteString("payload", out))
	}
	if failed != nil {
		f.failed++
		return failed
	}
	f.forwarded++
	return nil
}

// relayed returns the payload to send on. Appended fields that would not fit
// in one message are left off.
func (f *Forwarder) relayed(in string, log *zap.Logger) []byte {
	if !f.Append || f.Value == nil {
		return []byte(in)
	}
	out := in + " | " + valueField(f.Self, f.Value.value())
	if f.Timestamps {
		out += f.Value.timestamp()
	}
	if len(out) > lib.MaxMessageLen {
		log.Warn("appended payload too long, relaying verbatim", zap.Int("len", len(out)))
		return []byte(in)
	}
	return []byte(out)
}

// Sink logs what reaches it. A hub sink acknowledges each message to its
// sender; on a token ring the ACK waits in Queue until the token arrives.
type Sink struct {
	Self    lib.NodeID
	Ack     bool
	Deliver Deliverer
	Log     *zap.Logger

	Token *channel.Token
	Queue *Queue

	received int
}

func (s *Sink) Received() int { return s.received }

func (s *Sink) Handle(ctx context.Context, pkt lib.Packet) error {
	s.received++
	log := orNop(s.Log)
	log.Info("data from node", zap.Stringer("from", pkt.From), zap.String("payload", pkt.Text()))
	if !s.Ack {
		return nil
	}
	ack := AckFor(pkt.Text())
	if s.Token != nil && !s.Token.Held() {
		if s.Queue.Push(Outbound{To: pkt.From, Payload: []byte(ack)}) {
			log.Warn("pending queue full, dropped oldest relay")
		}
		log.Debug("ACK queued until token arrives", zap.Stringer("to", pkt.From))
		return nil
	}
	if err := s.Deliver.Deliver(ctx, pkt.From, []byte(ack)); err != nil {
		return err
	}
	log.Debug("acknowledged", zap.Stringer("to", pkt.From), zap.String("ack", ack))
	return nil
}

func logSignal(log *zap.Logger, radio lib.Radio, event string) {
	if radio == nil {
		return
	}
	q := radio.LastSignalQuality()
	log.Info(event+" signal", zap.Int16("rssi", q.RSSI), zap.Float32("snr", q.SNR))
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
