// Package mem is an in-process shared radio channel. Every attached station
// hears the medium as busy for the airtime of each transmission, lost frames
// included.
package mem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

const DefaultInboxCapacity = 8

// Delivery is one Send as seen by the medium.
type Delivery struct {
	At      time.Time
	From    lib.NodeID
	To      lib.NodeID
	Payload string
	Outcome lib.Outcome
}

type Option func(*Medium)

// WithReachable restricts which node pairs the mesh can route between.
func WithReachable(f func(from, to lib.NodeID) bool) Option {
	return func(m *Medium) { m.reachable = f }
}

// WithQuality sets the signal quality a frame from one node arrives with.
func WithQuality(f func(from, to lib.NodeID) lib.SignalQuality) Option {
	return func(m *Medium) { m.quality = f }
}

// WithLoss drops percent of routable frames with a Timeout outcome.
func WithLoss(percent int, r lib.Rand) Option {
	return func(m *Medium) { m.loss, m.rand = percent, r }
}

// WithAirtime keeps the channel busy for d after every transmission.
func WithAirtime(d time.Duration) Option {
	return func(m *Medium) { m.airtime = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Medium) { m.now = now }
}

func WithInboxCapacity(n int) Option {
	return func(m *Medium) { m.inboxCap = n }
}

// WithInitFailure makes Init fail on the given stations.
func WithInitFailure(ids ...lib.NodeID) Option {
	return func(m *Medium) {
		for _, id := range ids {
			m.failInit[id] = true
		}
	}
}

var ErrInitFailed = errors.New("radio init failed")

type Medium struct {
	mu        sync.Mutex
	stations  map[lib.NodeID]*Station
	failInit  map[lib.NodeID]bool
	reachable func(from, to lib.NodeID) bool
	quality   func(from, to lib.NodeID) lib.SignalQuality
	loss      int
	rand      lib.Rand
	airtime   time.Duration
	now       func() time.Time
	inboxCap  int
	busyUntil time.Time
	trace     []Delivery
}

func NewMedium(opts ...Option) *Medium {
	m := &Medium{
		stations:  make(map[lib.NodeID]*Station),
		failInit:  make(map[lib.NodeID]bool),
		reachable: func(_, _ lib.NodeID) bool { return true },
		quality: func(_, _ lib.NodeID) lib.SignalQuality {
			return lib.SignalQuality{RSSI: -60, SNR: 9.5}
		},
		now:      time.Now,
		inboxCap: DefaultInboxCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach joins a station for id to the medium, replacing any earlier one.
func (m *Medium) Attach(id lib.NodeID) *Station {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Station{m: m, id: id, inbox: make(chan lib.Packet, m.inboxCap)}
	m.stations[id] = s
	return s
}

// Trace returns a copy of every Send so far, in order.
func (m *Medium) Trace() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.trace))
	copy(out, m.trace)
	return out
}

// Pending counts the frames carrying payload that sit undelivered in some
// station's inbox.
func (m *Medium) Pending(payload string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.stations {
		s.mu.Lock()
		for _, f := range s.queued {
			if f.payload == payload {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Medium) send(from lib.NodeID, to lib.NodeID, payload []byte) lib.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := m.route(from, to, payload, now)
	m.trace = append(m.trace, Delivery{At: now, From: from, To: to, Payload: string(payload), Outcome: out})
	return out
}

func (m *Medium) route(from, to lib.NodeID, payload []byte, now time.Time) lib.Outcome {
	if len(payload) == 0 || len(payload) > lib.MaxMessageLen {
		return lib.OutcomeInvalidLength
	}
	if !m.reachable(from, to) {
		return lib.OutcomeNoRoute
	}
	dst, ok := m.stations[to]
	if !ok {
		return lib.OutcomeUnableToDeliver
	}
	// the frame occupies the channel whether or not it arrives
	if m.airtime > 0 {
		m.busyUntil = now.Add(m.airtime)
	}
	if m.loss > 0 && m.rand != nil && m.rand.Intn(100) < m.loss {
		return lib.OutcomeTimeout
	}
	pkt := lib.Packet{From: from, To: to, Payload: append([]byte(nil), payload...)}
	if !dst.enqueue(pkt, m.quality(from, to)) {
		return lib.OutcomeNoReply
	}
	if src, ok := m.stations[from]; ok {
		src.setQuality(m.quality(to, from))
	}
	return lib.OutcomeNone
}

func (m *Medium) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.busyUntil)
}

// Station is one node's transport and radio on the medium.
type Station struct {
	m     *Medium
	id    lib.NodeID
	inbox chan lib.Packet

	mu      sync.Mutex
	queued  []frame
	quality lib.SignalQuality
}

// frame mirrors an inbox entry with the quality it will be heard at.
type frame struct {
	payload string
	quality lib.SignalQuality
}

func (s *Station) ID() lib.NodeID { return s.id }

func (s *Station) Init(context.Context) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failInit[s.id] {
		return ErrInitFailed
	}
	return nil
}

func (s *Station) Send(ctx context.Context, to lib.NodeID, payload []byte) lib.Outcome {
	if ctx.Err() != nil {
		return lib.OutcomeTimeout
	}
	return s.m.send(s.id, to, payload)
}

// Receive returns the oldest waiting frame. A timeout of zero or less polls.
func (s *Station) Receive(ctx context.Context, timeout time.Duration) (lib.Packet, bool) {
	if timeout <= 0 {
		select {
		case p := <-s.inbox:
			s.dequeued()
			return p, true
		default:
			return lib.Packet{}, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-s.inbox:
		s.dequeued()
		return p, true
	case <-t.C:
	case <-ctx.Done():
	}
	return lib.Packet{}, false
}

func (s *Station) ChannelBusy() bool { return s.m.busy() }

func (s *Station) LastSignalQuality() lib.SignalQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *Station) enqueue(p lib.Packet, q lib.SignalQuality) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.inbox <- p:
		s.queued = append(s.queued, frame{payload: string(p.Payload), quality: q})
		return true
	default:
		return false
	}
}

func (s *Station) dequeued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) > 0 {
		s.quality = s.queued[0].quality
		s.queued = s.queued[1:]
	}
}

func (s *Station) setQuality(q lib.SignalQuality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
}
