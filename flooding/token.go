package flooding

import (
	"context"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/channel"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// DefaultQueueCapacity bounds the relays a ring node holds between turns.
const DefaultQueueCapacity = 16

// Outbound is a relay waiting for the channel.
type Outbound struct {
	To      lib.NodeID
	Payload []byte
}

// Queue is a bounded FIFO of pending relays; when full the oldest entry is
// dropped.
type Queue struct {
	items []Outbound
	cap   int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{cap: capacity}
}

// Push appends o and reports whether an older entry had to go.
func (q *Queue) Push(o Outbound) bool {
	dropped := false
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, o)
	return dropped
}

// Drain empties the queue and returns its entries oldest first.
func (q *Queue) Drain() []Outbound {
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int { return len(q.items) }

// TokenHolder runs a ring node's turn. While the token is held it flushes
// pending relays, originates once, hands the token to Successor and clears
// its own flag, whether or not anything was sent.
type TokenHolder struct {
	Self      lib.NodeID
	Successor lib.NodeID
	Token     *channel.Token
	Queue     *Queue
	Origin    Originator // nil on ring members that never originate
	Deliver   Deliverer
	Log       *zap.Logger

	passes int
}

func (h *TokenHolder) Passes() int { return h.passes }

// Pass runs one turn if the token is held and reports whether it did.
// Delivery failures are logged; the token moves on regardless.
func (h *TokenHolder) Pass(ctx context.Context) bool {
	if !h.Token.Held() {
		return false
	}
	log := orNop(h.Log)

	if h.Queue != nil {
		for _, o := range h.Queue.Drain() {
			if err := h.Deliver.Deliver(ctx, o.To, o.Payload); err != nil {
				log.Warn("dropped pending relay", zap.Stringer("to", o.To), zap.Error(err))
			}
		}
	}
	if h.Origin != nil {
		if err := h.Origin.Originate(ctx); err != nil {
			log.Warn("origination failed during turn", zap.Error(err))
		}
	}

	if err := h.Deliver.Deliver(ctx, h.Successor, []byte(lib.TokenMessage)); err != nil {
		log.Error("token lost passing to successor", zap.Stringer("to", h.Successor), zap.Error(err))
	} else {
		log.Info("token passed", zap.Stringer("to", h.Successor))
	}
	h.Token.Release()
	h.passes++
	return true
}
