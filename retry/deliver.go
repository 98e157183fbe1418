// Package retry delivers a payload through a channel-access policy and the
// mesh send primitive, retrying failed sends a fixed number of times.
//
// Typical use:
//
//	d := retry.New(retry.Config{Log: log}, transport, policy)
//	if err := d.Deliver(ctx, 3, []byte("Value N1: 42")); err != nil {
//		// payload dropped, already logged
//	}
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/channel"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

const (
	DefaultMaxAttempts = 5
	DefaultMaxDenials  = 10
	DefaultDelay       = time.Second
)

// ErrChannelDenied is the cause of a delivery abandoned because the access
// policy kept refusing the channel.
var ErrChannelDenied = errors.New("channel access denied")

// Sender is the mesh send primitive.
type Sender interface {
	Send(ctx context.Context, to lib.NodeID, payload []byte) lib.Outcome
}

// Config holds the retry parameters. Zero values take the defaults.
type Config struct {
	MaxAttempts int           // send attempts before giving up
	MaxDenials  int           // policy refusals before giving up
	Delay       time.Duration // wait after a failed send
	DenyDelay   time.Duration // wait after the policy denies; defaults to Delay
	Sleep       lib.Sleeper
	Log         *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxDenials <= 0 {
		c.MaxDenials = DefaultMaxDenials
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.DenyDelay <= 0 {
		c.DenyDelay = c.Delay
	}
	if c.Sleep == nil {
		c.Sleep = lib.Sleep
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// DeliveryError reports a payload dropped after the attempt budget or the
// denial budget ran out.
type DeliveryError struct {
	To       lib.NodeID
	Attempts int
	Denials  int
	Last     lib.Outcome
	// Denied is set when the denial budget ran out first.
	Denied bool
}

func (e *DeliveryError) Error() string {
	if e.Denied {
		return fmt.Sprintf("deliver to %s abandoned after %d denials and %d attempts", e.To, e.Denials, e.Attempts)
	}
	return fmt.Sprintf("deliver to %s failed after %d attempts: %s", e.To, e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error {
	if e.Denied {
		return ErrChannelDenied
	}
	return e.Last.Err()
}

// Deliverer binds a Config to a sender and the node's access policy.
type Deliverer struct {
	cfg    Config
	send   Sender
	policy channel.Policy
}

func New(cfg Config, send Sender, policy channel.Policy) *Deliverer {
	return &Deliverer{cfg: cfg.withDefaults(), send: send, policy: policy}
}

func (d *Deliverer) Policy() channel.Policy { return d.policy }

// Deliver sends payload to the given node. Each loop consults the access
// policy: a denial waits DenyDelay without consuming an attempt, a grant
// sends once and returns on success. A failed send consumes an attempt and
// waits Delay before the next one. MaxDenials refusals abandon the payload
// so a channel that never clears cannot hold the node.
func (d *Deliverer) Deliver(ctx context.Context, to lib.NodeID, payload []byte) error {
	log := d.cfg.Log.With(zap.Stringer("to", to))
	var last lib.Outcome
	denials := 0
	for attempt := 0; attempt < d.cfg.MaxAttempts; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.policy.MayTransmit(ctx) {
			denials++
			if denials >= d.cfg.MaxDenials {
				err := &DeliveryError{To: to, Attempts: attempt, Denials: denials, Last: last, Denied: true}
				log.Error("channel never cleared, dropping message", zap.Error(err))
				return err
			}
			log.Debug("channel access denied, deferring", zap.String("policy", d.policy.Name()))
			if err := d.cfg.Sleep(ctx, d.cfg.DenyDelay); err != nil {
				return err
			}
			continue
		}

		last = d.send.Send(ctx, to, payload)
		attempt++
		if last == lib.OutcomeNone {
			log.Info("message sent successfully", zap.Int("attempt", attempt))
			return nil
		}
		log.Warn("error sending", zap.Stringer("outcome", last), zap.Int("attempt", attempt))
		if attempt < d.cfg.MaxAttempts {
			if err := d.cfg.Sleep(ctx, d.cfg.Delay); err != nil {
				return err
			}
		}
	}
	err := &DeliveryError{To: to, Attempts: d.cfg.MaxAttempts, Last: last}
	log.Error("failed to send message after retries", zap.Error(err))
	return err
}
