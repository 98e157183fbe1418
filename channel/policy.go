// Package channel holds the channel-access disciplines a node consults
// before it transmits on the shared half-duplex radio channel.
package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// Policy decides whether the node may transmit now. Policies that back off
// on a busy channel do their waiting before MayTransmit returns.
type Policy interface {
	Name() string
	MayTransmit(ctx context.Context) bool
}

// CarrierSense is the non-blocking busy probe of the radio.
type CarrierSense interface {
	ChannelBusy() bool
}

const (
	KindUnconditional = "unconditional"
	KindLBT           = "lbt"
	KindCSMA          = "csma"
	KindBackoff       = "backoff"
	KindToken         = "token"
)

// Options configures New. Zero durations and counts take the defaults below.
type Options struct {
	Kind  string
	Sense CarrierSense
	Token *Token

	CSMAMin time.Duration
	CSMAMax time.Duration

	BackoffUnit      time.Duration
	BackoffCap       int
	BackoffMaxProbes int

	Rand  lib.Rand
	Sleep lib.Sleeper
	Log   *zap.Logger
}

const (
	DefaultCSMAMin          = 100 * time.Millisecond
	DefaultCSMAMax          = 200 * time.Millisecond
	DefaultBackoffUnit      = 100 * time.Millisecond
	DefaultBackoffCap       = 16
	DefaultBackoffMaxProbes = 32
)

// New builds the policy named by o.Kind.
func New(o Options) (Policy, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = lib.Sleep
	}
	kind := strings.ToLower(strings.TrimSpace(o.Kind))
	switch kind {
	case "", KindUnconditional, "aloha":
		return Unconditional{}, nil
	case KindToken:
		if o.Token == nil {
			return nil, fmt.Errorf("channel: %s policy needs a token", kind)
		}
		return TokenGate{Token: o.Token}, nil
	}
	if o.Sense == nil {
		return nil, fmt.Errorf("channel: %s policy needs carrier sense", kind)
	}
	switch kind {
	case KindLBT:
		return &LBT{Sense: o.Sense, Log: o.Log}, nil
	case KindCSMA:
		if o.Rand == nil {
			o.Rand = lib.NewRand("csma")
		}
		return &CSMA{
			Sense: o.Sense,
			Min:   orDuration(o.CSMAMin, DefaultCSMAMin),
			Max:   orDuration(o.CSMAMax, DefaultCSMAMax),
			Rand:  o.Rand,
			Sleep: o.Sleep,
			Log:   o.Log,
		}, nil
	case KindBackoff:
		return &Backoff{
			Sense:     o.Sense,
			Unit:      orDuration(o.BackoffUnit, DefaultBackoffUnit),
			Cap:       orInt(o.BackoffCap, DefaultBackoffCap),
			MaxProbes: orInt(o.BackoffMaxProbes, DefaultBackoffMaxProbes),
			Sleep:     o.Sleep,
			Log:       o.Log,
		}, nil
	}
	return nil, fmt.Errorf("channel: unknown access policy %q", o.Kind)
}

// Unconditional never defers: periodic ALOHA-style transmission.
type Unconditional struct{}

func (Unconditional) Name() string                     { return KindUnconditional }
func (Unconditional) MayTransmit(context.Context) bool { return true }

// LBT grants the channel iff a single carrier-sense probe reports idle.
type LBT struct {
	Sense CarrierSense
	Log   *zap.Logger
}

func (p *LBT) Name() string { return KindLBT }

func (p *LBT) MayTransmit(context.Context) bool {
	if p.Sense.ChannelBusy() {
		p.Log.Debug("channel is busy, not sending")
		return false
	}
	p.Log.Debug("channel is clear, ready to send")
	return true
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
