package channel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// CSMA probes the carrier once; on a busy channel it waits a uniformly
// random duration in [Min, Max) and denies. The caller's retry budget bounds
// how often the probe repeats.
type CSMA struct {
	Sense CarrierSense
	Min   time.Duration
	Max   time.Duration
	Rand  lib.Rand
	Sleep lib.Sleeper
	Log   *zap.Logger
}

func (p *CSMA) Name() string { return KindCSMA }

func (p *CSMA) MayTransmit(ctx context.Context) bool {
	if !p.Sense.ChannelBusy() {
		return true
	}
	wait := p.jitter()
	p.Log.Debug("channel busy, waiting", zap.Duration("wait", wait))
	_ = p.Sleep(ctx, wait)
	return false
}

func (p *CSMA) jitter() time.Duration {
	span := int((p.Max - p.Min) / time.Millisecond)
	return p.Min + time.Duration(lib.Between(p.Rand, 0, span))*time.Millisecond
}

// Backoff is CSMA with binary exponential backoff: while the channel stays
// busy it waits backoff×Unit, doubles backoff up to Cap, and probes again.
// After MaxProbes busy re-probes it gives up and denies, so sustained
// interference cannot stall the node forever.
type Backoff struct {
	Sense     CarrierSense
	Unit      time.Duration
	Cap       int
	MaxProbes int
	Sleep     lib.Sleeper
	Log       *zap.Logger
}

func (p *Backoff) Name() string { return KindBackoff }

func (p *Backoff) MayTransmit(ctx context.Context) bool {
	if !p.Sense.ChannelBusy() {
		return true
	}
	p.Log.Debug("channel busy, backing off")
	backoff := 1
	for waits := 0; ; waits++ {
		if p.MaxProbes > 0 && waits >= p.MaxProbes {
			p.Log.Warn("channel still busy after backoff ceiling, giving up",
				zap.Int("probes", waits+1))
			return false
		}
		if err := p.Sleep(ctx, time.Duration(backoff)*p.Unit); err != nil {
			return false
		}
		backoff = min(backoff*2, p.Cap)
		if !p.Sense.ChannelBusy() {
			return true
		}
	}
}
