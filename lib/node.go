package lib

import (
	"context"
	"time"
)

// Transport is the mesh routing and reliable delivery primitive a node
// sends through. Route discovery and per-hop acknowledgement live behind it.
type Transport interface {
	Init(ctx context.Context) error
	Send(ctx context.Context, to NodeID, payload []byte) Outcome
	// Receive waits up to timeout for one packet addressed to this node.
	Receive(ctx context.Context, timeout time.Duration) (Packet, bool)
}

// SignalQuality of the last received frame.
type SignalQuality struct {
	RSSI int16
	SNR  float32
}

// Radio is the physical layer view: carrier sense and signal readout.
type Radio interface {
	ChannelBusy() bool
	LastSignalQuality() SignalQuality
}

// IdentityStore persists the node id as a single byte.
type IdentityStore interface {
	ReadID(ctx context.Context) (byte, error)
	WriteID(ctx context.Context, id byte) error
}

type Reading struct {
	Temperature float64
	Humidity    float64
}

// Sensor is an external data source sampled by producer nodes.
// A failed read reports NaN in either field.
type Sensor interface {
	Read() Reading
}
