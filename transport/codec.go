// Package transport holds what the networked mesh transports share: the
// frame envelope that carries a payload between nodes and the codecs that
// put it on the wire.
package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// Envelope is one mesh frame.
type Envelope struct {
	From    lib.NodeID `json:"from" cbor:"1,keyasint"`
	To      lib.NodeID `json:"to" cbor:"2,keyasint"`
	Payload []byte     `json:"payload" cbor:"3,keyasint"`
	// SentAt is the sender's wall clock in unix milliseconds.
	SentAt int64 `json:"sent_at,omitempty" cbor:"4,keyasint,omitempty"`
}

func (e Envelope) Packet() lib.Packet {
	return lib.Packet{From: e.From, To: e.To, Payload: e.Payload}
}

// Codec marshals envelopes for the wire.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns a JSON codec. Content-Type: application/json
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec with the core profile.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName resolves the codec named in configuration: "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cbor":
		return CBOR()
	case "json":
		return JSON(), nil
	}
	return nil, fmt.Errorf("transport: unknown codec %q", name)
}
