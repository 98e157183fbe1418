package lib

import (
	"errors"
	"fmt"
	"strconv"
)

// NodeID is the address of a radio node. Valid ids start at 1.
type NodeID uint8

func (id NodeID) String() string { return "N" + strconv.Itoa(int(id)) }

// MaxMessageLen is the largest payload the mesh transport accepts.
const MaxMessageLen = 245

// Packet is a payload as delivered by the mesh transport.
type Packet struct {
	From    NodeID
	To      NodeID
	Payload []byte
}

func (p Packet) Text() string { return string(p.Payload) }

func (p Packet) String() string {
	return fmt.Sprintf("%s->%s %q", p.From, p.To, p.Payload)
}

// Outcome is the result code of a mesh send.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeInvalidLength
	OutcomeNoRoute
	OutcomeTimeout
	OutcomeNoReply
	OutcomeUnableToDeliver
)

var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrNoRoute         = errors.New("no route")
	ErrTimeout         = errors.New("timeout")
	ErrNoReply         = errors.New("no reply")
	ErrUnableToDeliver = errors.New("unable to deliver")
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeInvalidLength:
		return "invalid length"
	case OutcomeNoRoute:
		return "no route"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNoReply:
		return "no reply"
	case OutcomeUnableToDeliver:
		return "unable to deliver"
	}
	return "unknown(" + strconv.Itoa(int(o)) + ")"
}

// Err maps the outcome to its sentinel error, nil for OutcomeNone.
func (o Outcome) Err() error {
	switch o {
	case OutcomeNone:
		return nil
	case OutcomeInvalidLength:
		return ErrInvalidLength
	case OutcomeNoRoute:
		return ErrNoRoute
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeNoReply:
		return ErrNoReply
	case OutcomeUnableToDeliver:
		return ErrUnableToDeliver
	}
	return fmt.Errorf("send outcome %d", uint8(o))
}

// TokenMessage is the control payload circulated in the token ring.
const TokenMessage = "TOKEN"
