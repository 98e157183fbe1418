// Package flooding holds the role-based forwarding policy: what each node
// originates, where it relays what it hears, and how the token ring hands
// over the channel.
package flooding

import (
	"strconv"
	"strings"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

const ackPrefix = "ACK for "

// IsToken reports whether payload is the ring token control message.
func IsToken(payload string) bool { return payload == lib.TokenMessage }

// IsAck reports whether payload is a hub acknowledgement.
func IsAck(payload string) bool { return strings.HasPrefix(payload, ackPrefix) }

// AckFor builds the reply a hub sends back for payload: the text after the
// leading "ID:" tag, or the whole payload when it carries none.
func AckFor(payload string) string {
	return ackPrefix + "ID:" + strings.TrimPrefix(payload, "ID:")
}

// MessageKey returns the duplicate-suppression key of payload. Only payloads
// led by an "ID:<n>" tag have one, keyed by that number alone, so equal ids
// from different originators collide. Untagged payloads (plain values,
// greetings) and control messages are never suppressed.
func MessageKey(payload string) (string, bool) {
	if IsToken(payload) || IsAck(payload) {
		return "", false
	}
	rest, ok := strings.CutPrefix(payload, "ID:")
	if !ok {
		return "", false
	}
	rest = strings.TrimLeft(rest, " ")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return "", false
	}
	return "id:" + strconv.Itoa(n), true
}
