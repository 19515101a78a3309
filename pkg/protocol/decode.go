package protocol

import (
	"bytes"
	"unicode"
)

// Status is the outcome of decoding a control payload.
type Status uint8

const (
	// Incomplete means more bytes are needed before a decision can be made.
	Incomplete Status = iota
	// Complete means a message was decoded.
	Complete
	// Malformed means the payload can never become a valid message.
	Malformed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case Incomplete:
		return "Incomplete"
	case Complete:
		return "Complete"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// DecodeReady decodes a worker registration from the bytes a connection has
// sent so far.
//
// The id runs from the READY: prefix to the first newline. Workers are not
// required to terminate the token, so an unterminated non-empty id at the end
// of buf is accepted as complete.
func DecodeReady(buf []byte) (Message, Status) {
	p := bytes.TrimLeftFunc(buf, unicode.IsSpace)
	if len(p) == 0 {
		return Message{}, Incomplete
	}
	if len(p) < len(ReadyPrefix) {
		if bytes.HasPrefix([]byte(ReadyPrefix), p) {
			return Message{}, Incomplete
		}
		return Message{}, Malformed
	}
	if !bytes.HasPrefix(p, []byte(ReadyPrefix)) {
		return Message{}, Malformed
	}

	rest := p[len(ReadyPrefix):]
	terminated := false
	if i := bytes.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
		terminated = true
	}
	id := bytes.TrimSpace(rest)
	switch {
	case len(id) > 0:
		return Ready(string(id)), Complete
	case terminated:
		return Message{}, Malformed
	default:
		return Message{}, Incomplete
	}
}

// DecodeReply decodes the rendezvous server's answer to a registration.
func DecodeReply(buf []byte) (Message, Status) {
	p := bytes.TrimSpace(buf)
	switch {
	case len(p) == 0:
		return Message{}, Incomplete
	case bytes.HasPrefix(p, []byte(TokenRun)):
		return Run(), Complete
	case bytes.HasPrefix(p, []byte(TokenAbort)):
		return Abort(), Complete
	case bytes.HasPrefix([]byte(TokenRun), p), bytes.HasPrefix([]byte(TokenAbort), p):
		return Message{}, Incomplete
	default:
		return Message{}, Malformed
	}
}
