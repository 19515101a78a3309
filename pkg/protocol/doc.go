// Package protocol implements the sentinel wire protocol spoken between
// workers and the wavebench servers.
//
// The protocol is plain text over raw TCP with no length framing. Control
// messages are fixed tokens; everything else a worker writes to the log
// server is free text.
//
// # Tokens
//
//	┌───────────────────────┬───────────────┬──────────────────────────────┐
//	│ Direction             │ Token         │ Meaning                      │
//	├───────────────────────┼───────────────┼──────────────────────────────┤
//	│ worker → rendezvous   │ READY:<id>    │ register worker id           │
//	│ rendezvous → worker   │ RUN           │ release worker               │
//	│ rendezvous → worker   │ ABORT         │ duplicate id, do not run     │
//	│ worker → log          │ <text>        │ stdout/stderr lines          │
//	│ worker → log          │ CLOSE         │ reporting stream is terminal │
//	└───────────────────────┴───────────────┴──────────────────────────────┘
//
// # Messages
//
// Parsed traffic is surfaced as a tagged Message rather than raw substrings:
//
//	msg, status := protocol.DecodeReady(buf)
//	switch status {
//	case protocol.Complete:
//	    admit(msg.ID)
//	case protocol.Incomplete:
//	    // wait for more bytes
//	case protocol.Malformed:
//	    drop(conn)
//	}
//
// Log streams are split into lines by a LineBuffer, which also recognizes the
// CLOSE sentinel as the final token of a line.
package protocol
