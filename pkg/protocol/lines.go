package protocol

import (
	"bytes"
	"strings"
)

// DefaultMaxLine is the longest partial line a LineBuffer holds back.
const DefaultMaxLine = 4096

// closeWindow bounds how far back from the end of the buffer the CLOSE
// sentinel is looked for.
const closeWindow = 64

// LineBuffer accumulates a worker's log stream and splits it into LogLine
// messages, holding back a trailing partial line until it is terminated.
//
// A line whose last whitespace-separated token is CLOSE ends the stream:
// any text before the token is still returned as a LogLine, followed by a
// Close message. The same rule applies to an unterminated tail, since
// workers usually send CLOSE without a newline. A line that is split by
// the transport right after a CLOSE token (e.g. "... CLOSE" then "D by
// peer") is therefore taken as the sentinel.
//
// A partial line that reaches Max bytes is returned as a LogLine as is, so
// a stream without newlines costs bounded memory.
type LineBuffer struct {
	// Max caps the held-back partial line. Default: DefaultMaxLine.
	Max int

	pending []byte
	closed  bool
}

// Feed appends chunk and returns the messages it completed. After a Close
// message has been returned, further input is discarded.
func (b *LineBuffer) Feed(chunk []byte) []Message {
	if b.closed {
		return nil
	}
	// pending never holds a newline, so only the new bytes are scanned.
	start := len(b.pending)
	b.pending = append(b.pending, chunk...)

	var out []Message
	for {
		i := bytes.IndexByte(b.pending[start:], '\n')
		if i < 0 {
			break
		}
		i += start
		line := string(b.pending[:i])
		b.pending = b.pending[i+1:]
		start = 0
		out = b.appendLine(out, line)
		if b.closed {
			b.pending = nil
			return out
		}
	}

	switch {
	case endsWithClose(b.pending):
		out = b.appendLine(out, string(b.pending))
		b.pending = nil
	case len(b.pending) >= b.max():
		// A trailing "CL", "CLO"... may be the start of the sentinel.
		cut := len(b.pending) - closePrefixLen(b.pending)
		if cut > 0 {
			out = b.appendLine(out, string(b.pending[:cut]))
			b.pending = append([]byte(nil), b.pending[cut:]...)
		}
	case len(b.pending) == 0:
		b.pending = nil
	}
	return out
}

// Flush returns the buffered partial line, if any, as a LogLine.
func (b *LineBuffer) Flush() []Message {
	if b.closed || len(b.pending) == 0 {
		b.pending = nil
		return nil
	}
	out := b.appendLine(nil, string(b.pending))
	b.pending = nil
	return out
}

// Closed reports whether the CLOSE sentinel has been seen.
func (b *LineBuffer) Closed() bool {
	return b.closed
}

// Pending returns the number of buffered bytes not yet returned.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}

func (b *LineBuffer) max() int {
	if b.Max > 0 {
		return b.Max
	}
	return DefaultMaxLine
}

func (b *LineBuffer) appendLine(out []Message, line string) []Message {
	text := strings.TrimRight(line, " \t\r")
	if strings.TrimSpace(text) == "" {
		return out
	}
	if endsWithClose([]byte(text)) {
		before := strings.TrimSpace(text[:len(text)-len(TokenClose)])
		if before != "" {
			out = append(out, LogLine(before))
		}
		b.closed = true
		return append(out, Close())
	}
	return append(out, LogLine(text))
}

// endsWithClose reports whether the last token of p is CLOSE. Only the
// last closeWindow bytes are examined.
func endsWithClose(p []byte) bool {
	window := p[max(0, len(p)-closeWindow):]
	trimmed := bytes.TrimRight(window, " \t\r\v\f")
	if !bytes.HasSuffix(trimmed, []byte(TokenClose)) {
		return false
	}
	i := len(p) - len(window) + len(trimmed) - len(TokenClose)
	return i == 0 || isSpace(p[i-1])
}

// closePrefixLen returns the length of a trailing token of p that is a
// proper prefix of CLOSE, or 0.
func closePrefixLen(p []byte) int {
	for n := min(len(TokenClose)-1, len(p)); n > 0; n-- {
		if bytes.HasSuffix(p, []byte(TokenClose[:n])) && (len(p) == n || isSpace(p[len(p)-n-1])) {
			return n
		}
	}
	return 0
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}
