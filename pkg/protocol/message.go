package protocol

import "strings"

// Sentinel tokens.
const (
	ReadyPrefix = "READY:"
	TokenRun    = "RUN"
	TokenAbort  = "ABORT"
	TokenClose  = "CLOSE"
)

// Kind identifies the type of a message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindReady
	KindRun
	KindAbort
	KindClose
	KindLogLine
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindReady:
		return "Ready"
	case KindRun:
		return "Run"
	case KindAbort:
		return "Abort"
	case KindClose:
		return "Close"
	case KindLogLine:
		return "LogLine"
	default:
		return "Unknown"
	}
}

// Message is one decoded protocol message.
type Message struct {
	Kind Kind

	// ID is the worker id of a Ready message.
	ID string

	// Text is the content of a LogLine message.
	Text string
}

// Ready returns a registration message for id.
func Ready(id string) Message { return Message{Kind: KindReady, ID: id} }

// Run returns the release message.
func Run() Message { return Message{Kind: KindRun} }

// Abort returns the refusal message.
func Abort() Message { return Message{Kind: KindAbort} }

// Close returns the log stream terminator.
func Close() Message { return Message{Kind: KindClose} }

// LogLine returns a free text message.
func LogLine(text string) Message { return Message{Kind: KindLogLine, Text: text} }

// Encode returns the wire form of the message. RUN and ABORT are written
// bare: the connection closes right after them and existing worker binaries
// compare the reply byte for byte. Worker-sent messages are newline
// terminated; the servers also accept them unterminated.
func (m Message) Encode() []byte {
	switch m.Kind {
	case KindReady:
		return []byte(ReadyPrefix + m.ID + "\n")
	case KindRun:
		return []byte(TokenRun)
	case KindAbort:
		return []byte(TokenAbort)
	case KindClose:
		return []byte(TokenClose + "\n")
	case KindLogLine:
		if strings.HasSuffix(m.Text, "\n") {
			return []byte(m.Text)
		}
		return []byte(m.Text + "\n")
	default:
		return nil
	}
}

// String returns a human readable form of the message.
func (m Message) String() string {
	switch m.Kind {
	case KindReady:
		return "Ready{" + m.ID + "}"
	case KindLogLine:
		return "LogLine{" + m.Text + "}"
	default:
		return m.Kind.String()
	}
}
