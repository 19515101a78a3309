// Package record defines the tagged records both wavebench servers emit and
// the Sink interface that consumes them.
package record

import (
	"context"
	"errors"
	"time"
)

// Source identifies the server that produced a record.
type Source string

const (
	SourceRendezvous Source = "rendezvous"
	SourceLogs       Source = "logs"
	SourceDriver     Source = "driver"
)

// Kind identifies the type of a record.
type Kind string

const (
	// KindLine is one line of worker output.
	KindLine Kind = "line"
	// KindFinished marks a log stream that reached its terminal state.
	KindFinished Kind = "finished"
	// KindFault is a connection error isolated to one peer.
	KindFault Kind = "fault"
	// KindAdmitted is a worker queued at the barrier.
	KindAdmitted Kind = "admitted"
	// KindAborted is a worker refused with ABORT.
	KindAborted Kind = "aborted"
	// KindBarrierFilled marks the barrier reaching its target.
	KindBarrierFilled Kind = "barrier_filled"
	// KindWaveDispatched marks RUN sent to every member of a wave.
	KindWaveDispatched Kind = "wave_dispatched"
	// KindTerminated marks a driver component finishing.
	KindTerminated Kind = "terminated"
)

// Record is one tagged, timestamped event.
type Record struct {
	Time     time.Time `json:"time"`
	Source   Source    `json:"source"`
	Kind     Kind      `json:"kind"`
	Peer     string    `json:"peer,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Wave     int       `json:"wave,omitempty"`
	Count    int       `json:"count,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// Sink consumes records. Emit is called from a server loop and must not
// block for long.
type Sink interface {
	Emit(Record)
}

// Flusher is implemented by sinks that buffer records.
type Flusher interface {
	Flush(ctx context.Context) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

// Emit calls f(r).
func (f SinkFunc) Emit(r Record) { f(r) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(Record) {})

// Multi fans records out to several sinks in order.
type Multi []Sink

// Emit forwards r to every sink.
func (m Multi) Emit(r Record) {
	for _, s := range m {
		s.Emit(r)
	}
}

// Flush flushes every sink that buffers, joining their errors.
func (m Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := Flush(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes s if it implements Flusher.
func Flush(ctx context.Context, s Sink) error {
	if f, ok := s.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}
