package logserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/mux"
	"github.com/vango-dev/wavebench/pkg/protocol"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

const serverName = "logs"

// Close causes reported on finished records and metrics.
const (
	CauseSentinel = "close"
	CauseEOF      = "eof"
	CauseError    = "error"
)

// Result summarizes a completed log collection.
type Result struct {
	// Closed is the number of streams that ended.
	Closed int

	// Lines is the number of worker lines received, suppressed or not.
	Lines int

	// Bytes is the number of bytes received.
	Bytes int

	// Faults is the number of streams that ended with a read error.
	Faults int
}

// Snapshot is a point-in-time view of a running server.
type Snapshot struct {
	Expected int `json:"expected"`
	Open     int `json:"open"`
	Closed   int `json:"closed"`
	Lines    int `json:"lines"`
}

type stream struct {
	conn  *mux.Conn
	lines protocol.LineBuffer
}

// Server is a log server bound to its listener.
type Server struct {
	cfg    Config
	opts   options
	logger *slog.Logger
	mux    *mux.Mux

	// Loop-owned.
	streams map[uint64]*stream
	result  Result

	open    atomic.Int64
	closed  atomic.Int64
	lines   atomic.Int64
	running atomic.Bool
}

// Listen validates cfg and binds the log listener.
func Listen(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)

	m, err := mux.Listen(ctx, cfg.Address,
		mux.WithReadBufferSize(cfg.readBufferSize()),
		mux.WithLogger(o.logger),
	)
	if err != nil {
		return nil, errors.New("E101").
			WithPeer(cfg.Address).
			WithDetail("log server could not bind " + cfg.Address).
			WithSuggestion("Choose a free port with --port").
			Wrap(err)
	}

	return &Server{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger,
		mux:     m,
		streams: make(map[uint64]*stream),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.mux.Addr()
}

// Snapshot returns a point-in-time view of the server.
func (s *Server) Snapshot() Snapshot {
	return Snapshot{
		Expected: s.cfg.ExpectedConnections,
		Open:     int(s.open.Load()),
		Closed:   int(s.closed.Load()),
		Lines:    int(s.lines.Load()),
	}
}

// Close releases the listener and every connection. It is only needed when
// Run is never called.
func (s *Server) Close() error {
	return s.mux.Close()
}

// Run collects streams until ExpectedConnections of them have ended, then
// closes the listener and any connection still open. It returns an E111
// error with the partial Result if ctx is cancelled first.
func (s *Server) Run(ctx context.Context) (res *Result, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("logserver: Run called twice")
	}
	defer s.mux.Close()

	ctx, span := telemetry.StartSpan(ctx, s.opts.tracer, "logserver.run",
		attribute.String("logserver.address", s.Addr().String()),
		attribute.Int("logserver.expected_connections", s.cfg.ExpectedConnections),
	)
	defer func() {
		if res != nil {
			span.SetAttributes(
				attribute.Int("logserver.closed", res.Closed),
				attribute.Int("logserver.lines", res.Lines),
			)
		}
		telemetry.EndSpan(span, err)
	}()

	s.logger.Info("collecting logs",
		"address", s.Addr().String(),
		"expected", s.cfg.ExpectedConnections)

	for s.result.Closed < s.cfg.ExpectedConnections {
		ev, err := s.mux.Next(ctx)
		if err != nil {
			out := s.result
			if ctx.Err() != nil {
				return &out, errors.New("E111").
					WithDetail(fmt.Sprintf("%d of %d log streams closed", out.Closed, s.cfg.ExpectedConnections)).
					Wrap(ctx.Err())
			}
			return &out, err
		}

		switch ev.Kind {
		case mux.EventAccept:
			s.streams[ev.Conn.ID()] = &stream{
				conn:  ev.Conn,
				lines: protocol.LineBuffer{Max: s.cfg.readBufferSize()},
			}
			s.open.Add(1)
			s.opts.metrics.ConnectionOpened(serverName)
			s.logger.Debug("log stream opened", "peer", ev.Conn.RemoteAddr())
		case mux.EventData:
			if st, ok := s.streams[ev.Conn.ID()]; ok {
				s.handleData(st, ev.Data)
			}
		case mux.EventClosed:
			if st, ok := s.streams[ev.Conn.ID()]; ok {
				s.handleClosed(st, ev.Err)
			}
		}
	}

	if err := s.mux.StopAccepting(); err != nil {
		s.logger.Debug("closing listener", "error", err)
	}
	if n := len(s.streams); n > 0 {
		s.logger.Info("closing streams beyond the expected count", "open", n)
	}
	s.logger.Info("all log streams closed",
		"closed", s.result.Closed,
		"lines", s.result.Lines,
		"faults", s.result.Faults)

	out := s.result
	return &out, nil
}

func (s *Server) handleData(st *stream, data []byte) {
	s.result.Bytes += len(data)
	msgs := st.lines.Feed(data)
	lines := s.emit(st, msgs)
	s.opts.metrics.LogReceived(lines, len(data))

	if st.lines.Closed() {
		s.finish(st, CauseSentinel)
	}
}

func (s *Server) handleClosed(st *stream, readErr error) {
	s.emit(st, st.lines.Flush())

	if readErr != nil {
		s.result.Faults++
		s.opts.metrics.ConnectionFault(serverName, "read")
		err := errors.New("E102").WithPeer(st.conn.RemoteAddr()).Wrap(readErr)
		s.logger.Warn("log stream fault", "error", err.FormatCompact())
		s.opts.sink.Emit(record.Record{
			Time:   time.Now(),
			Source: record.SourceLogs,
			Kind:   record.KindFault,
			Peer:   st.conn.RemoteAddr(),
			Text:   err.Error(),
		})
		s.finish(st, CauseError)
		return
	}
	s.finish(st, CauseEOF)
}

// emit forwards LogLine messages to the sink and returns how many there were.
func (s *Server) emit(st *stream, msgs []protocol.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Kind != protocol.KindLogLine {
			continue
		}
		n++
		s.result.Lines++
		s.lines.Add(1)
		if s.cfg.SuppressWorkerLogs {
			continue
		}
		s.opts.sink.Emit(record.Record{
			Time:   time.Now(),
			Source: record.SourceLogs,
			Kind:   record.KindLine,
			Peer:   st.conn.RemoteAddr(),
			Text:   m.Text,
		})
	}
	return n
}

// finish moves st to its terminal state. It runs once per connection since
// st leaves the registry here.
func (s *Server) finish(st *stream, cause string) {
	delete(s.streams, st.conn.ID())
	_ = s.mux.Drop(st.conn)

	s.result.Closed++
	s.open.Add(-1)
	s.closed.Store(int64(s.result.Closed))
	s.opts.metrics.StreamClosed(cause)
	s.opts.metrics.ConnectionClosed(serverName)

	s.opts.sink.Emit(record.Record{
		Time:   time.Now(),
		Source: record.SourceLogs,
		Kind:   record.KindFinished,
		Peer:   st.conn.RemoteAddr(),
		Count:  s.result.Closed,
		Text:   cause,
	})
	s.logger.Info("Function finished",
		"peer", st.conn.RemoteAddr(),
		"cause", cause,
		"closed", s.result.Closed,
		"expected", s.cfg.ExpectedConnections)
}
