package rendezvous

import (
	"context"
	stderrors "errors"
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

const serverName = "rendezvous"

// Result summarizes a completed rendezvous.
type Result struct {
	// Admitted holds admitted worker ids sorted lexicographically.
	Admitted []string

	// Arrival holds admitted worker ids in the order they registered.
	Arrival []string

	// BarrierWait is the time from Run to the barrier filling.
	BarrierWait time.Duration

	// BarrierFilledAt is the first wave's deadline.
	BarrierFilledAt time.Time

	// Waves holds one entry per dispatched wave.
	Waves []WaveResult

	// Aborted counts connections answered with ABORT.
	Aborted int

	// Faults counts connections dropped for malformed payloads or read errors.
	Faults int

	// SendFailures lists admitted workers whose RUN could not be written.
	SendFailures []SendFailure
}

// WaveResult records one dispatched wave.
type WaveResult struct {
	Index     int
	Deadline  time.Time
	SentAt    time.Time
	WorkerIDs []string
}

// SendFailure is a RUN that could not be delivered.
type SendFailure struct {
	WorkerID string
	Err      error
}

// Snapshot is a point-in-time view of a running server.
type Snapshot struct {
	State       string `json:"state"`
	Expected    int    `json:"expected"`
	Admitted    int    `json:"admitted"`
	Connections int    `json:"connections"`
	WavesSent   int    `json:"waves_sent"`
	Waves       int    `json:"waves"`
}

type peer struct {
	conn  *mux.Conn
	state ConnState
	id    string
	buf   []byte
}

// Server is a rendezvous server bound to its listener.
type Server struct {
	cfg    Config
	opts   options
	logger *slog.Logger
	mux    *mux.Mux

	// Loop-owned.
	peers map[uint64]*peer
	ready *ReadySet

	state       atomic.Uint32
	admitted    atomic.Int64
	connections atomic.Int64
	wavesSent   atomic.Int64
	running     atomic.Bool
}

// Listen validates cfg and binds the control listener. Connections are
// accepted from this point on and queue until Run is called.
func Listen(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	m, err := mux.Listen(ctx, cfg.Address,
		mux.WithReadBufferSize(cfg.readBufferSize()),
		mux.WithLogger(o.logger),
	)
	if err != nil {
		return nil, errors.New("E101").
			WithPeer(cfg.Address).
			WithDetail("rendezvous server could not bind " + cfg.Address).
			WithSuggestion("Choose a free port with --port; the rendezvous server uses port+1").
			Wrap(err)
	}

	return &Server{
		cfg:    cfg,
		opts:   o,
		logger: o.logger,
		mux:    m,
		peers:  make(map[uint64]*peer),
		ready:  NewReadySet(),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.mux.Addr()
}

// State returns the server's lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Snapshot returns a point-in-time view of the server.
func (s *Server) Snapshot() Snapshot {
	return Snapshot{
		State:       s.State().String(),
		Expected:    s.cfg.ExpectedWorkers,
		Admitted:    int(s.admitted.Load()),
		Connections: int(s.connections.Load()),
		WavesSent:   int(s.wavesSent.Load()),
		Waves:       s.cfg.WaveCount,
	}
}

// Close releases the listener and every connection. It is only needed when
// Run is never called.
func (s *Server) Close() error {
	return s.mux.Close()
}

// Run waits for the barrier, then dispatches every wave. It returns after
// the last RUN is written; it does not wait for workers to finish.
//
// Run returns an E110 error if the barrier timeout expires and an E111
// error if ctx is cancelled. In both cases every open connection receives
// ABORT and the partial Result is returned alongside the error.
func (s *Server) Run(ctx context.Context) (res *Result, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("rendezvous: Run called twice")
	}
	defer s.mux.Close()

	ctx, span := telemetry.StartSpan(ctx, s.opts.tracer, "rendezvous.run",
		attribute.String("rendezvous.address", s.Addr().String()),
		attribute.Int("rendezvous.expected_workers", s.cfg.ExpectedWorkers),
		attribute.Int("rendezvous.waves", s.cfg.WaveCount),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	res = &Result{}
	started := time.Now()

	if err := s.awaitBarrier(ctx, res); err != nil {
		reason := "cancelled"
		if errors.HasCode(err, "E110") {
			reason = "timeout"
		}
		s.abortOpen(res, reason)
		s.state.Store(uint32(ServerDone))
		return res, err
	}

	filled := time.Now()
	s.fillBarrier(res, filled.Sub(started))
	res.BarrierFilledAt = filled

	if err := s.dispatch(ctx, Schedule{First: filled, Period: s.cfg.WavePeriod}, res); err != nil {
		s.state.Store(uint32(ServerDone))
		return res, err
	}

	s.state.Store(uint32(ServerDone))
	s.logger.Info("all waves dispatched",
		"waves", len(res.Waves),
		"send_failures", len(res.SendFailures))
	return res, nil
}

func (s *Server) awaitBarrier(ctx context.Context, res *Result) error {
	waitCtx := ctx
	if s.cfg.BarrierTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.BarrierTimeout)
		defer cancel()
	}

	s.logger.Info("waiting for workers",
		"address", s.Addr().String(),
		"expected", s.cfg.ExpectedWorkers)

	for s.ready.Len() < s.cfg.ExpectedWorkers {
		ev, err := s.mux.Next(waitCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return errors.New("E111").
					WithDetail(fmt.Sprintf("%d of %d workers registered", s.ready.Len(), s.cfg.ExpectedWorkers)).
					Wrap(ctx.Err())
			case stderrors.Is(err, context.DeadlineExceeded):
				return errors.New("E110").
					WithDetail(fmt.Sprintf("%d of %d workers registered within %s",
						s.ready.Len(), s.cfg.ExpectedWorkers, s.cfg.BarrierTimeout)).
					WithSuggestion("Check that invoked workers can reach " + s.Addr().String())
			default:
				return err
			}
		}

		switch ev.Kind {
		case mux.EventAccept:
			s.peers[ev.Conn.ID()] = &peer{conn: ev.Conn, state: StateAwaitingReady}
			s.connections.Add(1)
			s.opts.metrics.ConnectionOpened(serverName)
			s.logger.Debug("connection accepted", "peer", ev.Conn.RemoteAddr())
		case mux.EventData:
			if p, ok := s.peers[ev.Conn.ID()]; ok {
				s.handleData(p, ev.Data, res)
			}
		case mux.EventClosed:
			s.handleClosed(ev, res)
		}
	}
	return nil
}

func (s *Server) handleData(p *peer, data []byte, res *Result) {
	if p.state != StateAwaitingReady {
		// Bytes after a registration are ignored.
		return
	}
	p.buf = append(p.buf, data...)

	msg, status := protocol.DecodeReady(p.buf)
	switch status {
	case protocol.Incomplete:
		if len(p.buf) > s.cfg.readBufferSize() {
			s.fault(p, res, "oversized", errors.New("E104").
				WithPeer(p.conn.RemoteAddr()).
				WithDetail(fmt.Sprintf("%d bytes without a complete registration", len(p.buf))))
		}
	case protocol.Malformed:
		s.fault(p, res, "malformed", errors.New("E104").
			WithPeer(p.conn.RemoteAddr()).
			WithDetail(fmt.Sprintf("payload %q", truncate(p.buf, 64))))
	case protocol.Complete:
		p.buf = nil
		if !s.ready.Add(msg.ID, p.conn) {
			s.refuse(p, msg.ID, res)
			return
		}
		p.state = StateQueued
		p.id = msg.ID
		n := s.ready.Len()
		s.admitted.Store(int64(n))
		s.opts.metrics.WorkerAdmitted()
		s.opts.sink.Emit(record.Record{
			Time:     time.Now(),
			Source:   record.SourceRendezvous,
			Kind:     record.KindAdmitted,
			Peer:     p.conn.RemoteAddr(),
			WorkerID: msg.ID,
			Count:    n,
		})
		s.logger.Info(fmt.Sprintf("Progress %d/%d", n, s.cfg.ExpectedWorkers),
			"worker_id", msg.ID,
			"peer", p.conn.RemoteAddr())
	}
}

// refuse answers a duplicate registration with ABORT.
func (s *Server) refuse(p *peer, id string, res *Result) {
	p.id = id
	err := errors.New("E103").WithWorker(id).WithPeer(p.conn.RemoteAddr())
	s.logger.Warn("duplicate registration", "error", err.FormatCompact())
	s.abort(p, res, "duplicate")
}

func (s *Server) abort(p *peer, res *Result, reason string) {
	if _, err := p.conn.Write(protocol.Abort().Encode()); err != nil {
		s.logger.Debug("abort write failed", "peer", p.conn.RemoteAddr(), "error", err)
	}
	_ = s.mux.Drop(p.conn)
	delete(s.peers, p.conn.ID())
	s.connections.Add(-1)
	p.state = StateAborted
	res.Aborted++
	s.opts.metrics.WorkerAborted(reason)
	s.opts.metrics.ConnectionClosed(serverName)
	s.opts.sink.Emit(record.Record{
		Time:     time.Now(),
		Source:   record.SourceRendezvous,
		Kind:     record.KindAborted,
		Peer:     p.conn.RemoteAddr(),
		WorkerID: p.id,
		Text:     reason,
	})
}

func (s *Server) fault(p *peer, res *Result, faultType string, err *errors.WavebenchError) {
	s.logger.Warn("connection fault", "error", err.FormatCompact())
	_ = s.mux.Drop(p.conn)
	delete(s.peers, p.conn.ID())
	s.connections.Add(-1)
	res.Faults++
	s.opts.metrics.ConnectionFault(serverName, faultType)
	s.opts.metrics.ConnectionClosed(serverName)
	s.opts.sink.Emit(record.Record{
		Time:   time.Now(),
		Source: record.SourceRendezvous,
		Kind:   record.KindFault,
		Peer:   p.conn.RemoteAddr(),
		Text:   err.Error(),
	})
}

func (s *Server) handleClosed(ev mux.Event, res *Result) {
	p, ok := s.peers[ev.Conn.ID()]
	if !ok {
		return
	}
	s.connections.Add(-1)
	s.opts.metrics.ConnectionClosed(serverName)

	delete(s.peers, ev.Conn.ID())
	if p.state == StateQueued {
		// Admission is permanent; the RUN write will fail and be reported.
		s.logger.Warn("admitted worker disconnected before dispatch",
			"worker_id", p.id,
			"peer", ev.Conn.RemoteAddr())
		return
	}

	if ev.Err != nil {
		res.Faults++
		s.opts.metrics.ConnectionFault(serverName, "read")
		err := errors.New("E102").WithPeer(ev.Conn.RemoteAddr()).Wrap(ev.Err)
		s.logger.Warn("connection fault", "error", err.FormatCompact())
		s.opts.sink.Emit(record.Record{
			Time:   time.Now(),
			Source: record.SourceRendezvous,
			Kind:   record.KindFault,
			Peer:   ev.Conn.RemoteAddr(),
			Text:   err.Error(),
		})
		return
	}
	s.logger.Debug("disconnected before registering", "peer", ev.Conn.RemoteAddr())
}

func (s *Server) fillBarrier(res *Result, wait time.Duration) {
	if err := s.mux.StopAccepting(); err != nil {
		s.logger.Debug("closing listener", "error", err)
	}
	s.ready.Freeze()
	s.state.Store(uint32(ServerBarrierFilled))

	res.BarrierWait = wait
	res.Admitted = make([]string, 0, s.ready.Len())
	for _, e := range s.ready.Sorted() {
		res.Admitted = append(res.Admitted, e.ID)
	}
	res.Arrival = s.ready.Arrival()

	s.opts.metrics.BarrierFilled(wait)
	s.opts.sink.Emit(record.Record{
		Time:   time.Now(),
		Source: record.SourceRendezvous,
		Kind:   record.KindBarrierFilled,
		Count:  s.ready.Len(),
	})
	s.logger.Info("All queued", "workers", s.ready.Len(), "wait", wait)

	for _, p := range s.peers {
		if p.state == StateAwaitingReady {
			s.abort(p, res, "barrier_filled")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sched Schedule, res *Result) error {
	s.state.Store(uint32(ServerDispatching))

	waves := Partition(s.ready.Sorted(), s.cfg.WorkersPerWave)
	for i, wave := range waves {
		deadline := sched.Deadline(i)
		if wait := time.Until(deadline); wait > 0 {
			s.logger.Info(fmt.Sprintf("Sleeping for %.3fs", wait.Seconds()), "wave", i)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				for _, rest := range waves[i:] {
					for _, e := range rest {
						if p, ok := s.peers[e.Conn.ID()]; ok {
							s.abort(p, res, "cancelled")
						}
					}
				}
				return errors.New("E111").
					WithDetail(fmt.Sprintf("%d of %d waves dispatched", i, len(waves))).
					Wrap(ctx.Err())
			}
		}
		res.Waves = append(res.Waves, s.sendWave(ctx, i, deadline, wave, res))
		s.wavesSent.Add(1)
	}
	return nil
}

func (s *Server) sendWave(ctx context.Context, index int, deadline time.Time, wave []Entry, res *Result) WaveResult {
	_, span := telemetry.StartSpan(ctx, s.opts.tracer, "rendezvous.wave",
		attribute.Int("rendezvous.wave", index),
		attribute.Int("rendezvous.wave_size", len(wave)),
	)

	wr := WaveResult{Index: index, Deadline: deadline, WorkerIDs: make([]string, 0, len(wave))}
	run := protocol.Run().Encode()
	sent, failed := 0, 0
	for _, e := range wave {
		wr.WorkerIDs = append(wr.WorkerIDs, e.ID)
		if _, err := e.Conn.Write(run); err != nil {
			failed++
			res.SendFailures = append(res.SendFailures, SendFailure{WorkerID: e.ID, Err: err})
			s.logger.Warn("RUN not delivered",
				"error", errors.New("E102").WithWorker(e.ID).WithPeer(e.Conn.RemoteAddr()).Wrap(err).FormatCompact())
		} else {
			sent++
		}
		if p, ok := s.peers[e.Conn.ID()]; ok {
			p.state = StateRunSent
			delete(s.peers, e.Conn.ID())
			s.connections.Add(-1)
			s.opts.metrics.ConnectionClosed(serverName)
		}
		_ = s.mux.Drop(e.Conn)
	}
	wr.SentAt = time.Now()
	lag := wr.SentAt.Sub(deadline)

	s.opts.metrics.WaveDispatched(sent, failed, lag)
	s.opts.sink.Emit(record.Record{
		Time:   wr.SentAt,
		Source: record.SourceRendezvous,
		Kind:   record.KindWaveDispatched,
		Wave:   index,
		Count:  sent,
	})
	s.logger.Info("wave dispatched", "wave", index, "sent", sent, "failed", failed, "lag", lag)

	var err error
	if failed > 0 {
		err = fmt.Errorf("%d of %d RUN writes failed", failed, len(wave))
	}
	telemetry.EndSpan(span, err)
	return wr
}

// abortOpen answers every open connection with ABORT.
func (s *Server) abortOpen(res *Result, reason string) {
	for _, c := range s.mux.Conns() {
		if p, ok := s.peers[c.ID()]; ok {
			s.abort(p, res, reason)
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
