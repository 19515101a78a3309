package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReadBufferSize is the largest chunk a single Data event carries.
const DefaultReadBufferSize = 4096

// EventKind identifies the type of an event.
type EventKind uint8

const (
	EventAccept EventKind = iota + 1
	EventData
	EventClosed
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "Accept"
	case EventData:
		return "Data"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is one readiness notification.
type Event struct {
	Kind EventKind
	Conn *Conn

	// Data is the chunk read for EventData. It is owned by the consumer.
	Data []byte

	// Err is the read error for EventClosed, nil on a clean peer EOF.
	Err error
}

// Options configures a Mux.
type Options struct {
	// ReadBufferSize bounds each read. Default: 4096.
	ReadBufferSize int

	// WriteTimeout bounds Conn.Write. Default: 10 seconds. Negative disables it.
	WriteTimeout time.Duration

	// EventQueue is the capacity of the event channel. Default: 256.
	EventQueue int

	// Logger receives accept errors. Default: slog.Default().
	Logger *slog.Logger
}

// Option configures a Mux.
type Option func(*Options)

// WithReadBufferSize sets the per-read buffer size.
func WithReadBufferSize(n int) Option {
	return func(o *Options) {
		o.ReadBufferSize = n
	}
}

// WithWriteTimeout sets the write deadline applied by Conn.Write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.WriteTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func defaultOptions() Options {
	return Options{
		ReadBufferSize: DefaultReadBufferSize,
		WriteTimeout:   10 * time.Second,
		EventQueue:     256,
		Logger:         slog.Default(),
	}
}

// Mux owns a listener and every connection accepted from it.
type Mux struct {
	ln     net.Listener
	opts   Options
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	// conns is only touched by the goroutine calling Next, Drop and Conns.
	conns  map[uint64]*Conn
	nextID atomic.Uint64

	stopped   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a TCP listener on address and starts accepting.
func Listen(ctx context.Context, address string, opts ...Option) (*Mux, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.EventQueue <= 0 {
		o.EventQueue = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	m := &Mux{
		ln:     ln,
		opts:   o,
		logger: o.Logger,
		events: make(chan Event, o.EventQueue),
		done:   make(chan struct{}),
		conns:  make(map[uint64]*Conn),
	}
	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// Addr returns the listener's address.
func (m *Mux) Addr() net.Addr {
	return m.ln.Addr()
}

// Accepting reports whether the listener is still open.
func (m *Mux) Accepting() bool {
	return !m.stopped.Load()
}

func (m *Mux) acceptLoop() {
	defer m.wg.Done()

	backoff := 5 * time.Millisecond
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if m.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-m.done:
				return
			}
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond

		c := &Conn{
			id:           m.nextID.Add(1),
			nc:           nc,
			remote:       nc.RemoteAddr().String(),
			accepted:     time.Now(),
			writeTimeout: m.opts.WriteTimeout,
		}
		if !m.send(Event{Kind: EventAccept, Conn: c}) {
			_ = c.close()
			return
		}
	}
}

func (m *Mux) readLoop(c *Conn) {
	defer m.wg.Done()

	buf := make([]byte, m.opts.ReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !m.send(Event{Kind: EventData, Conn: c, Data: chunk}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			m.send(Event{Kind: EventClosed, Conn: c, Err: err})
			return
		}
	}
}

// send delivers ev unless the mux has been closed.
func (m *Mux) send(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Next blocks until the next event for a tracked connection, or until ctx
// is done. Accepted connections are tracked before their event is returned;
// closed connections are untracked and closed before theirs is.
func (m *Mux) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-m.done:
			return Event{}, net.ErrClosed
		case ev := <-m.events:
			switch ev.Kind {
			case EventAccept:
				m.conns[ev.Conn.id] = ev.Conn
				m.wg.Add(1)
				go m.readLoop(ev.Conn)
				return ev, nil
			case EventData:
				if _, ok := m.conns[ev.Conn.id]; !ok {
					continue
				}
				return ev, nil
			case EventClosed:
				if _, ok := m.conns[ev.Conn.id]; !ok {
					continue
				}
				delete(m.conns, ev.Conn.id)
				_ = ev.Conn.close()
				return ev, nil
			}
		}
	}
}

// Drop closes c and stops tracking it. No further events are delivered
// for c.
func (m *Mux) Drop(c *Conn) error {
	delete(m.conns, c.id)
	return c.close()
}

// Conns returns the tracked connections in accept order.
func (m *Mux) Conns() []*Conn {
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of tracked connections.
func (m *Mux) Len() int {
	return len(m.conns)
}

// StopAccepting closes the listener. Tracked connections are unaffected.
func (m *Mux) StopAccepting() error {
	var err error
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		err = m.ln.Close()
	})
	return err
}

// Close stops accepting, closes every tracked connection and waits for the
// mux goroutines to exit.
func (m *Mux) Close() error {
	err := m.StopAccepting()
	m.closeOnce.Do(func() {
		close(m.done)
		for id, c := range m.conns {
			_ = c.close()
			delete(m.conns, id)
		}
	})
	m.wg.Wait()

	// Connections accepted but never handed to Next.
	for {
		select {
		case ev := <-m.events:
			if ev.Kind == EventAccept {
				_ = ev.Conn.close()
			}
		default:
			return err
		}
	}
}
