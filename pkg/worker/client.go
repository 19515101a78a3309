package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/protocol"
)

// Register announces id to the rendezvous server at addr and waits for the
// reply. It returns protocol.KindRun or protocol.KindAbort.
func Register(ctx context.Context, addr, id string) (protocol.Kind, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return protocol.KindUnknown, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(protocol.Ready(id).Encode()); err != nil {
		return protocol.KindUnknown, connFault(ctx, addr, id, err)
	}

	var reply []byte
	buf := make([]byte, 64)
	for {
		n, rerr := conn.Read(buf)
		reply = append(reply, buf[:n]...)

		msg, status := protocol.DecodeReply(reply)
		switch {
		case status == protocol.Complete:
			return msg.Kind, nil
		case status == protocol.Malformed:
			return protocol.KindUnknown, errors.New("E104").
				WithWorker(id).
				WithPeer(addr).
				WithDetail(fmt.Sprintf("unexpected reply %q", reply))
		case rerr != nil:
			if stderrors.Is(rerr, io.EOF) {
				return protocol.KindUnknown, errors.New("E102").
					WithWorker(id).
					WithPeer(addr).
					WithDetail("rendezvous server closed the connection without replying")
			}
			return protocol.KindUnknown, connFault(ctx, addr, id, rerr)
		}
	}
}

// LogStream is a worker's connection to the log server. It is safe for
// concurrent use.
type LogStream struct {
	conn net.Conn

	mu      sync.Mutex
	midLine bool
	closed  bool
}

// DialLogs opens a log stream to the log server at addr.
func DialLogs(ctx context.Context, addr string) (*LogStream, error) {
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &LogStream{conn: conn}, nil
}

// Write sends p to the log server.
func (l *LogStream) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, net.ErrClosed
	}
	n, err := l.conn.Write(p)
	if n > 0 {
		l.midLine = p[n-1] != '\n'
	}
	return n, err
}

// Logger returns a logger that writes text records to the stream.
func (l *LogStream) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(l, nil))
}

// Close ends the stream with the CLOSE sentinel and closes the connection.
func (l *LogStream) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	sentinel := protocol.Close().Encode()
	if l.midLine {
		// CLOSE must be its own token.
		sentinel = append([]byte{'\n'}, sentinel...)
	}
	_, werr := l.conn.Write(sentinel)
	return stderrors.Join(werr, l.conn.Close())
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.New("E102").
			WithPeer(addr).
			WithDetail("could not connect to " + addr).
			Wrap(err)
	}
	return conn, nil
}

func connFault(ctx context.Context, addr, id string, err error) error {
	if ctx.Err() != nil {
		return errors.New("E111").WithWorker(id).WithPeer(addr).Wrap(ctx.Err())
	}
	return errors.New("E102").WithWorker(id).WithPeer(addr).Wrap(err)
}
