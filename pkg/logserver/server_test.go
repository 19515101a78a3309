package logserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/record"
)

type collector struct {
	mu      sync.Mutex
	records []record.Record
}

func (c *collector) Emit(r record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) kind(k record.Kind) []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []record.Record
	for _, r := range c.records {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func (c *collector) texts(k record.Kind) []string {
	var out []string
	for _, r := range c.kind(k) {
		out = append(out, r.Text)
	}
	return out
}

type outcome struct {
	res *Result
	err error
}

func startServer(t *testing.T, ctx context.Context, cfg Config) (*Server, *collector, <-chan outcome) {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	sink := &collector{}

	srv, err := Listen(ctx, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSink(sink),
	)
	require.NoError(t, err)

	done := make(chan outcome, 1)
	go func() {
		res, err := srv.Run(ctx)
		done <- outcome{res, err}
	}()
	return srv, sink, done
}

func wait(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("log server did not finish")
		return outcome{}
	}
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, s string) {
	t.Helper()
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

func TestServer_CollectsLinesUntilClose(t *testing.T) {
	srv, sink, done := startServer(t, context.Background(), Config{ExpectedConnections: 1})

	c := dial(t, srv)
	send(t, c, "starting\nop 1 ok\n")
	send(t, c, "op 2 ")
	send(t, c, "ok\ndone CLOSE")

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 1, out.res.Closed)
	require.Equal(t, 4, out.res.Lines)
	require.Zero(t, out.res.Faults)

	require.Equal(t, []string{"starting", "op 1 ok", "op 2 ok", "done"}, sink.texts(record.KindLine))
	finished := sink.kind(record.KindFinished)
	require.Len(t, finished, 1)
	require.Equal(t, CauseSentinel, finished[0].Text)
	require.Equal(t, c.LocalAddr().String(), finished[0].Peer)

	for _, r := range sink.kind(record.KindLine) {
		require.Equal(t, c.LocalAddr().String(), r.Peer)
		require.Equal(t, record.SourceLogs, r.Source)
		require.False(t, r.Time.IsZero())
	}
}

func TestServer_EOFFlushesPartialLine(t *testing.T) {
	srv, sink, done := startServer(t, context.Background(), Config{ExpectedConnections: 1})

	c := dial(t, srv)
	send(t, c, "first\nno newline")
	require.NoError(t, c.Close())

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, []string{"first", "no newline"}, sink.texts(record.KindLine))
	require.Equal(t, []string{CauseEOF}, sink.texts(record.KindFinished))
}

func TestServer_ClosedCountedOnce(t *testing.T) {
	srv, sink, done := startServer(t, context.Background(), Config{ExpectedConnections: 2})

	// CLOSE followed by EOF and trailing bytes must still count once.
	a := dial(t, srv)
	send(t, a, "CLOSE\nlate line\n")
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool { return srv.Snapshot().Closed == 1 },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.Snapshot().Closed)

	b := dial(t, srv)
	send(t, b, "CLOSE")

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 2, out.res.Closed)
	require.Len(t, sink.kind(record.KindFinished), 2)
	require.Empty(t, sink.texts(record.KindLine))
}

func TestServer_SuppressWorkerLogs(t *testing.T) {
	cfg := Config{ExpectedConnections: 1, SuppressWorkerLogs: true}
	srv, sink, done := startServer(t, context.Background(), cfg)

	c := dial(t, srv)
	send(t, c, "hidden\nalso hidden\nCLOSE\n")

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 2, out.res.Lines)
	require.Empty(t, sink.kind(record.KindLine))
	require.Len(t, sink.kind(record.KindFinished), 1)
}

func TestServer_FaultIsIsolated(t *testing.T) {
	srv, sink, done := startServer(t, context.Background(), Config{ExpectedConnections: 2})

	healthy := dial(t, srv)
	send(t, healthy, "still here\n")

	broken := dial(t, srv)
	send(t, broken, "about to fail\n")
	require.Eventually(t, func() bool { return srv.Snapshot().Lines == 2 },
		5*time.Second, 10*time.Millisecond)
	require.NoError(t, broken.(*net.TCPConn).SetLinger(0))
	require.NoError(t, broken.Close())

	require.Eventually(t, func() bool { return srv.Snapshot().Closed == 1 },
		5*time.Second, 10*time.Millisecond)
	send(t, healthy, "finishing CLOSE\n")

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 2, out.res.Closed)
	require.Equal(t, 1, out.res.Faults)
	require.Len(t, sink.kind(record.KindFault), 1)
	require.Contains(t, sink.texts(record.KindLine), "finishing")
}

func TestServer_StreamWithoutNewlinesDoesNotStallOthers(t *testing.T) {
	const limit = 1024
	cfg := Config{ExpectedConnections: 2, ReadBufferSize: limit}
	srv, sink, done := startServer(t, context.Background(), cfg)

	flood := dial(t, srv)
	payload := []byte(strings.Repeat("x", 2<<20))
	floodErr := make(chan error, 1)
	go func() {
		if _, err := flood.Write(payload); err != nil {
			floodErr <- err
			return
		}
		_, err := flood.Write([]byte(" CLOSE"))
		floodErr <- err
	}()

	quiet := dial(t, srv)
	send(t, quiet, "hello from b\nCLOSE\n")
	require.Eventually(t, func() bool {
		for _, r := range sink.kind(record.KindFinished) {
			if r.Peer == quiet.LocalAddr().String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, <-floodErr)
	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 2, out.res.Closed)

	total := 0
	for _, r := range sink.kind(record.KindLine) {
		if r.Peer != flood.LocalAddr().String() {
			continue
		}
		require.Less(t, len(r.Text), 2*limit)
		total += len(r.Text)
	}
	require.Equal(t, len(payload), total)
	require.Contains(t, sink.texts(record.KindLine), "hello from b")
}

func TestServer_ExtraConnectionsClosedAtCompletion(t *testing.T) {
	srv, _, done := startServer(t, context.Background(), Config{ExpectedConnections: 1})

	extra := dial(t, srv)
	require.Eventually(t, func() bool { return srv.Snapshot().Open == 1 },
		5*time.Second, 10*time.Millisecond)

	c := dial(t, srv)
	send(t, c, "CLOSE")
	require.NoError(t, wait(t, done).err)

	require.NoError(t, extra.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := extra.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestServer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, _, done := startServer(t, ctx, Config{ExpectedConnections: 2})

	c := dial(t, srv)
	send(t, c, "CLOSE")
	require.Eventually(t, func() bool { return srv.Snapshot().Closed == 1 },
		5*time.Second, 10*time.Millisecond)
	cancel()

	out := wait(t, done)
	require.True(t, errors.HasCode(out.err, "E111"), "got %v", out.err)
	require.Equal(t, 1, out.res.Closed)
}

func TestListen_Errors(t *testing.T) {
	_, err := Listen(context.Background(), Config{Address: "127.0.0.1:0"})
	require.True(t, errors.HasCode(err, "E122"), "got %v", err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), Config{Address: ln.Addr().String(), ExpectedConnections: 1})
	require.True(t, errors.HasCode(err, "E101"), "got %v", err)
}
