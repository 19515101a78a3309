package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/record"
)

type outcome struct {
	res *Result
	err error
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, ctx context.Context, cfg Config, opts ...Option) (*Server, <-chan outcome) {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	opts = append([]Option{WithLogger(quietLogger())}, opts...)

	srv, err := Listen(ctx, cfg, opts...)
	require.NoError(t, err)

	done := make(chan outcome, 1)
	go func() {
		res, err := srv.Run(ctx)
		done <- outcome{res, err}
	}()
	return srv, done
}

func wait(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("server did not finish")
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

func register(t *testing.T, srv *Server, id string) net.Conn {
	t.Helper()
	c := dial(t, srv)
	_, err := c.Write([]byte("READY:" + id + "\n"))
	require.NoError(t, err)
	return c
}

// reply reads until the server closes the connection.
func reply(t *testing.T, c net.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Second)))
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

// admissions returns a sink that reports admitted worker ids.
func admissions() (record.Sink, <-chan string) {
	ch := make(chan string, 64)
	return record.SinkFunc(func(r record.Record) {
		if r.Kind == record.KindAdmitted {
			ch <- r.WorkerID
		}
	}), ch
}

func awaitAdmission(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case id := <-ch:
		require.Equal(t, want, id)
	case <-time.After(5 * time.Second):
		t.Fatalf("worker %s was not admitted", want)
	}
}

func TestServer_SingleWorkerNonScaled(t *testing.T) {
	srv, done := startServer(t, context.Background(), SingleWave("", 1))

	start := time.Now()
	c := register(t, srv, "w1")
	require.Equal(t, "RUN", reply(t, c))
	require.Less(t, time.Since(start), 2*time.Second)

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, []string{"w1"}, out.res.Admitted)
	require.Len(t, out.res.Waves, 1)
	require.Equal(t, ServerDone, srv.State())
}

func TestServer_WavesAreSortedAndTimed(t *testing.T) {
	const period = 300 * time.Millisecond
	cfg := Config{ExpectedWorkers: 4, WorkersPerWave: 2, WaveCount: 2, WavePeriod: period}
	srv, done := startServer(t, context.Background(), cfg)

	order := []string{"w3", "w1", "w4", "w2"}
	conns := make(map[string]net.Conn)
	var lastSent time.Time
	for _, id := range order {
		// The barrier cannot fill before the last READY is written.
		lastSent = time.Now()
		conns[id] = register(t, srv, id)
	}

	type arrival struct {
		id, msg string
		at      time.Time
	}
	arrivals := make(chan arrival, len(conns))
	for id, c := range conns {
		go func() {
			_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
			b, _ := io.ReadAll(c)
			arrivals <- arrival{id: id, msg: strings.TrimSpace(string(b)), at: time.Now()}
		}()
	}
	received := make(map[string]time.Time)
	for range conns {
		a := <-arrivals
		require.Equal(t, "RUN", a.msg, "worker %s", a.id)
		received[a.id] = a.at
	}

	for _, late := range []string{"w3", "w4"} {
		require.GreaterOrEqual(t, received[late].Sub(lastSent), period,
			"worker %s released before its wave deadline", late)
		for _, early := range []string{"w1", "w2"} {
			require.True(t, received[early].Before(received[late]),
				"worker %s saw RUN after %s", early, late)
		}
	}

	out := wait(t, done)
	require.NoError(t, out.err)
	res := out.res

	require.Equal(t, []string{"w1", "w2", "w3", "w4"}, res.Admitted)
	require.Len(t, res.Waves, 2)
	require.Equal(t, []string{"w1", "w2"}, res.Waves[0].WorkerIDs)
	require.Equal(t, []string{"w3", "w4"}, res.Waves[1].WorkerIDs)

	require.True(t, res.Waves[0].Deadline.Equal(res.BarrierFilledAt))
	require.True(t, res.Waves[1].Deadline.Equal(res.BarrierFilledAt.Add(period)))
	require.GreaterOrEqual(t, res.Waves[1].SentAt.Sub(res.BarrierFilledAt), period)
	require.False(t, res.Waves[1].SentAt.Before(res.Waves[0].SentAt))
	require.Empty(t, res.SendFailures)
	require.Zero(t, res.Aborted)
}

func TestServer_ScheduleIgnoresArrivalOrder(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c", "d", "e", "f"},
		{"f", "e", "d", "c", "b", "a"},
		{"c", "a", "f", "b", "e", "d"},
	}
	cfg := Config{ExpectedWorkers: 6, WorkersPerWave: 2, WaveCount: 3}

	for _, order := range orders {
		t.Run(strings.Join(order, ""), func(t *testing.T) {
			sink, admitted := admissions()
			srv, done := startServer(t, context.Background(), cfg, WithSink(sink))

			conns := make([]net.Conn, 0, len(order))
			for _, id := range order {
				conns = append(conns, register(t, srv, id))
				awaitAdmission(t, admitted, id)
			}
			for _, c := range conns {
				require.Equal(t, "RUN", reply(t, c))
			}

			out := wait(t, done)
			require.NoError(t, out.err)
			require.Equal(t, order, out.res.Arrival)
			require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}}, waveIDs(out.res))
		})
	}
}

func TestServer_DuplicateRegistration(t *testing.T) {
	tests := []struct {
		name     string
		sequence []string
	}{
		{"immediate repeat", []string{"a", "a", "b"}},
		{"interleaved", []string{"b", "a", "b", "a", "b", "c"}},
		{"repeated many times", []string{"c", "c", "c", "a", "b"}},
		{"several ids", []string{"a", "b", "a", "c", "b", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make(map[string]bool)
			var arrival []string
			for _, id := range tt.sequence {
				if !seen[id] {
					seen[id] = true
					arrival = append(arrival, id)
				}
			}
			n := len(arrival)

			sink, admitted := admissions()
			cfg := Config{ExpectedWorkers: n, WorkersPerWave: n, WaveCount: 1}
			srv, done := startServer(t, context.Background(), cfg, WithSink(sink))

			registered := make(map[string]bool)
			var accepted []net.Conn
			duplicates := 0
			for _, id := range tt.sequence {
				c := register(t, srv, id)
				if registered[id] {
					duplicates++
					require.Equal(t, "ABORT", reply(t, c), "duplicate %s", id)
					continue
				}
				registered[id] = true
				awaitAdmission(t, admitted, id)
				accepted = append(accepted, c)
			}
			for _, c := range accepted {
				require.Equal(t, "RUN", reply(t, c))
			}

			out := wait(t, done)
			require.NoError(t, out.err)
			require.Equal(t, duplicates, out.res.Aborted)
			require.Equal(t, arrival, out.res.Arrival)

			sorted := append([]string(nil), arrival...)
			slices.Sort(sorted)
			require.Equal(t, sorted, out.res.Admitted)
		})
	}
}

func TestServer_UnregisteredConnectionsAbortedOnFill(t *testing.T) {
	srv, done := startServer(t, context.Background(), SingleWave("", 1))

	idle := dial(t, srv)
	require.Eventually(t, func() bool { return srv.Snapshot().Connections == 1 },
		5*time.Second, 10*time.Millisecond)

	worker := register(t, srv, "w1")
	require.Equal(t, "RUN", reply(t, worker))
	require.Equal(t, "ABORT", reply(t, idle))

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 1, out.res.Aborted)
}

func TestServer_MalformedPayloadIsIsolated(t *testing.T) {
	srv, done := startServer(t, context.Background(), SingleWave("", 1))

	bad := dial(t, srv)
	_, err := bad.Write([]byte("HELLO\n"))
	require.NoError(t, err)
	require.Equal(t, "", reply(t, bad))

	worker := register(t, srv, "w1")
	require.Equal(t, "RUN", reply(t, worker))

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, 1, out.res.Faults)
	require.Equal(t, []string{"w1"}, out.res.Admitted)
}

func TestServer_FragmentedRegistration(t *testing.T) {
	sink, admitted := admissions()
	srv, done := startServer(t, context.Background(), SingleWave("", 1), WithSink(sink))

	c := dial(t, srv)
	for _, part := range []string{"  RE", "ADY", ":"} {
		_, err := c.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	_, err := c.Write([]byte("w7\n"))
	require.NoError(t, err)

	awaitAdmission(t, admitted, "w7")
	require.Equal(t, "RUN", reply(t, c))
	require.NoError(t, wait(t, done).err)
}

func TestServer_DisconnectBeforeReady(t *testing.T) {
	srv, done := startServer(t, context.Background(), SingleWave("", 1))

	early := dial(t, srv)
	require.NoError(t, early.Close())

	worker := register(t, srv, "w1")
	require.Equal(t, "RUN", reply(t, worker))

	out := wait(t, done)
	require.NoError(t, out.err)
	require.Equal(t, []string{"w1"}, out.res.Admitted)
	require.Zero(t, out.res.Aborted)
}

func TestServer_BarrierTimeout(t *testing.T) {
	cfg := Config{ExpectedWorkers: 2, WorkersPerWave: 1, WaveCount: 2, BarrierTimeout: 200 * time.Millisecond}
	sink, admitted := admissions()
	srv, done := startServer(t, context.Background(), cfg, WithSink(sink))

	c := register(t, srv, "w1")
	awaitAdmission(t, admitted, "w1")
	require.Equal(t, "ABORT", reply(t, c))

	out := wait(t, done)
	require.Error(t, out.err)
	require.True(t, errors.HasCode(out.err, "E110"), "got %v", out.err)
	require.Equal(t, 1, out.res.Aborted)
	require.Empty(t, out.res.Waves)
	require.Equal(t, ServerDone, srv.State())
}

func TestServer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, admitted := admissions()
	srv, done := startServer(t, ctx, SingleWave("", 2), WithSink(sink))

	c := register(t, srv, "w1")
	awaitAdmission(t, admitted, "w1")
	cancel()
	require.Equal(t, "ABORT", reply(t, c))

	out := wait(t, done)
	require.True(t, errors.HasCode(out.err, "E111"), "got %v", out.err)
	require.ErrorIs(t, out.err, context.Canceled)
}

func TestServer_CancelledBetweenWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{ExpectedWorkers: 2, WorkersPerWave: 1, WaveCount: 2, WavePeriod: time.Hour}
	srv, done := startServer(t, ctx, cfg)

	a := register(t, srv, "a")
	b := register(t, srv, "b")
	require.Equal(t, "RUN", reply(t, a))
	cancel()
	require.Equal(t, "ABORT", reply(t, b))

	out := wait(t, done)
	require.True(t, errors.HasCode(out.err, "E111"), "got %v", out.err)
	require.Len(t, out.res.Waves, 1)
	require.Equal(t, 1, out.res.Aborted)
}

func TestListen_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := SingleWave(ln.Addr().String(), 1)
	_, err = Listen(context.Background(), cfg, WithLogger(quietLogger()))
	require.True(t, errors.HasCode(err, "E101"), "got %v", err)
}

func TestListen_InvalidConfig(t *testing.T) {
	_, err := Listen(context.Background(), Config{Address: "127.0.0.1:0"})
	require.True(t, errors.HasCode(err, "E122"), "got %v", err)
}

func TestServer_RunTwice(t *testing.T) {
	srv, done := startServer(t, context.Background(), SingleWave("", 1))
	c := register(t, srv, "w1")
	require.Equal(t, "RUN", reply(t, c))
	require.NoError(t, wait(t, done).err)

	_, err := srv.Run(context.Background())
	require.Error(t, err)
}

func waveIDs(res *Result) [][]string {
	out := make([][]string, len(res.Waves))
	for i, w := range res.Waves {
		out[i] = w.WorkerIDs
	}
	return out
}
