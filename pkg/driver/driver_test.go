package driver

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-dev/wavebench/internal/config"
	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/worker"
)

type collector struct {
	mu      sync.Mutex
	records []record.Record
	flushed int
}

func (c *collector) Emit(r record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
	return nil
}

func (c *collector) count(k record.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Kind == k {
			n++
		}
	}
	return n
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(workers, perWave int) Config {
	return Config{
		Name:              "test",
		Mode:              "read",
		RendezvousAddress: "127.0.0.1:0",
		LogAddress:        "127.0.0.1:0",
		ExpectedWorkers:   workers,
		WorkersPerWave:    perWave,
		WaveCount:         workers / perWave,
	}
}

func echoWorkload(ctx context.Context, job worker.Job, out io.Writer) error {
	_, err := fmt.Fprintf(out, "worker %s running %s\n", job.ID, job.Mode)
	return err
}

func TestDriver_Run(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.WavePeriod = 100 * time.Millisecond
	cfg.IDBase = 10

	sink := &collector{}
	d := New(cfg, InProcess(echoWorkload), WithLogger(quiet()), WithSink(sink))

	report, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"10", "11", "12", "13"}, report.Rendezvous.Admitted)
	require.Len(t, report.Rendezvous.Waves, 2)
	require.Equal(t, 4, report.Logs.Closed)
	require.Equal(t, 4, report.Logs.Lines)
	require.Len(t, report.Invocations, 4)
	require.Empty(t, report.Failed())

	require.Equal(t, 4, sink.count(record.KindLine))
	require.Equal(t, 4, sink.count(record.KindFinished))
	require.Equal(t, 6, sink.count(record.KindTerminated))
	require.Equal(t, 1, sink.flushed)

	st := d.Status()
	require.False(t, st.Running)
	require.Equal(t, 4, st.Invoked)
	require.Equal(t, 6, st.Terminated)
	require.NotNil(t, st.Rendezvous)
	require.Equal(t, "Done", st.Rendezvous.State)
}

func TestDriver_BindFailureInvokesNothing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	calls := 0
	invoker := FuncInvoker(func(context.Context, Invocation) error {
		calls++
		return nil
	})

	for _, busy := range []string{"rendezvous", "logs"} {
		t.Run(busy, func(t *testing.T) {
			cfg := testConfig(1, 1)
			if busy == "rendezvous" {
				cfg.RendezvousAddress = ln.Addr().String()
			} else {
				cfg.LogAddress = ln.Addr().String()
			}
			_, err := New(cfg, invoker, WithLogger(quiet())).Run(context.Background())
			require.True(t, errors.HasCode(err, "E101"), "got %v", err)
			require.Zero(t, calls)
		})
	}
}

type failingInvoker struct {
	next    Invoker
	failOn  string
	invoked []string
}

func (f *failingInvoker) Invoke(ctx context.Context, inv Invocation) (Handle, error) {
	f.invoked = append(f.invoked, inv.ID)
	if inv.ID == f.failOn {
		return nil, errors.New("E112").WithWorker(inv.ID)
	}
	return f.next.Invoke(ctx, inv)
}

func TestDriver_InvocationFailureCancelsRun(t *testing.T) {
	inv := &failingInvoker{next: InProcess(echoWorkload), failOn: "1"}
	d := New(testConfig(3, 3), inv, WithLogger(quiet()))

	report, err := d.Run(context.Background())
	require.True(t, errors.HasCode(err, "E111"), "got %v", err)
	require.Equal(t, []string{"0", "1"}, inv.invoked)
	require.Len(t, report.Invocations, 2)
	require.True(t, errors.HasCode(report.Invocations[1].Err, "E112"))
	require.True(t, errors.HasCode(report.LogsErr, "E111"))
}

func TestDriver_BarrierTimeout(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.BarrierTimeout = 200 * time.Millisecond

	// Worker 1 never registers.
	invoker := FuncInvoker(func(ctx context.Context, inv Invocation) error {
		if inv.ID == "1" {
			return nil
		}
		return InProcess(echoWorkload)(ctx, inv)
	})

	report, err := New(cfg, invoker, WithLogger(quiet())).Run(context.Background())
	require.True(t, errors.HasCode(err, "E110"), "got %v", err)
	require.True(t, errors.HasCode(report.RendezvousErr, "E110"))
	require.True(t, errors.HasCode(report.LogsErr, "E111"))
	require.ErrorIs(t, report.Invocations[0].Err, worker.ErrAborted)
}

func TestDriver_RunTwice(t *testing.T) {
	d := New(testConfig(1, 1), InProcess(echoWorkload), WithLogger(quiet()))
	d.running.Store(true)
	_, err := d.Run(context.Background())
	require.Error(t, err)
}

func TestDriver_Advertise(t *testing.T) {
	tests := []struct {
		name      string
		advertise string
		addr      string
		want      string
	}{
		{"loopback", "", "127.0.0.1:8888", "127.0.0.1:8888"},
		{"unspecified v4", "", "0.0.0.0:8888", "127.0.0.1:8888"},
		{"unspecified v6", "", "[::]:8889", "127.0.0.1:8889"},
		{"explicit", "bench.internal", "0.0.0.0:8888", "bench.internal:8888"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Config{AdvertiseHost: tt.advertise}, nil)
			addr, err := net.ResolveTCPAddr("tcp", tt.addr)
			require.NoError(t, err)
			require.Equal(t, tt.want, d.advertise(addr))
		})
	}
}

func TestFromPlan(t *testing.T) {
	cfg := config.New()
	cfg.Mode = "scale:write:2:3:4"
	cfg.Logs.Quiet = true
	plan, err := cfg.Resolve()
	require.NoError(t, err)

	dc := FromPlan(plan, 100)
	require.Equal(t, "write", dc.Mode)
	require.Equal(t, 8, dc.ExpectedWorkers)
	require.Equal(t, 2, dc.WorkersPerWave)
	require.Equal(t, 4, dc.WaveCount)
	require.Equal(t, 3*time.Second, dc.WavePeriod)
	require.Equal(t, "localhost:8889", dc.RendezvousAddress)
	require.Equal(t, "localhost:8888", dc.LogAddress)
	require.True(t, dc.SuppressWorkerLogs)
	require.False(t, dc.SuppressAllLogs)
	require.Equal(t, 100, dc.IDBase)
}

func TestFuncInvoker(t *testing.T) {
	boom := stderrors.New("boom")
	h, err := FuncInvoker(func(context.Context, Invocation) error { return boom }).
		Invoke(context.Background(), Invocation{ID: "1"})
	require.NoError(t, err)
	require.ErrorIs(t, h.Wait(), boom)
	require.ErrorIs(t, h.Wait(), boom)
}

func TestProcessInvoker(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var out bytes.Buffer
	p := &ProcessInvoker{
		Path:   "sh",
		Args:   []string{"-c", "echo $" + worker.EnvWorkerID + " $" + worker.EnvMode + " $" + worker.EnvRendezvous + " $" + worker.EnvLogs + " $EXTRA"},
		Env:    []string{"EXTRA=yes"},
		Stdout: &out,
	}
	h, err := p.Invoke(context.Background(), Invocation{
		ID:             "7",
		Mode:           "read",
		RendezvousAddr: "h:2",
		LogAddr:        "h:1",
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.Equal(t, "7 read h:2 h:1 yes", strings.TrimSpace(out.String()))

	p = &ProcessInvoker{Path: "sh", Args: []string{"-c", "exit 2"}}
	h, err = p.Invoke(context.Background(), Invocation{ID: "8"})
	require.NoError(t, err)
	require.True(t, errors.HasCode(h.Wait(), "E112"))

	p = &ProcessInvoker{Path: "/nonexistent/wavebench-worker"}
	_, err = p.Invoke(context.Background(), Invocation{ID: "9"})
	require.True(t, errors.HasCode(err, "E112"))
}

func TestExternal(t *testing.T) {
	var got []Invocation
	h, err := External{Announce: func(inv Invocation) { got = append(got, inv) }}.
		Invoke(context.Background(), Invocation{ID: "3", LogAddr: "h:1"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	require.Equal(t, []Invocation{{ID: "3", LogAddr: "h:1"}}, got)

	_, err = External{}.Invoke(context.Background(), Invocation{})
	require.NoError(t, err)
}

func TestInvocationEnv(t *testing.T) {
	env := Invocation{ID: "1", Mode: "m", RendezvousAddr: "r:2", LogAddr: "l:1"}.Env()
	require.Equal(t, []string{
		worker.EnvWorkerID + "=1",
		worker.EnvMode + "=m",
		worker.EnvRendezvous + "=r:2",
		worker.EnvLogs + "=l:1",
	}, env)
}
