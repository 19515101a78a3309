package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/wavebench/pkg/record"
	"github.com/vango-dev/wavebench/pkg/telemetry"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthz(t *testing.T) {
	m := New(Config{Logger: quiet()})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestStatus(t *testing.T) {
	type status struct {
		Admitted int    `json:"admitted"`
		State    string `json:"state"`
	}
	m := New(Config{
		Logger: quiet(),
		Status: func() any { return status{Admitted: 3, State: "Accepting"} },
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, status{Admitted: 3, State: "Accepting"}, got)

	empty := New(Config{Logger: quiet()})
	rec = httptest.NewRecorder()
	empty.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, "{}\n", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(telemetry.WithRegistry(reg))
	metrics.WorkerAdmitted()

	m := New(Config{Logger: quiet(), Gatherer: reg})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wavebench_workers_admitted_total 1")
}

func TestNotFound(t *testing.T) {
	m := New(Config{Logger: quiet()})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTail(t *testing.T) {
	m := New(Config{Logger: quiet()})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tail"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.Hub().ClientCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	var sink record.Sink = m.Hub()
	sink.Emit(record.Record{Source: record.SourceLogs, Kind: record.KindLine, Peer: "a:1", Text: "hello"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got record.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "hello", got.Text)
	require.Equal(t, record.KindLine, got.Kind)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return m.Hub().ClientCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestHub_SlowClientDropsRecords(t *testing.T) {
	h := NewHub()
	c := &client{send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	h.Emit(record.Record{Text: "one"})
	h.Emit(record.Record{Text: "two"})

	require.Equal(t, uint64(1), h.Dropped())
	require.Len(t, c.send, 1)
}

func TestServe_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := New(Config{Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("monitor did not shut down")
	}
}

func TestListenAndServe_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m := New(Config{Address: ln.Addr().String(), Logger: quiet()})
	err = m.ListenAndServe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "E101")
}
