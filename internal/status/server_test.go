package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
)

// stubSource serves a fixed snapshot.
type stubSource struct {
	snap *core.DaemonSnapshot
}

func (s *stubSource) Snapshot() *core.DaemonSnapshot {
	if s.snap == nil {
		return nil
	}
	return s.snap.Clone()
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	src := &stubSource{snap: testSnapshot(os.Getpid(), 1)}
	srv := NewServer(src, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	_, ts := newTestServer(t)

	var snap core.DaemonSnapshot
	resp := getJSON(t, ts.URL+"/status", &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	if snap.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", snap.PID, os.Getpid())
	}
	if _, ok := snap.RunningTasks["001-auth"]; !ok {
		t.Fatalf("runningTasks missing 001-auth: %+v", snap.RunningTasks)
	}
}

func TestHandleStatusBeforeFirstPublish(t *testing.T) {
	srv := NewServer(&stubSource{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := getJSON(t, ts.URL+"/status", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %q, want healthy", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.TaskAdmitted()
	m.TaskAdmitted()
	m.TaskCompleted(core.StatusDone)
	m.TaskRecovered()
	m.QAIteration(true)
	m.QAIteration(false)
	m.ObserveSnapshot(testSnapshot(os.Getpid(), 4))

	_, ts := newTestServer(t, WithMetrics(m))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	body := buf.String()

	for _, want := range []string{
		"tasks_admitted_total 2",
		`tasks_completed_total{status="done"} 1`,
		"tasks_recovered_total 1",
		`qa_iterations_total{approved="true"} 1`,
		`qa_iterations_total{approved="false"} 1`,
		"running_tasks 1",
		"queued_tasks 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return env
}

func TestWSInitialSnapshotThenUpdates(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)

	first := readEnvelope(t, conn)
	if first.Kind != "snapshot" {
		t.Fatalf("first message kind = %q, want snapshot", first.Kind)
	}
	if first.Data == nil || first.Data.PID != os.Getpid() {
		t.Fatalf("initial snapshot payload wrong: %+v", first.Data)
	}

	pushed := testSnapshot(os.Getpid(), 2)
	pushed.Timestamp = time.Now().UTC()
	srv.Broadcast(pushed)

	second := readEnvelope(t, conn)
	if second.Kind != "status_update" {
		t.Fatalf("push kind = %q, want status_update", second.Kind)
	}
	if !second.TS.Equal(pushed.Timestamp) {
		t.Fatalf("push ts = %v, want %v", second.TS, pushed.Timestamp)
	}
	if second.Data != nil {
		t.Fatal("status_update must not carry a payload; clients re-read the file")
	}
}

func TestWSDropsDisconnectedClient(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readEnvelope(t, conn) // initial snapshot

	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
	conn.Close()

	snap := testSnapshot(os.Getpid(), 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.Broadcast(snap)
		if srv.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("disconnected client was never dropped, clients = %d", srv.ClientCount())
}

func TestControlRouteDispatchesToBus(t *testing.T) {
	bus := control.NewBus()
	_, ts := newTestServer(t, WithBus(bus))

	resp, err := http.Post(ts.URL+"/control", "application/json",
		strings.NewReader(`{"command":"pause"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", resp.StatusCode)
	}
	var cmd control.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Kind != control.CmdPause || cmd.ID == "" {
		t.Fatalf("receipt = %+v, want pause with id", cmd)
	}
	if !bus.Paused() {
		t.Fatal("bus is not paused after accepted command")
	}
}

func TestControlRouteRequeue(t *testing.T) {
	bus := control.NewBus()
	_, ts := newTestServer(t, WithBus(bus))

	resp, err := http.Post(ts.URL+"/control", "application/json",
		strings.NewReader(`{"command":"requeue","specId":"007-retry"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", resp.StatusCode)
	}

	select {
	case id := <-bus.RequeueCh():
		if id != "007-retry" {
			t.Fatalf("requeued %q, want 007-retry", id)
		}
	default:
		t.Fatal("requeue never reached the bus")
	}
}

func TestControlRouteRejectsBadRequests(t *testing.T) {
	bus := control.NewBus()
	_, ts := newTestServer(t, WithBus(bus))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown command", `{"command":"reboot"}`, http.StatusBadRequest},
		{"requeue without spec", `{"command":"requeue"}`, http.StatusBadRequest},
		{"malformed json", `{"command"`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/control", "application/json",
				strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestControlRouteWithoutBus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/control", "application/json",
		strings.NewReader(`{"command":"stop"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", resp.StatusCode)
	}
}

func TestControlRouteLoopbackOnly(t *testing.T) {
	srv := NewServer(&stubSource{snap: testSnapshot(os.Getpid(), 0)},
		WithBus(control.NewBus()))

	req := httptest.NewRequest(http.MethodPost, "/control",
		strings.NewReader(`{"command":"stop"}`))
	req.RemoteAddr = "10.1.2.3:51000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status code = %d, want 403 for non-loopback caller", rec.Code)
	}
}

func TestStartScansPortRange(t *testing.T) {
	// Occupy a port, then ask the server to start scanning from it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer(&stubSource{snap: testSnapshot(os.Getpid(), 0)},
		WithPortRange(busy, 10))
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown(context.Background())

	if port == busy {
		t.Fatalf("server claims the occupied port %d", busy)
	}
	if port <= busy || port >= busy+10 {
		t.Fatalf("port %d outside scan range (%d,%d)", port, busy, busy+10)
	}

	var body map[string]string
	resp := getJSON(t, fmt.Sprintf("http://127.0.0.1:%d/health", port), &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health on scanned port = %d, want 200", resp.StatusCode)
	}
}

func TestStartFailsWhenRangeExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer(&stubSource{}, WithPortRange(busy, 1))
	if _, err := srv.Start(); err == nil {
		srv.Shutdown(context.Background())
		t.Fatal("Start succeeded with every port occupied")
	}
}
