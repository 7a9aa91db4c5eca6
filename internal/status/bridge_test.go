package status

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
)

// freePortBase finds a port range the bridge can bind during the test.
func freePortBase(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	base := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return base
}

func newTestBridge(t *testing.T, enabled bool) (*Bridge, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), core.StatusFileName)
	b, err := New(Config{
		Path: path,
		Status: config.StatusConfig{
			Enabled:             enabled,
			PortBase:            freePortBase(t),
			PortAttempts:        10,
			PublishIntervalSecs: 3600,
		},
		Bus: control.NewBus(),
	})
	if err != nil {
		t.Fatalf("New bridge: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, path
}

func TestBridgePublishesPortInFile(t *testing.T) {
	b, path := newTestBridge(t, true)
	if b.Port() == 0 {
		t.Fatal("bridge did not bind a websocket port")
	}

	if err := b.Publish(testSnapshot(os.Getpid(), 2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForFile(t, path)

	snap := readStatusFile(t, path)
	if snap.WSPort == nil || *snap.WSPort != b.Port() {
		t.Fatalf("wsPort in file = %v, want %d", snap.WSPort, b.Port())
	}
}

func TestBridgeFileOnlyWhenDisabled(t *testing.T) {
	b, path := newTestBridge(t, false)
	if b.Port() != 0 {
		t.Fatalf("disabled bridge bound port %d", b.Port())
	}

	if err := b.Publish(testSnapshot(os.Getpid(), 0)); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, path)

	if snap := readStatusFile(t, path); snap.WSPort != nil {
		t.Fatalf("wsPort should be null without a server, got %d", *snap.WSPort)
	}
}

func TestBridgePushFollowsFileWrite(t *testing.T) {
	b, path := newTestBridge(t, true)

	if err := b.Publish(testSnapshot(os.Getpid(), 0)); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, path)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", b.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	first := readEnvelope(t, conn)
	if first.Kind != "snapshot" {
		t.Fatalf("first message kind = %q, want snapshot", first.Kind)
	}

	if err := b.Publish(testSnapshot(os.Getpid(), 5)); err != nil {
		t.Fatal(err)
	}
	update := readEnvelope(t, conn)
	if update.Kind != "status_update" {
		t.Fatalf("push kind = %q, want status_update", update.Kind)
	}

	// The push trails the write: by the time the hint arrives, the file
	// already holds the state it announces.
	snap := readStatusFile(t, path)
	if snap.Stats.Queued != 5 {
		t.Fatalf("file stats.queued = %d, want 5 at push time", snap.Stats.Queued)
	}
	if !snap.Timestamp.Equal(update.TS) {
		t.Fatalf("file ts %v != push ts %v", snap.Timestamp, update.TS)
	}
}

func TestBridgeServesControlRoute(t *testing.T) {
	b, _ := newTestBridge(t, true)

	url := fmt.Sprintf("http://127.0.0.1:%d/control", b.Port())
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"command":"pause"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", resp.StatusCode)
	}
}

func TestBridgeCloseWritesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), core.StatusFileName)
	b, err := New(Config{
		Path:   path,
		Status: config.StatusConfig{Enabled: false, PublishIntervalSecs: 3600},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := testSnapshot(os.Getpid(), 0)
	final.Running = false
	if err := b.Publish(final); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if snap := readStatusFile(t, path); snap.Running {
		t.Fatal("final not-running snapshot never reached disk")
	}
}

func TestBridgeFallsBackWhenPortsExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	path := filepath.Join(t.TempDir(), core.StatusFileName)
	b, err := New(Config{
		Path: path,
		Status: config.StatusConfig{
			Enabled:             true,
			PortBase:            busy,
			PortAttempts:        1,
			PublishIntervalSecs: 3600,
		},
	})
	if err != nil {
		t.Fatalf("bind failure must downgrade, not fail: %v", err)
	}
	defer b.Close()

	if b.Port() != 0 {
		t.Fatalf("port = %d, want 0 after failed bind", b.Port())
	}
	if err := b.Publish(testSnapshot(os.Getpid(), 0)); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, path)
}
