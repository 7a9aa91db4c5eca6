package agentcli

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

// scriptSession starts a session over "sh <script>" for stream testing.
func scriptSession(t *testing.T, ctx context.Context, script string) *session {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh-based session tests are unix only")
	}

	path := filepath.Join(t.TempDir(), "stream.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("sh", path)
	configureProcAttr(cmd)

	s, err := startSession(ctx, "test-session", cmd, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("startSession: %v", err)
	}
	return s
}

func TestSessionStreamsEvents(t *testing.T) {
	script := `echo '{"type":"system","subtype":"init","tools":["Bash"]}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success","usage":{"input_tokens":10,"output_tokens":4}}'
`
	s := scriptSession(t, context.Background(), script)

	var types []core.SessionEventType
	for ev := range s.Events() {
		types = append(types, ev.Type)
	}

	want := []core.SessionEventType{
		core.SessionEventStart,
		core.SessionEventAssistantText,
		core.SessionEventEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(types), types, len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}

	final, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != core.SessionOK {
		t.Errorf("Status = %q, want ok", final.Status)
	}
	if final.TokensIn != 10 || final.TokensOut != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", final.TokensIn, final.TokensOut)
	}
	if s.ID() != "test-session" {
		t.Errorf("ID = %q", s.ID())
	}
}

func TestSessionSynthesizesEndOnCrash(t *testing.T) {
	script := `echo '{"type":"system","subtype":"init"}'
echo 'fatal: something broke' >&2
exit 3
`
	s := scriptSession(t, context.Background(), script)

	final, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Type != core.SessionEventEnd {
		t.Fatalf("Type = %q, want session_end", final.Type)
	}
	if final.Status != core.SessionError {
		t.Errorf("Status = %q, want error", final.Status)
	}
	if final.ErrorText == "" {
		t.Error("ErrorText should carry exit state")
	}
	if !strings.Contains(final.ErrorText, "something broke") {
		t.Errorf("ErrorText should carry stderr tail, got %q", final.ErrorText)
	}
}

func TestSessionExitZeroWithoutResultLine(t *testing.T) {
	s := scriptSession(t, context.Background(), "echo 'plain text only'\n")

	final, err := s.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != core.SessionOK {
		t.Errorf("Status = %q, want ok for clean exit", final.Status)
	}
}

func TestSessionCancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := scriptSession(t, ctx, "sleep 30\n")
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()

	final, err := s.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != core.SessionCancelled {
		t.Errorf("Status = %q, want cancelled", final.Status)
	}
}

func TestSessionCloseKillsProcess(t *testing.T) {
	s := scriptSession(t, context.Background(), "sleep 30\n")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()

	final, err := s.Wait(waitCtx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != core.SessionCancelled {
		t.Errorf("Status = %q, want cancelled", final.Status)
	}
}

func TestSessionWaitHonorsContext(t *testing.T) {
	s := scriptSession(t, context.Background(), "sleep 30\n")
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected context error from Wait on a running session")
	}
}

func TestSessionHeartbeat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh-based session tests are unix only")
	}

	beats := make(chan time.Time, 16)
	path := filepath.Join(t.TempDir(), "stream.sh")
	script := "echo line1\necho line2\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command("sh", path)
	configureProcAttr(cmd)
	s, err := startSession(context.Background(), "hb", cmd, logging.NewNop(), func(ts time.Time) {
		select {
		case beats <- ts:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if _, err := s.Wait(waitCtx); err != nil {
		t.Fatal(err)
	}

	if len(beats) != 2 {
		t.Errorf("heartbeats = %d, want 2", len(beats))
	}
}
