package validators

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// devServer is one background dev-server process started for UI validation.
// It always dies through stop(); leaking a node/flutter tree past the
// validator poisons later port polls.
type devServer struct {
	cmd      *exec.Cmd
	output   *boundedBuffer
	done     chan struct{}
	stopOnce sync.Once
}

// startDevServer launches the command through the platform shell in its own
// process group with combined output capture.
func startDevServer(command, dir string, extraEnv []string) (*devServer, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", command)
	} else {
		cmd = exec.Command("sh", "-c", command)
	}
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}

	output := newBoundedBuffer(32 * 1024)
	cmd.Stdout = output
	cmd.Stderr = output
	configureGroupAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting dev server: %w", err)
	}

	s := &devServer{cmd: cmd, output: output, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// stop terminates the whole tree: SIGTERM to the group, 10s, SIGKILL, 5s.
// Idempotent; called on every validator exit path.
func (s *devServer) stop() {
	s.stopOnce.Do(func() {
		select {
		case <-s.done:
			return
		default:
		}
		terminateGroup(s.cmd)
		select {
		case <-s.done:
			return
		case <-time.After(10 * time.Second):
		}
		killGroupHard(s.cmd)
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
		}
	})
}

// exited reports whether the server process has died.
func (s *devServer) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// portInUse reports whether something accepts connections on the port.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitForPort polls until the port accepts connections, the server dies, or
// the deadline passes.
func waitForPort(ctx context.Context, srv *devServer, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if srv != nil && srv.exited() {
			return fmt.Errorf("dev server exited before opening port %d", port)
		}
		if portInUse(port) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("port %d not ready after %v", port, timeout)
}

var (
	portFlagRe = regexp.MustCompile(`--(?:web-)?port[=\s]+(\d+)`)
	portHostRe = regexp.MustCompile(`(?:localhost|127\.0\.0\.1):(\d{2,5})`)
)

// devServerMount is the resolved dev-server target for one service.
type devServerMount struct {
	Command string
	Dir     string
	Port    int
}

// resolveDevServer picks the first indexed service with a dev command and
// derives its port: explicit index value, a port flag in the command, a
// host:port in the command, else the conventional 3000.
func resolveDevServer(vctx core.ValidatorContext) *devServerMount {
	if vctx.Index == nil {
		return nil
	}
	for _, svc := range vctx.Index.Services {
		if svc.DevCommand == "" {
			continue
		}
		mount := &devServerMount{Command: svc.DevCommand, Dir: vctx.WorkingDir, Port: svc.DevPort}
		if svc.Path != "" {
			mount.Dir = filepath.Join(vctx.WorkingDir, svc.Path)
		}
		if mount.Port == 0 {
			if m := portFlagRe.FindStringSubmatch(svc.DevCommand); m != nil {
				mount.Port, _ = strconv.Atoi(m[1])
			} else if m := portHostRe.FindStringSubmatch(svc.DevCommand); m != nil {
				mount.Port, _ = strconv.Atoi(m[1])
			}
		}
		if mount.Port == 0 {
			mount.Port = 3000
		}
		return mount
	}
	return nil
}
