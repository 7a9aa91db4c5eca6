// Package lockfile implements pid-stamped exclusive lock files. A lock is
// a file created with O_EXCL containing "pid timestamp"; staleness is
// decided by process liveness, never by signaling the holder.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrHeld reports that a live process holds the lock.
type ErrHeld struct {
	Path string
	PID  int
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("lock %s held by pid %d", e.Path, e.PID)
}

// Lock is one acquired lock file. Release removes it only while this
// process still owns it.
type Lock struct {
	path string
	pid  int
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// TryAcquire attempts to take the lock once. A lock held by a live process
// returns *ErrHeld; a stale lock (holder pid dead or content unreadable) is
// removed and taken over.
func TryAcquire(path string) (*Lock, error) {
	pid := os.Getpid()
	if err := writeExclusive(path, pid); err == nil {
		return &Lock{path: path, pid: pid}, nil
	} else if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	holder, ok := Holder(path)
	if ok && PidAlive(holder) {
		return nil, &ErrHeld{Path: path, PID: holder}
	}

	// Stale: the holder is gone or the file is garbage. Remove and retry
	// once; losing the race to another acquirer surfaces as ErrHeld.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := writeExclusive(path, pid); err != nil {
		if errors.Is(err, os.ErrExist) {
			if holder, ok := Holder(path); ok {
				return nil, &ErrHeld{Path: path, PID: holder}
			}
			return nil, &ErrHeld{Path: path, PID: 0}
		}
		return nil, err
	}
	return &Lock{path: path, pid: pid}, nil
}

// Acquire takes the lock, retrying every retryEvery while a live holder
// has it, until the context expires.
func Acquire(ctx context.Context, path string, retryEvery time.Duration) (*Lock, error) {
	for {
		lock, err := TryAcquire(path)
		if err == nil {
			return lock, nil
		}
		var held *ErrHeld
		if !errors.As(err, &held) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryEvery):
		}
	}
}

// Release removes the lock file if this process still owns it. A lock
// taken over by someone else (crash recovery) is left alone.
func (l *Lock) Release() error {
	holder, ok := Holder(l.path)
	if !ok || holder != l.pid {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Holder reads the pid recorded in the lock file. ok is false when the
// file is missing or its content does not parse.
func Holder(path string) (pid int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func writeExclusive(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", pid, time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// PidAlive reports whether a process with the given pid exists. The probe
// never signals the target, which matters on Windows where signal-based
// checks can terminate it.
func PidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
