// Package events provides the per-task append-only journal and the
// in-process notification bus the daemon components communicate over.
package events

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/auto-claude/auto-claude/internal/core"
)

// fsyncKinds are flushed to stable storage before Append returns. QA
// verdicts and terminal task markers must survive a crash.
var fsyncKinds = map[core.EventKind]bool{
	core.EventQAPassed:        true,
	core.EventQAFailed:        true,
	core.EventQAMaxIterations: true,
	core.EventSessionEnd:      true,
	core.EventTask:            true,
}

// Log is one task's journal backed by events.jsonl. Sequence numbers are
// dense starting at 1; concurrent writers in the same process serialize on
// the mutex, and a file lock covers the daemon and its child agents.
//
// A writer that dies mid-append leaves a partial trailing line. The next
// Open truncates it away, so acknowledged events keep whole lines and dense
// sequences.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
	next int64
	size int64
}

// Open opens (creating if needed) the event log in specDir, repairs a torn
// tail, and discovers the next sequence from the last complete line.
func Open(specDir string) (*Log, error) {
	path := filepath.Join(specDir, core.EventLogFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	l := &Log{path: path, file: file}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking event log: %w", err)
	}
	err = l.recover()
	unlockFile(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// recover rescans the journal, truncating an unterminated trailing line and
// resetting the sequence counter. Callers hold the file lock.
func (l *Log) recover() error {
	last, goodEnd, err := scanLog(l.path)
	if err != nil {
		return err
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("statting event log: %w", err)
	}
	if info.Size() > goodEnd {
		// Partial line from a writer that died mid-append. It was never
		// acknowledged, so dropping it loses nothing.
		if err := os.Truncate(l.path, goodEnd); err != nil {
			return fmt.Errorf("truncating torn event log tail: %w", err)
		}
	}
	if last >= l.next {
		l.next = last + 1
	}
	l.size = goodEnd
	return nil
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event and returns its assigned sequence number.
func (l *Log) Append(kind core.EventKind, payload map[string]interface{}) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, fmt.Errorf("event log closed")
	}

	if err := lockFile(l.file); err != nil {
		return 0, fmt.Errorf("locking event log: %w", err)
	}
	defer unlockFile(l.file)

	// A child process may have appended since our last write. The size
	// changing means our counter is stale.
	info, err := l.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("statting event log: %w", err)
	}
	if info.Size() != l.size {
		if err := l.recover(); err != nil {
			return 0, err
		}
	}

	ev := core.Event{
		Sequence: l.next,
		TS:       time.Now().UTC(),
		Kind:     kind,
		Payload:  payload,
	}
	line, err := ev.MarshalLine()
	if err != nil {
		return 0, fmt.Errorf("marshaling event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	if fsyncKinds[kind] {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("syncing event log: %w", err)
		}
	}
	l.size += int64(len(line))

	seq := l.next
	l.next++
	return seq, nil
}

// Read returns all events with sequence >= fromSeq. A truncated trailing
// line (a writer is mid-append or died there) is silently ignored;
// corruption anywhere else is an error.
func (l *Log) Read(fromSeq int64) ([]core.Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer file.Close()

	var out []core.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var parseErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// A line failed to parse and was not the last one in the file.
		if parseErr != nil {
			return nil, parseErr
		}
		ev, err := core.UnmarshalLine(line)
		if err != nil {
			parseErr = fmt.Errorf("corrupt event line: %w", err)
			continue
		}
		if ev.Sequence >= fromSeq {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return out, nil
}

// LastActivity reports when the journal was last appended to.
func (l *Log) LastActivity() (time.Time, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// scanLog walks the journal once, returning the highest sequence seen on a
// parseable line and the byte offset just past the last newline-terminated
// line. Missing files yield zeros.
func scanLog(path string) (last int64, goodEnd int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("reading event log: %w", err)
	}

	offset := int64(0)
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		if len(bytes.TrimSpace(line)) > 0 {
			if ev, err := core.UnmarshalLine(line); err == nil && ev.Sequence > last {
				last = ev.Sequence
			}
		}
		offset += int64(idx) + 1
		data = data[idx+1:]
	}
	return last, offset, nil
}

// Opener creates per-task logs. It satisfies the daemon's EventLogOpener
// dependency.
type Opener struct{}

// Open opens the journal for one spec dir.
func (Opener) Open(specDir string) (core.EventLog, error) {
	return Open(specDir)
}

var (
	_ core.EventLog       = (*Log)(nil)
	_ core.EventLogOpener = Opener{}
)
