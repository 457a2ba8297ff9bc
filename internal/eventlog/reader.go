package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// maxLineBytes bounds a single log line. One record must fit in one
// line for the all-or-nothing append guarantee to hold.
const maxLineBytes = 4 * 1024 * 1024

// LineError reports one unparsable log line. Iteration continues past
// it; the caller decides whether to skip or abort.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("event log corrupted at line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader streams a run's events. Any number of readers can run
// concurrently; they also read alongside a live writer, whose appends
// are whole lines.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
	lastSeq uint64
}

// OpenReader opens the log for runID with a shared lock. A missing log
// yields ErrNotFound.
func OpenReader(dir Dir, runID string) (*Reader, error) {
	path, err := dir.ForRun(runID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	// take the shared lock when free; a live writer holds the
	// exclusive lock, and reads are safe alongside it since every
	// record is a single appended line
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil && err != unix.EWOULDBLOCK {
		_ = file.Close()
		return nil, fmt.Errorf("lock event log %s: %w", path, err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{file: file, scanner: scanner}, nil
}

// Next returns the next event. A malformed line yields a *LineError
// without ending iteration; so does a record whose event_seq does not
// advance past the last accepted one, since the writer never emits
// duplicate or decreasing sequence numbers. (zero, nil, false) signals
// end of log.
func (r *Reader) Next() (RunEvent, error, bool) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" {
			continue
		}
		var event RunEvent
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return RunEvent{}, &LineError{Line: r.line, Err: err}, true
		}
		if event.EventSeq == 0 {
			return RunEvent{}, &LineError{Line: r.line, Err: fmt.Errorf("missing event_seq")}, true
		}
		if event.EventSeq <= r.lastSeq {
			return RunEvent{}, &LineError{Line: r.line, Err: fmt.Errorf("non-monotonic event_seq %d after %d", event.EventSeq, r.lastSeq)}, true
		}
		r.lastSeq = event.EventSeq
		return event, nil, true
	}
	if err := r.scanner.Err(); err != nil {
		return RunEvent{}, fmt.Errorf("read event log: %w", err), true
	}
	return RunEvent{}, nil, false
}

// LoadAll materializes the remaining events, skipping malformed lines
// with a warning. I/O errors still abort.
func (r *Reader) LoadAll() ([]RunEvent, error) {
	var events []RunEvent
	for {
		event, err, more := r.Next()
		if !more {
			return events, nil
		}
		if err != nil {
			var lineErr *LineError
			if errors.As(err, &lineErr) {
				slog.Warn("skipping malformed event", "line", lineErr.Line, "error", lineErr.Err)
				continue
			}
			return events, err
		}
		events = append(events, event)
	}
}

// Line returns the number of the last line read, for error reporting.
func (r *Reader) Line() int { return r.line }

// Close releases the shared lock and closes the file.
func (r *Reader) Close() error {
	_ = unix.Flock(int(r.file.Fd()), unix.LOCK_UN)
	return r.file.Close()
}
