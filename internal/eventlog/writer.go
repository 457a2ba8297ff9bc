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

var (
	// ErrLocked means another writer holds the run's log exclusively.
	ErrLocked = errors.New("event log is locked by another process")
	// ErrNotFound means the run has no log file.
	ErrNotFound = errors.New("event log not found")
	// ErrClosed means the writer was already closed.
	ErrClosed = errors.New("event log writer is closed")
)

// Writer appends events to a single run's JSONL log. It holds an
// exclusive advisory lock for its whole lifetime; the lock dies with
// the process, so a crash never leaves a stale lock behind.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	path    string
	runID   string
	nextSeq uint64
	closed  bool
}

// OpenWriter opens (creating if absent) the log for runID under dir,
// acquires the exclusive lock without blocking, and scans any existing
// content to continue the sequence after the highest event_seq seen.
// Corrupt lines in an existing log are skipped with a warning.
func OpenWriter(dir Dir, runID string) (*Writer, error) {
	path, err := dir.ForRun(runID)
	if err != nil {
		return nil, err
	}
	if err := dir.Ensure(); err != nil {
		return nil, fmt.Errorf("create runs directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	maxSeq, err := scanMaxSeq(path)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Writer{
		file:    file,
		buf:     bufio.NewWriter(file),
		path:    path,
		runID:   runID,
		nextSeq: maxSeq + 1,
	}, nil
}

// scanMaxSeq reads an existing log and returns the highest event_seq.
// Unparsable lines are skipped, not fatal: a crash mid-write leaves at
// worst one trailing corrupt line.
func scanMaxSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("scan event log %s: %w", path, err)
	}
	defer f.Close()

	var maxSeq uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var probe struct {
			EventSeq uint64 `json:"event_seq"`
		}
		if err := json.Unmarshal([]byte(text), &probe); err != nil {
			slog.Warn("skipping corrupt event log line", "path", path, "line", line, "error", err)
			continue
		}
		if probe.EventSeq > maxSeq {
			maxSeq = probe.EventSeq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return maxSeq, nil
}

// NextSeq returns the sequence number the next append will receive.
func (w *Writer) NextSeq() uint64 { return w.nextSeq }

// RunID returns the run this writer belongs to.
func (w *Writer) RunID() string { return w.runID }

// Append assigns the next event_seq and writes the event as one line.
// The write is buffered; call Sync at checkpoints for durability.
func (w *Writer) Append(event RunEvent) error {
	if w.closed {
		return ErrClosed
	}
	event.EventSeq = w.nextSeq
	if event.RunID == "" {
		event.RunID = w.runID
	}
	if event.V == "" {
		event.V = SchemaVersion
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := w.buf.Write(encoded); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	w.nextSeq++
	return nil
}

// Sync flushes the buffer and forces the data to stable storage.
func (w *Writer) Sync() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

// Close flushes, releases the exclusive lock, and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	_ = unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("flush event log on close: %w", flushErr)
	}
	return closeErr
}
