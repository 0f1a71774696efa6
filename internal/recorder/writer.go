package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// Writer appends rejected-action records to one JSONL file. A single
// goroutine owns the file; Write blocks until its batch is flushed.
type Writer struct {
	path string
	// staged is the temporary file a staged writer fills; Commit moves it to
	// path.
	staged    string
	overwrite bool

	reqs chan batch
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	err       error
	lines     int
}

type batch struct {
	records []types.RejectedActionRecord
	ack     chan error
}

// OpenWriter opens path for appending and starts the owning goroutine.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sidecar directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar %s: %w", path, err)
	}
	w := startWriter(&Writer{path: path}, f)
	logging.RecorderDebug("Opened sidecar %s", path)
	return w, nil
}

// OpenStagedWriter writes to a temporary file next to path. Nothing appears
// at path until Commit. Without overwrite an existing path is a
// *types.WriteConflictError, both here and at Commit.
func OpenStagedWriter(path string, overwrite bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sidecar directory: %w", err)
	}
	if !overwrite {
		if _, err := os.Lstat(path); err == nil {
			return nil, &types.WriteConflictError{Path: path}
		}
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to stage sidecar %s: %w", path, err)
	}
	w := startWriter(&Writer{path: path, staged: f.Name(), overwrite: overwrite}, f)
	logging.RecorderDebug("Staging sidecar %s in %s", path, w.staged)
	return w, nil
}

func startWriter(w *Writer, f *os.File) *Writer {
	w.reqs = make(chan batch)
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(f)
	return w
}

// Path returns the sidecar path.
func (w *Writer) Path() string { return w.path }

func (w *Writer) loop(f *os.File) {
	defer close(w.done)
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	for {
		var b batch
		select {
		case b = <-w.reqs:
		case <-w.quit:
			if err := f.Close(); err != nil && w.err == nil {
				w.err = fmt.Errorf("failed to close sidecar %s: %w", w.path, err)
			}
			return
		}
		var err error
		for i := range b.records {
			if err = enc.Encode(&b.records[i]); err != nil {
				break
			}
			w.lines++
		}
		if err == nil {
			err = buf.Flush()
		}
		if err != nil {
			err = fmt.Errorf("failed to write sidecar %s: %w", w.path, err)
			if w.err == nil {
				w.err = err
			}
		}
		b.ack <- err
	}
}

// Write appends records and waits until they are flushed.
func (w *Writer) Write(ctx context.Context, records []types.RejectedActionRecord) error {
	if len(records) == 0 {
		return nil
	}
	b := batch{records: records, ack: make(chan error, 1)}
	select {
	case w.reqs <- b:
	case <-w.done:
		return fmt.Errorf("sidecar %s is closed", w.path)
	case <-ctx.Done():
		return ctx.Err()
	}
	// The batch is in flight; wait for it so a canceled run never leaves a
	// partial line behind.
	return <-b.ack
}

// Close stops the writer and closes the file. It returns the first write
// error, if any. Writes after Close fail.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
	return w.err
}

// Commit closes the writer and, for a staged writer, moves the staged file
// to its final path. On failure the staged file is removed.
func (w *Writer) Commit() error {
	if err := w.Close(); err != nil {
		w.removeStaged()
		return err
	}
	if w.staged == "" {
		return nil
	}
	defer w.removeStaged()
	if w.overwrite {
		if err := os.Rename(w.staged, w.path); err != nil {
			return fmt.Errorf("failed to publish sidecar %s: %w", w.path, err)
		}
		return nil
	}
	// Link refuses an existing target, unlike Rename.
	if err := os.Link(w.staged, w.path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &types.WriteConflictError{Path: w.path}
		}
		return fmt.Errorf("failed to publish sidecar %s: %w", w.path, err)
	}
	return nil
}

// Discard closes the writer and removes a staged file. The final path is
// left untouched.
func (w *Writer) Discard() error {
	err := w.Close()
	w.removeStaged()
	return err
}

func (w *Writer) removeStaged() {
	if w.staged == "" {
		return
	}
	if err := os.Remove(w.staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.RecorderWarn("Failed to remove staged sidecar %s: %v", w.staged, err)
	}
}

// Lines returns the number of records written. Valid after Close.
func (w *Writer) Lines() int {
	<-w.done
	return w.lines
}
