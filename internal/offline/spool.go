package offline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/outboxd/internal/ops"
)

// maxLineSize bounds one spooled action.
const maxLineSize = 4 << 20

// Spool is the durable JSONL file holding offline actions, one per line.
//
// Appends are fsynced before returning. Rewrites go through a temp file and
// rename so a crash leaves either the old or the new spool, never a mix.
type Spool struct {
	path string
	mu   sync.Mutex
}

// OpenSpool prepares a spool at path, creating its directory if needed.
// The file itself is created on first append.
func OpenSpool(path string) (*Spool, error) {
	if path == "" {
		return nil, fmt.Errorf("open spool: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return &Spool{path: path}, nil
}

// Path returns the spool file path.
func (s *Spool) Path() string {
	return s.path
}

// Append durably adds a to the end of the spool.
func (s *Spool) Append(a ops.OfflineAction) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("spool append: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("spool append: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("spool append: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("spool append: sync: %w", err)
	}
	return f.Close()
}

// Load returns every spooled action in file order. A missing spool is empty.
// Lines that do not decode, such as a torn final write, are skipped with a
// warning.
func (s *Spool) Load() ([]ops.OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Update loads the spool, passes it to fn and writes back the result if fn
// reports a change. The whole exchange holds the spool lock.
func (s *Spool) Update(fn func([]ops.OfflineAction) ([]ops.OfflineAction, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions, err := s.loadLocked()
	if err != nil {
		return err
	}
	next, changed := fn(actions)
	if !changed {
		return nil
	}
	return s.rewriteLocked(next)
}

func (s *Spool) loadLocked() ([]ops.OfflineAction, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []ops.OfflineAction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool load: %w", err)
	}
	defer f.Close()

	actions := []ops.OfflineAction{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var a ops.OfflineAction
		if err := json.Unmarshal(line, &a); err != nil {
			slog.Warn("skipping unreadable spool line", "path", s.path, "line", lineNo, "error", err)
			continue
		}
		actions = append(actions, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("spool load: line %d: %w", lineNo+1, err)
	}
	return actions, nil
}

func (s *Spool) rewriteLocked(actions []ops.OfflineAction) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("spool rewrite: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, a := range actions {
		if err := enc.Encode(a); err != nil {
			tmp.Close()
			return fmt.Errorf("spool rewrite: encode %s: %w", a.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool rewrite: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("spool rewrite: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("spool rewrite: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("spool rewrite: rename: %w", err)
	}
	return nil
}
