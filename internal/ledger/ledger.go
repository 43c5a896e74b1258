// Package ledger records which capture files have been fully ingested so a
// restarted worker never appends the same rows twice.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Ledger is an append-only, newline-delimited list of file paths.
type Ledger struct {
	path string

	mu   sync.Mutex
	seen map[string]struct{}
	f    *os.File
}

// Open loads the ledger at path, creating parent directories as needed. A
// missing ledger is an empty one.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}

	l := &Ledger{path: path, seen: make(map[string]struct{})}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l.f = f
	return l, nil
}

func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: read: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			l.seen[line] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ledger: read: %w", err)
	}
	return nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Len returns the number of recorded files.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Contains reports whether name has been recorded.
func (l *Ledger) Contains(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[name]
	return ok
}

// CheckName reports whether name can be stored as one ledger line.
func CheckName(name string) error {
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("ledger: name contains a newline: %q", name)
	}
	return nil
}

// Add records name and syncs the ledger to disk. Recording a name twice is
// a no-op.
func (l *Ledger) Add(name string) error {
	if err := CheckName(name); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[name]; ok {
		return nil
	}
	if l.f == nil {
		return errors.New("ledger: closed")
	}
	if _, err := l.f.WriteString(name + "\n"); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("ledger: sync: %w", err)
	}
	l.seen[name] = struct{}{}
	return nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
