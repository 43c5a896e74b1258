// Package cache implements the append-only feature table shared by the
// worker (writer) and the detector (reader).
package cache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Lolpotch/burai/internal/features"
)

// Writer appends feature vectors to the cache file.
type Writer struct {
	path   string
	schema *features.Schema
	mu     sync.Mutex
}

// NewWriter returns a writer for path using schema's column layout.
func NewWriter(path string, schema *features.Schema) *Writer {
	return &Writer{path: path, schema: schema}
}

// Path returns the cache file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes vectors as rows, writing the header first when the file is
// absent or empty. An existing header that does not match the schema is
// left untouched and features.ErrSchemaMismatch is returned.
func (w *Writer) Append(vectors []features.Vector) (int, error) {
	if len(vectors) == 0 {
		return 0, nil
	}

	records := make([][]string, 0, len(vectors))
	for _, v := range vectors {
		rec, err := w.schema.Record(v)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return 0, fmt.Errorf("cache: create dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("cache: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("cache: stat: %w", err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(w.schema.Header()); err != nil {
			return 0, fmt.Errorf("cache: write header: %w", err)
		}
	} else {
		if err := w.checkHeader(f); err != nil {
			return 0, err
		}
		if err := terminateLastLine(f, info.Size()); err != nil {
			return 0, err
		}
	}

	if err := cw.WriteAll(records); err != nil {
		return 0, fmt.Errorf("cache: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("cache: sync: %w", err)
	}
	return len(records), nil
}

func (w *Writer) checkHeader(f *os.File) error {
	header, err := csv.NewReader(io.NewSectionReader(f, 0, 1<<20)).Read()
	if err != nil {
		return fmt.Errorf("%w: unreadable header: %v", features.ErrSchemaMismatch, err)
	}
	want := w.schema.Header()
	if len(header) != len(want) {
		return fmt.Errorf("%w: cache has %d columns, writer has %d", features.ErrSchemaMismatch, len(header), len(want))
	}
	for i := range want {
		if strings.TrimSpace(header[i]) != want[i] {
			return fmt.Errorf("%w: cache column %d is %q, want %q", features.ErrSchemaMismatch, i, header[i], want[i])
		}
	}
	return nil
}

// terminateLastLine adds a newline when a previous append was cut short,
// so the next row does not merge into the partial one.
func terminateLastLine(f *os.File, size int64) error {
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cache: read tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("cache: repair tail: %w", err)
	}
	return nil
}
