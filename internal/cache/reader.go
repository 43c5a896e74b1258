package cache

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"time"

	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/logging"
)

// ErrNoData reports a cache file that is absent, empty or has no header.
// It is not a failure: the caller keeps its previous snapshot.
var ErrNoData = errors.New("cache: no data")

// Reader loads the cache file whenever it changes on disk.
type Reader struct {
	path   string
	schema *features.Schema
	logger *logging.Logger

	modTime time.Time
	size    int64
	snap    *Snapshot
}

// NewReader returns a reader aligning rows to schema.
func NewReader(path string, schema *features.Schema, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.CacheLogger()
	}
	return &Reader{path: path, schema: schema, logger: logger}
}

// Snapshot returns the last successfully loaded snapshot, or nil.
func (r *Reader) Snapshot() *Snapshot {
	return r.snap
}

// Load reloads the file if its modification time or size changed since the
// last successful load. It reports whether a new snapshot was produced. On
// any error the previous snapshot is returned unchanged and the next call
// retries the read.
func (r *Reader) Load() (*Snapshot, bool, error) {
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return r.snap, false, fmt.Errorf("%w: %s does not exist", ErrNoData, r.path)
	}
	if err != nil {
		return r.snap, false, fmt.Errorf("cache: stat: %w", err)
	}
	if r.snap != nil && info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return r.snap, false, nil
	}
	if info.Size() == 0 {
		return r.snap, false, fmt.Errorf("%w: %s is empty", ErrNoData, r.path)
	}

	snap, err := r.read()
	if err != nil {
		return r.snap, false, err
	}

	r.snap = snap
	r.modTime = info.ModTime()
	r.size = info.Size()
	if snap.dropped > 0 {
		r.logger.Warn("dropped malformed cache rows", logging.Count("dropped", int64(snap.dropped)))
	}
	return snap, true, nil
}

func (r *Reader) read() (*Snapshot, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("cache: open: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s has no header", ErrNoData, r.path)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read header: %w", err)
	}

	al, err := r.schema.Align(header)
	if err != nil {
		return nil, err
	}
	if len(al.Missing) > 0 {
		r.logger.Debug("cache lacks features, zero-filling", "missing", al.Missing)
	}

	snap := newSnapshot(r.schema)
	snap.Missing = al.Missing
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			snap.dropped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cache: read: %w", err)
		}

		v, err := al.Row(rec)
		if err != nil {
			snap.dropped++
			r.logger.Debug("dropping cache row", "line", line, logging.Err(err))
			continue
		}
		snap.add(v)
	}
	return snap, nil
}

// Snapshot is an immutable view of the cache at one load.
type Snapshot struct {
	// Missing lists schema features absent from the file.
	Missing []string

	schema  *features.Schema
	rows    []features.Vector
	byIP    map[netip.Addr][]int
	ips     []netip.Addr
	dropped int
}

func newSnapshot(schema *features.Schema) *Snapshot {
	return &Snapshot{schema: schema, byIP: make(map[netip.Addr][]int)}
}

func (s *Snapshot) add(v features.Vector) {
	if _, ok := s.byIP[v.SrcIP]; !ok {
		s.ips = append(s.ips, v.SrcIP)
	}
	s.byIP[v.SrcIP] = append(s.byIP[v.SrcIP], len(s.rows))
	s.rows = append(s.rows, v)
}

// Len returns the number of rows.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Dropped returns the number of malformed rows skipped during the load.
func (s *Snapshot) Dropped() int {
	if s == nil {
		return 0
	}
	return s.dropped
}

// IPs returns the distinct source addresses in first-seen order.
func (s *Snapshot) IPs() []netip.Addr {
	if s == nil {
		return nil
	}
	out := make([]netip.Addr, len(s.ips))
	copy(out, s.ips)
	return out
}

// Latest returns the most recent row for ip whose destination port is
// port. When the schema carries no destination port every row matches.
// Rows sharing the newest timestamp resolve to the last one written.
func (s *Snapshot) Latest(ip netip.Addr, port uint16) (features.Vector, bool) {
	if s == nil {
		return features.Vector{}, false
	}

	portIdx, hasPort := s.schema.Index("destination port")
	var (
		best  features.Vector
		found bool
	)
	for _, i := range s.byIP[ip] {
		v := s.rows[i]
		if hasPort && v.Values[portIdx] != float64(port) {
			continue
		}
		if !found || !v.Timestamp.Before(best.Timestamp) {
			best, found = v, true
		}
	}
	return best, found
}
