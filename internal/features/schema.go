// Package features describes the ordered feature schema shared by the flow
// assembler, the feature cache and the classifier gateway.
package features

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Bookkeeping columns appended after the feature columns.
const (
	ColSrcIP     = "src_ip"
	ColDstIP     = "dst_ip"
	ColTimestamp = "timestamp"
)

var (
	// ErrSchemaMismatch reports a vector, table or model whose columns do not
	// match the expected schema.
	ErrSchemaMismatch = errors.New("features: schema mismatch")

	// ErrUnknownFeature reports a feature name with no registered extractor.
	ErrUnknownFeature = errors.New("features: unknown feature")

	// ErrNonFinite reports a NaN or infinite statistic.
	ErrNonFinite = errors.New("features: non-finite value")
)

// Field is one named, typed feature column.
type Field struct {
	Name string
	Kind Kind
}

// Schema is an ordered list of feature fields. The order is significant and
// must match the order the classifier was trained with.
type Schema struct {
	fields   []Field
	extracts []extractor
	index    map[string]int
}

// NewSchema builds a schema from registered feature names.
func NewSchema(names ...string) (*Schema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty feature list", ErrSchemaMismatch)
	}

	s := &Schema{
		fields:   make([]Field, 0, len(names)),
		extracts: make([]extractor, 0, len(names)),
		index:    make(map[string]int, len(names)),
	}
	for _, name := range names {
		def, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate feature %q", ErrSchemaMismatch, name)
		}
		s.index[name] = len(s.fields)
		s.fields = append(s.fields, Field{Name: name, Kind: def.kind})
		s.extracts = append(s.extracts, def.extract)
	}
	return s, nil
}

// Default returns the schema of the shipped classifier.
func Default() *Schema {
	s, err := NewSchema(DefaultFeatures...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of feature columns.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Fields returns a copy of the ordered fields.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Names returns the ordered feature names.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Index returns the position of a feature.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Header returns the cache table header: features, then bookkeeping.
func (s *Schema) Header() []string {
	return append(s.Names(), ColSrcIP, ColDstIP, ColTimestamp)
}

// Equal reports whether two schemas have the same ordered names.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

// CheckNames verifies that names are exactly the schema's names in order.
func (s *Schema) CheckNames(names []string) error {
	if len(names) != len(s.fields) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrSchemaMismatch, len(names), len(s.fields))
	}
	for i, n := range names {
		if n != s.fields[i].Name {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i, n, s.fields[i].Name)
		}
	}
	return nil
}

// Vector is an immutable feature row in schema order with its bookkeeping.
type Vector struct {
	Values    []float64
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Timestamp time.Time
}

// Build projects flow statistics onto the schema.
func (s *Schema) Build(st *Stats, src, dst netip.Addr, at time.Time) (Vector, error) {
	values := make([]float64, len(s.fields))
	for i, extract := range s.extracts {
		v := extract(st)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Vector{}, fmt.Errorf("%w: %s", ErrNonFinite, s.fields[i].Name)
		}
		values[i] = v
	}
	return Vector{Values: values, SrcIP: src, DstIP: dst, Timestamp: at}, nil
}

// Value returns the named feature of v.
func (s *Schema) Value(v Vector, name string) (float64, bool) {
	i, ok := s.index[name]
	if !ok || i >= len(v.Values) {
		return 0, false
	}
	return v.Values[i], true
}

// Record formats v as a cache row matching Header.
func (s *Schema) Record(v Vector) ([]string, error) {
	if len(v.Values) != len(s.fields) {
		return nil, fmt.Errorf("%w: vector has %d values, want %d", ErrSchemaMismatch, len(v.Values), len(s.fields))
	}
	rec := make([]string, 0, len(s.fields)+3)
	for i, f := range s.fields {
		rec = append(rec, formatValue(f.Kind, v.Values[i]))
	}
	return append(rec, v.SrcIP.String(), v.DstIP.String(), FormatTimestamp(v.Timestamp)), nil
}

func formatValue(k Kind, v float64) string {
	if k == Int {
		return strconv.FormatInt(int64(math.Round(v)), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatTimestamp writes epoch seconds with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// ParseTimestamp reads fractional epoch seconds.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, ErrNonFinite
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)), nil
}

// Alignment maps the columns of a stored table onto a schema.
type Alignment struct {
	schema  *Schema
	columns []int // per schema field, table column or -1
	src     int
	dst     int
	ts      int
	width   int

	// Missing lists schema features absent from the table; they are
	// zero-filled.
	Missing []string
	// Ignored lists table columns the schema does not recognize.
	Ignored []string
}

// Align builds the column mapping for a table header. Missing feature
// columns are padded with zeros; a table without the bookkeeping columns
// cannot be attributed to hosts and is rejected.
func (s *Schema) Align(header []string) (*Alignment, error) {
	a := &Alignment{
		schema:  s,
		columns: make([]int, len(s.fields)),
		src:     -1,
		dst:     -1,
		ts:      -1,
		width:   len(header),
	}
	for i := range a.columns {
		a.columns[i] = -1
	}

	for col, raw := range header {
		name := strings.TrimSpace(raw)
		switch name {
		case ColSrcIP:
			a.src = col
			continue
		case ColDstIP:
			a.dst = col
			continue
		case ColTimestamp:
			a.ts = col
			continue
		}
		if i, ok := s.index[name]; ok && a.columns[i] < 0 {
			a.columns[i] = col
			continue
		}
		a.Ignored = append(a.Ignored, name)
	}

	if a.src < 0 || a.ts < 0 {
		return nil, fmt.Errorf("%w: table lacks %s or %s column", ErrSchemaMismatch, ColSrcIP, ColTimestamp)
	}
	for i, col := range a.columns {
		if col < 0 {
			a.Missing = append(a.Missing, s.fields[i].Name)
		}
	}
	return a, nil
}

// Row parses one table record into a schema-ordered vector.
func (a *Alignment) Row(rec []string) (Vector, error) {
	if len(rec) != a.width {
		return Vector{}, fmt.Errorf("%w: row has %d fields, header has %d", ErrSchemaMismatch, len(rec), a.width)
	}

	src, err := netip.ParseAddr(strings.TrimSpace(rec[a.src]))
	if err != nil {
		return Vector{}, fmt.Errorf("parse %s: %w", ColSrcIP, err)
	}
	var dst netip.Addr
	if a.dst >= 0 {
		if d, err := netip.ParseAddr(strings.TrimSpace(rec[a.dst])); err == nil {
			dst = d
		}
	}
	ts, err := ParseTimestamp(rec[a.ts])
	if err != nil {
		return Vector{}, fmt.Errorf("parse %s: %w", ColTimestamp, err)
	}

	values := make([]float64, len(a.columns))
	for i, col := range a.columns {
		if col < 0 {
			continue
		}
		raw := strings.TrimSpace(rec[col])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Vector{}, fmt.Errorf("parse %q: %w", a.schema.fields[i].Name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		values[i] = v
	}

	return Vector{Values: values, SrcIP: src, DstIP: dst, Timestamp: ts}, nil
}
