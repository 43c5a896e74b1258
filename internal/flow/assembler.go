// Package flow groups packet observations into directional flows and turns
// each flow into one feature vector.
package flow

import (
	"net/netip"
	"time"

	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/models"
)

// Assembler accumulates the observations of one capture file. It is not
// safe for concurrent use.
type Assembler struct {
	schema *features.Schema
	now    func() time.Time
	logger *logging.Logger

	order []models.FlowKey
	flows map[models.FlowKey][]models.PacketObservation
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock sets the source of the extraction timestamp stamped on every
// vector.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLogger sets the logger used for skipped flows.
func WithLogger(l *logging.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// NewAssembler creates an assembler producing vectors in schema order.
func NewAssembler(schema *features.Schema, opts ...Option) *Assembler {
	a := &Assembler{
		schema: schema,
		now:    time.Now,
		logger: logging.FlowLogger(),
		flows:  make(map[models.FlowKey][]models.PacketObservation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add records one observation. It matches capture.Handler.
func (a *Assembler) Add(key models.FlowKey, obs models.PacketObservation) {
	pkts, ok := a.flows[key]
	if !ok {
		a.order = append(a.order, key)
	}
	a.flows[key] = append(pkts, obs)
}

// Len returns the number of distinct flows seen so far.
func (a *Assembler) Len() int {
	return len(a.order)
}

// Reset discards all accumulated flows.
func (a *Assembler) Reset() {
	a.order = a.order[:0]
	a.flows = make(map[models.FlowKey][]models.PacketObservation)
}

// Flush computes one vector per flow in first-seen order and resets the
// assembler. A flow whose statistics cannot be computed is logged and
// skipped; the remaining flows are still emitted. skipped counts them.
func (a *Assembler) Flush() (vectors []features.Vector, skipped int) {
	at := a.now()
	vectors = make([]features.Vector, 0, len(a.order))

	for _, key := range a.order {
		pkts := a.flows[key]
		v, err := a.vector(key, pkts, at)
		if err != nil {
			skipped++
			a.logger.Warn("skipping flow",
				logging.Flow(key.Client.String(), key.Server.String(), key.ServerPort, countDir(pkts, models.Forward), countDir(pkts, models.Backward)),
				logging.Err(err))
			continue
		}
		vectors = append(vectors, v)
	}

	a.Reset()
	return vectors, skipped
}

func (a *Assembler) vector(key models.FlowKey, pkts []models.PacketObservation, at time.Time) (features.Vector, error) {
	st, err := Compute(key, pkts)
	if err != nil {
		return features.Vector{}, err
	}
	return a.schema.Build(st, key.Client, key.Server, at)
}

func countDir(pkts []models.PacketObservation, d models.Direction) int {
	n := 0
	for _, p := range pkts {
		if p.Direction == d {
			n++
		}
	}
	return n
}

// Summary is a compact description of one flow for debug logging.
type Summary struct {
	Client  netip.Addr
	Server  netip.Addr
	Port    uint16
	Fwd     int
	Bwd     int
	Started time.Time
}

// Summaries describes the accumulated flows in first-seen order.
func (a *Assembler) Summaries() []Summary {
	out := make([]Summary, 0, len(a.order))
	for _, key := range a.order {
		s := Summary{Client: key.Client, Server: key.Server, Port: key.ServerPort}
		for i, p := range a.flows[key] {
			if i == 0 || p.Timestamp.Before(s.Started) {
				s.Started = p.Timestamp
			}
			if p.Direction == models.Forward {
				s.Fwd++
			} else {
				s.Bwd++
			}
		}
		out = append(out, s)
	}
	return out
}
