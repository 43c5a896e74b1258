// Package journal appends detections to the local CSV event log and the
// epoch-prefixed text log read by the summary tooling.
package journal

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/logging"
	"github.com/Lolpotch/burai/internal/models"
)

// EventsHeader is the first line of the events CSV.
const EventsHeader = "epoch,src_ip,prob,label"

// Journal writes both artifacts. An empty path disables that artifact.
type Journal struct {
	mu         sync.Mutex
	eventsPath string
	epochPath  string
	logger     *logging.Logger
}

// Open prepares the journal directories.
func Open(eventsPath, epochPath string) (*Journal, error) {
	for _, p := range []string{eventsPath, epochPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}
	return &Journal{
		eventsPath: eventsPath,
		epochPath:  epochPath,
		logger:     logging.DetectorLogger(),
	}, nil
}

func appendLine(path, header, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if header != "" {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			line = header + "\n" + line
		}
	}
	_, err = f.WriteString(line)
	return err
}

// Detection appends one row to the events CSV.
func (j *Journal) Detection(at time.Time, ip netip.Addr, prob float64, label models.Label) error {
	if j.eventsPath == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	line := fmt.Sprintf("%d,%s,%.4f,%s\n", at.Unix(), ip, prob, label)
	if err := appendLine(j.eventsPath, EventsHeader, line); err != nil {
		return fmt.Errorf("journal: events: %w", err)
	}
	return nil
}

// Epoch appends "<unix seconds> <msg>" to the epoch log.
func (j *Journal) Epoch(at time.Time, msg string) error {
	if j.epochPath == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := appendLine(j.epochPath, "", fmt.Sprintf("%d %s\n", at.Unix(), msg)); err != nil {
		return fmt.Errorf("journal: epoch log: %w", err)
	}
	return nil
}

// Handle records bus events. Every verdict gets a CSV row and an epoch
// line; malicious verdicts add an alert line.
func (j *Journal) Handle(e *events.Event) {
	var err error
	switch e.Type {
	case events.EventVerdict:
		if e.Verdict == nil {
			return
		}
		v := e.Verdict
		err = errors.Join(
			j.Detection(e.Timestamp, e.IP, v.Probability, v.Label),
			j.Epoch(e.Timestamp, fmt.Sprintf("[ML] %s => %s (prob=%.2f)", e.IP, v.Label, v.Probability)),
		)
		if err == nil && v.Malicious() {
			err = j.Epoch(e.Timestamp, fmt.Sprintf("ALERT ML %s prob=%.2f", e.IP, v.Probability))
		}
	case events.EventWhitelistSkip:
		err = j.Epoch(e.Timestamp, fmt.Sprintf("[WHITELIST] skip %s", e.IP))
	case events.EventBanFailed:
		err = j.Epoch(e.Timestamp, fmt.Sprintf("ERROR ban %s", e.IP))
	case events.EventUnbanApplied:
		err = j.Epoch(e.Timestamp, fmt.Sprintf("UNBAN ML %s", e.IP))
	case events.EventEnforcementDegraded:
		err = j.Epoch(e.Timestamp, fmt.Sprintf("DEGRADED enforcement failures=%d", e.Failures))
	default:
		return
	}
	if err != nil {
		j.logger.Warn("journal write failed", logging.Err(err))
	}
}
