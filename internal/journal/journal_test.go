package journal

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Lolpotch/burai/internal/events"
	"github.com/Lolpotch/burai/internal/models"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestDetectionWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log", "events_local_ml.csv")
	j, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	at := time.Unix(1700000000, 900000000)
	ip := netip.MustParseAddr("203.0.113.50")
	for i := 0; i < 2; i++ {
		if err := j.Detection(at, ip, 0.87654, models.LabelMalicious); err != nil {
			t.Fatalf("Detection: %v", err)
		}
	}

	lines := readLines(t, path)
	want := []string{EventsHeader, "1700000000,203.0.113.50,0.8765,SSH-Patator", "1700000000,203.0.113.50,0.8765,SSH-Patator"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q", lines)
	}
}

func TestHandleJournalsVerdicts(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "events.csv")
	epochPath := filepath.Join(dir, "epoch.log")
	j, err := Open(csvPath, epochPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bus := events.NewEventBus(func() time.Time { return time.Unix(1700000100, 0) })
	bus.SubscribeAll(j.Handle)

	ip := netip.MustParseAddr("198.51.100.9")
	bus.Emit(&events.Event{Type: events.EventVerdict, IP: ip, Verdict: &models.Verdict{Probability: 0.2, Label: models.LabelBenign}})
	bus.Emit(&events.Event{Type: events.EventVerdict, IP: ip, Verdict: &models.Verdict{Probability: 0.96, Label: models.LabelMalicious}})
	bus.Emit(&events.Event{Type: events.EventUnbanApplied, IP: ip})
	bus.Emit(&events.Event{Type: events.EventWhitelistSkip, IP: netip.MustParseAddr("10.0.0.1")})

	wantCSV := []string{EventsHeader, "1700000100,198.51.100.9,0.2000,BENIGN", "1700000100,198.51.100.9,0.9600,SSH-Patator"}
	if lines := readLines(t, csvPath); strings.Join(lines, "|") != strings.Join(wantCSV, "|") {
		t.Errorf("events csv = %q", lines)
	}
	want := []string{
		"1700000100 [ML] 198.51.100.9 => BENIGN (prob=0.20)",
		"1700000100 [ML] 198.51.100.9 => SSH-Patator (prob=0.96)",
		"1700000100 ALERT ML 198.51.100.9 prob=0.96",
		"1700000100 UNBAN ML 198.51.100.9",
		"1700000100 [WHITELIST] skip 10.0.0.1",
	}
	if lines := readLines(t, epochPath); strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("epoch log = %q", lines)
	}
}

func TestDisabledArtifacts(t *testing.T) {
	j, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Detection(time.Now(), netip.MustParseAddr("192.0.2.1"), 1, models.LabelMalicious); err != nil {
		t.Errorf("Detection: %v", err)
	}
	if err := j.Epoch(time.Now(), "x"); err != nil {
		t.Errorf("Epoch: %v", err)
	}
}
