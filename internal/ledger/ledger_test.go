package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "processed.list")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty ledger, got %d", l.Len())
	}

	for _, name := range []string{"/pcap/a.pcap", "/pcap/b.pcap", "/pcap/a.pcap"} {
		if err := l.Add(name); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	if !l.Contains("/pcap/a.pcap") || l.Contains("/pcap/c.pcap") {
		t.Error("unexpected Contains result")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("expected 2 ledger lines, got %d: %q", got, data)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Len() != 2 || !reopened.Contains("/pcap/b.pcap") {
		t.Errorf("reopened ledger lost entries: len=%d", reopened.Len())
	}
}

func TestLedgerSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.list")
	if err := os.WriteFile(path, []byte("/a.pcap\n\n  \n/b.pcap\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if l.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", l.Len())
	}
}

func TestLedgerRejectsNewlines(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "processed.list"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := l.Add("evil\n/other.pcap"); err == nil {
		t.Error("expected error for name with newline")
	}
	if CheckName("evil\r.pcap") == nil || CheckName("/rotated/cap-0001.pcap") != nil {
		t.Error("CheckName disagrees with Add")
	}
}

func TestLedgerClosed(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "processed.list"))
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if err := l.Add("/x.pcap"); err == nil {
		t.Error("expected error after Close")
	}
}
