package store

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lolpotch/burai/internal/models"
)

func entry(ip string, created time.Time, ttl time.Duration) models.BanEntry {
	return models.BanEntry{
		ID:          "ban-" + ip,
		IP:          netip.MustParseAddr(ip),
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
		Probability: 0.93,
		Reason:      "ml",
	}
}

func TestPutListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "bans.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(1700000000, 123456789)
	if err := s.Put(ctx, entry("203.0.113.5", base.Add(time.Second), 5*time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, entry("2001:db8::5", base, 5*time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].IP != netip.MustParseAddr("2001:db8::5") {
		t.Errorf("entries not ordered by creation: %v", got[0].IP)
	}
	if !got[0].CreatedAt.Equal(base) || !got[0].ExpiresAt.Equal(base.Add(5*time.Second)) {
		t.Errorf("times not preserved: %v %v", got[0].CreatedAt, got[0].ExpiresAt)
	}
	if got[0].Probability != 0.93 || got[0].Reason != "ml" || got[0].ID != "ban-2001:db8::5" {
		t.Errorf("fields not preserved: %+v", got[0])
	}

	if err := s.Delete(ctx, netip.MustParseAddr("2001:db8::5")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, netip.MustParseAddr("2001:db8::5")); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	got, _ = s.List(ctx)
	if len(got) != 1 {
		t.Errorf("expected 1 entry after delete, got %d", len(got))
	}
}

func TestPutReplaces(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "bans.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	_ = s.Put(ctx, entry("203.0.113.5", base, time.Second))
	e := entry("203.0.113.5", base.Add(time.Minute), time.Hour)
	e.ID = "second"
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _ := s.List(ctx)
	if len(got) != 1 || got[0].ID != "second" || !got[0].ExpiresAt.Equal(base.Add(time.Minute+time.Hour)) {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Put(context.Background(), entry("198.51.100.1", time.Unix(1700000000, 0), time.Minute))
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, _ := s.List(context.Background())
	if len(got) != 1 {
		t.Errorf("expected entry to survive reopen, got %d", len(got))
	}
}
