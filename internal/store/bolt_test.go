package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyPersistence(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.SaveKey(KeyRecord{ID: "k1", Key: []byte("secret-one"), CreatedAt: now, Current: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveKey(KeyRecord{ID: "k2", Key: []byte("secret-two"), CreatedAt: now.Add(time.Hour), Current: true}); err != nil {
		t.Fatal(err)
	}

	keys, err := s.LoadKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("loaded %d keys, want 2", len(keys))
	}

	currents := 0
	for _, k := range keys {
		if k.Current {
			currents++
			if k.ID != "k2" {
				t.Errorf("current key = %q, want k2", k.ID)
			}
		}
		if k.ID == "k1" && !bytes.Equal(k.Key, []byte("secret-one")) {
			t.Errorf("k1 material corrupted")
		}
	}
	if currents != 1 {
		t.Errorf("current keys = %d, want exactly 1", currents)
	}

	if err := s.DeleteKey("k1"); err != nil {
		t.Fatal(err)
	}
	keys, _ = s.LoadKeys()
	if len(keys) != 1 || keys[0].ID != "k2" {
		t.Errorf("after delete: %+v", keys)
	}
}

func TestQuotaLedger(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	entries := []QuotaEntry{
		{UserID: "alice", Bytes: 100, AcceptedAt: base.Add(-30 * time.Hour)}, // outside window
		{UserID: "alice", Bytes: 200, AcceptedAt: base.Add(-2 * time.Hour)},
		{UserID: "alice", Bytes: 300, AcceptedAt: base.Add(-1 * time.Hour)},
		{UserID: "bob", Bytes: 999, AcceptedAt: base.Add(-1 * time.Hour)},
	}
	for _, e := range entries {
		if err := s.AppendQuota(e); err != nil {
			t.Fatal(err)
		}
	}

	used, err := s.QuotaUsed("alice", base.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if used != 500 {
		t.Errorf("alice used = %d, want 500", used)
	}

	used, _ = s.QuotaUsed("bob", base.Add(-24*time.Hour))
	if used != 999 {
		t.Errorf("bob used = %d, want 999", used)
	}

	// No bleed between users sharing a key prefix shape.
	used, _ = s.QuotaUsed("ali", base.Add(-24*time.Hour))
	if used != 0 {
		t.Errorf("ali used = %d, want 0", used)
	}

	if err := s.PruneQuota(base.Add(-24 * time.Hour)); err != nil {
		t.Fatal(err)
	}
	used, _ = s.QuotaUsed("alice", base.Add(-48*time.Hour))
	if used != 500 {
		t.Errorf("after prune alice used = %d, want 500 (old entry gone)", used)
	}
}

func TestAuditLog(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := s.AppendAudit(AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      "auth_denied",
			UserID:    "mallory",
			Subject:   "AdminPanel",
			Reason:    "authentication required",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListAudit(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Newest first.
	if !entries[0].Timestamp.After(entries[1].Timestamp) {
		t.Errorf("entries not newest-first: %v then %v", entries[0].Timestamp, entries[1].Timestamp)
	}

	all, _ := s.ListAudit(0)
	if len(all) != 5 {
		t.Errorf("default limit returned %d entries, want 5", len(all))
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveKey(KeyRecord{ID: "k1", Key: []byte("persist-me"), Current: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	keys, err := s.LoadKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].ID != "k1" || !keys[0].Current {
		t.Errorf("reopened keys = %+v", keys)
	}
}
