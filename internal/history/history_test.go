package history

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndListSessions(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	if err := store.AddSession("inst-1", "remote-a", "claude-sonnet-4-5", base.Add(-time.Hour)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddSession("inst-1", "remote-b", "claude-opus-4-5", base); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddSession("inst-2", "remote-c", "claude-sonnet-4-5", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	recs, err := store.ListSessions("inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	// Newest first for the resume picker.
	if recs[0].RemoteSessionID != "remote-b" {
		t.Fatalf("expected newest first, got %q", recs[0].RemoteSessionID)
	}
}

func TestAddSessionIsIdempotentPerRemoteID(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	if err := store.AddSession("inst-1", "remote-a", "claude-sonnet-4-5", now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddSession("inst-1", "remote-a", "claude-opus-4-5", now); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	recs, err := store.ListSessions("inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Model != "claude-opus-4-5" {
		t.Fatalf("expected model updated, got %q", recs[0].Model)
	}
}

func TestUpdatePreviewOnlySetsFirst(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddSession("inst-1", "remote-a", "m", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.UpdatePreview("inst-1", "remote-a", "first prompt"); err != nil {
		t.Fatalf("preview: %v", err)
	}
	// A later turn must not overwrite the picker preview.
	if err := store.UpdatePreview("inst-1", "remote-a", "second prompt"); err != nil {
		t.Fatalf("preview: %v", err)
	}
	recs, err := store.ListSessions("inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if recs[0].Preview != "first prompt" {
		t.Fatalf("expected first preview kept, got %q", recs[0].Preview)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddSession("inst-1", "remote-a", "m", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Multibyte text long enough to cross the cap mid-rune.
	long := strings.Repeat("naïve café ", 30)
	if err := store.UpdatePreview("inst-1", "remote-a", long); err != nil {
		t.Fatalf("preview: %v", err)
	}
	recs, err := store.ListSessions("inst-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := recs[0].Preview
	if len(got) == 0 || len(got) > maxPreview {
		t.Fatalf("preview length %d out of bounds", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("stored preview is not valid UTF-8: %q", got)
	}
}

func TestAddSessionRequiresIdentifiers(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddSession("", "remote-a", "m", time.Now()); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := store.AddSession("inst-1", "", "m", time.Now()); err == nil {
		t.Fatal("expected error for empty remote session id")
	}
}
