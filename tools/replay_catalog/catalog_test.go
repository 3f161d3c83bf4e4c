package replaycatalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pongarena/broker/internal/replay"
)

func writeHeader(t *testing.T, root, name, matchID string, closed time.Time) string {
	t.Helper()
	dir := filepath.Join(root, name)
	header := replay.Header{
		SchemaVersion: replay.HeaderSchemaVersion,
		MatchID:       matchID,
		MatchType:     3,
		Frames:        12,
		ClosedAt:      closed,
		FilePointer:   "manifest.json",
	}
	if err := replay.WriteHeader(filepath.Join(dir, "header.json"), header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return dir
}

func TestListCollectsClosedBundlesNewestFirst(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	older := writeHeader(t, root, "older", "cup_1", base)
	newer := writeHeader(t, root, "newer", "cup_3", base.Add(time.Minute))
	if err := os.MkdirAll(filepath.Join(root, "open"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].Header.MatchID != "cup_3" || entries[1].Header.MatchID != "cup_1" {
		t.Fatalf("unexpected order: %s, %s", entries[0].Header.MatchID, entries[1].Header.MatchID)
	}
	if entries[0].ManifestPath != filepath.Join(newer, "manifest.json") {
		t.Fatalf("unexpected manifest path: %q", entries[0].ManifestPath)
	}
	if entries[1].HeaderPath != filepath.Join(older, "header.json") {
		t.Fatalf("unexpected header path: %q", entries[1].HeaderPath)
	}

	filtered := Filter(entries, "cup_1")
	if len(filtered) != 1 || filtered[0].Header.MatchID != "cup_1" {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}

	payload, err := MarshalEntries(entries)
	if err != nil || len(payload) == 0 {
		t.Fatalf("MarshalEntries: %v", err)
	}
}

func TestListRejectsInvalidRoot(t *testing.T) {
	if _, err := List(""); err == nil {
		t.Fatal("expected error for empty root")
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := List(file); err == nil {
		t.Fatal("expected error for file root")
	}
}
