package replaycatalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/replay"
)

// Entry captures a closed bundle header alongside its resolved manifest path.
type Entry struct {
	HeaderPath   string        `json:"header_path"`
	ManifestPath string        `json:"manifest_path"`
	Header       replay.Header `json:"header"`
}

// List walks root and returns every closed bundle, most recently closed first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Bundles still being written have no header yet and are skipped.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "header.json" {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		manifest := header.FilePointer
		if !filepath.IsAbs(manifest) {
			manifest = filepath.Join(filepath.Dir(path), manifest)
		}
		entries = append(entries, Entry{HeaderPath: path, ManifestPath: manifest, Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.ClosedAt.Equal(entries[j].Header.ClosedAt) {
			return entries[i].HeaderPath < entries[j].HeaderPath
		}
		return entries[i].Header.ClosedAt.After(entries[j].Header.ClosedAt)
	})
	return entries, nil
}

// Filter keeps the entries recorded for matchID, or all of them when it is empty.
func Filter(entries []Entry, matchID string) []Entry {
	if matchID == "" {
		return entries
	}
	var out []Entry
	for _, entry := range entries {
		if entry.Header.MatchID == matchID {
			out = append(out, entry)
		}
	}
	return out
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
