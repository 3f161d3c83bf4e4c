package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// FrameType tags timeline entries that came from the frame stream.
const FrameType = "frame"

// TimelineEntry is one replay datum in capture order.
type TimelineEntry struct {
	Seq        uint64
	CapturedAt time.Time
	ServerMs   int64
	Type       string
	Payload    json.RawMessage
}

// Loader rehydrates a bundle written by Writer.
type Loader struct {
	manifest Manifest
	entries  []TimelineEntry
}

// Load reads the bundle in dir.
func Load(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	events, err := loadEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	frames, err := loadFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	entries := append(events, frames...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return &Loader{manifest: manifest, entries: entries}, nil
}

func loadEvents(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []TimelineEntry
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		var line eventLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decode replay event: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, line.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		out = append(out, TimelineEntry{
			Seq:        line.Seq,
			CapturedAt: captured,
			Type:       line.Type,
			Payload:    append(json.RawMessage(nil), line.Payload...),
		})
	}
	return out, scanner.Err()
}

func loadFrames(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var out []TimelineEntry
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[24:28]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		out = append(out, TimelineEntry{
			Seq:        binary.LittleEndian.Uint64(header[0:8]),
			ServerMs:   int64(binary.LittleEndian.Uint64(header[8:16])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
			Type:       FrameType,
			Payload:    payload,
		})
	}
}

// Manifest returns the bundle manifest.
func (l *Loader) Manifest() Manifest { return l.manifest }

// Replay iterates over the loaded entries in recording order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries returns a copy of the timeline.
func (l *Loader) Entries() []TimelineEntry {
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
