// Package replay records matches as compressed bundles: a snappy-framed
// JSONL event log and a zstd stream of length-prefixed state frames.
package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"pongarena/broker/internal/protocol"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// frameInterval samples running frames at 5 Hz.
const frameInterval = 200 * time.Millisecond

const (
	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
	manifestFile = "manifest.json"
	headerFile   = "header.json"
	// frameHeaderSize is seq, server timestamp, capture time and payload length.
	frameHeaderSize = 8 + 8 + 8 + 4
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("replay writer closed")

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	MatchID         string `json:"match_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

type eventLine struct {
	Seq        uint64          `json:"seq"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Writer streams one match to disk. It implements match.Recorder.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	header      Header
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	seq         uint64
	lastFrame   time.Time
	closed      bool
	onClose     func()
}

// NewWriter creates the bundle directory for matchID under root.
func NewWriter(root string, header Header, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleaned := bundleNameCleaner.ReplaceAllString(header.MatchID, "")
	if cleaned == "" {
		cleaned = "match"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405.000Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         HeaderSchemaVersion,
		MatchID:         header.MatchID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	header.SchemaVersion = HeaderSchemaVersion
	header.FilePointer = manifestFile
	header.Params = header.Params.Clone()
	return &Writer{
		dir:         path,
		now:         clock,
		header:      header,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
	}, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string { return w.dir }

// RecordEvent appends one JSON line to the event log and flushes it.
func (w *Writer) RecordEvent(kind string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode replay event %s: %w", kind, err)
		}
		raw = encoded
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.seq++
	line, err := json.Marshal(eventLine{Seq: w.seq, CapturedAt: captured.Format(time.RFC3339Nano), Type: kind, Payload: raw})
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.header.Events++
	return w.eventStream.Flush()
}

// RecordFrame writes state when it is due. Running frames are sampled at
// the frame interval; frames from any other phase are always kept.
func (w *Writer) RecordFrame(state protocol.FullState) error {
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if state.Phase == "running" && !w.lastFrame.IsZero() && captured.Sub(w.lastFrame) < frameInterval {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode replay frame: %w", err)
	}
	w.seq++
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], w.seq)
	binary.LittleEndian.PutUint64(header[8:16], uint64(state.Timestamp))
	binary.LittleEndian.PutUint64(header[16:24], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(payload)))
	if _, err := w.frameStream.Write(header); err != nil {
		return err
	}
	if _, err := w.frameStream.Write(payload); err != nil {
		return err
	}
	w.lastFrame = captured
	w.header.Frames++
	return nil
}

// Close writes the header and releases every file. Later calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.header.ClosedAt = w.now().UTC()

	//1.- Attempt every step and surface the first failure.
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, headerFile), w.header))
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	onClose := w.onClose
	w.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return firstErr
}
