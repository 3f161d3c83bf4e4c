package replay

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/rooms"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func frame(phase string, ts int64) protocol.FullState {
	return protocol.FullState{MatchID: "room1_0", Phase: phase, Timestamp: ts, WinScore: 5}
}

func TestWriterRoundTripsThroughLoader(t *testing.T) {
	clock := newFakeClock()
	writer, manifest, err := NewWriter(t.TempDir(), Header{MatchID: "room1_0", Params: Parameters{"win_score": 5}}, clock.Now)
	require.NoError(t, err)
	assert.Equal(t, 200, manifest.FrameIntervalMs)

	require.NoError(t, writer.RecordEvent("countdown", map[string]string{"value": "3"}))
	require.NoError(t, writer.RecordFrame(frame("countdown", 1)))
	clock.Advance(time.Second)
	require.NoError(t, writer.RecordEvent("game_start", nil))
	require.NoError(t, writer.RecordFrame(frame("running", 2)))
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())

	loader, err := Load(writer.Directory())
	require.NoError(t, err)
	assert.Equal(t, "room1_0", loader.Manifest().MatchID)

	var types []string
	require.NoError(t, loader.Replay(func(entry TimelineEntry) error {
		types = append(types, entry.Type)
		return nil
	}))
	assert.Equal(t, []string{"countdown", FrameType, "game_start", FrameType}, types)

	entries := loader.Entries()
	var state protocol.FullState
	require.NoError(t, json.Unmarshal(entries[3].Payload, &state))
	assert.Equal(t, "running", state.Phase)
	assert.Equal(t, int64(2), entries[3].ServerMs)
	assert.True(t, entries[3].CapturedAt.Equal(clock.Now()))

	header, err := ReadHeader(filepath.Join(writer.Directory(), headerFile))
	require.NoError(t, err)
	assert.Equal(t, 2, header.Frames)
	assert.Equal(t, 2, header.Events)
	assert.Equal(t, 5.0, header.Params["win_score"])
}

func TestWriterSamplesRunningFrames(t *testing.T) {
	clock := newFakeClock()
	writer, _, err := NewWriter(t.TempDir(), Header{MatchID: "room1_0"}, clock.Now)
	require.NoError(t, err)

	//1.- Ten running ticks 50ms apart keep one frame every 200ms.
	for i := 0; i < 10; i++ {
		require.NoError(t, writer.RecordFrame(frame("running", int64(i))))
		clock.Advance(50 * time.Millisecond)
	}
	//2.- A terminal frame is always kept.
	require.NoError(t, writer.RecordFrame(frame("ended", 99)))
	require.NoError(t, writer.Close())

	loader, err := Load(writer.Directory())
	require.NoError(t, err)
	var stamps []int64
	for _, entry := range loader.Entries() {
		stamps = append(stamps, entry.ServerMs)
	}
	assert.Equal(t, []int64{0, 4, 8, 99}, stamps)
}

func TestWriterRejectsWritesAfterClose(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), Header{MatchID: "room1_0"}, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	assert.ErrorIs(t, writer.RecordEvent("late", nil), ErrWriterClosed)
	assert.ErrorIs(t, writer.RecordFrame(frame("running", 1)), ErrWriterClosed)
}

func TestStoreOpenTracksActiveWriters(t *testing.T) {
	store, err := NewStore(t.TempDir(), RetentionPolicy{}, WithLogger(logging.NewTestLogger()), WithParams(Parameters{"ball_speed": 0.4}))
	require.NoError(t, err)

	_, err = store.Open("not-a-match")
	assert.ErrorIs(t, err, rooms.ErrInvalidMatchID)

	rec, err := store.Open(rooms.MatchID("cup", rooms.MatchFinal))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Stats().Active)
	assert.Equal(t, int64(1), store.Stats().Opened)

	require.NoError(t, rec.Close())
	assert.Equal(t, 0, store.Stats().Active)

	header, err := ReadHeader(filepath.Join(rec.(*Writer).Directory(), headerFile))
	require.NoError(t, err)
	assert.Equal(t, int(rooms.MatchFinal), header.MatchType)
	assert.Equal(t, 0.4, header.Params["ball_speed"])
}

func TestStorePruneAppliesRetention(t *testing.T) {
	root := t.TempDir()
	clock := newFakeClock()
	store, err := NewStore(root, RetentionPolicy{MaxMatches: 2, MaxAge: 24 * time.Hour},
		WithClock(clock.Now), WithLogger(logging.NewTestLogger()))
	require.NoError(t, err)

	closeBundle := func(matchID string, age time.Duration) string {
		rec, err := store.Open(matchID)
		require.NoError(t, err)
		require.NoError(t, rec.Close())
		dir := rec.(*Writer).Directory()
		stamp := clock.Now().Add(-age)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, entry := range entries {
			require.NoError(t, os.Chtimes(filepath.Join(dir, entry.Name()), stamp, stamp))
		}
		clock.Advance(time.Millisecond)
		return dir
	}

	stale := closeBundle("a_0", 48*time.Hour)
	oldest := closeBundle("b_0", 3*time.Hour)
	middle := closeBundle("c_0", 2*time.Hour)
	newest := closeBundle("d_0", time.Hour)
	live, err := store.Open("e_0")
	require.NoError(t, err)
	defer live.Close()

	store.Prune()

	assert.NoDirExists(t, stale)
	assert.NoDirExists(t, oldest)
	assert.DirExists(t, middle)
	assert.DirExists(t, newest)
	assert.DirExists(t, live.(*Writer).Directory())

	stats := store.Stats()
	assert.Equal(t, int64(2), stats.Pruned)
	assert.Equal(t, 3, stats.Bundles)
	assert.True(t, stats.LastSweep.Equal(clock.Now()))
}
