package results

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/ledger"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/retry"
	"pongarena/broker/internal/rooms"
)

type roomListener struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (l *roomListener) ID() string { return "listener" }

func (l *roomListener) Deliver(msg []byte) bool {
	var decoded map[string]any
	if err := json.Unmarshal(msg, &decoded); err == nil {
		l.mu.Lock()
		l.msgs = append(l.msgs, decoded)
		l.mu.Unlock()
	}
	return true
}

func (l *roomListener) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.msgs))
	for _, m := range l.msgs {
		kind, _ := m["type"].(string)
		out = append(out, kind)
	}
	return out
}

type capturedLedger struct {
	mu      sync.Mutex
	records []ledger.Record
}

func (c *capturedLedger) Dispatch(rec ledger.Record) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

type persisterFixture struct {
	store   *SQLiteStore
	shared  *kv.MemoryStore
	manager *rooms.Manager
	hub     *hub.Hub
	ledger  *capturedLedger
}

func newPersisterFixture(t *testing.T) *persisterFixture {
	t.Helper()
	shared := kv.NewMemoryStore()
	return &persisterFixture{
		store:   openTestSQLite(t),
		shared:  shared,
		manager: rooms.NewManager(shared, rooms.WithLogger(logging.NewTestLogger())),
		hub:     hub.New(logging.NewTestLogger()),
		ledger:  &capturedLedger{},
	}
}

func (f *persisterFixture) persister(store Store, opts ...PersisterOption) *Persister {
	opts = append([]PersisterOption{
		WithLedger(f.ledger),
		WithBroadcast(f.hub),
		WithPersisterLogger(logging.NewTestLogger()),
	}, opts...)
	return NewPersister(store, f.shared, f.manager, opts...)
}

func (f *persisterFixture) listen(roomID string) *roomListener {
	l := &roomListener{}
	f.hub.Join(hub.RoomGroup(roomID), l)
	return l
}

var (
	ana = rooms.PlayerRef{PlayerID: "p1", DisplayName: "ana"}
	bo  = rooms.PlayerRef{PlayerID: "p2", DisplayName: "bo"}
	cy  = rooms.PlayerRef{PlayerID: "p3", DisplayName: "cy"}
	di  = rooms.PlayerRef{PlayerID: "p4", DisplayName: "di"}
)

func duelOutcome(roomID string) match.Outcome {
	start := time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)
	return match.Outcome{
		MatchID:   rooms.MatchID(roomID, rooms.MatchDuel),
		RoomID:    roomID,
		MatchType: rooms.MatchDuel,
		Winner:    match.Slot1,
		Reason:    match.ReasonScore,
		Score:     map[match.Slot]int{match.Slot1: 5, match.Slot2: 2},
		Players:   map[match.Slot]rooms.PlayerRef{match.Slot1: ana, match.Slot2: bo},
		StartedAt: start,
		EndedAt:   start.Add(3 * time.Minute),
	}
}

func TestPersistResultWritesOnceUnderRace(t *testing.T) {
	f := newPersisterFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Create(ctx, &rooms.Room{ID: "duel", Type: rooms.Duel, Host: "ana", Players: []rooms.PlayerRef{ana, bo}, GameStarted: true}))
	listener := f.listen("duel")
	p := f.persister(f.store)

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.PersistResult(ctx, duelOutcome("duel"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyPersisted):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), dup.Load())

	history, err := f.store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []ScoreRow{
		{PlayerID: "p1", DisplayName: "ana", Score: 5},
		{PlayerID: "p2", DisplayName: "bo", Score: 2},
	}, history[0].Players)

	_, err = f.manager.Get(ctx, "duel")
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)
	assert.Equal(t, []string{"destroy"}, listener.types())

	require.Len(t, f.ledger.records, 1)
	assert.Equal(t, "0", f.ledger.records[0].MatchType)
	assert.Equal(t, history[0].GameLogID, f.ledger.records[0].LogID)
}

func TestPersistResultSecondProcessSeesSharedClaim(t *testing.T) {
	f := newPersisterFixture(t)
	ctx := context.Background()
	first := f.persister(f.store)
	second := f.persister(f.store)

	require.NoError(t, first.PersistResult(ctx, duelOutcome("gone")))
	assert.ErrorIs(t, second.PersistResult(ctx, duelOutcome("gone")), ErrAlreadyPersisted)
}

func TestPersistResultRequiresWinner(t *testing.T) {
	f := newPersisterFixture(t)
	outcome := duelOutcome("duel")
	outcome.Winner = match.SlotNone
	assert.Error(t, f.persister(f.store).PersistResult(context.Background(), outcome))
}

func TestSemiFinalsAdvanceBracketAndRetireRoom(t *testing.T) {
	f := newPersisterFixture(t)
	ctx := context.Background()
	slotA, slotB := []rooms.PlayerRef{ana, bo}, []rooms.PlayerRef{cy, di}
	require.NoError(t, f.manager.Create(ctx, &rooms.Room{
		ID: "cup", Type: rooms.Tournament, Host: "ana",
		Players: []rooms.PlayerRef{ana, bo, cy, di}, GameStarted: true,
		SlotA: slotA, SlotB: slotB,
	}))
	require.NoError(t, f.manager.Create(ctx, &rooms.Room{ID: "cup_final", Type: rooms.TournamentFinal, Players: []rooms.PlayerRef{}}))
	require.NoError(t, f.manager.Create(ctx, &rooms.Room{ID: "cup_3rd", Type: rooms.TournamentThirdPlace, Players: []rooms.PlayerRef{}}))
	listener := f.listen("cup")
	p := f.persister(f.store)

	semiA := duelOutcome("cup")
	semiA.MatchID, semiA.MatchType = rooms.MatchID("cup", rooms.MatchSemiA), rooms.MatchSemiA
	require.NoError(t, p.PersistResult(ctx, semiA))

	room, err := f.manager.Get(ctx, "cup")
	require.NoError(t, err)
	assert.True(t, room.SlotAEnded)
	assert.False(t, room.SlotBEnded)
	assert.Equal(t, []string{"bracket_advance"}, listener.types())
	advance := listener.msgs[0]
	assert.Equal(t, "cup_final", advance["finalRoomId"])
	assert.Equal(t, "cup_3rd", advance["thirdPlaceRoomId"])
	assert.Equal(t, "ana", advance["winner"].(map[string]any)["displayName"])

	semiB := duelOutcome("cup")
	semiB.MatchID, semiB.MatchType = rooms.MatchID("cup", rooms.MatchSemiB), rooms.MatchSemiB
	semiB.Winner = match.Slot2
	semiB.Players = map[match.Slot]rooms.PlayerRef{match.Slot1: cy, match.Slot2: di}
	semiB.Score = map[match.Slot]int{match.Slot1: 1, match.Slot2: 5}
	require.NoError(t, p.PersistResult(ctx, semiB))

	_, err = f.manager.Get(ctx, "cup")
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)
	assert.Equal(t, []string{"bracket_advance", "bracket_advance", "destroy"}, listener.types())

	//1.- Winners qualify for the final, losers for the third-place match.
	final, err := f.manager.Get(ctx, "cup_final")
	require.NoError(t, err)
	assert.Equal(t, []rooms.PlayerRef{ana, di}, final.Qualified)
	third, err := f.manager.Get(ctx, "cup_3rd")
	require.NoError(t, err)
	assert.Equal(t, []rooms.PlayerRef{bo, cy}, third.Qualified)

	history, err := f.store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "di", history[0].Players[0].DisplayName)
}

func TestFinalDestroysPlaceholder(t *testing.T) {
	f := newPersisterFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Create(ctx, &rooms.Room{ID: "cup_final", Type: rooms.TournamentFinal, Players: []rooms.PlayerRef{ana, cy}}))
	outcome := duelOutcome("cup_final")
	outcome.MatchID, outcome.MatchType = rooms.MatchID("cup_final", rooms.MatchFinal), rooms.MatchFinal
	outcome.Players = map[match.Slot]rooms.PlayerRef{match.Slot1: ana, match.Slot2: cy}

	require.NoError(t, f.persister(f.store).PersistResult(ctx, outcome))
	_, err := f.manager.Get(ctx, "cup_final")
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)
}

type flakyStore struct {
	Store
	failures atomic.Int32
}

func (s *flakyStore) RecordMatch(ctx context.Context, log GameLog) (int64, error) {
	if s.failures.Add(-1) >= 0 {
		return 0, errors.New("connection reset")
	}
	return s.Store.RecordMatch(ctx, log)
}

func TestFailedWriteReleasesClaim(t *testing.T) {
	f := newPersisterFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	flaky.failures.Store(1)
	p := f.persister(flaky, WithWriteRetry(retry.Policy{Attempts: 1, Base: time.Millisecond}))

	require.Error(t, p.PersistResult(ctx, duelOutcome("duel")))
	_, err := f.shared.Get(ctx, kv.MatchResultKey(rooms.MatchID("duel", rooms.MatchDuel)))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, p.PersistResult(ctx, duelOutcome("duel")))
	history, err := f.store.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	f := newPersisterFixture(t)
	flaky := &flakyStore{Store: f.store}
	flaky.failures.Store(2)
	p := f.persister(flaky, WithWriteRetry(retry.Policy{Attempts: 3, Base: time.Millisecond}))

	require.NoError(t, p.PersistResult(context.Background(), duelOutcome("duel")))
	assert.Equal(t, int32(-1), flaky.failures.Load())
}
