package results

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/ledger"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/retry"
	"pongarena/broker/internal/rooms"
)

// LedgerDispatcher launches the ledger write without waiting for it.
type LedgerDispatcher interface {
	Dispatch(rec ledger.Record)
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithLedger installs the ledger dispatcher.
func WithLedger(dispatcher LedgerDispatcher) PersisterOption {
	return func(p *Persister) { p.ledger = dispatcher }
}

// WithBroadcast publishes destroy and bracket_advance events to room groups.
func WithBroadcast(h *hub.Hub) PersisterOption {
	return func(p *Persister) { p.hub = h }
}

// WithClaimTTL bounds how long the shared persistence claim lives.
func WithClaimTTL(ttl time.Duration) PersisterOption {
	return func(p *Persister) {
		if ttl > 0 {
			p.claimTTL = ttl
		}
	}
}

// WithPersisterLogger overrides the logger.
func WithPersisterLogger(logger *logging.Logger) PersisterOption {
	return func(p *Persister) {
		if logger != nil {
			p.log = logger
		}
	}
}

// WithWriteRetry overrides the retry policy of the database write.
func WithWriteRetry(policy retry.Policy) PersisterOption {
	return func(p *Persister) { p.policy = policy }
}

// Persister writes exactly one game log per concluded match and then
// advances or removes the owning room.
type Persister struct {
	store    Store
	kv       kv.Store
	rooms    *rooms.Manager
	hub      *hub.Hub
	ledger   LedgerDispatcher
	claimTTL time.Duration
	policy   retry.Policy
	log      *logging.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewPersister wires the persister over the result store, the shared KV
// store (for the cross-process claim) and the room manager.
func NewPersister(store Store, shared kv.Store, manager *rooms.Manager, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:    store,
		kv:       shared,
		rooms:    manager,
		claimTTL: 24 * time.Hour,
		policy:   retry.Policy{Attempts: 3, Base: 200 * time.Millisecond},
		log:      logging.L(),
		claimed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.policy.Retryable = func(err error) bool { return !errors.Is(err, ErrAlreadyPersisted) }
	return p
}

// PersistResult implements match.ResultSink. Only the first call per match
// id writes anything; later calls return ErrAlreadyPersisted.
func (p *Persister) PersistResult(ctx context.Context, outcome match.Outcome) error {
	if outcome.Winner == match.SlotNone {
		return fmt.Errorf("persist %s: match has no winner", outcome.MatchID)
	}
	release, err := p.claim(ctx, outcome.MatchID)
	if err != nil {
		return err
	}
	logger := p.log.With(logging.Match(outcome.MatchID), logging.Room(outcome.RoomID))

	//1.- Resolve the roster from the owning room, falling back to the seated players.
	room, err := p.rooms.Get(ctx, outcome.RoomID)
	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) {
		release()
		return fmt.Errorf("persist %s: %w", outcome.MatchID, err)
	}
	roster := rosterFor(room, outcome)

	//2.- One game log with a score row per roster member.
	entry := GameLog{
		MatchID:   outcome.MatchID,
		RoomID:    outcome.RoomID,
		MatchType: outcome.MatchType,
		StartTime: outcome.StartedAt,
		EndTime:   outcome.EndedAt,
		WinnerID:  outcome.WinnerPlayer().PlayerID,
		Scores:    scoreRows(roster, outcome),
	}
	if entry.StartTime.IsZero() {
		entry.StartTime = outcome.EndedAt
	}
	var logID int64
	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		id, err := p.store.RecordMatch(ctx, entry)
		logID = id
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyPersisted) {
			release()
		}
		return fmt.Errorf("persist %s: %w", outcome.MatchID, err)
	}
	logger.Info("match result persisted", logging.Int64("log_id", logID), logging.Int("rows", len(entry.Scores)))

	//3.- Fire and forget the ledger write.
	if p.ledger != nil {
		rec, err := ledger.NewRecord(logID, entry.Scores, room, outcome.Final, outcome.MatchType.String())
		if err != nil {
			logger.Warn("build ledger record", logging.Error(err))
		} else {
			p.ledger.Dispatch(rec)
		}
	}

	//4.- Advance the bracket or retire the room.
	p.advance(ctx, logger, outcome)
	return nil
}

// claim takes the in-process and shared claims. release undoes both so a
// failed write can be retried later.
func (p *Persister) claim(ctx context.Context, matchID string) (func(), error) {
	p.mu.Lock()
	if _, taken := p.claimed[matchID]; taken {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPersisted, matchID)
	}
	p.claimed[matchID] = struct{}{}
	p.mu.Unlock()

	local := func() {
		p.mu.Lock()
		delete(p.claimed, matchID)
		p.mu.Unlock()
	}
	if p.kv == nil {
		return local, nil
	}
	ok, err := p.kv.SetIfAbsent(ctx, kv.MatchResultKey(matchID), []byte("claimed"), p.claimTTL)
	if err != nil {
		local()
		return nil, fmt.Errorf("claim %s: %w", matchID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPersisted, matchID)
	}
	return func() {
		local()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.kv.Delete(ctx, kv.MatchResultKey(matchID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
			p.log.Warn("release result claim", logging.Match(matchID), logging.Error(err))
		}
	}, nil
}

func rosterFor(room *rooms.Room, outcome match.Outcome) []rooms.PlayerRef {
	if room != nil {
		if roster := rooms.RosterFor(room, outcome.MatchType); len(roster) > 0 {
			return roster
		}
	}
	roster := make([]rooms.PlayerRef, 0, len(outcome.Players))
	for _, slot := range match.Slots {
		if player, ok := outcome.Players[slot]; ok {
			roster = append(roster, player)
		}
	}
	return roster
}

// scoreRows pairs roster members with the slot they played. Members that
// never took a seat fall back to roster order.
func scoreRows(roster []rooms.PlayerRef, outcome match.Outcome) []ScoreRow {
	rows := make([]ScoreRow, 0, len(roster))
	for i, member := range roster {
		slot := match.SlotNone
		for candidate, seated := range outcome.Players {
			if seated.PlayerID == member.PlayerID {
				slot = candidate
				break
			}
		}
		if slot == match.SlotNone && i < len(match.Slots) {
			slot = match.Slots[i]
		}
		rows = append(rows, ScoreRow{
			PlayerID:    member.PlayerID,
			DisplayName: member.DisplayName,
			Score:       outcome.Score[slot],
		})
	}
	return rows
}

func (p *Persister) advance(ctx context.Context, logger *logging.Logger, outcome match.Outcome) {
	switch {
	case outcome.MatchType.IsSemiFinal():
		patch := rooms.GameStatePatch{SlotAEnded: rooms.Bool(true)}
		if outcome.MatchType == rooms.MatchSemiB {
			patch = rooms.GameStatePatch{SlotBEnded: rooms.Bool(true)}
		}
		room, err := p.rooms.ApplyUpdate(ctx, outcome.RoomID, rooms.Update{Kind: rooms.UpdateGameState, State: patch})
		if err != nil {
			logger.Warn("mark bracket ended", logging.Error(err))
			return
		}
		p.publish(outcome.RoomID, protocol.BracketAdvance{
			Type:             protocol.TypeBracketAdvance,
			MatchType:        int(outcome.MatchType),
			Winner:           outcome.WinnerPlayer(),
			Loser:            outcome.LoserPlayer(),
			FinalRoomID:      rooms.FinalRoomID(outcome.RoomID),
			ThirdPlaceRoomID: rooms.ThirdPlaceRoomID(outcome.RoomID),
		})
		p.qualify(ctx, logger, rooms.FinalRoomID(outcome.RoomID), outcome.WinnerPlayer())
		p.qualify(ctx, logger, rooms.ThirdPlaceRoomID(outcome.RoomID), outcome.LoserPlayer())
		if room != nil && room.SlotAEnded && room.SlotBEnded {
			p.retire(ctx, logger, outcome.RoomID, "tournament round complete", false)
		}
	case outcome.MatchType == rooms.MatchFinal || outcome.MatchType == rooms.MatchThirdPlace:
		p.retire(ctx, logger, outcome.RoomID, "match finished", true)
	default:
		p.retire(ctx, logger, outcome.RoomID, "match finished", false)
	}
}

// qualify admits player to a bracket placeholder. A placeholder that was
// already removed is skipped.
func (p *Persister) qualify(ctx context.Context, logger *logging.Logger, roomID string, player rooms.PlayerRef) {
	if player.PlayerID == "" {
		return
	}
	if _, err := p.rooms.ApplyUpdate(ctx, roomID, rooms.Update{Kind: rooms.Qualify, Player: player}); err != nil && !errors.Is(err, rooms.ErrRoomNotFound) {
		logger.Warn("qualify for bracket room", logging.Room(roomID), logging.Player(player.PlayerID), logging.Error(err))
	}
}

// retire removes roomID. Placeholders need a forced delete since the
// retention rule keeps them without a host.
func (p *Persister) retire(ctx context.Context, logger *logging.Logger, roomID, reason string, force bool) {
	var err error
	if force {
		err = p.rooms.Destroy(ctx, roomID)
	} else {
		_, err = p.rooms.RemoveRoomSafely(ctx, roomID)
	}
	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) && !errors.Is(err, kv.ErrNotFound) {
		logger.Warn("retire room", logging.Error(err))
		return
	}
	p.publish(roomID, protocol.Destroy{Type: protocol.TypeDestroy, RoomID: roomID, Reason: reason})
}

func (p *Persister) publish(roomID string, msg any) {
	if p.hub == nil {
		return
	}
	if _, err := p.hub.PublishJSON(hub.RoomGroup(roomID), msg); err != nil {
		p.log.Warn("publish room event", logging.Room(roomID), logging.Error(err))
	}
}
