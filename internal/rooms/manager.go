package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/retry"
)

// UpdateKind selects the transformation ApplyUpdate performs.
type UpdateKind int

const (
	AddPlayer UpdateKind = iota + 1
	RemovePlayer
	UpdateGameState
	// Qualify records Player as entitled to join a bracket placeholder.
	Qualify
)

func (k UpdateKind) String() string {
	switch k {
	case AddPlayer:
		return "add_player"
	case RemovePlayer:
		return "remove_player"
	case UpdateGameState:
		return "update_game_state"
	case Qualify:
		return "qualify"
	default:
		return "unknown"
	}
}

// GameStatePatch lists the sub-fields UpdateGameState may touch. Nil fields are left alone.
type GameStatePatch struct {
	GameStarted       *bool
	StartedAt         *time.Time
	SlotA             []PlayerRef
	SlotB             []PlayerRef
	SlotAEnded        *bool
	SlotBEnded        *bool
	DisconnectedCount *int
}

// Update is one requested room mutation.
type Update struct {
	Kind   UpdateKind
	Player PlayerRef
	State  GameStatePatch
}

// Action tells Mutate what to do with the room returned by a mutation.
type Action int

const (
	// Keep leaves the stored document untouched.
	Keep Action = iota
	// Write bumps the version and stores the room, honouring the retention rule.
	Write
	// Delete removes the document.
	Delete
)

// MutateFunc edits room in place and reports how the result should be persisted.
type MutateFunc func(room *Room) (Action, error)

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides how long written rooms live in the store.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRetryPolicy overrides the optimistic-update retry budget.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(m *Manager) { m.policy = policy }
}

// WithClock overrides the time source used for lastModified stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// Manager performs versioned read-modify-write cycles over room documents.
type Manager struct {
	store  kv.Store
	locks  *keyedMutex
	ttl    time.Duration
	policy retry.Policy
	now    func() time.Time
	log    *logging.Logger
}

// NewManager constructs a Manager backed by store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  newKeyedMutex(),
		ttl:    time.Hour,
		policy: retry.Default,
		now:    time.Now,
		log:    logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Store exposes the backing store for collaborators sharing the same keyspace.
func (m *Manager) Store() kv.Store { return m.store }

// Get loads a room document.
func (m *Manager) Get(ctx context.Context, roomID string) (*Room, error) {
	raw, err := m.store.Get(ctx, kv.RoomKey(roomID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRoom(raw)
}

// Create stores a brand new room, failing if the id is taken.
func (m *Manager) Create(ctx context.Context, room *Room) error {
	now := m.now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.LastModified = now
	raw, err := encodeRoom(room)
	if err != nil {
		return err
	}
	if err := m.store.Swap(ctx, kv.RoomKey(room.ID), nil, raw, m.ttl); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return fmt.Errorf("%w: room %s already exists", ErrInvalidRoom, room.ID)
		}
		return err
	}
	return nil
}

// ApplyUpdate runs one of the standard room transformations. It returns the
// stored room, or nil when the write removed the document.
func (m *Manager) ApplyUpdate(ctx context.Context, roomID string, update Update) (*Room, error) {
	return m.Mutate(ctx, roomID, func(room *Room) (Action, error) {
		if !applyUpdate(room, update) {
			return Keep, nil
		}
		return Write, nil
	})
}

// RemoveRoomSafely clears the host so the retention rule drops the room. It
// reports whether the document is gone afterwards.
func (m *Manager) RemoveRoomSafely(ctx context.Context, roomID string) (bool, error) {
	room, err := m.Mutate(ctx, roomID, func(room *Room) (Action, error) {
		room.Host = ""
		return Write, nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return room == nil, nil
}

// Destroy deletes a room regardless of its type.
func (m *Manager) Destroy(ctx context.Context, roomID string) error {
	return m.store.Delete(ctx, kv.RoomKey(roomID))
}

// Mutate is the optimistic read-modify-write primitive behind every update.
// The per-room lock is held only around one get+swap pair; a concurrent
// writer in another process shows up as a swap conflict and is retried.
func (m *Manager) Mutate(ctx context.Context, roomID string, fn MutateFunc) (*Room, error) {
	key := kv.RoomKey(roomID)
	var result *Room

	attempt := func(ctx context.Context) error {
		unlock := m.locks.Lock(key)
		defer unlock()

		//1.- Read the current document; a missing room ends the attempt without side effects.
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeRoom(raw)
		if err != nil {
			return err
		}

		//2.- Let the caller transform a private copy.
		next := current.Clone()
		action, err := fn(next)
		if err != nil {
			return err
		}

		//3.- Persist according to the requested action and the retention rule.
		switch action {
		case Keep:
			result = current
			return nil
		case Delete:
			result = nil
			return m.store.Swap(ctx, key, raw, nil, 0)
		}

		next.Version = current.Version + 1
		next.LastModified = m.now().UTC()
		if !next.retained() {
			result = nil
			return m.store.Swap(ctx, key, raw, nil, 0)
		}
		encoded, err := encodeRoom(next)
		if err != nil {
			return err
		}
		if err := m.store.Swap(ctx, key, raw, encoded, m.ttl); err != nil {
			return err
		}
		result = next
		return nil
	}

	policy := m.policy
	policy.Retryable = func(err error) bool { return errors.Is(err, kv.ErrConflict) }
	policy.Notify = func(err error, wait time.Duration) {
		m.log.Debug("room update conflict, retrying", logging.Room(roomID), logging.Duration("wait", wait))
	}

	if err := retry.Do(ctx, policy, attempt); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			m.log.Warn("room update retries exhausted", logging.Room(roomID))
			return nil, fmt.Errorf("%w: room %s", ErrConflict, roomID)
		}
		return nil, err
	}
	return result, nil
}

// applyUpdate mutates room in place and reports whether anything changed.
func applyUpdate(room *Room, update Update) bool {
	switch update.Kind {
	case AddPlayer:
		if room.HasPlayer(update.Player.PlayerID) || room.Full() || !room.Admits(update.Player.PlayerID) {
			return false
		}
		room.Players = append(room.Players, update.Player)
		if room.Host == "" {
			room.Host = update.Player.DisplayName
		}
		return true

	case RemovePlayer:
		// The roster of a running room is frozen so results can be attributed.
		if room.GameStarted {
			return false
		}
		idx := indexOf(room.Players, update.Player.PlayerID)
		if idx < 0 {
			return false
		}
		room.Players = append(room.Players[:idx:idx], room.Players[idx+1:]...)
		// A host who is not seated (left, or preset and never joined) hands
		// over to the earliest remaining player. An emptied room ends up
		// without a host, so the write deletes it unless it is a placeholder.
		if !room.hostSeated() {
			room.Host = ""
			if len(room.Players) > 0 {
				room.Host = room.Players[0].DisplayName
			}
		}
		return true

	case UpdateGameState:
		return applyPatch(room, update.State)

	case Qualify:
		if !room.Type.IsPlaceholder() || indexOf(room.Qualified, update.Player.PlayerID) >= 0 {
			return false
		}
		room.Qualified = append(room.Qualified, update.Player)
		return true
	}
	return false
}

func applyPatch(room *Room, patch GameStatePatch) bool {
	changed := false
	if patch.GameStarted != nil {
		room.GameStarted = *patch.GameStarted
		changed = true
	}
	if patch.StartedAt != nil {
		started := *patch.StartedAt
		room.StartedAt = &started
		changed = true
	}
	if patch.SlotA != nil {
		room.SlotA = clonePlayers(patch.SlotA)
		changed = true
	}
	if patch.SlotB != nil {
		room.SlotB = clonePlayers(patch.SlotB)
		changed = true
	}
	if patch.SlotAEnded != nil {
		room.SlotAEnded = *patch.SlotAEnded
		changed = true
	}
	if patch.SlotBEnded != nil {
		room.SlotBEnded = *patch.SlotBEnded
		changed = true
	}
	if patch.DisconnectedCount != nil {
		room.DisconnectedCount = *patch.DisconnectedCount
		changed = true
	}
	return changed
}

// Bool and Int build GameStatePatch pointers inline.
func Bool(v bool) *bool { return &v }

func Int(v int) *int { return &v }
