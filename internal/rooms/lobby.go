package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/logging"
)

// CreateRequest describes a lobby opened by a player.
type CreateRequest struct {
	Name     string
	Type     RoomType
	HostName string
}

// Summary is the listing view of an open room.
type Summary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	RoomType    RoomType `json:"roomType"`
	Host        string   `json:"host,omitempty"`
	PlayerCount int      `json:"playerCount"`
	Capacity    int      `json:"capacity"`
}

// Assignment tells a player which match of a started room belongs to them.
type Assignment struct {
	RoomID    string      `json:"roomId"`
	MatchID   string      `json:"matchId"`
	MatchType MatchType   `json:"matchType"`
	Players   []PlayerRef `json:"players"`
}

// Lobby implements the room lifecycle requests around the Manager.
type Lobby struct {
	rooms *Manager
	newID func() string
}

// NewLobby wires lobby operations onto manager.
func NewLobby(manager *Manager) *Lobby {
	return &Lobby{rooms: manager, newID: func() string { return uuid.NewString() }}
}

// CreateRoom opens a new Duel or Tournament room.
func (l *Lobby) CreateRoom(ctx context.Context, req CreateRequest) (*Room, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if req.Type != Duel && req.Type != Tournament {
		return nil, fmt.Errorf("%w: room type %d cannot be created directly", ErrInvalidRoom, req.Type)
	}
	room := &Room{
		ID:      l.newID(),
		Name:    name,
		Type:    req.Type,
		Host:    strings.TrimSpace(req.HostName),
		Players: []PlayerRef{},
	}
	if err := l.rooms.Create(ctx, room); err != nil {
		return nil, err
	}
	l.rooms.log.Info("room created", logging.Room(room.ID), logging.String("room_type", room.Type.String()))
	return room, nil
}

// ListRooms returns joinable rooms, newest first.
func (l *Lobby) ListRooms(ctx context.Context) ([]Summary, error) {
	rooms, err := l.scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	out := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		if room.GameStarted || room.Type.IsPlaceholder() {
			continue
		}
		out = append(out, Summary{
			ID:          room.ID,
			Name:        room.Name,
			RoomType:    room.Type,
			Host:        room.Host,
			PlayerCount: len(room.Players),
			Capacity:    room.Type.Capacity(),
		})
	}
	return out, nil
}

// StartGame marks a full room as started. Only the host may start when
// requester is not empty. Tournament rooms get their bracket split and the
// two placeholder rooms for the final and the third-place match.
func (l *Lobby) StartGame(ctx context.Context, roomID, requester string) (*Room, error) {
	started, err := l.rooms.Mutate(ctx, roomID, func(room *Room) (Action, error) {
		if room.GameStarted {
			return Keep, ErrRoomStarted
		}
		if requester != "" && room.Host != requester {
			return Keep, ErrNotHost
		}
		if len(room.Players) != room.Type.Capacity() {
			return Keep, ErrNotEnoughPlayers
		}
		now := l.rooms.now().UTC()
		room.GameStarted = true
		room.StartedAt = &now
		if room.Type == Tournament && room.SlotA == nil {
			room.SlotA, room.SlotB = SplitBrackets(room.Players)
		}
		return Write, nil
	})
	if err != nil {
		return nil, err
	}
	if started == nil {
		return nil, ErrRoomNotFound
	}

	if started.Type == Tournament {
		for _, placeholder := range []*Room{
			{ID: FinalRoomID(started.ID), Name: started.Name + " final", Type: TournamentFinal, Players: []PlayerRef{}},
			{ID: ThirdPlaceRoomID(started.ID), Name: started.Name + " third place", Type: TournamentThirdPlace, Players: []PlayerRef{}},
		} {
			if err := l.rooms.Create(ctx, placeholder); err != nil && !errors.Is(err, ErrInvalidRoom) {
				return started, fmt.Errorf("create placeholder %s: %w", placeholder.ID, err)
			}
		}
	}
	l.rooms.log.Info("room started", logging.Room(started.ID), logging.Int("players", len(started.Players)))
	return started, nil
}

// PlayersInfo resolves the match a player takes part in within a started room.
func (l *Lobby) PlayersInfo(ctx context.Context, roomID, playerID string) (*Assignment, error) {
	room, err := l.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return AssignmentFor(room, playerID)
}

// AssignmentFor maps a roster member to the match they play in room.
func AssignmentFor(room *Room, playerID string) (*Assignment, error) {
	var (
		matchType MatchType
		players   []PlayerRef
	)
	switch room.Type {
	case Duel:
		matchType, players = MatchDuel, room.Players
	case TournamentFinal:
		matchType, players = MatchFinal, room.Players
	case TournamentThirdPlace:
		matchType, players = MatchThirdPlace, room.Players
	case Tournament:
		slotA, slotB := room.SlotA, room.SlotB
		if slotA == nil {
			slotA, slotB = SplitBrackets(room.Players)
		}
		switch {
		case indexOf(slotA, playerID) >= 0:
			matchType, players = MatchSemiA, slotA
		case indexOf(slotB, playerID) >= 0:
			matchType, players = MatchSemiB, slotB
		default:
			return nil, fmt.Errorf("player %s has no bracket slot in room %s", playerID, room.ID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown room type %d", ErrInvalidRoom, room.Type)
	}
	if indexOf(players, playerID) < 0 {
		return nil, fmt.Errorf("player %s is not on the roster of room %s", playerID, room.ID)
	}
	return &Assignment{
		RoomID:    room.ID,
		MatchID:   MatchID(room.ID, matchType),
		MatchType: matchType,
		Players:   clonePlayers(players),
	}, nil
}

// RosterFor returns the players competing in a given match of room.
func RosterFor(room *Room, t MatchType) []PlayerRef {
	switch t {
	case MatchSemiA:
		if room.SlotA != nil {
			return clonePlayers(room.SlotA)
		}
		a, _ := SplitBrackets(room.Players)
		return a
	case MatchSemiB:
		if room.SlotB != nil {
			return clonePlayers(room.SlotB)
		}
		_, b := SplitBrackets(room.Players)
		return b
	default:
		return clonePlayers(room.Players)
	}
}

func (l *Lobby) scan(ctx context.Context) ([]*Room, error) {
	keys, err := l.rooms.store.Scan(ctx, kv.RoomPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Room, 0, len(keys))
	for _, key := range keys {
		room, err := l.rooms.Get(ctx, strings.TrimPrefix(key, kv.RoomPrefix))
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			l.rooms.log.Warn("skipping unreadable room", logging.String("key", key), logging.Error(err))
			continue
		}
		out = append(out, room)
	}
	return out, nil
}
