// Package rooms coordinates the shared matchmaking lobbies stored in the KV store.
package rooms

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrRoomNotFound is returned when the room document is absent or expired.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomFull indicates the roster already holds the room type's capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomStarted is returned when a join or start targets a running room.
	ErrRoomStarted = errors.New("room already started")
	// ErrNotEnoughPlayers is returned when a start is requested below capacity.
	ErrNotEnoughPlayers = errors.New("room is not full yet")
	// ErrNotHost is returned when someone other than the host starts a room.
	ErrNotHost = errors.New("only the host may start the room")
	// ErrConflict surfaces when optimistic updates keep colliding after every retry.
	ErrConflict = errors.New("room update conflicted")
	// ErrInvalidRoom covers malformed create requests.
	ErrInvalidRoom = errors.New("invalid room request")
	// ErrInvalidMatchID is returned when a match id does not carry a match-type suffix.
	ErrInvalidMatchID = errors.New("invalid match id")
)

// RoomType classifies a room and fixes its capacity.
type RoomType int

const (
	Duel                 RoomType = 0
	Tournament           RoomType = 1
	TournamentFinal      RoomType = 3
	TournamentThirdPlace RoomType = 4
)

// Capacity returns the number of players the room type seats.
func (t RoomType) Capacity() int {
	if t == Tournament {
		return 4
	}
	return 2
}

// IsPlaceholder reports whether rooms of this type are pre-created bracket rooms.
func (t RoomType) IsPlaceholder() bool {
	return t == TournamentFinal || t == TournamentThirdPlace
}

func (t RoomType) String() string {
	switch t {
	case Duel:
		return "duel"
	case Tournament:
		return "tournament"
	case TournamentFinal:
		return "final"
	case TournamentThirdPlace:
		return "third_place"
	default:
		return "unknown"
	}
}

// PlayerRef identifies a participant. Copied by value everywhere it is stored.
type PlayerRef struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// Room is the lobby document kept under room:{id}.
type Room struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Type              RoomType    `json:"roomType"`
	Host              string      `json:"host,omitempty"`
	Players           []PlayerRef `json:"players"`
	GameStarted       bool        `json:"gameStarted"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	SlotA             []PlayerRef `json:"slotA,omitempty"`
	SlotB             []PlayerRef `json:"slotB,omitempty"`
	SlotAEnded        bool        `json:"slotAEnded"`
	SlotBEnded        bool        `json:"slotBEnded"`
	DisconnectedCount int         `json:"disconnectedCount"`
	// Qualified lists who a bracket placeholder admits: the semi-final
	// winners for a final, the losers for a third-place match.
	Qualified         []PlayerRef `json:"qualified,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	LastModified      time.Time   `json:"lastModified"`
	Version           int64       `json:"version"`
}

// Clone returns a deep copy so callers can mutate freely.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Players = clonePlayers(r.Players)
	out.SlotA = clonePlayers(r.SlotA)
	out.SlotB = clonePlayers(r.SlotB)
	out.Qualified = clonePlayers(r.Qualified)
	if r.StartedAt != nil {
		started := *r.StartedAt
		out.StartedAt = &started
	}
	return &out
}

// Full reports whether the roster reached the room type's capacity.
func (r *Room) Full() bool { return len(r.Players) >= r.Type.Capacity() }

// HasPlayer reports whether playerID is on the roster.
func (r *Room) HasPlayer(playerID string) bool {
	return indexOf(r.Players, playerID) >= 0
}

// HasDisplayName reports whether a roster member already uses name.
func (r *Room) HasDisplayName(name string) bool {
	for _, p := range r.Players {
		if p.DisplayName == name {
			return true
		}
	}
	return false
}

// Admits reports whether playerID may join. Regular rooms admit anyone;
// placeholders only admit qualified players.
func (r *Room) Admits(playerID string) bool {
	if !r.Type.IsPlaceholder() {
		return true
	}
	return indexOf(r.Qualified, playerID) >= 0
}

// hostSeated reports whether the host is on the roster.
func (r *Room) hostSeated() bool {
	for _, player := range r.Players {
		if player.DisplayName == r.Host {
			return true
		}
	}
	return false
}

// retained reports whether the document survives a write. Rooms without a
// host are dropped unless they are bracket placeholders.
func (r *Room) retained() bool {
	if r.Type.IsPlaceholder() {
		return true
	}
	return r.Host != ""
}

func clonePlayers(in []PlayerRef) []PlayerRef {
	if in == nil {
		return nil
	}
	out := make([]PlayerRef, len(in))
	copy(out, in)
	return out
}

func indexOf(players []PlayerRef, playerID string) int {
	for i, p := range players {
		if p.PlayerID == playerID {
			return i
		}
	}
	return -1
}

func encodeRoom(r *Room) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRoom(raw []byte) (*Room, error) {
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return &r, nil
}

// MatchType tags which bracket position a match fills.
type MatchType int

const (
	MatchDuel       MatchType = 0
	MatchSemiA      MatchType = 1
	MatchSemiB      MatchType = 2
	MatchFinal      MatchType = 3
	MatchThirdPlace MatchType = 4
)

func (t MatchType) String() string { return strconv.Itoa(int(t)) }

// IsSemiFinal reports whether the match belongs to the first tournament round.
func (t MatchType) IsSemiFinal() bool { return t == MatchSemiA || t == MatchSemiB }

// Valid reports whether t is one of the known match types.
func (t MatchType) Valid() bool { return t >= MatchDuel && t <= MatchThirdPlace }

// MatchID composes the identifier of a match hosted by roomID.
func MatchID(roomID string, t MatchType) string {
	return roomID + "_" + t.String()
}

// ParseMatchID splits a match id into its owning room and match type.
func ParseMatchID(matchID string) (string, MatchType, error) {
	idx := strings.LastIndexByte(matchID, '_')
	if idx <= 0 || idx == len(matchID)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidMatchID, matchID)
	}
	n, err := strconv.Atoi(matchID[idx+1:])
	if err != nil || !MatchType(n).Valid() {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidMatchID, matchID)
	}
	return matchID[:idx], MatchType(n), nil
}

// FinalRoomID names the placeholder room of a tournament's final.
func FinalRoomID(rootID string) string { return rootID + "_final" }

// ThirdPlaceRoomID names the placeholder room of a tournament's third-place match.
func ThirdPlaceRoomID(rootID string) string { return rootID + "_3rd" }

// PlaceholderRootID recovers the tournament room id from a placeholder room id.
func PlaceholderRootID(roomID string) (string, bool) {
	if root, ok := strings.CutSuffix(roomID, "_final"); ok {
		return root, true
	}
	if root, ok := strings.CutSuffix(roomID, "_3rd"); ok {
		return root, true
	}
	return "", false
}

// SplitBrackets pairs the first four players in join order.
func SplitBrackets(players []PlayerRef) (slotA, slotB []PlayerRef) {
	if len(players) < 4 {
		return nil, nil
	}
	return clonePlayers(players[0:2]), clonePlayers(players[2:4])
}
