// Package protocol defines the tagged JSON messages exchanged on the room and
// match channels.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/rooms"
)

// MessageType is the closed set of "type" tags understood by the server.
type MessageType string

const (
	// Room channel.
	TypeRoomUpdate     MessageType = "room_update"
	TypeStartGame      MessageType = "start_game"
	TypeGameStart      MessageType = "game_start"
	TypeChatMessage    MessageType = "chat_message"
	TypeDestroy        MessageType = "destroy"
	TypeBracketAdvance MessageType = "bracket_advance"
	TypeError          MessageType = "error"

	// Match channel.
	TypePaddleMove        MessageType = "paddle_move"
	TypeSyncTime          MessageType = "sync_time"
	TypeSyncTimeResponse  MessageType = "sync_time_response"
	TypeFullStateRequest  MessageType = "full_state_request"
	TypeFullStateResponse MessageType = "full_state_response"
	TypePlayerAssigned    MessageType = "player_assigned"
	TypeCountdownSequence MessageType = "countdown_sequence"
	TypeCountdown         MessageType = "countdown"
	TypeOpponentUpdate    MessageType = "opponent_update"
	TypeGameStateUpdate   MessageType = "game_state_update"
	TypeGamePaused        MessageType = "game_paused"
	TypeGameResumed       MessageType = "game_resumed"
	TypeGameEnd           MessageType = "game_end"
)

// ErrMalformed wraps payloads that are not valid JSON objects or miss required fields.
var ErrMalformed = errors.New("malformed message")

type envelope struct {
	Type MessageType `json:"type"`
}

// Inbound is implemented by every decoded client message.
type Inbound interface {
	MessageType() MessageType
}

// PaddleMove reports the sender's paddle centre.
type PaddleMove struct {
	Seq    uint64  `json:"seq"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	SentAt int64   `json:"sentAt,omitempty"`
}

func (PaddleMove) MessageType() MessageType { return TypePaddleMove }

// SyncTime asks for the server clock.
type SyncTime struct {
	ClientTime int64 `json:"clientTime"`
}

func (SyncTime) MessageType() MessageType { return TypeSyncTime }

// FullStateRequest asks for a complete resync.
type FullStateRequest struct{}

func (FullStateRequest) MessageType() MessageType { return TypeFullStateRequest }

// StartGame asks the host's room to start.
type StartGame struct{}

func (StartGame) MessageType() MessageType { return TypeStartGame }

// ChatMessage is relayed to the whole room.
type ChatMessage struct {
	Message string `json:"message"`
}

func (ChatMessage) MessageType() MessageType { return TypeChatMessage }

// MaxChatLength bounds relayed chat messages.
const MaxChatLength = 500

// DecodeMatch parses a match channel message. Unknown tags return (nil, nil).
func DecodeMatch(raw []byte) (Inbound, error) {
	kind, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case TypePaddleMove:
		var msg PaddleMove
		if err := decodeInto(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSyncTime:
		var msg SyncTime
		if err := decodeInto(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFullStateRequest:
		return FullStateRequest{}, nil
	default:
		return nil, nil
	}
}

// DecodeRoom parses a room channel message. Unknown tags return (nil, nil).
func DecodeRoom(raw []byte) (Inbound, error) {
	kind, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case TypeStartGame:
		return StartGame{}, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := decodeInto(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Message == "" || len(msg.Message) > MaxChatLength {
			return nil, fmt.Errorf("%w: chat message length %d", ErrMalformed, len(msg.Message))
		}
		return msg, nil
	default:
		return nil, nil
	}
}

func peekType(raw []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, nil
}

func decodeInto(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode serialises an outbound message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Score is keyed by wire slot name.
type Score map[string]int

// BallState is the wire view of the ball.
type BallState struct {
	Position physics.Vec3 `json:"position"`
	Velocity physics.Vec3 `json:"velocity"`
	Scale    float64      `json:"scale"`
}

// FromBall converts the simulation ball.
func FromBall(b physics.Ball) BallState {
	return BallState{Position: b.Position, Velocity: b.Velocity, Scale: b.Scale}
}

// PlayerState is the wire view of one seated player.
type PlayerState struct {
	Slot      string          `json:"slot"`
	Player    rooms.PlayerRef `json:"player"`
	Paddle    physics.Paddle  `json:"paddle"`
	Connected bool            `json:"connected"`
}

// FullState is the complete resync snapshot.
type FullState struct {
	MatchID      string        `json:"matchId"`
	MatchType    int           `json:"matchType"`
	Phase        string        `json:"phase"`
	Ball         BallState     `json:"ball"`
	Score        Score         `json:"score"`
	Players      []PlayerState `json:"players"`
	Paused       bool          `json:"paused"`
	Disconnected []string      `json:"disconnected,omitempty"`
	WinScore     int           `json:"winScore"`
	Timestamp    int64         `json:"timestamp"`
}

// RoomUpdate carries the room document after a change.
type RoomUpdate struct {
	Type MessageType `json:"type"`
	Room *rooms.Room `json:"room"`
}

// RoomGameStart announces that a room started and who plays which match.
type RoomGameStart struct {
	Type        MessageType                  `json:"type"`
	Room        *rooms.Room                  `json:"room"`
	Assignments map[string]*rooms.Assignment `json:"assignments"`
}

// ChatBroadcast relays a chat line with its sender.
type ChatBroadcast struct {
	Type    MessageType `json:"type"`
	Sender  string      `json:"sender"`
	Message string      `json:"message"`
	SentAt  int64       `json:"sentAt"`
}

// Destroy tells room members the room is gone.
type Destroy struct {
	Type   MessageType `json:"type"`
	RoomID string      `json:"roomId"`
	Reason string      `json:"reason"`
}

// BracketAdvance tells a tournament room where a semi-final's players go next.
type BracketAdvance struct {
	Type             MessageType     `json:"type"`
	MatchType        int             `json:"matchType"`
	Winner           rooms.PlayerRef `json:"winner"`
	Loser            rooms.PlayerRef `json:"loser"`
	FinalRoomID      string          `json:"finalRoomId"`
	ThirdPlaceRoomID string          `json:"thirdPlaceRoomId"`
}

// ErrorMessage reports a rejected request without closing the connection.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// PlayerAssigned tells a match connection which slot it controls.
type PlayerAssigned struct {
	Type      MessageType `json:"type"`
	Slot      string      `json:"slot"`
	MatchID   string      `json:"matchId"`
	MatchType int         `json:"matchType"`
	// LastSeq is the last paddle sequence applied for the slot; a
	// reconnecting client numbers its moves after it.
	LastSeq uint64    `json:"lastSeq"`
	State   FullState `json:"state"`
}

// CountdownSequence announces the upcoming countdown values.
type CountdownSequence struct {
	Type     MessageType `json:"type"`
	Sequence []string    `json:"sequence"`
}

// Countdown carries one countdown value.
type Countdown struct {
	Type  MessageType `json:"type"`
	Value string      `json:"value"`
}

// GameStart marks the transition to running.
type GameStart struct {
	Type  MessageType `json:"type"`
	State FullState   `json:"state"`
}

// OpponentUpdate relays a paddle position to the other player.
type OpponentUpdate struct {
	Type MessageType `json:"type"`
	Slot string      `json:"slot"`
	X    float64     `json:"x"`
	Y    float64     `json:"y"`
	Seq  uint64      `json:"seq"`
}

// GameStateUpdate is the per-tick partial state.
type GameStateUpdate struct {
	Type      MessageType `json:"type"`
	Ball      BallState   `json:"ball"`
	Score     Score       `json:"score"`
	Scored    string      `json:"scored,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SyncTimeResponse answers SyncTime.
type SyncTimeResponse struct {
	Type       MessageType `json:"type"`
	ClientTime int64       `json:"clientTime"`
	ServerTime int64       `json:"serverTime"`
}

// FullStateResponse answers FullStateRequest.
type FullStateResponse struct {
	Type  MessageType `json:"type"`
	State FullState   `json:"state"`
}

// GamePaused announces a disconnect-driven pause.
type GamePaused struct {
	Type         MessageType `json:"type"`
	Disconnected []string    `json:"disconnected"`
	ForfeitInMs  int64       `json:"forfeitInMs"`
}

// GameResumed announces that every disconnected player is back.
type GameResumed struct {
	Type MessageType `json:"type"`
}

// GameEnd is the terminal match event.
type GameEnd struct {
	Type      MessageType `json:"type"`
	Winner    string      `json:"winner"`
	MatchType int         `json:"matchType"`
	Score     Score       `json:"score"`
	Reason    string      `json:"reason"`
}
