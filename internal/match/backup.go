package match

import (
	"fmt"
	"time"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"pongarena/broker/internal/rooms"
)

// Backup is the periodic snapshot kept under match-backup:{matchId} so a
// restarted process can resume the score of an interrupted match.
type Backup struct {
	MatchID   string
	MatchType rooms.MatchType
	Phase     Phase
	Score     map[Slot]int
	Players   map[Slot]rooms.PlayerRef
	SavedAt   time.Time
}

// Backup captures the resumable part of the session.
func (s *Session) Backup(now time.Time) Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	players := make(map[Slot]rooms.PlayerRef, len(s.roster))
	for slot, player := range s.roster {
		players[slot] = player
	}
	return Backup{
		MatchID:   s.id,
		MatchType: s.matchType,
		Phase:     s.phase,
		Score:     s.scoreLocked(),
		Players:   players,
		SavedAt:   now,
	}
}

// Restore reapplies a saved score. Snapshots of other matches are ignored.
func (s *Session) Restore(b Backup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.MatchID != s.id || s.phase != PhaseWaiting {
		return false
	}
	for _, slot := range Slots {
		if points := b.Score[slot]; points > 0 && points < s.settings.WinScore {
			s.score[slot] = points
		}
	}
	return true
}

// EncodeBackup serialises b as a snappy-compressed protobuf Struct.
func EncodeBackup(b Backup) ([]byte, error) {
	score := make(map[string]any, len(b.Score))
	for slot, points := range b.Score {
		score[slot.String()] = float64(points)
	}
	players := make(map[string]any, len(b.Players))
	for slot, player := range b.Players {
		players[slot.String()] = map[string]any{
			"playerId":    player.PlayerID,
			"displayName": player.DisplayName,
			"avatar":      player.Avatar,
		}
	}
	doc, err := structpb.NewStruct(map[string]any{
		"matchId":   b.MatchID,
		"matchType": float64(b.MatchType),
		"phase":     b.Phase.String(),
		"score":     score,
		"players":   players,
		"savedAt":   float64(b.SavedAt.UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	raw, err := proto.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeBackup reverses EncodeBackup.
func DecodeBackup(data []byte) (Backup, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	var doc structpb.Struct
	if err := proto.Unmarshal(raw, &doc); err != nil {
		return Backup{}, fmt.Errorf("decode backup: %w", err)
	}
	fields := doc.GetFields()
	b := Backup{
		MatchID:   fields["matchId"].GetStringValue(),
		MatchType: rooms.MatchType(int(fields["matchType"].GetNumberValue())),
		Phase:     parsePhase(fields["phase"].GetStringValue()),
		Score:     make(map[Slot]int, 2),
		Players:   make(map[Slot]rooms.PlayerRef, 2),
		SavedAt:   time.UnixMilli(int64(fields["savedAt"].GetNumberValue())),
	}
	if b.MatchID == "" {
		return Backup{}, fmt.Errorf("decode backup: missing match id")
	}
	scores := fields["score"].GetStructValue().GetFields()
	players := fields["players"].GetStructValue().GetFields()
	for _, slot := range Slots {
		if v, ok := scores[slot.String()]; ok {
			b.Score[slot] = int(v.GetNumberValue())
		}
		if v, ok := players[slot.String()]; ok {
			entry := v.GetStructValue().GetFields()
			b.Players[slot] = rooms.PlayerRef{
				PlayerID:    entry["playerId"].GetStringValue(),
				DisplayName: entry["displayName"].GetStringValue(),
				Avatar:      entry["avatar"].GetStringValue(),
			}
		}
	}
	return b, nil
}

func parsePhase(name string) Phase {
	for p := PhaseWaiting; p <= PhaseEnded; p++ {
		if p.String() == name {
			return p
		}
	}
	return PhaseWaiting
}
