// Package results persists concluded matches and serves the match history.
package results

import (
	"context"
	"errors"
	"time"

	"pongarena/broker/internal/rooms"
)

var (
	// ErrAlreadyPersisted is returned when a match already has a game log.
	ErrAlreadyPersisted = errors.New("match result already persisted")
	// ErrUnknownPlayer is returned by the directory for unregistered ids.
	ErrUnknownPlayer = errors.New("unknown player")
)

// ScoreRow is one PlayerScoreEntry.
type ScoreRow struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
}

// GameLog is one concluded match with its score rows.
type GameLog struct {
	ID            int64
	MatchID       string
	RoomID        string
	MatchType     rooms.MatchType
	StartTime     time.Time
	EndTime       time.Time
	WinnerID      string
	LedgerAddress *string
	Scores        []ScoreRow
}

// HistoryEntry is a concluded match with its two top-scoring rows.
type HistoryEntry struct {
	GameLogID int64      `json:"gameLogId"`
	MatchType int        `json:"matchType"`
	PlayedAt  time.Time  `json:"playedAt"`
	Players   []ScoreRow `json:"players"`
}

// Store is the persistence collaborator behind the ResultPersister and
// the player directory.
type Store interface {
	// RecordMatch inserts the game log and its score rows atomically and
	// returns the log id. A second insert for the same match id fails with
	// ErrAlreadyPersisted.
	RecordMatch(ctx context.Context, log GameLog) (int64, error)
	SetLedgerAddress(ctx context.Context, logID int64, address string) error
	// History returns the most recent matches, newest first.
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
	UpsertPlayer(ctx context.Context, player rooms.PlayerRef) error
	LookupPlayer(ctx context.Context, playerID string) (rooms.PlayerRef, error)
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// DefaultHistoryLimit caps History when callers pass a non-positive limit.
const DefaultHistoryLimit = 50

func historyLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultHistoryLimit
	}
	return limit
}

// appendHistory folds one joined row into entries. Rows of the same game log
// arrive consecutively.
func appendHistory(entries []HistoryEntry, id int64, matchType int, playedAt time.Time, row ScoreRow) []HistoryEntry {
	if n := len(entries); n > 0 && entries[n-1].GameLogID == id {
		entries[n-1].Players = append(entries[n-1].Players, row)
		return entries
	}
	return append(entries, HistoryEntry{
		GameLogID: id,
		MatchType: matchType,
		PlayedAt:  playedAt.UTC(),
		Players:   []ScoreRow{row},
	})
}
