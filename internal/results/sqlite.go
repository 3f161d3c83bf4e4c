package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pongarena/broker/internal/rooms"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS players (
	player_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar       TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS game_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	match_id       TEXT NOT NULL UNIQUE,
	room_id        TEXT NOT NULL,
	match_type     INTEGER NOT NULL,
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	winner_id      TEXT NOT NULL DEFAULT '',
	ledger_address TEXT
);
CREATE TABLE IF NOT EXISTS player_scores (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	game_log_id  INTEGER NOT NULL REFERENCES game_logs(id) ON DELETE CASCADE,
	player_id    TEXT NOT NULL,
	display_name TEXT NOT NULL,
	score        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS player_scores_game_log_idx ON player_scores (game_log_id);
`

const sqliteHistory = `
SELECT id, match_type, start_time, player_id, display_name, score FROM (
	SELECT g.id, g.match_type, g.start_time, s.player_id, s.display_name, s.score,
		ROW_NUMBER() OVER (PARTITION BY g.id ORDER BY s.score DESC, s.id ASC) AS rn
	FROM game_logs g
	JOIN player_scores s ON s.game_log_id = g.id
	WHERE g.id IN (SELECT id FROM game_logs ORDER BY start_time DESC, id DESC LIMIT ?)
)
WHERE rn <= 2
ORDER BY start_time DESC, id DESC, rn ASC`

// SQLiteStore keeps results in a local SQLite file for single-node deployments and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens path (":memory:" for a private in-memory database).
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// EnsureSchema creates the result tables when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecordMatch inserts log and its score rows in one transaction.
func (s *SQLiteStore) RecordMatch(ctx context.Context, log GameLog) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record match %s: %w", log.MatchID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO game_logs (match_id, room_id, match_type, start_time, end_time, winner_id) VALUES (?, ?, ?, ?, ?, ?)`,
		log.MatchID, log.RoomID, int(log.MatchType), log.StartTime.UnixMilli(), log.EndTime.UnixMilli(), log.WinnerID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyPersisted, log.MatchID)
		}
		return 0, fmt.Errorf("record match %s: %w", log.MatchID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record match %s: %w", log.MatchID, err)
	}
	for _, row := range log.Scores {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO player_scores (game_log_id, player_id, display_name, score) VALUES (?, ?, ?, ?)`,
			id, row.PlayerID, row.DisplayName, row.Score); err != nil {
			return 0, fmt.Errorf("record score %s: %w", row.PlayerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record match %s: %w", log.MatchID, err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// SetLedgerAddress stores the ledger reference returned for a log.
func (s *SQLiteStore) SetLedgerAddress(ctx context.Context, logID int64, address string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE game_logs SET ledger_address = ? WHERE id = ?`, address, logID)
	if err != nil {
		return fmt.Errorf("set ledger address: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set ledger address: game log %d not found", logID)
	}
	return nil
}

// LedgerAddress returns the stored ledger reference, if any.
func (s *SQLiteStore) LedgerAddress(ctx context.Context, logID int64) (string, bool, error) {
	var address sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT ledger_address FROM game_logs WHERE id = ?`, logID).Scan(&address); err != nil {
		return "", false, fmt.Errorf("ledger address: %w", err)
	}
	return address.String, address.Valid, nil
}

// History returns the latest matches with their two best score rows.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqliteHistory, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			id        int64
			matchType int
			playedAt  int64
			row       ScoreRow
		)
		if err := rows.Scan(&id, &matchType, &playedAt, &row.PlayerID, &row.DisplayName, &row.Score); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = appendHistory(entries, id, matchType, time.UnixMilli(playedAt), row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// UpsertPlayer records or refreshes a directory entry.
func (s *SQLiteStore) UpsertPlayer(ctx context.Context, player rooms.PlayerRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (player_id, display_name, avatar, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (player_id) DO UPDATE SET display_name = excluded.display_name, avatar = excluded.avatar, updated_at = excluded.updated_at`,
		player.PlayerID, player.DisplayName, player.Avatar, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}
	return nil
}

// LookupPlayer resolves a directory entry.
func (s *SQLiteStore) LookupPlayer(ctx context.Context, playerID string) (rooms.PlayerRef, error) {
	ref := rooms.PlayerRef{PlayerID: playerID}
	err := s.db.QueryRowContext(ctx, `SELECT display_name, avatar FROM players WHERE player_id = ?`, playerID).
		Scan(&ref.DisplayName, &ref.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return rooms.PlayerRef{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if err != nil {
		return rooms.PlayerRef{}, fmt.Errorf("lookup player: %w", err)
	}
	return ref, nil
}

// Ping checks database reachability.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *SQLiteStore) Close() { s.db.Close() }
