package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pongarena/broker/internal/rooms"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS players (
	player_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar       TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS game_logs (
	id             BIGSERIAL PRIMARY KEY,
	match_id       TEXT NOT NULL UNIQUE,
	room_id        TEXT NOT NULL,
	match_type     INTEGER NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ NOT NULL,
	winner_id      TEXT NOT NULL DEFAULT '',
	ledger_address TEXT
);
CREATE TABLE IF NOT EXISTS player_scores (
	id           BIGSERIAL PRIMARY KEY,
	game_log_id  BIGINT NOT NULL REFERENCES game_logs(id) ON DELETE CASCADE,
	player_id    TEXT NOT NULL,
	display_name TEXT NOT NULL,
	score        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS player_scores_game_log_idx ON player_scores (game_log_id);
CREATE INDEX IF NOT EXISTS game_logs_start_time_idx ON game_logs (start_time DESC);
`

const pgHistory = `
SELECT id, match_type, start_time, player_id, display_name, score FROM (
	SELECT g.id, g.match_type, g.start_time, s.player_id, s.display_name, s.score,
		ROW_NUMBER() OVER (PARTITION BY g.id ORDER BY s.score DESC, s.id ASC) AS rn
	FROM game_logs g
	JOIN player_scores s ON s.game_log_id = g.id
	WHERE g.id IN (SELECT id FROM game_logs ORDER BY start_time DESC, id DESC LIMIT $1)
) ranked
WHERE rn <= 2
ORDER BY start_time DESC, id DESC, rn ASC`

// PostgresStore keeps results in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres dials dsn with the pool limits used in production.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// EnsureSchema creates the result tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecordMatch inserts log and its score rows in one transaction.
func (s *PostgresStore) RecordMatch(ctx context.Context, log GameLog) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		//1.- The unique match id turns a racing second insert into a conflict.
		err := tx.QueryRow(ctx,
			`INSERT INTO game_logs (match_id, room_id, match_type, start_time, end_time, winner_id)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			log.MatchID, log.RoomID, int(log.MatchType), log.StartTime.UTC(), log.EndTime.UTC(), log.WinnerID,
		).Scan(&id)
		if err != nil {
			return err
		}
		//2.- Score rows ride the same batch round trip.
		batch := &pgx.Batch{}
		for _, row := range log.Scores {
			batch.Queue(`INSERT INTO player_scores (game_log_id, player_id, display_name, score) VALUES ($1, $2, $3, $4)`,
				id, row.PlayerID, row.DisplayName, row.Score)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyPersisted, log.MatchID)
		}
		return 0, fmt.Errorf("record match %s: %w", log.MatchID, err)
	}
	return id, nil
}

// SetLedgerAddress stores the ledger reference returned for a log.
func (s *PostgresStore) SetLedgerAddress(ctx context.Context, logID int64, address string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE game_logs SET ledger_address = $2 WHERE id = $1`, logID, address)
	if err != nil {
		return fmt.Errorf("set ledger address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set ledger address: game log %d not found", logID)
	}
	return nil
}

// History returns the latest matches with their two best score rows.
func (s *PostgresStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, pgHistory, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			id        int64
			matchType int
			playedAt  time.Time
			row       ScoreRow
		)
		if err := rows.Scan(&id, &matchType, &playedAt, &row.PlayerID, &row.DisplayName, &row.Score); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = appendHistory(entries, id, matchType, playedAt, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// UpsertPlayer records or refreshes a directory entry.
func (s *PostgresStore) UpsertPlayer(ctx context.Context, player rooms.PlayerRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (player_id, display_name, avatar, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (player_id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar = EXCLUDED.avatar, updated_at = now()`,
		player.PlayerID, player.DisplayName, player.Avatar)
	if err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}
	return nil
}

// LookupPlayer resolves a directory entry.
func (s *PostgresStore) LookupPlayer(ctx context.Context, playerID string) (rooms.PlayerRef, error) {
	ref := rooms.PlayerRef{PlayerID: playerID}
	err := s.pool.QueryRow(ctx, `SELECT display_name, avatar FROM players WHERE player_id = $1`, playerID).
		Scan(&ref.DisplayName, &ref.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return rooms.PlayerRef{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	if err != nil {
		return rooms.PlayerRef{}, fmt.Errorf("lookup player: %w", err)
	}
	return ref, nil
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }
