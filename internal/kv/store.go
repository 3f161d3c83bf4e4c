// Package kv abstracts the shared key/value store that holds room documents
// and cross-process match signals.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned by Swap when the stored value changed underneath the caller.
	ErrConflict = errors.New("kv: value changed concurrently")
)

// Key prefixes shared by every process talking to the store.
const (
	RoomPrefix        = "room:"
	MatchStatusPrefix = "match-status:"
	MatchBackupPrefix = "match-backup:"
	MatchResultPrefix = "match-result:"
)

// RoomKey returns the store key of a room document.
func RoomKey(roomID string) string { return RoomPrefix + roomID }

// MatchStatusKey returns the key of the "still accepting joins" flag of a match.
func MatchStatusKey(matchID string) string { return MatchStatusPrefix + matchID }

// MatchBackupKey returns the key holding a match's periodic snapshot.
func MatchBackupKey(matchID string) string { return MatchBackupPrefix + matchID }

// MatchResultKey returns the key used to claim result persistence for a match.
func MatchResultKey(matchID string) string { return MatchResultPrefix + matchID }

// Store is a TTL-aware byte store. A zero ttl means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan lists every live key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Swap replaces the value at key only if it still equals expected. A nil
	// expected requires the key to be absent, a nil value deletes the key.
	Swap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value only when key does not exist and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

func sameValue(current, expected []byte) bool {
	if current == nil || expected == nil {
		return current == nil && expected == nil
	}
	return string(current) == string(expected)
}
