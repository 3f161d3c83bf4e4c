package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pongarena/broker/internal/rooms"
)

type memoryDirectory struct {
	players map[string]rooms.PlayerRef
	upserts int
}

func (d *memoryDirectory) UpsertPlayer(_ context.Context, p rooms.PlayerRef) error {
	d.upserts++
	d.players[p.PlayerID] = p
	return nil
}

func (d *memoryDirectory) LookupPlayer(_ context.Context, id string) (rooms.PlayerRef, error) {
	p, ok := d.players[id]
	if !ok {
		return rooms.PlayerRef{}, ErrUnknownPlayer
	}
	return p, nil
}

func newResolver(t *testing.T, now time.Time, dir Directory) *JWTResolver {
	t.Helper()
	resolver, err := NewJWTResolver("secret", time.Second, WithClock(func() time.Time { return now }), WithDirectory(dir))
	if err != nil {
		t.Fatalf("NewJWTResolver: %v", err)
	}
	return resolver
}

func TestResolveTokenWithDisplayNameRefreshesDirectory(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &memoryDirectory{players: map[string]rooms.PlayerRef{}}
	resolver := newResolver(t, now, dir)
	token, err := resolver.Issue(rooms.PlayerRef{PlayerID: "p-7", DisplayName: "ace", Avatar: "ace.png"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	player, err := resolver.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if player.DisplayName != "ace" || player.Avatar != "ace.png" {
		t.Fatalf("unexpected player: %+v", player)
	}
	if dir.upserts != 1 {
		t.Fatalf("expected one directory upsert, got %d", dir.upserts)
	}
}

func TestResolveIDOnlyTokenUsesDirectory(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := &memoryDirectory{players: map[string]rooms.PlayerRef{"p-1": {PlayerID: "p-1", DisplayName: "known"}}}
	resolver := newResolver(t, now, dir)

	known, _ := resolver.Issue(rooms.PlayerRef{PlayerID: "p-1"}, time.Minute)
	player, err := resolver.Resolve(context.Background(), known)
	if err != nil || player.DisplayName != "known" {
		t.Fatalf("expected directory entry, got %+v, %v", player, err)
	}

	stranger, _ := resolver.Issue(rooms.PlayerRef{PlayerID: "p-404"}, time.Minute)
	if _, err := resolver.Resolve(context.Background(), stranger); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newResolver(t, now.Add(-time.Hour), nil)
	token, _ := issuer.Issue(rooms.PlayerRef{PlayerID: "p-7", DisplayName: "ace"}, time.Minute)

	if _, err := newResolver(t, now, nil).Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsInvalidSignatureAndAlgorithm(t *testing.T) {
	now := time.Unix(1700000000, 0)
	resolver := newResolver(t, now, nil)

	other, err := NewJWTResolver("other-secret", 0, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewJWTResolver: %v", err)
	}
	forged, _ := other.Issue(rooms.PlayerRef{PlayerID: "p-7", DisplayName: "ace"}, time.Minute)
	if _, err := resolver.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		PlayerID:         "p-7",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := resolver.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestVerifyRequiresPlayerID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	resolver := newResolver(t, now, nil)
	token, _ := resolver.Issue(rooms.PlayerRef{DisplayName: "ghost"}, time.Minute)
	if _, err := resolver.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := NewJWTResolver("  ", 0); err == nil {
		t.Fatal("expected empty secret to be rejected")
	}
}
