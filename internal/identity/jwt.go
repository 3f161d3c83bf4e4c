// Package identity resolves the bearer tokens presented by players into the
// roster entries the lobby and match channels operate on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pongarena/broker/internal/results"
	"pongarena/broker/internal/rooms"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrUnknownPlayer is returned when the token names a player the directory has never seen.
	ErrUnknownPlayer = results.ErrUnknownPlayer
)

// Claims is the token payload issued by the account service.
type Claims struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Directory is the player store consulted for tokens that only carry an id.
type Directory interface {
	UpsertPlayer(ctx context.Context, player rooms.PlayerRef) error
	LookupPlayer(ctx context.Context, playerID string) (rooms.PlayerRef, error)
}

// Resolver turns a raw token into a player.
type Resolver interface {
	Resolve(ctx context.Context, token string) (rooms.PlayerRef, error)
}

// Option configures a JWTResolver.
type Option func(*JWTResolver)

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func WithClock(now func() time.Time) Option {
	return func(r *JWTResolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDirectory attaches the player directory.
func WithDirectory(dir Directory) Option {
	return func(r *JWTResolver) { r.directory = dir }
}

// JWTResolver validates HS256 tokens and resolves the player they name.
type JWTResolver struct {
	secret    []byte
	leeway    time.Duration
	now       func() time.Time
	directory Directory
}

// NewJWTResolver constructs a resolver for the supplied shared secret and clock skew allowance.
func NewJWTResolver(secret string, leeway time.Duration, opts ...Option) (*JWTResolver, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	r := &JWTResolver{secret: []byte(secret), leeway: leeway, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Verify parses the token and validates the signature and expiry, returning the embedded claims.
func (r *JWTResolver) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return r.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(r.leeway),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid:
		return nil, ErrInvalidToken
	}
	if claims.PlayerID == "" {
		claims.PlayerID = claims.Subject
	}
	if strings.TrimSpace(claims.PlayerID) == "" {
		return nil, fmt.Errorf("%w: missing player id", ErrInvalidToken)
	}
	return claims, nil
}

// Resolve implements Resolver. Tokens carrying a display name refresh the
// directory; tokens without one must name a player the directory knows.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (rooms.PlayerRef, error) {
	claims, err := r.Verify(token)
	if err != nil {
		return rooms.PlayerRef{}, err
	}
	player := rooms.PlayerRef{
		PlayerID:    claims.PlayerID,
		DisplayName: strings.TrimSpace(claims.DisplayName),
		Avatar:      claims.Avatar,
	}
	if player.DisplayName != "" {
		if r.directory != nil {
			if err := r.directory.UpsertPlayer(ctx, player); err != nil {
				return rooms.PlayerRef{}, fmt.Errorf("refresh player %s: %w", player.PlayerID, err)
			}
		}
		return player, nil
	}
	if r.directory == nil {
		return rooms.PlayerRef{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, player.PlayerID)
	}
	known, err := r.directory.LookupPlayer(ctx, player.PlayerID)
	if err != nil {
		return rooms.PlayerRef{}, err
	}
	return known, nil
}

// Issue signs a token for player valid for ttl. Used by tooling and tests.
func (r *JWTResolver) Issue(player rooms.PlayerRef, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		PlayerID:    player.PlayerID,
		DisplayName: player.DisplayName,
		Avatar:      player.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   player.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
