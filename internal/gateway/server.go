// Package gateway serves the room and match websocket channels.
package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pongarena/broker/internal/config"
	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/identity"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/rooms"
)

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins restricts browser origins. Empty allows every origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithPingInterval overrides the keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMaxPayload bounds inbound frame size.
func WithMaxPayload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithClock overrides the time source stamped on chat messages.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server owns the websocket upgrader and the collaborators every
// connection actor needs.
type Server struct {
	resolver identity.Resolver
	lobby    *rooms.Lobby
	rooms    *rooms.Manager
	engine   *match.Engine
	hub      *hub.Hub
	traffic  *Traffic
	upgrader websocket.Upgrader

	origins      []string
	pingInterval time.Duration
	maxPayload   int64
	now          func() time.Time
	log          *logging.Logger
	newID        func() string
}

// NewServer wires the gateway.
func NewServer(resolver identity.Resolver, lobby *rooms.Lobby, manager *rooms.Manager, engine *match.Engine, broadcast *hub.Hub, opts ...Option) *Server {
	s := &Server{
		resolver:     resolver,
		lobby:        lobby,
		rooms:        manager,
		engine:       engine,
		hub:          broadcast,
		traffic:      NewTraffic(),
		pingInterval: config.DefaultPingInterval,
		maxPayload:   config.DefaultMaxPayloadBytes,
		now:          time.Now,
		log:          logging.L(),
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register attaches the websocket endpoints to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/room/{roomID}", s.ServeRoom)
	mux.HandleFunc("GET /ws/game/{matchID}", s.ServeMatch)
}

// Traffic exposes connection counters.
func (s *Server) Traffic() *Traffic { return s.traffic }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}

// upgrade performs the handshake and returns a connection with its logger.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, fields ...logging.Field) (*conn, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return nil, false
	}
	id := s.newID()
	logger := s.log.With(append([]logging.Field{logging.Conn(id)}, fields...)...)
	s.traffic.opened()
	return newConn(id, ws, logger, s.traffic), true
}

// identify resolves the player presenting r. The display name may be
// overridden per connection with the nickname parameter.
func (s *Server) identify(r *http.Request) (rooms.PlayerRef, error) {
	player, err := s.resolver.Resolve(r.Context(), tokenFrom(r))
	if err != nil {
		return rooms.PlayerRef{}, err
	}
	if nickname := strings.TrimSpace(r.URL.Query().Get("nickname")); nickname != "" {
		player.DisplayName = nickname
	}
	return player, nil
}

func tokenFrom(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
