// Package httpapi serves the operational endpoints and the thin lobby and
// history API next to the websocket channels.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/gateway"
	"pongarena/broker/internal/identity"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/replay"
	"pongarena/broker/internal/results"
	"pongarena/broker/internal/rooms"
)

// readyTimeout bounds the dependency pings behind /readyz.
const readyTimeout = 2 * time.Second

// maxBodyBytes caps lobby request bodies.
const maxBodyBytes = 4 << 10

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RoomStarter starts a room and announces it to the connected players.
type RoomStarter interface {
	StartRoom(ctx context.Context, roomID, requester string) (*rooms.Room, error)
}

// HistorySource lists concluded matches.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]results.HistoryEntry, error)
}

// Options configures the HandlerSet. Nil collaborators disable the
// endpoints or metric families that need them.
type Options struct {
	Logger      *logging.Logger
	Checks      map[string]Pinger
	Lobby       *rooms.Lobby
	Starter     RoomStarter
	History     HistorySource
	Resolver    identity.Resolver
	Limiter     *KeyedLimiter
	EngineStats func() match.Stats
	Traffic     func() gateway.TrafficSnapshot
	ReplayStats func() replay.StorageStats
	TimeSource  func() time.Time
}

// HandlerSet bundles the server HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	checks      map[string]Pinger
	lobby       *rooms.Lobby
	starter     RoomStarter
	history     HistorySource
	resolver    identity.Resolver
	limiter     *KeyedLimiter
	engineStats func() match.Stats
	traffic     func() gateway.TrafficSnapshot
	replayStats func() replay.StorageStats
	now         func() time.Time
	started     time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		checks:      opts.Checks,
		lobby:       opts.Lobby,
		starter:     opts.Starter,
		history:     opts.History,
		resolver:    opts.Resolver,
		limiter:     opts.Limiter,
		engineStats: opts.EngineStats,
		traffic:     opts.Traffic,
		replayStats: opts.ReplayStats,
		now:         now,
		started:     now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /livez", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	mux.HandleFunc("GET /metrics", h.MetricsHandler())
	mux.HandleFunc("GET /api/rooms", h.ListRoomsHandler())
	mux.HandleFunc("POST /api/rooms", h.CreateRoomHandler())
	mux.HandleFunc("POST /api/rooms/{roomID}/start", h.StartRoomHandler())
	mux.HandleFunc("GET /api/rooms/{roomID}/players/{playerID}", h.PlayersInfoHandler())
	mux.HandleFunc("GET /api/history", h.HistoryHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler pings every dependency and reports live load.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string            `json:"status"`
		Failures      map[string]string `json:"failures,omitempty"`
		UptimeSeconds float64           `json:"uptime_seconds"`
		Matches       int               `json:"matches"`
		Connections   int64             `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.now().Sub(h.started).Seconds()}
		for name, check := range h.checks {
			if err := check.Ping(ctx); err != nil {
				if resp.Failures == nil {
					resp.Failures = make(map[string]string)
				}
				resp.Failures[name] = err.Error()
			}
		}
		if len(resp.Failures) > 0 {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			logging.LoggerFromContext(r.Context()).Warn("readiness check failed", logging.Int("failures", len(resp.Failures)))
		}
		if h.engineStats != nil {
			resp.Matches = h.engineStats().Matches
		}
		if h.traffic != nil {
			resp.Connections = h.traffic().Connections
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metric(w, "pong_uptime_seconds", "gauge", "Server uptime in seconds.", fmt.Sprintf("%.0f", h.now().Sub(h.started).Seconds()))

		if h.traffic != nil {
			snap := h.traffic()
			metric(w, "pong_connections", "gauge", "Open websocket connections.", strconv.FormatInt(snap.Connections, 10))
			metric(w, "pong_connections_rejected_total", "counter", "Connections closed for failing validation.", strconv.FormatInt(snap.Rejected, 10))
			metric(w, "pong_connections_evicted_total", "counter", "Connections dropped for a full send queue.", strconv.FormatInt(snap.Evicted, 10))
			metric(w, "pong_bytes_sent_total", "counter", "Bytes written to websocket clients.", strconv.FormatInt(snap.BytesSent, 10))
			metric(w, "pong_bytes_received_total", "counter", "Bytes read from websocket clients.", strconv.FormatInt(snap.BytesReceived, 10))
			if len(snap.QueuedBytes) > 0 {
				fmt.Fprintf(w, "# HELP pong_queued_bytes Bytes waiting in a connection send queue.\n")
				fmt.Fprintf(w, "# TYPE pong_queued_bytes gauge\n")
				ids := make([]string, 0, len(snap.QueuedBytes))
				for id := range snap.QueuedBytes {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(w, "pong_queued_bytes{conn=%q} %d\n", id, snap.QueuedBytes[id])
				}
			}
		}

		if h.engineStats != nil {
			stats := h.engineStats()
			metric(w, "pong_live_matches", "gauge", "Matches with a running session.", strconv.Itoa(stats.Matches))
			metric(w, "pong_tick_average_seconds", "gauge", "Average simulation tick duration.", seconds(stats.Ticks.Average))
			metric(w, "pong_tick_max_seconds", "gauge", "Slowest simulation tick observed.", seconds(stats.Ticks.Max))
			metric(w, "pong_tick_overruns_total", "counter", "Ticks that exceeded the frame budget.", strconv.Itoa(stats.Ticks.Overruns))
			fmt.Fprintf(w, "# HELP pong_input_dropped_total Paddle inputs dropped per reason.\n")
			fmt.Fprintf(w, "# TYPE pong_input_dropped_total counter\n")
			for _, drop := range []struct {
				reason string
				count  uint64
			}{
				{"sequence", stats.Drops.Sequence},
				{"stale", stats.Drops.Stale},
				{"rate_limited", stats.Drops.RateLimited},
				{"bounds", stats.Drops.Bounds},
				{"cooldown", stats.Drops.Cooldown},
			} {
				fmt.Fprintf(w, "pong_input_dropped_total{reason=%q} %d\n", drop.reason, drop.count)
			}
		}

		if h.replayStats != nil {
			stats := h.replayStats()
			metric(w, "pong_replay_active", "gauge", "Replay bundles being written.", strconv.Itoa(stats.Active))
			metric(w, "pong_replay_bundles", "gauge", "Replay bundles on disk after the last sweep.", strconv.Itoa(stats.Bundles))
			metric(w, "pong_replay_bytes", "gauge", "Disk used by retained replay bundles.", strconv.FormatInt(stats.Bytes, 10))
			metric(w, "pong_replay_pruned_total", "counter", "Replay bundles removed by retention.", strconv.FormatInt(stats.Pruned, 10))
		}
	}
}

// ListRoomsHandler lists rooms that can still be joined.
func (h *HandlerSet) ListRoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.lobby == nil {
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		summaries, err := h.lobby.ListRooms(r.Context())
		if err != nil {
			h.fail(w, r, "list rooms failed", err)
			return
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

// CreateRoomHandler opens a room hosted by the authenticated player.
func (h *HandlerSet) CreateRoomHandler() http.HandlerFunc {
	type request struct {
		Name     string         `json:"name"`
		RoomType rooms.RoomType `json:"roomType"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.lobby == nil {
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		player, ok := h.authenticate(w, r)
		if !ok {
			return
		}
		if !h.limiter.Allow(player.PlayerID) {
			logging.LoggerFromContext(r.Context()).Warn("room creation rate limited", logging.Player(player.PlayerID))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req request
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		room, err := h.lobby.CreateRoom(r.Context(), rooms.CreateRequest{Name: req.Name, Type: req.RoomType, HostName: player.DisplayName})
		if err != nil {
			h.fail(w, r, "create room failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

// StartRoomHandler starts a full room on behalf of its host.
func (h *HandlerSet) StartRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.starter == nil {
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		player, ok := h.authenticate(w, r)
		if !ok {
			return
		}
		room, err := h.starter.StartRoom(r.Context(), r.PathValue("roomID"), player.DisplayName)
		if err != nil {
			h.fail(w, r, "start room failed", err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

// PlayersInfoHandler reports which match a player takes part in.
func (h *HandlerSet) PlayersInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.lobby == nil {
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		assignment, err := h.lobby.PlayersInfo(r.Context(), r.PathValue("roomID"), r.PathValue("playerID"))
		if err != nil {
			h.fail(w, r, "players info failed", err)
			return
		}
		writeJSON(w, http.StatusOK, assignment)
	}
}

// HistoryHandler returns concluded matches, newest first.
func (h *HandlerSet) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.history == nil {
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		entries, err := h.history.History(r.Context(), limit)
		if err != nil {
			h.fail(w, r, "history query failed", err)
			return
		}
		if entries == nil {
			entries = []results.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// authenticate resolves the bearer token, writing 401 when it fails.
func (h *HandlerSet) authenticate(w http.ResponseWriter, r *http.Request) (rooms.PlayerRef, bool) {
	if h.resolver == nil {
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return rooms.PlayerRef{}, false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= 7 || !strings.EqualFold(header[:7], "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return rooms.PlayerRef{}, false
	}
	player, err := h.resolver.Resolve(r.Context(), strings.TrimSpace(header[7:]))
	if err != nil || player.DisplayName == "" {
		logging.LoggerFromContext(r.Context()).Info("request denied: identity", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return rooms.PlayerRef{}, false
	}
	return player, true
}

// fail maps domain errors onto status codes.
func (h *HandlerSet) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rooms.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, rooms.ErrInvalidRoom):
		status = http.StatusBadRequest
	case errors.Is(err, rooms.ErrRoomStarted), errors.Is(err, rooms.ErrNotEnoughPlayers),
		errors.Is(err, rooms.ErrRoomFull), errors.Is(err, rooms.ErrConflict):
		status = http.StatusConflict
	}
	logger := logging.LoggerFromContext(r.Context())
	if status == http.StatusInternalServerError {
		logger.Error(msg, logging.Error(err))
		http.Error(w, "internal error", status)
		return
	}
	logger.Info(msg, logging.Error(err))
	http.Error(w, err.Error(), status)
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func metric(w io.Writer, name, kind, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
