package gateway

import (
	"context"
	"errors"
	"net/http"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/rooms"
)

// ServeMatch runs one match channel connection.
func (s *Server) ServeMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("matchID")
	c, ok := s.upgrade(w, r, logging.Match(matchID))
	if !ok {
		return
	}
	defer s.traffic.closed(c.ID())

	player, err := s.identify(r)
	if err != nil {
		c.reject("identity: " + err.Error())
		return
	}
	c.log = c.log.With(logging.Player(player.PlayerID))
	if reason := s.admitMatch(r.Context(), matchID, player); reason != "" {
		c.reject(reason)
		return
	}

	//1.- The writer must run before Join so the assignment is flushed.
	go c.writePump(s.pingInterval)
	out, err := s.engine.Join(r.Context(), matchID, player, c)
	if err != nil {
		c.log.Info("match join refused", logging.Error(err))
		c.reject(err.Error())
		return
	}
	defer s.engine.Leave(matchID, c.ID())

	c.readPump(s.maxPayload, s.pingInterval, func(raw []byte) {
		s.handleMatchMessage(c, matchID, out.Slot, raw)
	})
}

// admitMatch checks that player belongs to the roster of matchID.
func (s *Server) admitMatch(ctx context.Context, matchID string, player rooms.PlayerRef) string {
	if player.DisplayName == "" {
		return "display name is required"
	}
	roomID, _, err := rooms.ParseMatchID(matchID)
	if err != nil {
		return err.Error()
	}
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return err.Error()
		}
		s.log.Warn("load room failed", logging.Room(roomID), logging.Error(err))
		return "room unavailable"
	}
	if !room.GameStarted {
		return "room not started"
	}
	assignment, err := rooms.AssignmentFor(room, player.PlayerID)
	if err != nil {
		return err.Error()
	}
	if assignment.MatchID != matchID {
		return "player is not part of this match"
	}
	return ""
}

func (s *Server) handleMatchMessage(c *conn, matchID string, slot match.Slot, raw []byte) {
	msg, err := protocol.DecodeMatch(raw)
	if err != nil {
		c.log.Debug("dropping malformed match message", logging.Error(err))
		return
	}
	switch m := msg.(type) {
	case protocol.PaddleMove:
		decision, err := s.engine.HandleInput(matchID, slot, m)
		if err != nil {
			c.log.Debug("paddle input ignored", logging.Error(err))
			return
		}
		if !decision.Accepted {
			c.log.Debug("paddle input dropped", logging.String("reason", string(decision.Reason)))
		}
	case protocol.SyncTime:
		c.sendJSON(s.engine.SyncTime(m))
	case protocol.FullStateRequest:
		state, err := s.engine.FullState(matchID)
		if err != nil {
			c.sendJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
			return
		}
		c.sendJSON(protocol.FullStateResponse{Type: protocol.TypeFullStateResponse, State: state})
	}
}
