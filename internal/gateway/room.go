package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/rooms"
)

// cleanupTimeout bounds the roster update run after a room connection closes.
const cleanupTimeout = 5 * time.Second

// ServeRoom runs one room channel connection: validate, join, relay, leave.
func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	c, ok := s.upgrade(w, r, logging.Room(roomID))
	if !ok {
		return
	}
	defer s.traffic.closed(c.ID())

	//1.- Every check runs before the connection joins a group.
	player, err := s.identify(r)
	if err != nil {
		c.reject("identity: " + err.Error())
		return
	}
	c.log = c.log.With(logging.Player(player.PlayerID))
	if reason := s.admitRoom(r.Context(), roomID, player); reason != "" {
		c.reject(reason)
		return
	}

	//2.- Subscribe, then add the player. A lost race against another joiner
	// leaves the player off the roster and ends the connection.
	group := hub.RoomGroup(roomID)
	s.hub.Join(group, c)
	defer s.hub.Leave(group, c.ID())

	room, err := s.rooms.ApplyUpdate(r.Context(), roomID, rooms.Update{Kind: rooms.AddPlayer, Player: player})
	switch {
	case err != nil:
		c.log.Warn("add player failed", logging.Error(err))
		s.hub.Leave(group, c.ID())
		c.reject("room unavailable")
		return
	case room == nil:
		s.hub.Leave(group, c.ID())
		c.reject(rooms.ErrRoomNotFound.Error())
		return
	case !room.HasPlayer(player.PlayerID):
		s.hub.Leave(group, c.ID())
		c.reject(rooms.ErrRoomFull.Error())
		return
	}
	defer s.leaveRoom(c, roomID, player)

	go c.writePump(s.pingInterval)
	s.publishRoom(roomID, room)
	c.log.Info("player joined room", logging.Int("players", len(room.Players)))

	//3.- A full tournament gets its brackets fixed in join order.
	if room.Type == rooms.Tournament && room.Full() && room.SlotA == nil {
		slotA, slotB := rooms.SplitBrackets(room.Players)
		updated, err := s.rooms.ApplyUpdate(r.Context(), roomID, rooms.Update{
			Kind:  rooms.UpdateGameState,
			State: rooms.GameStatePatch{SlotA: slotA, SlotB: slotB},
		})
		if err != nil {
			c.log.Warn("split brackets failed", logging.Error(err))
		} else if updated != nil {
			s.publishRoom(roomID, updated)
		}
	}

	c.readPump(s.maxPayload, s.pingInterval, func(raw []byte) {
		s.handleRoomMessage(c, roomID, player, raw)
	})
}

// admitRoom returns the rejection reason for player, or "" when the join may proceed.
func (s *Server) admitRoom(ctx context.Context, roomID string, player rooms.PlayerRef) string {
	if player.DisplayName == "" {
		return "display name is required"
	}
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return err.Error()
		}
		s.log.Warn("load room failed", logging.Room(roomID), logging.Error(err))
		return "room unavailable"
	}
	switch {
	case room.GameStarted:
		return rooms.ErrRoomStarted.Error()
	case room.HasPlayer(player.PlayerID):
		return "player already in room"
	case !room.Admits(player.PlayerID):
		return "player did not qualify for this bracket match"
	case room.Full():
		return rooms.ErrRoomFull.Error()
	case room.HasDisplayName(player.DisplayName):
		return "display name already taken"
	}
	return ""
}

func (s *Server) handleRoomMessage(c *conn, roomID string, player rooms.PlayerRef, raw []byte) {
	msg, err := protocol.DecodeRoom(raw)
	if err != nil {
		c.log.Debug("dropping malformed room message", logging.Error(err))
		return
	}
	switch m := msg.(type) {
	case protocol.StartGame:
		s.startRoom(c, roomID, player)
	case protocol.ChatMessage:
		s.publish(hub.RoomGroup(roomID), protocol.ChatBroadcast{
			Type:    protocol.TypeChatMessage,
			Sender:  player.DisplayName,
			Message: m.Message,
			SentAt:  s.now().UnixMilli(),
		})
	}
}

func (s *Server) startRoom(c *conn, roomID string, player rooms.PlayerRef) {
	if _, err := s.StartRoom(context.Background(), roomID, player.DisplayName); err != nil {
		c.log.Info("start game refused", logging.Error(err))
		c.sendJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
	}
}

// StartRoom starts roomID on behalf of requester and announces the match
// assignments to the room group.
func (s *Server) StartRoom(ctx context.Context, roomID, requester string) (*rooms.Room, error) {
	room, err := s.lobby.StartGame(ctx, roomID, requester)
	if err != nil {
		return nil, err
	}
	assignments := make(map[string]*rooms.Assignment, len(room.Players))
	for _, member := range room.Players {
		assignment, err := rooms.AssignmentFor(room, member.PlayerID)
		if err != nil {
			s.log.Warn("resolve assignment", logging.Room(roomID), logging.Player(member.PlayerID), logging.Error(err))
			continue
		}
		assignments[member.PlayerID] = assignment
	}
	s.publish(hub.RoomGroup(roomID), protocol.RoomGameStart{
		Type:        protocol.TypeGameStart,
		Room:        room,
		Assignments: assignments,
	})
	return room, nil
}

// leaveRoom removes the departing player. Errors are logged, never returned:
// group membership is released by the caller regardless.
func (s *Server) leaveRoom(c *conn, roomID string, player rooms.PlayerRef) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	room, err := s.rooms.ApplyUpdate(ctx, roomID, rooms.Update{Kind: rooms.RemovePlayer, Player: player})
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		return
	case err != nil:
		c.log.Warn("remove player failed", logging.Error(err))
		return
	case room == nil:
		c.log.Info("room deleted after last player left")
		s.publish(hub.RoomGroup(roomID), protocol.Destroy{Type: protocol.TypeDestroy, RoomID: roomID, Reason: "room empty"})
		return
	}
	c.log.Info("player left room", logging.Int("players", len(room.Players)))
	s.publishRoom(roomID, room)
}

func (s *Server) publishRoom(roomID string, room *rooms.Room) {
	s.publish(hub.RoomGroup(roomID), protocol.RoomUpdate{Type: protocol.TypeRoomUpdate, Room: room})
}

func (s *Server) publish(group string, msg any) {
	if _, err := s.hub.PublishJSON(group, msg); err != nil {
		s.log.Warn("publish failed", logging.String("group", group), logging.Error(err))
	}
}
