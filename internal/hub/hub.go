// Package hub fans messages out to named groups of connections.
package hub

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/logging"
)

// Subscriber receives group messages. Deliver must not block; returning
// false marks the subscriber as too slow and evicts it from the group.
type Subscriber interface {
	ID() string
	Deliver(msg []byte) bool
}

// Hub tracks group membership. Messages published by one goroutine reach
// each subscriber in publish order.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
	log    *logging.Logger
}

// New constructs an empty hub.
func New(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	return &Hub{groups: make(map[string]map[string]Subscriber), log: logger}
}

// RoomGroup names the broadcast group of a lobby.
func RoomGroup(roomID string) string { return "room:" + roomID }

// MatchGroup names the broadcast group of a running match.
func MatchGroup(matchID string) string { return "match:" + matchID }

// Join adds sub to group, replacing any subscriber with the same id.
func (h *Hub) Join(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]Subscriber)
		h.groups[group] = members
	}
	members[sub.ID()] = sub
}

// Leave removes the subscriber id from group. Empty groups are dropped.
func (h *Hub) Leave(group, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(group, id)
}

func (h *Hub) leaveLocked(group, id string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Publish delivers msg to every member of group and returns how many accepted it.
func (h *Hub) Publish(group string, msg []byte) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[group]))
	for _, sub := range h.groups[group] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	var slow []string
	for _, sub := range members {
		if sub.Deliver(msg) {
			delivered++
			continue
		}
		slow = append(slow, sub.ID())
	}
	if len(slow) > 0 {
		h.mu.Lock()
		for _, id := range slow {
			h.leaveLocked(group, id)
		}
		h.mu.Unlock()
		h.log.Warn("evicted slow subscribers", logging.String("group", group), logging.Strings("subscribers", slow))
	}
	return delivered
}

// PublishJSON encodes payload once and publishes it to group.
func (h *Hub) PublishJSON(group string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return h.Publish(group, data), nil
}

// Members lists subscriber ids of group in sorted order.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Groups returns the number of groups with at least one member.
func (h *Hub) Groups() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}
