package collab

import (
	"log/slog"
	"sync"
)

// Registry is the shared connection table and room membership bookkeeping.
//
// Two maps are maintained under one mutex so that a join or leave mutates
// room membership and the connection's room set as a single atomic step:
//   - byRoom: room id -> member connections
//   - byConn: connection id -> joined room ids
//
// A room exists in byRoom iff its member set is non-empty. "Remove member,
// delete room if now empty" runs under the same lock, so an empty room can
// never be observed and never leaks.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	conns  map[string]*Conn
	byRoom map[string]map[string]*Conn
	byConn map[string]map[string]struct{}
}

// NewRegistry constructs an empty registry. Metrics may be nil.
func NewRegistry(log *slog.Logger, m *Metrics) *Registry {
	return &Registry{
		log:     log,
		metrics: m,
		conns:   make(map[string]*Conn),
		byRoom:  make(map[string]map[string]*Conn),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Register adds a live connection to the connection table.
func (r *Registry) Register(c *Conn) {
	if c == nil || c.ID == "" {
		return
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(n))
	}
	r.log.Info("registry.conn.register", "conn_id", c.ID, "user_id", c.UserID)
}

// Unregister removes the connection from every room it had joined and from
// the connection table, returning the rooms it left. Calling it twice is a
// no-op on the second call.
func (r *Registry) Unregister(c *Conn) []string {
	if c == nil || c.ID == "" {
		return nil
	}

	r.mu.Lock()
	_, known := r.conns[c.ID]
	delete(r.conns, c.ID)
	n := len(r.conns)

	var left []string
	for roomID := range r.byConn[c.ID] {
		r.removeMemberLocked(c.ID, roomID)
		left = append(left, roomID)
	}
	delete(r.byConn, c.ID)
	rooms := len(r.byRoom)
	r.mu.Unlock()

	if !known {
		return nil
	}
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(n))
		r.metrics.RoomsActive.Set(float64(rooms))
	}
	r.log.Info("registry.conn.unregister", "conn_id", c.ID, "rooms_left", len(left))
	return left
}

// Join adds the connection to a room, creating the room if absent.
// Returns false when the connection was already a member.
func (r *Registry) Join(c *Conn, roomID string) bool {
	if c == nil || c.ID == "" || roomID == "" {
		return false
	}

	r.mu.Lock()
	room := r.byRoom[roomID]
	if room == nil {
		room = make(map[string]*Conn)
		r.byRoom[roomID] = room
	}
	if _, ok := room[c.ID]; ok {
		r.mu.Unlock()
		return false
	}
	room[c.ID] = c

	joined := r.byConn[c.ID]
	if joined == nil {
		joined = make(map[string]struct{})
		r.byConn[c.ID] = joined
	}
	joined[roomID] = struct{}{}
	rooms := len(r.byRoom)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RoomsActive.Set(float64(rooms))
	}
	r.log.Info("room.member.join", "room_id", roomID, "conn_id", c.ID, "user_id", c.UserID)
	return true
}

// Leave removes the connection from a room; the room is deleted when its
// member set becomes empty. Returns false when the connection was not a
// member.
func (r *Registry) Leave(c *Conn, roomID string) bool {
	if c == nil || c.ID == "" || roomID == "" {
		return false
	}

	r.mu.Lock()
	room := r.byRoom[roomID]
	if room == nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := room[c.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	r.removeMemberLocked(c.ID, roomID)
	if joined := r.byConn[c.ID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.byConn, c.ID)
		}
	}
	rooms := len(r.byRoom)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RoomsActive.Set(float64(rooms))
	}
	r.log.Info("room.member.leave", "room_id", roomID, "conn_id", c.ID, "user_id", c.UserID)
	return true
}

// removeMemberLocked deletes the membership edge and the room itself when
// the member set drains. Callers hold r.mu.
func (r *Registry) removeMemberLocked(connID, roomID string) {
	room := r.byRoom[roomID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.byRoom, roomID)
	}
}

// MembersOf returns a snapshot of the room's current members. The snapshot
// is not kept in sync with concurrent joins and leaves; delivery against a
// stale snapshot is acceptable because the transport is best-effort.
func (r *Registry) MembersOf(roomID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.byRoom[roomID]
	if len(room) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// LiveConns returns a snapshot of every registered connection.
func (r *Registry) LiveConns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Rooms returns a snapshot of current room ids.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.byRoom))
	for id := range r.byRoom {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms the connection has joined.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byConn[connID]
	out := make([]string, 0, len(joined))
	for id := range joined {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the current member count of a room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRoom[roomID])
}
