package collabclient

import "sync"

// PresenceEvent describes one observed membership transition.
type PresenceEvent struct {
	RoomID   string
	UserID   string
	Username string
}

// Presence is an eventually-consistent mirror of room/user membership,
// derived only from observed protocol traffic. It never queries the server.
//
// Apply follows a diff-before-mutate discipline: a retransmitted or
// reconciled frame that changes nothing reports false, so callers never
// fire duplicate callbacks.
type Presence struct {
	mu        sync.Mutex
	roomUsers map[string]map[string]string   // room id -> user id -> username
	userRooms map[string]map[string]struct{} // user id -> room ids
}

// NewPresence constructs an empty presence cache.
func NewPresence() *Presence {
	return &Presence{
		roomUsers: make(map[string]map[string]string),
		userRooms: make(map[string]map[string]struct{}),
	}
}

// Apply records a join (joined=true) or leave (joined=false) of userID in
// roomID and reports whether the cache actually changed.
func (p *Presence) Apply(roomID, userID, username string, joined bool) bool {
	if roomID == "" || userID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if joined {
		users := p.roomUsers[roomID]
		if users == nil {
			users = make(map[string]string)
			p.roomUsers[roomID] = users
		}
		if _, ok := users[userID]; ok {
			return false
		}
		users[userID] = username

		rooms := p.userRooms[userID]
		if rooms == nil {
			rooms = make(map[string]struct{})
			p.userRooms[userID] = rooms
		}
		rooms[roomID] = struct{}{}
		return true
	}

	users := p.roomUsers[roomID]
	if users == nil {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.roomUsers, roomID)
	}
	p.forgetRoomForUserLocked(userID, roomID)
	return true
}

// DropRoom removes every tracked user of roomID (used when this client
// leaves the room) and returns the removed entries so callers can fire
// "user left" callbacks.
func (p *Presence) DropRoom(roomID string) []PresenceEvent {
	if roomID == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	users := p.roomUsers[roomID]
	if len(users) == 0 {
		delete(p.roomUsers, roomID)
		return nil
	}

	out := make([]PresenceEvent, 0, len(users))
	for userID, username := range users {
		out = append(out, PresenceEvent{RoomID: roomID, UserID: userID, Username: username})
		p.forgetRoomForUserLocked(userID, roomID)
	}
	delete(p.roomUsers, roomID)
	return out
}

// forgetRoomForUserLocked prunes the user entirely once their last tracked
// room is gone. Callers hold p.mu.
func (p *Presence) forgetRoomForUserLocked(userID, roomID string) {
	rooms := p.userRooms[userID]
	if rooms == nil {
		return
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(p.userRooms, userID)
	}
}

// UsersIn returns a snapshot of the users currently tracked in roomID.
func (p *Presence) UsersIn(roomID string) []PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := p.roomUsers[roomID]
	out := make([]PresenceEvent, 0, len(users))
	for userID, username := range users {
		out = append(out, PresenceEvent{RoomID: roomID, UserID: userID, Username: username})
	}
	return out
}

// RoomsOf returns a snapshot of the rooms userID is tracked in.
func (p *Presence) RoomsOf(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms := p.userRooms[userID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}
