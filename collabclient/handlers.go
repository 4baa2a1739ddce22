package collabclient

import (
	"sync"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// handlerSet holds callback registrations. Registration returns a disposer
// so UI code can unsubscribe without bookkeeping of its own; there is no
// global listener table.
type handlerSet struct {
	mu     sync.Mutex
	nextID int

	status     map[int]func(Status)
	roomJoined map[int]func(string)
	roomLeft   map[int]func(string)
	userJoined map[int]func(PresenceEvent)
	userLeft   map[int]func(PresenceEvent)
	message    map[int]func(v1.Envelope)
}

// OnStatusChange registers fn for state transitions and returns a disposer.
func (s *Session) OnStatusChange(fn func(Status)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == nil {
		h.status = make(map[int]func(Status))
	}
	id := h.nextID
	h.nextID++
	h.status[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.status, id)
	}
}

// OnRoomJoined registers fn for this session's room subscriptions.
func (s *Session) OnRoomJoined(fn func(roomID string)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.roomJoined == nil {
		h.roomJoined = make(map[int]func(string))
	}
	id := h.nextID
	h.nextID++
	h.roomJoined[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.roomJoined, id)
	}
}

// OnRoomLeft registers fn for this session's room unsubscriptions.
func (s *Session) OnRoomLeft(fn func(roomID string)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.roomLeft == nil {
		h.roomLeft = make(map[int]func(string))
	}
	id := h.nextID
	h.nextID++
	h.roomLeft[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.roomLeft, id)
	}
}

// OnUserJoined registers fn for observed presence joins.
func (s *Session) OnUserJoined(fn func(PresenceEvent)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userJoined == nil {
		h.userJoined = make(map[int]func(PresenceEvent))
	}
	id := h.nextID
	h.nextID++
	h.userJoined[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.userJoined, id)
	}
}

// OnUserLeft registers fn for observed presence departures.
func (s *Session) OnUserLeft(fn func(PresenceEvent)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userLeft == nil {
		h.userLeft = make(map[int]func(PresenceEvent))
	}
	id := h.nextID
	h.nextID++
	h.userLeft[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.userLeft, id)
	}
}

// OnMessage registers fn for application frames (chat, cursor, feature and
// annotation edits, notifications). Heartbeats never reach it.
func (s *Session) OnMessage(fn func(v1.Envelope)) func() {
	h := &s.handlers
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.message == nil {
		h.message = make(map[int]func(v1.Envelope))
	}
	id := h.nextID
	h.nextID++
	h.message[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.message, id)
	}
}

// ---- emit helpers: snapshot under the lock, invoke outside it ----

func (h *handlerSet) emitStatus(st Status) {
	h.mu.Lock()
	fns := make([]func(Status), 0, len(h.status))
	for _, fn := range h.status {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (h *handlerSet) emitRoomJoined(roomID string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.roomJoined))
	for _, fn := range h.roomJoined {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

func (h *handlerSet) emitRoomLeft(roomID string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.roomLeft))
	for _, fn := range h.roomLeft {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

func (h *handlerSet) emitUserJoined(ev PresenceEvent) {
	h.mu.Lock()
	fns := make([]func(PresenceEvent), 0, len(h.userJoined))
	for _, fn := range h.userJoined {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *handlerSet) emitUserLeft(ev PresenceEvent) {
	h.mu.Lock()
	fns := make([]func(PresenceEvent), 0, len(h.userLeft))
	for _, fn := range h.userLeft {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *handlerSet) emitMessage(env v1.Envelope) {
	h.mu.Lock()
	fns := make([]func(v1.Envelope), 0, len(h.message))
	for _, fn := range h.message {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}
