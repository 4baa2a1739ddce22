// Package collabclient is the client-side SDK for the portal's real-time
// collaboration transport: one Session per browser tab equivalent, owning
// the connect/reconnect state machine and a presence cache reconciled from
// inbound traffic.
package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// Status is the session state machine's externally visible state.
type Status string

const (
	// StatusDisconnected is the initial state and the terminal state of a
	// manual disconnect or exhausted reconnect attempts.
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a transport session is being established.
	StatusConnecting Status = "connecting"
	// StatusConnected means the transport is open.
	StatusConnected Status = "connected"
	// StatusError is transient: it is always followed by a scheduled
	// reconnect or by settling back to StatusDisconnected.
	StatusError Status = "error"
)

// ErrNotConnected is returned by Send when the transport is not open.
// There is no outbound queue: callers needing durability must go through a
// persistence collaborator, not this transport.
var ErrNotConnected = errors.New("collabclient: transport not open")

const (
	defaultMaxReconnectAttempts = 3
	defaultReconnectDelay       = 3 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
)

// Config configures a Session.
type Config struct {
	// URL of the collaboration endpoint (ws:// or wss://).
	URL string

	// Identity supplied by the upstream session provider; opaque here.
	UserID   string
	Username string

	// Room optionally names a target room. With AutoJoinRoom set, the
	// session issues join_room for it on every (re)connect that does not
	// yet have the room associated.
	Room         string
	AutoJoinRoom bool

	// Reconnect policy: fixed-interval retry with a capped attempt count.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
	Dialer Dialer
}

// Session is the per-tab connection state machine.
//
// All state transitions, the attempt counter, and the pending reconnect
// timer are guarded by one mutex; the auto-rejoin decision is made while
// holding it so a fired reconnect cannot race a concurrent JoinRoom into a
// duplicate join.
type Session struct {
	cfg      Config
	log      *slog.Logger
	dialer   Dialer
	presence *Presence

	mu         sync.Mutex
	state      Status
	conn       Conn
	gen        uint64 // bumped on every teardown/redial; stale events are ignored
	attempts   int
	retry      *time.Timer
	manual     bool
	roomJoined bool

	handlers handlerSet
}

// NewSession constructs a Session in StatusDisconnected. Nothing connects
// until Connect is called.
func NewSession(cfg Config) *Session {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}

	return &Session{
		cfg:      cfg,
		log:      log,
		dialer:   dialer,
		presence: NewPresence(),
		state:    StatusDisconnected,
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current reconnect attempt counter.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Presence returns the session's presence cache.
func (s *Session) Presence() *Presence { return s.presence }

// Connect starts establishing a transport session. It never blocks:
// establishment completes asynchronously and is reported through the
// status callbacks. A session already connecting or connected is left
// alone.
func (s *Session) Connect() {
	s.mu.Lock()
	changed := s.connectLocked()
	s.mu.Unlock()

	if changed {
		s.handlers.emitStatus(StatusConnecting)
	}
}

func (s *Session) connectLocked() bool {
	if s.state == StatusConnecting || s.state == StatusConnected {
		return false
	}
	s.manual = false
	s.gen++
	s.state = StatusConnecting
	go s.dial(s.gen)
	return true
}

// Disconnect tears the session down deliberately: any pending reconnect
// timer is cancelled and no reconnect fires afterwards. The attempt
// counter is left as-is; only Reconnect resets it. Safe to call multiple
// times and on an already-closed transport.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	s.stopRetryLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.roomJoined = false
	changed := s.state != StatusDisconnected
	s.state = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		s.handlers.emitStatus(StatusDisconnected)
	}
}

// Reconnect cancels any pending timer, resets the attempt counter, and
// connects immediately.
func (s *Session) Reconnect() {
	s.mu.Lock()
	s.stopRetryLocked()
	s.attempts = 0
	changed := s.connectLocked()
	s.mu.Unlock()

	if changed {
		s.handlers.emitStatus(StatusConnecting)
	}
}

func (s *Session) stopRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// Send writes env to the transport. It fails fast when the transport is
// not open; there is no queue and no retry.
func (s *Session) Send(env v1.Envelope) error {
	s.mu.Lock()
	if s.state != StatusConnected || s.conn == nil {
		s.mu.Unlock()
		s.log.Warn("session.send.not_connected", "type", env.Type)
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(ctx, env); err != nil {
		s.log.Warn("session.send.fail", "type", env.Type, "err", err)
		return err
	}
	return nil
}

// JoinRoom requests membership in roomID.
func (s *Session) JoinRoom(roomID string) error {
	s.mu.Lock()
	if roomID != "" && roomID == s.cfg.Room {
		s.roomJoined = true
	}
	s.mu.Unlock()

	return s.Send(v1.Envelope{Type: v1.TypeJoinRoom, RoomID: roomID})
}

// LeaveRoom gives up membership in roomID.
func (s *Session) LeaveRoom(roomID string) error {
	s.mu.Lock()
	if roomID != "" && roomID == s.cfg.Room {
		s.roomJoined = false
	}
	s.mu.Unlock()

	return s.Send(v1.Envelope{Type: v1.TypeLeaveRoom, RoomID: roomID})
}

// ---- async internals ----

func (s *Session) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(ctx, s.sessionURL())
	cancel()

	if err != nil {
		s.log.Warn("session.dial.fail", "err", err)
		s.handleTransportDown(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		// A disconnect or newer connect superseded this dial.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	s.state = StatusConnected

	var joinEnv *v1.Envelope
	if s.cfg.Room != "" && s.cfg.AutoJoinRoom && !s.roomJoined {
		s.roomJoined = true
		joinEnv = &v1.Envelope{Type: v1.TypeJoinRoom, RoomID: s.cfg.Room}
	}
	s.mu.Unlock()

	s.handlers.emitStatus(StatusConnected)

	go s.readLoop(conn, gen)

	if joinEnv != nil {
		wctx, wcancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := conn.Write(wctx, *joinEnv); err != nil {
			s.log.Warn("session.autojoin.fail", "room_id", s.cfg.Room, "err", err)
		}
		wcancel()
	}
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		env, err := conn.Read(context.Background())
		if err != nil {
			s.handleTransportDown(gen, err)
			return
		}

		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}

		s.handleFrame(env)
	}
}

// handleTransportDown drives the reconnect policy after a dial failure or
// an unclean close. A transport failure is a degraded-feature signal, never
// fatal to the host.
func (s *Session) handleTransportDown(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	s.roomJoined = false

	var emit []Status
	switch {
	case s.manual:
		s.state = StatusDisconnected

	case s.cfg.AutoReconnect && s.attempts < s.cfg.MaxReconnectAttempts:
		s.attempts++
		s.state = StatusError
		s.retry = time.AfterFunc(s.cfg.ReconnectDelay, s.retryFired)
		s.log.Info("session.reconnect.scheduled",
			"attempt", s.attempts, "max", s.cfg.MaxReconnectAttempts, "delay", s.cfg.ReconnectDelay, "cause", cause)
		emit = append(emit, StatusError)

	default:
		// Attempts exhausted (or reconnect disabled): settle.
		s.state = StatusDisconnected
		s.log.Info("session.reconnect.exhausted", "attempts", s.attempts, "cause", cause)
		emit = append(emit, StatusDisconnected)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, st := range emit {
		s.handlers.emitStatus(st)
	}
}

func (s *Session) retryFired() {
	s.mu.Lock()
	s.retry = nil
	// A manual disconnect or an explicit reconnect may have slipped in
	// between the timer firing and this lock acquisition.
	if s.manual || s.state != StatusError {
		s.mu.Unlock()
		return
	}
	changed := s.connectLocked()
	s.mu.Unlock()

	if changed {
		s.handlers.emitStatus(StatusConnecting)
	}
}

// handleFrame reconciles one inbound frame. Heartbeats are a liveness
// concern only and are never surfaced to the application.
func (s *Session) handleFrame(env v1.Envelope) {
	switch env.Type {
	case v1.TypeHeartbeat, v1.TypeConnected:
		return

	case v1.TypeSubscribed:
		roomID := env.RoomID
		s.mu.Lock()
		if roomID != "" && roomID == s.cfg.Room {
			s.roomJoined = true
		}
		s.mu.Unlock()
		s.handlers.emitRoomJoined(roomID)

	case v1.TypeUnsubscribed:
		roomID := env.RoomID
		s.mu.Lock()
		if roomID != "" && roomID == s.cfg.Room {
			s.roomJoined = false
		}
		s.mu.Unlock()
		for _, ev := range s.presence.DropRoom(roomID) {
			s.handlers.emitUserLeft(ev)
		}
		s.handlers.emitRoomLeft(roomID)

	case v1.TypeSystem:
		var p v1.SystemPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("session.system.malformed", "err", err)
			return
		}
		ev := PresenceEvent{RoomID: env.RoomID, UserID: env.UserID, Username: env.Username}
		switch p.Action {
		case v1.ActionJoined:
			if s.presence.Apply(env.RoomID, env.UserID, env.Username, true) {
				s.handlers.emitUserJoined(ev)
			}
		case v1.ActionLeft:
			if s.presence.Apply(env.RoomID, env.UserID, env.Username, false) {
				s.handlers.emitUserLeft(ev)
			}
		default:
			s.log.Info("session.system.unknown_action", "action", p.Action)
		}

	default:
		s.handlers.emitMessage(env)
	}
}

func (s *Session) sessionURL() string {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return s.cfg.URL
	}
	q := u.Query()
	if s.cfg.UserID != "" {
		q.Set("userId", s.cfg.UserID)
	}
	if s.cfg.Username != "" {
		q.Set("username", s.cfg.Username)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
