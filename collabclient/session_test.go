package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// fakeConn is an in-memory transport: the test feeds inbound frames through
// inject and inspects outbound writes.
type fakeConn struct {
	in     chan v1.Envelope
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []v1.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan v1.Envelope, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) inject(env v1.Envelope) { c.in <- env }

func (c *fakeConn) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return v1.Envelope{}, errors.New("fake conn closed")
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env v1.Envelope) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.Envelope, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer hands out scripted conns; a nil entry means a dial failure.
// Once the script runs out every dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []*fakeConn
	dials  int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.script) == 0 {
		return nil, errors.New("fake dial refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	if next == nil {
		return nil, errors.New("fake dial refused")
	}
	return next, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitForStatus(t *testing.T, ch <-chan Status, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for status %q", want)
		}
	}
}

func TestSession_ConnectReportsConnected(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{conn}}
	s := NewSession(Config{URL: "ws://test/ws", Dialer: d, Logger: testSlog()})

	statuses := make(chan Status, 16)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()

	s.Connect()
	waitForStatus(t, statuses, StatusConnecting, time.Second)
	waitForStatus(t, statuses, StatusConnected, time.Second)

	if got := s.Status(); got != StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}

	s.Disconnect()
	waitForStatus(t, statuses, StatusDisconnected, time.Second)
}

func TestSession_ReconnectExhausted_SettlesDisconnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{} // every dial fails
	s := NewSession(Config{
		URL:                  "ws://test/ws",
		Dialer:               d,
		Logger:               testSlog(),
		AutoReconnect:        true,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
	})

	statuses := make(chan Status, 32)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()

	s.Connect()
	waitForStatus(t, statuses, StatusDisconnected, 2*time.Second)

	// Initial dial plus two scheduled retries, then it settles for good.
	if got := d.dialCount(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 3 {
		t.Fatalf("dials after settling = %d, want 3", got)
	}
}

func TestSession_ManualDisconnect_CancelsPendingRetry(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	s := NewSession(Config{
		URL:                  "ws://test/ws",
		Dialer:               d,
		Logger:               testSlog(),
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       60 * time.Millisecond,
	})

	statuses := make(chan Status, 16)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()

	s.Connect()
	waitForStatus(t, statuses, StatusError, time.Second)

	s.Disconnect()
	waitForStatus(t, statuses, StatusDisconnected, time.Second)

	// The pending timer must not fire another dial.
	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1 (retry cancelled)", got)
	}
	if got := s.Status(); got != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
}

func TestSession_Reconnect_ResetsAttemptCounter(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{nil, conn}}
	s := NewSession(Config{
		URL:                  "ws://test/ws",
		Dialer:               d,
		Logger:               testSlog(),
		AutoReconnect:        true,
		MaxReconnectAttempts: 1,
		ReconnectDelay:       time.Hour, // never fires in this test
	})

	statuses := make(chan Status, 16)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()

	s.Connect()
	waitForStatus(t, statuses, StatusError, time.Second)

	s.Reconnect()
	waitForStatus(t, statuses, StatusConnected, time.Second)

	if got := s.Attempts(); got != 0 {
		t.Fatalf("attempts = %d, want 0 after successful reconnect", got)
	}
}

func TestSession_Send_FailsFastWhenNotConnected(t *testing.T) {
	t.Parallel()

	s := NewSession(Config{URL: "ws://test/ws", Dialer: &fakeDialer{}, Logger: testSlog()})

	err := s.Send(v1.Envelope{Type: v1.TypeChat, RoomID: "room-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSession_AutoRejoin_OncePerConnect(t *testing.T) {
	t.Parallel()

	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{first, second}}
	s := NewSession(Config{
		URL:                  "ws://test/ws",
		Dialer:               d,
		Logger:               testSlog(),
		Room:                 "room-1",
		AutoJoinRoom:         true,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       10 * time.Millisecond,
	})

	statuses := make(chan Status, 32)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()

	s.Connect()
	waitForStatus(t, statuses, StatusConnected, time.Second)

	waitForJoin := func(c *fakeConn) {
		deadline := time.After(time.Second)
		for {
			for _, w := range c.written() {
				if w.Type == v1.TypeJoinRoom && w.RoomID == "room-1" {
					return
				}
			}
			select {
			case <-deadline:
				t.Fatalf("join_room for room-1 never written")
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	waitForJoin(first)

	// Transport drops; the session redials and rejoins exactly once.
	first.Close()
	waitForStatus(t, statuses, StatusConnected, 2*time.Second)
	waitForJoin(second)

	joins := 0
	for _, w := range second.written() {
		if w.Type == v1.TypeJoinRoom && w.RoomID == "room-1" {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("joins on redialed conn = %d, want 1", joins)
	}

	s.Disconnect()
}

func TestSession_PresenceCallbacksFromSystemFrames(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{conn}}
	s := NewSession(Config{URL: "ws://test/ws", Dialer: d, Logger: testSlog()})

	statuses := make(chan Status, 16)
	joins := make(chan PresenceEvent, 16)
	leaves := make(chan PresenceEvent, 16)
	rooms := make(chan string, 16)
	messages := make(chan v1.Envelope, 16)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()
	defer s.OnUserJoined(func(ev PresenceEvent) { joins <- ev })()
	defer s.OnUserLeft(func(ev PresenceEvent) { leaves <- ev })()
	defer s.OnRoomJoined(func(roomID string) { rooms <- roomID })()
	defer s.OnMessage(func(env v1.Envelope) { messages <- env })()

	s.Connect()
	waitForStatus(t, statuses, StatusConnected, time.Second)

	conn.inject(v1.Envelope{Type: v1.TypeSubscribed, RoomID: "room-1"})
	select {
	case roomID := <-rooms:
		if roomID != "room-1" {
			t.Fatalf("room joined = %q, want room-1", roomID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for room joined callback")
	}

	joined, _ := json.Marshal(v1.SystemPayload{Action: v1.ActionJoined})
	conn.inject(v1.Envelope{Type: v1.TypeSystem, RoomID: "room-1", UserID: "u2", Username: "bob", Payload: joined})
	select {
	case ev := <-joins:
		if ev.UserID != "u2" || ev.RoomID != "room-1" {
			t.Fatalf("bad join event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for user joined callback")
	}

	// A retransmitted join changes nothing and fires no callback.
	conn.inject(v1.Envelope{Type: v1.TypeSystem, RoomID: "room-1", UserID: "u2", Username: "bob", Payload: joined})
	// Heartbeats never surface.
	conn.inject(v1.Envelope{Type: v1.TypeHeartbeat})

	body, _ := json.Marshal(v1.ChatPayload{Text: "hey"})
	conn.inject(v1.Envelope{Type: v1.TypeChat, RoomID: "room-1", UserID: "u2", Payload: body})
	select {
	case env := <-messages:
		if env.Type != v1.TypeChat {
			t.Fatalf("message type = %q, want chat", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message callback")
	}

	select {
	case ev := <-joins:
		t.Fatalf("duplicate join fired a callback: %+v", ev)
	default:
	}

	left, _ := json.Marshal(v1.SystemPayload{Action: v1.ActionLeft})
	conn.inject(v1.Envelope{Type: v1.TypeSystem, RoomID: "room-1", UserID: "u2", Username: "bob", Payload: left})
	select {
	case ev := <-leaves:
		if ev.UserID != "u2" {
			t.Fatalf("bad leave event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for user left callback")
	}

	if got := len(s.Presence().UsersIn("room-1")); got != 0 {
		t.Fatalf("presence users = %d, want 0", got)
	}

	s.Disconnect()
}

func TestSession_UnsubscribedDrainsRoomPresence(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{conn}}
	s := NewSession(Config{URL: "ws://test/ws", Dialer: d, Logger: testSlog()})

	statuses := make(chan Status, 16)
	leaves := make(chan PresenceEvent, 16)
	roomLeft := make(chan string, 16)
	defer s.OnStatusChange(func(st Status) { statuses <- st })()
	defer s.OnUserLeft(func(ev PresenceEvent) { leaves <- ev })()
	defer s.OnRoomLeft(func(roomID string) { roomLeft <- roomID })()

	s.Connect()
	waitForStatus(t, statuses, StatusConnected, time.Second)

	joined, _ := json.Marshal(v1.SystemPayload{Action: v1.ActionJoined})
	conn.inject(v1.Envelope{Type: v1.TypeSystem, RoomID: "room-1", UserID: "u2", Username: "bob", Payload: joined})
	conn.inject(v1.Envelope{Type: v1.TypeUnsubscribed, RoomID: "room-1"})

	select {
	case roomID := <-roomLeft:
		if roomID != "room-1" {
			t.Fatalf("room left = %q, want room-1", roomID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for room left callback")
	}

	select {
	case ev := <-leaves:
		if ev.UserID != "u2" {
			t.Fatalf("drain event = %+v, want u2", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for drained user left callback")
	}

	s.Disconnect()
}

func TestSession_DisposerStopsCallbacks(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	d := &fakeDialer{script: []*fakeConn{conn}}
	s := NewSession(Config{URL: "ws://test/ws", Dialer: d, Logger: testSlog()})

	statuses := make(chan Status, 16)
	dispose := s.OnStatusChange(func(st Status) { statuses <- st })

	s.Connect()
	waitForStatus(t, statuses, StatusConnected, time.Second)

	dispose()
	s.Disconnect()

	select {
	case st := <-statuses:
		t.Fatalf("disposed handler still fired: %q", st)
	case <-time.After(50 * time.Millisecond):
	}
}
