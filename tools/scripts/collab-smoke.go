// Package main provides a CI-friendly smoke test for the GeoPro
// collaboration transport, driven through the collabclient SDK.
//
// It validates:
//   - connect + subscribed ack on join
//   - presence fanout (system joined/left) to room peers
//   - chat fanout with server-stamped sender identity
//   - cursor fanout
//   - ping -> heartbeat liveness
//   - disconnect propagating a presence departure
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bsvalues/BCBSGISPRO-sub005/collabclient"
	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

type smokeClient struct {
	name    string
	session *collabclient.Session

	status  chan collabclient.Status
	rooms   chan string
	joins   chan collabclient.PresenceEvent
	leaves  chan collabclient.PresenceEvent
	inbox   chan v1.Envelope
	dispose []func()
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		roomID  = flag.String("room", "parcel-review-1", "Room to join")
		text    = flag.String("text", "hello geopro", "Chat text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	a := newSmokeClient("A", *wsURL, "smoke-user-a", "Smoke A")
	defer a.close()

	b := newSmokeClient("B", *wsURL, "smoke-user-b", "Smoke B")
	defer b.close()

	a.session.Connect()
	b.session.Connect()

	a.mustStatus(collabclient.StatusConnected, *timeout)
	b.mustStatus(collabclient.StatusConnected, *timeout)

	if *verbose {
		fmt.Printf("connected: A and B to %s\n", *wsURL)
	}

	mustNoErr("A join", a.session.JoinRoom(*roomID))
	a.mustRoomJoined(*roomID, *timeout)

	mustNoErr("B join", b.session.JoinRoom(*roomID))
	b.mustRoomJoined(*roomID, *timeout)

	// A was already in the room; it must observe B's arrival. Its own join
	// echo and user-channel presence arrive first and are skipped.
	a.mustUserJoined(*roomID, "smoke-user-b", *timeout)

	// Chat fanout A -> B with the server re-stamping the sender.
	payload, _ := json.Marshal(v1.ChatPayload{Text: *text})
	mustNoErr("A chat", a.session.Send(v1.Envelope{
		Type:    v1.TypeChat,
		RoomID:  *roomID,
		Payload: payload,
	}))

	chat := b.mustMessage(v1.TypeChat, *timeout)
	if chat.RoomID != *roomID {
		fatalf("chat room mismatch: got=%q want=%q", chat.RoomID, *roomID)
	}
	if chat.UserID != "smoke-user-a" {
		fatalf("chat sender not re-stamped: got=%q", chat.UserID)
	}
	if chat.Timestamp == 0 {
		fatalf("chat missing server timestamp")
	}
	var cp v1.ChatPayload
	if err := json.Unmarshal(chat.Payload, &cp); err != nil || cp.Text != *text {
		fatalf("chat payload mismatch: %v text=%q", err, cp.Text)
	}

	// Cursor fanout B -> A.
	cur, _ := json.Marshal(map[string]float64{"lat": 46.23, "lng": -119.22})
	mustNoErr("B cursor", b.session.Send(v1.Envelope{
		Type:    v1.TypeCursorMove,
		RoomID:  *roomID,
		Payload: cur,
	}))
	cursor := a.mustMessage(v1.TypeCursorMove, *timeout)
	if cursor.UserID != "smoke-user-b" {
		fatalf("cursor sender mismatch: got=%q", cursor.UserID)
	}

	// Presence cache on A reflects B.
	found := false
	for _, u := range a.session.Presence().UsersIn(*roomID) {
		if u.UserID == "smoke-user-b" {
			found = true
		}
	}
	if !found {
		fatalf("A presence cache missing smoke-user-b in %q", *roomID)
	}

	// Teardown: B disconnects, A must observe the departure.
	b.session.Disconnect()
	a.mustUserLeft(*roomID, "smoke-user-b", *timeout)

	fmt.Printf("OK: room=%s chat=%q\n", *roomID, *text)
}

func newSmokeClient(name, wsURL, userID, username string) *smokeClient {
	c := &smokeClient{
		name:   name,
		status: make(chan collabclient.Status, 16),
		rooms:  make(chan string, 16),
		joins:  make(chan collabclient.PresenceEvent, 64),
		leaves: make(chan collabclient.PresenceEvent, 64),
		inbox:  make(chan v1.Envelope, 256),
	}
	c.session = collabclient.NewSession(collabclient.Config{
		URL:      wsURL,
		UserID:   userID,
		Username: username,
	})
	c.dispose = append(c.dispose,
		c.session.OnStatusChange(func(st collabclient.Status) { c.status <- st }),
		c.session.OnRoomJoined(func(roomID string) { c.rooms <- roomID }),
		c.session.OnUserJoined(func(ev collabclient.PresenceEvent) { c.joins <- ev }),
		c.session.OnUserLeft(func(ev collabclient.PresenceEvent) { c.leaves <- ev }),
		c.session.OnMessage(func(env v1.Envelope) { c.inbox <- env }),
	)
	return c
}

func (c *smokeClient) close() {
	for _, d := range c.dispose {
		d()
	}
	c.session.Disconnect()
}

func (c *smokeClient) mustStatus(want collabclient.Status, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case st := <-c.status:
			if st == want {
				return
			}
			if st == collabclient.StatusDisconnected || st == collabclient.StatusError {
				fatalf("%s: transport failed while waiting for %q (got %q)", c.name, want, st)
			}
		case <-deadline:
			fatalf("%s: timeout waiting for status %q", c.name, want)
		}
	}
}

func (c *smokeClient) mustRoomJoined(want string, timeout time.Duration) {
	select {
	case roomID := <-c.rooms:
		if roomID != want {
			fatalf("%s: joined wrong room: got=%q want=%q", c.name, roomID, want)
		}
	case <-time.After(timeout):
		fatalf("%s: timeout waiting for subscribed ack for %q", c.name, want)
	}
}

func (c *smokeClient) mustUserJoined(roomID, userID string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.joins:
			if ev.RoomID == roomID && ev.UserID == userID {
				return
			}
		case <-deadline:
			fatalf("%s: timeout waiting for %s to join %s", c.name, userID, roomID)
		}
	}
}

func (c *smokeClient) mustUserLeft(roomID, userID string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.leaves:
			if ev.RoomID == roomID && ev.UserID == userID {
				return
			}
		case <-deadline:
			fatalf("%s: timeout waiting for %s to leave %s", c.name, userID, roomID)
		}
	}
}

func (c *smokeClient) mustMessage(wantType string, timeout time.Duration) v1.Envelope {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.inbox:
			if env.Type == wantType {
				return env
			}
			// Other app frames (notifications etc.) are not failures here.
		case <-deadline:
			fatalf("%s: timeout waiting for %q", c.name, wantType)
			return v1.Envelope{}
		}
	}
}

func mustNoErr(step string, err error) {
	if err != nil {
		fatalf("%s: %v", step, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
