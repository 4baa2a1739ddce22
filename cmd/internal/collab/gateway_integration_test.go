package collab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

func startGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := testLogger()
	reg := NewRegistry(log, nil)
	disp := NewDispatcher(log, reg, nil)
	gw := NewGateway(log, reg, disp, nil)

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts
}

func dialGateway(t *testing.T, ctx context.Context, baseURL, userID, username string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(strings.Replace(baseURL, "http", "ws", 1))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("username", username)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", env.Type, err)
	}
}

// readUntil consumes frames until match reports true, failing on timeout.
// Interleaved frames (presence echoes, acks for other rooms) are skipped.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame while waiting for %q: %v", want, err)
		}
		if env.Type == want && (match == nil || match(env)) {
			return env
		}
	}
}

func TestGateway_ConnectAckAndUserChannel(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, ts.URL, "u1", "alice")

	ack := readUntil(t, ctx, conn, v1.TypeConnected, nil)
	if ack.UserID != "u1" || ack.Username != "alice" {
		t.Fatalf("connected ack identity mismatch: %+v", ack)
	}
	if ack.Timestamp == 0 {
		t.Fatalf("connected ack missing server time")
	}

	// The addressed channel is joined automatically.
	sub := readUntil(t, ctx, conn, v1.TypeSubscribed, nil)
	if sub.RoomID != UserRoomID("u1") {
		t.Fatalf("auto-join room = %q, want %q", sub.RoomID, UserRoomID("u1"))
	}
}

func TestGateway_JoinPresenceAndChatFanout(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dialGateway(t, ctx, ts.URL, "u1", "alice")
	b := dialGateway(t, ctx, ts.URL, "u2", "bob")

	readUntil(t, ctx, a, v1.TypeConnected, nil)
	readUntil(t, ctx, b, v1.TypeConnected, nil)

	writeFrame(t, ctx, a, v1.Envelope{Type: v1.TypeJoinRoom, RoomID: "room-1"})
	readUntil(t, ctx, a, v1.TypeSubscribed, func(e v1.Envelope) bool { return e.RoomID == "room-1" })

	writeFrame(t, ctx, b, v1.Envelope{Type: v1.TypeJoinRoom, RoomID: "room-1"})
	readUntil(t, ctx, b, v1.TypeSubscribed, func(e v1.Envelope) bool { return e.RoomID == "room-1" })

	// A observes B's arrival.
	joined := readUntil(t, ctx, a, v1.TypeSystem, func(e v1.Envelope) bool {
		return e.RoomID == "room-1" && e.UserID == "u2"
	})
	var sp v1.SystemPayload
	if err := json.Unmarshal(joined.Payload, &sp); err != nil || sp.Action != v1.ActionJoined {
		t.Fatalf("presence payload mismatch: %v %+v", err, sp)
	}

	// Chat is re-stamped with the sender identity and server time.
	body, _ := json.Marshal(v1.ChatPayload{Text: "parcel 42 looks off"})
	writeFrame(t, ctx, a, v1.Envelope{Type: v1.TypeChat, RoomID: "room-1", Payload: body})

	chat := readUntil(t, ctx, b, v1.TypeChat, nil)
	if chat.UserID != "u1" || chat.Username != "alice" || chat.RoomID != "room-1" {
		t.Fatalf("chat stamping mismatch: %+v", chat)
	}
	if chat.Timestamp == 0 {
		t.Fatalf("chat missing server time")
	}
	var cp v1.ChatPayload
	if err := json.Unmarshal(chat.Payload, &cp); err != nil || cp.Text != "parcel 42 looks off" {
		t.Fatalf("chat payload mismatch: %v %+v", err, cp)
	}
}

func TestGateway_LeaveAnnouncedToRemainingMembers(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dialGateway(t, ctx, ts.URL, "u1", "alice")
	b := dialGateway(t, ctx, ts.URL, "u2", "bob")

	readUntil(t, ctx, a, v1.TypeConnected, nil)
	readUntil(t, ctx, b, v1.TypeConnected, nil)

	writeFrame(t, ctx, a, v1.Envelope{Type: v1.TypeJoinRoom, RoomID: "room-1"})
	writeFrame(t, ctx, b, v1.Envelope{Type: v1.TypeJoinRoom, RoomID: "room-1"})
	readUntil(t, ctx, b, v1.TypeSubscribed, func(e v1.Envelope) bool { return e.RoomID == "room-1" })

	writeFrame(t, ctx, b, v1.Envelope{Type: v1.TypeLeaveRoom, RoomID: "room-1"})
	readUntil(t, ctx, b, v1.TypeUnsubscribed, func(e v1.Envelope) bool { return e.RoomID == "room-1" })

	left := readUntil(t, ctx, a, v1.TypeSystem, func(e v1.Envelope) bool {
		return e.RoomID == "room-1" && e.UserID == "u2"
	})
	var sp v1.SystemPayload
	if err := json.Unmarshal(left.Payload, &sp); err != nil || sp.Action != v1.ActionLeft {
		t.Fatalf("departure payload mismatch: %v %+v", err, sp)
	}
}

func TestGateway_PingHeartbeat(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, ts.URL, "u1", "alice")
	readUntil(t, ctx, conn, v1.TypeConnected, nil)

	writeFrame(t, ctx, conn, v1.Envelope{Type: v1.TypePing})
	hb := readUntil(t, ctx, conn, v1.TypeHeartbeat, nil)
	if hb.Timestamp == 0 {
		t.Fatalf("heartbeat missing server time")
	}
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, ts.URL, "u1", "alice")
	readUntil(t, ctx, conn, v1.TypeConnected, nil)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	// Connection must survive the malformed frame.
	writeFrame(t, ctx, conn, v1.Envelope{Type: v1.TypePing})
	readUntil(t, ctx, conn, v1.TypeHeartbeat, nil)
}

func TestGateway_UnknownTypeIgnored(t *testing.T) {
	ts := startGatewayServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, ts.URL, "u1", "alice")
	readUntil(t, ctx, conn, v1.TypeConnected, nil)

	writeFrame(t, ctx, conn, v1.Envelope{Type: "time_travel", RoomID: "room-1"})

	// No error frame, no close: the next ping still round-trips.
	writeFrame(t, ctx, conn, v1.Envelope{Type: v1.TypePing})
	readUntil(t, ctx, conn, v1.TypeHeartbeat, nil)
}
