// Package collab implements the portal's real-time collaboration transport:
// the websocket gateway, room registry, and broadcast dispatcher that let
// multiple browser sessions share cursor positions, chat, and map-annotation
// edits.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bsvalues/BCBSGISPRO-sub005/cmd/internal/ids"
	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the websocket entrypoint for the collaboration transport.
//
// It owns one live connection per client, parses inbound frames, routes
// them to the registry and dispatcher, and tears the connection down on
// close or error. Protocol errors are soft: the frame is dropped and
// logged, the connection stays open. Authorization happens upstream; the
// gateway treats userId/username as opaque strings.
type Gateway struct {
	log  *slog.Logger
	reg  *Registry
	disp *Dispatcher

	metrics *Metrics

	devInsecure    bool
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway over an explicitly provided registry and
// dispatcher. There is no process-global instance; tests build isolated
// gateways. Nil registry/dispatcher fall back to fresh in-memory ones.
func NewGateway(log *slog.Logger, reg *Registry, disp *Dispatcher, m *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if reg == nil {
		reg = NewRegistry(log, m)
	}
	if disp == nil {
		disp = NewDispatcher(log, reg, m)
	}

	g := &Gateway{log: log, reg: reg, disp: disp, metrics: m}

	// Dev-only knob (TLS verification), not an origin policy.
	g.devInsecure = envBoolWS("GEOPRO_WS_DEV_INSECURE", false)

	// websocket.Accept authorizes same-host origins by default; cross-origin
	// requests require OriginPatterns derived from the allowlist.
	g.originPatterns = originPatterns(envCSVWS("GEOPRO_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins))

	g.writeTimeout = envDurationWS("GEOPRO_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("GEOPRO_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("GEOPRO_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("GEOPRO_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("GEOPRO_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("GEOPRO_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("GEOPRO_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Rooms exposes the registry for app wiring and tests.
func (g *Gateway) Rooms() *Registry { return g.reg }

// Dispatch exposes the dispatcher for collaborators (e.g. intake workflow
// notifications).
func (g *Gateway) Dispatch() *Dispatcher { return g.disp }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// collaboration loop until the peer goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	// The upstream session provider supplies identity as opaque strings.
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	username := strings.TrimSpace(r.URL.Query().Get("username"))

	connID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id allocation failed")
		return
	}

	c := NewConn(connID, userID, username, g.sendQueueSize)
	g.reg.Register(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent: a close followed by a late error event runs
	// the cleanup once. Membership removal happens before c.Close so
	// broadcasters never see a half-torn-down member.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			left := g.reg.Unregister(c)
			for _, roomID := range left {
				g.disp.SendToRoom(roomID, g.systemFrame(roomID, c, v1.ActionLeft))
			}
			c.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", c.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Connection acknowledgement with server time.
	g.disp.SendTo(c, v1.Envelope{
		Type:      v1.TypeConnected,
		UserID:    c.UserID,
		Username:  c.Username,
		Timestamp: v1.Millis(time.Now().UTC()),
	})

	// Authenticated clients get their addressed channel immediately; it is
	// an ordinary room with a deterministic name.
	if c.UserID != "" {
		g.handleJoin(c, UserRoomID(c.UserID))
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				// Soft failure: drop the frame, keep the connection.
				g.metrics.observeFrame("malformed", FrameResultProtocolError)
				g.log.Info("ws.frame.malformed", "conn_id", c.ID, "err", err)
				continue readLoop
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", c.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		c.Touch(now)

		if !rl.Allow(now) {
			g.metrics.observeFrame(env.Type, FrameResultIgnored)
			g.log.Info("ws.frame.rate_limited", "conn_id", c.ID, "type", env.Type)
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.observeFrame("invalid", FrameResultProtocolError)
			g.log.Info("ws.frame.invalid", "conn_id", c.ID, "err", err)
			continue readLoop
		}

		g.route(c, env, now)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// route dispatches one validated inbound frame. Unrecognized types are
// logged and ignored so older servers tolerate newer clients.
func (g *Gateway) route(c *Conn, env v1.Envelope, now time.Time) {
	switch env.Type {
	case v1.TypeJoinRoom:
		if env.RoomID == "" {
			g.metrics.observeFrame(env.Type, FrameResultProtocolError)
			g.log.Info("ws.join.missing_room", "conn_id", c.ID)
			return
		}
		g.handleJoin(c, env.RoomID)
		g.metrics.observeFrame(env.Type, FrameResultOK)

	case v1.TypeLeaveRoom:
		if env.RoomID == "" {
			g.metrics.observeFrame(env.Type, FrameResultProtocolError)
			g.log.Info("ws.leave.missing_room", "conn_id", c.ID)
			return
		}
		g.handleLeave(c, env.RoomID)
		g.metrics.observeFrame(env.Type, FrameResultOK)

	case v1.TypePing:
		g.disp.SendTo(c, v1.Envelope{
			Type:      v1.TypeHeartbeat,
			Timestamp: v1.Millis(now),
		})
		g.metrics.observeFrame(env.Type, FrameResultOK)

	case v1.TypeChat, v1.TypeChatMessage,
		v1.TypeCursorMove, v1.TypeCursorPosition,
		v1.TypeFeatureAdd, v1.TypeFeatureEdit, v1.TypeFeatureDelete,
		v1.TypeAnnotationAdd, v1.TypeAnnotationUpdate, v1.TypeAnnotationDelete:
		if env.RoomID == "" {
			g.metrics.observeFrame(env.Type, FrameResultProtocolError)
			g.log.Info("ws.frame.missing_room", "conn_id", c.ID, "type", env.Type)
			return
		}
		// Forward a fresh envelope stamped with the sender identity and
		// server time; the inbound frame itself is never mutated.
		g.disp.SendToRoom(env.RoomID, v1.Envelope{
			Type:      env.Type,
			RoomID:    env.RoomID,
			UserID:    c.UserID,
			Username:  c.Username,
			Timestamp: v1.Millis(now),
			Payload:   env.Payload,
		})
		g.metrics.observeFrame(env.Type, FrameResultOK)

	default:
		g.metrics.observeFrame(env.Type, FrameResultIgnored)
		g.log.Info("ws.frame.unknown_type", "conn_id", c.ID, "type", env.Type)
	}
}

// handleJoin adds the connection to a room, acks it privately, and
// announces presence to the room when membership actually changed.
func (g *Gateway) handleJoin(c *Conn, roomID string) {
	added := g.reg.Join(c, roomID)

	ack, _ := json.Marshal(v1.SubscribedPayload{RoomID: roomID})
	g.disp.SendTo(c, v1.Envelope{
		Type:      v1.TypeSubscribed,
		RoomID:    roomID,
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   ack,
	})

	if added {
		g.disp.SendToRoom(roomID, g.systemFrame(roomID, c, v1.ActionJoined))
	}
}

// handleLeave removes the connection from a room, acks it privately, and
// announces the departure to the remaining members.
func (g *Gateway) handleLeave(c *Conn, roomID string) {
	removed := g.reg.Leave(c, roomID)

	ack, _ := json.Marshal(v1.SubscribedPayload{RoomID: roomID})
	g.disp.SendTo(c, v1.Envelope{
		Type:      v1.TypeUnsubscribed,
		RoomID:    roomID,
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   ack,
	})

	if removed {
		g.disp.SendToRoom(roomID, g.systemFrame(roomID, c, v1.ActionLeft))
	}
}

func (g *Gateway) systemFrame(roomID string, c *Conn, action string) v1.Envelope {
	body, _ := json.Marshal(v1.SystemPayload{Action: action})
	return v1.Envelope{
		Type:      v1.TypeSystem,
		RoomID:    roomID,
		UserID:    c.UserID,
		Username:  c.Username,
		Timestamp: v1.Millis(time.Now().UTC()),
		Payload:   body,
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errBadJSON
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("malformed frame")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

// originPatterns extracts the host part of each allowed origin for
// websocket.Accept's cross-origin allowlist.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
