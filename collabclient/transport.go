package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	v1 "github.com/bsvalues/BCBSGISPRO-sub005/shared/contracts/collab/v1"
)

// Conn is one established transport session. Implementations must tolerate
// Close being called more than once and after the peer has already gone.
type Conn interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Close() error
}

// Dialer establishes transport sessions. It is injectable so tests can run
// the session state machine against an in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer is the production Dialer over coder/websocket.
type WebsocketDialer struct {
	// HTTPClient overrides the client used for the handshake (optional).
	HTTPClient *http.Client
}

// Dial opens a websocket session to rawURL.
func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (v1.Envelope, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errors.New("unsupported message type")
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) Write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *wsConn) Close() error {
	// Closing an already-closed websocket returns an error we do not care
	// about; Conn.Close must be safe to call repeatedly.
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}
