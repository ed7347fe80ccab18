package voice

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/voice_session_go/pkg/gateway"
)

// Channel is one open signaling connection. Read blocks until a frame
// arrives or the channel closes; a close surfaces as an error carrying the
// close code (see CloseCode).
type Channel interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens signaling channels.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Channel, error)
}

// WebsocketDialer dials signaling channels over gorilla/websocket.
type WebsocketDialer struct {
	dialer websocket.Dialer
}

// NewWebsocketDialer creates a dialer with the given handshake timeout
// (10s when zero).
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	conn, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling endpoint: %w", err)
	}
	return &websocketChannel{conn: conn}, nil
}

type websocketChannel struct {
	conn *websocket.Conn
}

func (c *websocketChannel) Read() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *websocketChannel) Write(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// CloseCode extracts the close code from a channel read error. Errors that
// carry no code count as an abnormal closure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// EndpointURL builds the versioned signaling URL for a server host. A host
// that already carries a scheme keeps it.
func EndpointURL(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("voice: empty signaling server")
	}
	if !strings.Contains(server, "://") {
		server = "wss://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse signaling server: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(gateway.Version))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
