// Package client is a WebSocket client for load testing chatd. It dials with
// a bearer token, registers the user once the server confirms the session,
// and tracks per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agora/social-chat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	RegisterLatency  time.Duration // dial start to online_users_list
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user.
type Client struct {
	conn   net.Conn
	userID int64
	start  time.Time

	mu        sync.Mutex
	writeMu   sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	registered chan struct{}
	regOnce    sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

// New dials serverURL as userID using token and starts the read loop.
// handlers are keyed by server message type and run on the read goroutine.
func New(ctx context.Context, serverURL string, userID int64, token string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:       conn,
		userID:     userID,
		start:      start,
		handlers:   make(map[string]func(json.RawMessage)),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for k, h := range handlers {
		c.handlers[k] = h
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Frames the server wrote right after the handshake may already sit in
	// br.
	var r net.Conn = conn
	if br != nil {
		r = &bufferedConn{Conn: conn, r: br}
	}
	go c.readLoop(r)
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// Send writes msg as a JSON text frame. Safe for concurrent use.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// SendMessage posts text to chatID.
func (c *Client) SendMessage(chatID int64, text string) error {
	return c.Send(protocol.SendMessageMsg{
		Type:        protocol.TypeSendMessage,
		ChatID:      chatID,
		UserID:      c.userID,
		Content:     text,
		MessageType: "text",
	})
}

// WaitRegistered blocks until the server answered register_user with the
// online list.
func (c *Client) WaitRegistered(ctx context.Context) error {
	select {
	case <-c.registered:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before registration")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) UserID() int64 { return c.userID }

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop(r net.Conn) {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		data, err := wsutil.ReadServerText(r)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeSessionCreated:
			c.mu.Lock()
			c.sessionID = env.SessionID
			c.mu.Unlock()
			_ = c.Send(protocol.RegisterUserMsg{Type: protocol.TypeRegisterUser, UserID: c.userID})
		case protocol.TypeOnlineUsersList:
			c.regOnce.Do(func() {
				c.mu.Lock()
				c.metrics.RegisterLatency = time.Since(c.start)
				c.mu.Unlock()
				close(c.registered)
			})
		}

		if h, ok := c.handlers[env.Type]; ok {
			h(json.RawMessage(data))
		}
	}
}
