package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/ratelimit"
)

type tokenAuth map[string]int64

func (a tokenAuth) Authenticate(r *http.Request) (int64, error) {
	if id, ok := a[r.URL.Query().Get("token")]; ok {
		return id, nil
	}
	return 0, errors.New("bad token")
}

// pipeConn returns a server Connection over net.Pipe and the client end.
func pipeConn(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{ID: "conn-1", UserID: 1, Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.Touch()
	return c, client
}

func readFrame(t *testing.T, r io.ReadWriter) map[string]interface{} {
	t.Helper()
	data, err := wsutil.ReadServerText(r)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestDispatch_Ping(t *testing.T) {
	c, client := pipeConn(t)
	d := NewMessageDispatcher(zerolog.Nop())

	go d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, readFrame(t, client)["type"])
}

func TestDispatch_ParseError(t *testing.T) {
	c, client := pipeConn(t)
	d := NewMessageDispatcher(zerolog.Nop())

	go d.Dispatch(c, []byte(`not json`))
	m := readFrame(t, client)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, "parse_error", m["code"])
}

func TestDispatch_Unsupported(t *testing.T) {
	c, client := pipeConn(t)
	d := NewMessageDispatcher(zerolog.Nop())

	go d.Dispatch(c, []byte(`{"type":"user_activity","user_id":1}`))
	m := readFrame(t, client)
	assert.Equal(t, "unsupported_type", m["code"])
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	c, _ := pipeConn(t)
	d := NewMessageDispatcher(zerolog.Nop())

	got := make(chan interface{}, 1)
	d.Register(protocol.TypeUserActivity, func(conn *Connection, msg interface{}) error {
		assert.Same(t, c, conn)
		got <- msg
		return nil
	})

	d.Dispatch(c, []byte(`{"type":"user_activity","user_id":1}`))
	select {
	case msg := <-got:
		assert.Equal(t, protocol.UserActivityMsg{Type: "user_activity", UserID: 1}, msg)
	default:
		t.Fatal("handler not called")
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	c, client := pipeConn(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WriteMessage([]byte(`{"type":"pong"}`))
		}()
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, "pong", readFrame(t, client)["type"], "frame %d intact", i)
	}
	wg.Wait()
}

func TestHeartbeat_EvictsSilentConnections(t *testing.T) {
	s := NewServer(DefaultServerConfig(), tokenAuth{}, nil, zerolog.Nop())
	var gone []string
	s.SetOnDisconnect(func(c *Connection) { gone = append(gone, c.ID) })

	stale, _ := pipeConn(t)
	stale.ID = "stale"
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	s.conns.Add(stale)

	s.checkConnections(HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, time.Now())

	assert.Equal(t, []string{"stale"}, gone)
	assert.Zero(t, s.conns.Count())

	// A second removal is a no-op.
	s.RemoveConnection(stale)
	assert.Len(t, gone, 1)
}

func TestClientIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

// startServer runs a Server on a loopback port.
func startServer(t *testing.T, opts ...Option) (*Server, string, chan *Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat.Interval = 0

	d := NewMessageDispatcher(zerolog.Nop())
	s := NewServer(cfg, tokenAuth{"good": 42}, d.Dispatch, zerolog.Nop(), opts...)
	disconnected := make(chan *Connection, 4)
	s.SetOnDisconnect(func(c *Connection) { disconnected <- c })

	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	addr := ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return s, addr, disconnected
}

func dial(t *testing.T, url string) (net.Conn, io.ReadWriter, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() { conn.Close() })
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return conn, struct {
		io.Reader
		io.Writer
	}{r, conn}, nil
}

func TestServer_UpgradePingAndDisconnect(t *testing.T) {
	s, addr, disconnected := startServer(t)

	conn, rw, err := dial(t, "ws://"+addr+"/ws?token=good")
	require.NoError(t, err)

	created := readFrame(t, rw)
	assert.Equal(t, protocol.TypeSessionCreated, created["type"])
	assert.EqualValues(t, 42, created["user_id"])
	assert.NotEmpty(t, created["session_id"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	assert.Equal(t, protocol.TypePong, readFrame(t, rw)["type"])
	assert.Equal(t, 1, s.Connections().Count())

	conn.Close()
	select {
	case c := <-disconnected:
		assert.EqualValues(t, 42, c.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, addr, _ := startServer(t)

	_, _, err := dial(t, "ws://"+addr+"/ws?token=nope")
	require.Error(t, err)
	var status ws.StatusError
	if assert.ErrorAs(t, err, &status) {
		assert.Equal(t, http.StatusUnauthorized, int(status))
	}
}

func TestServer_ConnectRateLimit(t *testing.T) {
	_, addr, _ := startServer(t, WithConnectLimiter(denyAll{}))

	_, _, err := dial(t, "ws://"+addr+"/ws?token=good")
	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusTooManyRequests, int(status))
}

func TestServer_DelegatesOtherRoutes(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	_, addr, _ := startServer(t, WithHandler(h))

	resp, err := http.Get("http://" + addr + "/chats/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
