package nvr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/protect-downloader/internal/logging"
)

type fakeConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu          sync.Mutex
	pingHandler func(string) error
	pongs       int
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return websocket.BinaryMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	c.pingHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PongMessage {
		c.pongs++
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) ping(t *testing.T) {
	c.mu.Lock()
	h := c.pingHandler
	c.mu.Unlock()
	require.NotNil(t, h)
	require.NoError(t, h("hb"))
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer fails the first `failures` dials, then hands out fresh conns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    []time.Time
	urls     []string
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, _ http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	d.urls = append(d.urls, rawURL)
	if len(d.dials) <= d.failures {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func newTestStream(t *testing.T, d Dialer, heartbeat, reconnect time.Duration) *EventStream {
	t.Helper()
	s := NewEventStream(StreamConfig{
		Host:              "nvr.local",
		LastUpdateID:      "cursor-1",
		HeartbeatInterval: heartbeat,
		ReconnectInterval: reconnect,
	}, d, logging.Discard())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventStream_FanOutInRegistrationOrder(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, time.Minute)

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		s.AddSubscriber(func(msg []byte) {
			mu.Lock()
			got = append(got, name+":"+string(msg))
			mu.Unlock()
		})
	}

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	d.conn(0).msgs <- []byte("a")
	d.conn(0).msgs <- []byte("b")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"first:a", "second:a", "third:a",
		"first:b", "second:b", "third:b",
	}, got)
}

func TestEventStream_ClearSubscribers(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, time.Minute)

	var calls atomic.Int32
	s.AddSubscriber(func([]byte) { calls.Add(1) })
	s.ClearSubscribers()

	var after atomic.Int32
	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	s.AddSubscriber(func([]byte) { after.Add(1) })

	d.conn(0).msgs <- []byte("x")
	require.Eventually(t, func() bool { return after.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, s.Connected())
}

func TestEventStream_ConnectIsNoOpWhenOpen(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, time.Minute)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestEventStream_URLCarriesUpdateCursor(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, time.Minute)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	s.SetLastUpdateID("cursor-2")
	d.conn(0).Close()
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "wss://nvr.local/proxy/protect/ws/updates?lastUpdateId=cursor-1", d.urls[0])
	assert.Equal(t, "wss://nvr.local/proxy/protect/ws/updates?lastUpdateId=cursor-2", d.urls[1])
}

func TestEventStream_HeartbeatTerminatesOnce(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, 50*time.Millisecond, time.Minute)

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { return d.conn(0) != nil }, time.Second, 5*time.Millisecond)
	c := d.conn(0)

	require.Eventually(t, c.isClosed, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), c.closes.Load())
}

func TestEventStream_TrafficKeepsConnectionAlive(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, 200*time.Millisecond, time.Minute)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	c := d.conn(0)

	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		if i%2 == 0 {
			c.msgs <- []byte("tick")
		} else {
			c.ping(t)
		}
	}

	assert.False(t, c.isClosed())
	assert.True(t, s.Connected())
	assert.Equal(t, 1, d.dialCount())

	c.mu.Lock()
	assert.Equal(t, 4, c.pongs)
	c.mu.Unlock()
}

func TestEventStream_ReconnectConvergence(t *testing.T) {
	const failures = 3
	const interval = 30 * time.Millisecond

	d := &fakeDialer{failures: failures}
	s := newTestStream(t, d, time.Minute, interval)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)

	time.Sleep(5 * interval)
	assert.Equal(t, failures+1, d.dialCount())

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 1; i < len(d.dials); i++ {
		assert.GreaterOrEqual(t, d.dials[i].Sub(d.dials[i-1]), interval)
	}
}

func TestEventStream_ReconnectsAfterClose(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, time.Minute)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	d.conn(0).Close()
	require.Eventually(t, func() bool { return d.conn(1) != nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
}

func TestEventStream_DisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := newTestStream(t, d, time.Minute, 20*time.Millisecond)

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Disconnect())
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)
	assert.True(t, d.conn(0).isClosed())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestEventStream_CloseIsFinal(t *testing.T) {
	d := &fakeDialer{}
	s := NewEventStream(StreamConfig{Host: "nvr.local"}, d, logging.Discard())

	require.NoError(t, s.Connect())
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	assert.False(t, s.Connected())
	assert.True(t, d.conn(0).isClosed())
	assert.ErrorIs(t, s.Connect(), ErrStreamClosed)
	assert.NoError(t, s.Close())
}

func TestEventStream_WebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotCookie atomic.Value

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, updatesPath, r.URL.Path)
		gotCookie.Store(r.Header.Get("Cookie"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("hello"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	s := newTestStreamWithHeader(t, strings.TrimPrefix(srv.URL, "https://"))

	received := make(chan []byte, 1)
	s.AddSubscriber(func(msg []byte) { received <- msg })
	require.NoError(t, s.Connect())

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(3 * time.Second):
		t.Fatal("no message from websocket server")
	}
	assert.True(t, s.Connected())
	assert.Equal(t, "TOKEN=abc", gotCookie.Load())
}

func newTestStreamWithHeader(t *testing.T, host string) *EventStream {
	t.Helper()
	s := NewEventStream(StreamConfig{
		Host: host,
		Header: func(context.Context) (http.Header, error) {
			h := http.Header{}
			h.Set("Cookie", "TOKEN=abc")
			return h, nil
		},
	}, nil, logging.Discard())
	t.Cleanup(func() { s.Close() })
	return s
}
