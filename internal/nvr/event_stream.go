package nvr

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/metrics"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultReconnectInterval = 5 * time.Second

	updatesPath  = "/proxy/protect/ws/updates"
	controlWait  = 5 * time.Second
	streamEvents = 64
)

var ErrStreamClosed = errors.New("event stream closed")

// Conn is the part of a websocket connection the stream uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetPingHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens the update feed connection.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// HeaderFunc returns the request headers, including the session cookie, for
// a new connection.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// Subscriber receives every raw message read from the feed.
type Subscriber func(msg []byte)

type StreamConfig struct {
	Host              string
	LastUpdateID      string
	Header            HeaderFunc
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

type wsDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a Dialer for consoles with self-signed
// certificates.
func NewWebsocketDialer() Dialer {
	return &wsDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}}
}

func (d *wsDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdClose
)

type command struct {
	kind commandKind
	done chan struct{}
}

type eventKind int

const (
	evDialed eventKind = iota
	evTraffic
	evClosed
)

// streamEvent is reported to the control loop by dial and reader goroutines.
// gen ties it to one connection attempt so events from replaced connections
// are ignored.
type streamEvent struct {
	kind eventKind
	gen  uint64
	conn Conn
	err  error
}

// EventStream maintains the live update feed connection. All connection
// state is owned by a single control goroutine; callers and reader
// goroutines talk to it over channels.
type EventStream struct {
	cfg    StreamConfig
	dialer Dialer
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	cmds   chan command
	events chan streamEvent
	done   chan struct{}
	wg     sync.WaitGroup

	connected    atomic.Bool
	lastUpdateID atomic.Value // string

	subMu       sync.RWMutex
	subscribers []Subscriber
}

func NewEventStream(cfg StreamConfig, dialer Dialer, logger logrus.FieldLogger) *EventStream {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &EventStream{
		cfg:    cfg,
		dialer: dialer,
		log:    logging.Component(logger, "event_stream"),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command),
		events: make(chan streamEvent, streamEvents),
		done:   make(chan struct{}),
	}
	s.lastUpdateID.Store(cfg.LastUpdateID)

	s.wg.Add(1)
	go s.run()
	return s
}

// Connect opens the feed unless a connection is already open or being
// established, and enables automatic reconnects. It does not wait for the
// connection to open.
func (s *EventStream) Connect() error {
	return s.send(cmdConnect)
}

// Disconnect stops reconnecting and hard-closes the active connection.
// Connect may be called again afterwards.
func (s *EventStream) Disconnect() error {
	return s.send(cmdDisconnect)
}

// Close disconnects and stops the control goroutine for good.
func (s *EventStream) Close() error {
	err := s.send(cmdClose)
	s.wg.Wait()
	if errors.Is(err, ErrStreamClosed) {
		return nil
	}
	return err
}

func (s *EventStream) Connected() bool {
	return s.connected.Load()
}

// SetLastUpdateID records the newest update cursor; the next connection
// resumes from it.
func (s *EventStream) SetLastUpdateID(id string) {
	if id != "" {
		s.lastUpdateID.Store(id)
	}
}

func (s *EventStream) LastUpdateID() string {
	id, _ := s.lastUpdateID.Load().(string)
	return id
}

func (s *EventStream) AddSubscriber(fn Subscriber) {
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.subMu.Unlock()
}

func (s *EventStream) ClearSubscribers() {
	s.subMu.Lock()
	s.subscribers = nil
	s.subMu.Unlock()
}

func (s *EventStream) send(kind commandKind) error {
	cmd := command{kind: kind, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStreamClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.done:
		return nil
	}
}

// activeConn is the connection currently owned by the control loop.
type activeConn struct {
	conn   Conn
	closed bool
}

func (a *activeConn) terminate() {
	if a.closed {
		return
	}
	a.closed = true
	a.conn.Close()
}

func (s *EventStream) run() {
	defer s.wg.Done()
	defer close(s.done)

	var (
		active          *activeConn
		gen             uint64
		dialing         bool
		dials           int
		shouldReconnect bool
	)

	heartbeat := time.NewTimer(s.cfg.HeartbeatInterval)
	heartbeat.Stop()
	defer heartbeat.Stop()
	retry := time.NewTimer(s.cfg.ReconnectInterval)
	retry.Stop()
	defer retry.Stop()

	startDial := func() {
		if active != nil || dialing {
			return
		}
		dialing = true
		gen++
		if dials > 0 {
			metrics.StreamReconnectsTotal.Inc()
		}
		dials++
		s.wg.Add(1)
		go s.dial(gen)
	}

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdConnect:
				shouldReconnect = true
				startDial()
			case cmdDisconnect, cmdClose:
				shouldReconnect = false
				retry.Stop()
				if active != nil {
					s.log.Info("Disconnecting from update feed")
					active.terminate()
				}
			}
			if cmd.kind == cmdClose {
				s.cancel()
				s.connected.Store(false)
				metrics.StreamConnected.Set(0)
				close(cmd.done)
				return
			}
			close(cmd.done)

		case ev := <-s.events:
			if ev.gen != gen {
				if ev.kind == evDialed && ev.conn != nil {
					ev.conn.Close()
				}
				continue
			}
			switch ev.kind {
			case evDialed:
				dialing = false
				if ev.err != nil {
					s.log.WithError(ev.err).Warn("Update feed connection failed")
					if shouldReconnect {
						retry.Reset(s.cfg.ReconnectInterval)
					}
					continue
				}
				if !shouldReconnect {
					ev.conn.Close()
					continue
				}
				active = &activeConn{conn: ev.conn}
				s.connected.Store(true)
				metrics.StreamConnected.Set(1)
				heartbeat.Reset(s.cfg.HeartbeatInterval)
				s.log.Info("Connected to update feed")
				s.wg.Add(1)
				go s.read(gen, ev.conn)

			case evTraffic:
				if active != nil {
					heartbeat.Reset(s.cfg.HeartbeatInterval)
				}

			case evClosed:
				heartbeat.Stop()
				if active != nil {
					active.terminate()
				}
				active = nil
				s.connected.Store(false)
				metrics.StreamConnected.Set(0)
				s.log.WithError(ev.err).Info("Update feed connection closed")
				if shouldReconnect {
					startDial()
				}
			}

		case <-heartbeat.C:
			if active != nil && !active.closed {
				s.log.Warn("No heartbeat from update feed, terminating connection")
				metrics.HeartbeatTimeoutsTotal.Inc()
				active.terminate()
			}

		case <-retry.C:
			if shouldReconnect {
				startDial()
			}
		}
	}
}

func (s *EventStream) dial(gen uint64) {
	defer s.wg.Done()

	conn, err := s.open()
	s.report(streamEvent{kind: evDialed, gen: gen, conn: conn, err: err})
}

func (s *EventStream) open() (Conn, error) {
	var header http.Header
	if s.cfg.Header != nil {
		h, err := s.cfg.Header(s.ctx)
		if err != nil {
			return nil, err
		}
		header = h
	}
	return s.dialer.Dial(s.ctx, s.updatesURL(), header)
}

func (s *EventStream) updatesURL() string {
	u := url.URL{Scheme: "wss", Host: s.cfg.Host, Path: updatesPath}
	if id := s.LastUpdateID(); id != "" {
		u.RawQuery = url.Values{"lastUpdateId": {id}}.Encode()
	}
	return u.String()
}

func (s *EventStream) read(gen uint64, conn Conn) {
	defer s.wg.Done()

	conn.SetPingHandler(func(appData string) error {
		s.report(streamEvent{kind: evTraffic, gen: gen})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.report(streamEvent{kind: evClosed, gen: gen, err: err})
			return
		}
		s.report(streamEvent{kind: evTraffic, gen: gen})
		s.fanOut(msg)
	}
}

func (s *EventStream) fanOut(msg []byte) {
	s.subMu.RLock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

func (s *EventStream) report(ev streamEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
		if ev.kind == evDialed && ev.conn != nil {
			ev.conn.Close()
		}
	}
}
