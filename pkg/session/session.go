// Package session keeps one live WebSocket connection to the MechArm peer.
//
// A Session cycles Disconnected -> Connecting -> Connected -> Disconnected until it
// is closed. Every lost or failed connection is retried after a fixed delay, with
// no limit on the number of attempts. While connected a ping is written on a fixed
// interval. The ping is fire-and-forget: no pong deadline is enforced, so a
// half-open connection that never errors is not detected until the OS gives up
// on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gwillem/mecharm/pkg/log"
	"github.com/gwillem/mecharm/pkg/protocol"
)

const (
	DefaultReconnectDelay    = 2 * time.Second
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultWriteTimeout      = time.Second
)

// SessionHeader carries the per-connection id on the upgrade request.
const SessionHeader = "X-Session-Id"

var (
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("session closed")
	// ErrRunning is returned when Run is called on a session that is already running.
	ErrRunning = errors.New("session already running")
)

// State is the connectivity of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures a Session. Zero durations use the defaults above.
type Options struct {
	URL               string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
	Logger            log.Logger
}

// MessageHandler receives each raw incoming frame, in arrival order.
type MessageHandler func(data []byte)

// StateHandler receives every state transition.
type StateHandler func(State)

// Session owns the connection. It is the only writer to it.
type Session struct {
	opts   Options
	dialer *websocket.Dialer
	logger log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	id       string
	attempts int
	running  bool
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex

	subMu     sync.Mutex
	nextSub   int
	onMessage map[int]MessageHandler
	onState   map[int]StateHandler
}

// New creates a session. It does not connect until Run is called.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("session url is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	return &Session{
		opts:      opts,
		dialer:    dialer,
		logger:    log.OrNop(opts.Logger),
		done:      make(chan struct{}),
		onMessage: map[int]MessageHandler{},
		onState:   map[int]StateHandler{},
	}, nil
}

// Run connects and keeps reconnecting until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		s.connectOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// connectOnce performs one Connecting -> ... -> Disconnected cycle.
func (s *Session) connectOnce(ctx context.Context) {
	id := uuid.NewString()

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	s.setState(Connecting)

	logger := log.WithField(s.logger, "session", id)

	header := http.Header{}
	header.Set(SessionHeader, id)
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		logger.Debugf("connect %s failed (attempt %d): %v", s.opts.URL, attempt, err)
		s.setState(Disconnected)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		s.setState(Disconnected)
		return
	}
	s.conn = conn
	s.id = id
	s.mu.Unlock()

	logger.Infof("connected to %s (attempt %d)", s.opts.URL, attempt)
	s.setState(Connected)

	stop := make(chan struct{})
	go s.heartbeat(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stop:
			return
		}
		conn.Close()
	}()

	err = s.readLoop(conn)
	close(stop)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.id = ""
	}
	s.mu.Unlock()
	conn.Close()

	logger.Infof("disconnected: %v", err)
	s.setState(Disconnected)
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *Session) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Send(protocol.Ping{})
		}
	}
}

// Send writes msg if a connection is live and reports whether it was written.
// It never queues: a false result means the caller must fall back.
func (s *Session) Send(msg protocol.Outgoing) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorf("send %s: %v", msg.MessageType(), err)
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warnf("send %s failed: %v", msg.MessageType(), err)
		// the read loop sees the close and drives the reconnect
		conn.Close()
		return false
	}
	return true
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the id of the live connection, or "" when disconnected.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Attempts returns the number of connection attempts made so far.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Subscribe registers fn for every incoming frame and returns a function that
// removes it. Handlers run on the read goroutine and must not block.
func (s *Session) Subscribe(fn MessageHandler) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.onMessage[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.onMessage, id)
		s.subMu.Unlock()
	}
}

// OnStateChange registers fn for state transitions and returns a function that
// removes it.
func (s *Session) OnStateChange(fn StateHandler) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.onState[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.onState, id)
		s.subMu.Unlock()
	}
}

// Close tears the session down. The current connection is closed and no
// reconnect is attempted. Close is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	for _, fn := range s.stateHandlers() {
		fn(st)
	}
}

func (s *Session) dispatch(data []byte) {
	s.subMu.Lock()
	handlers := make([]MessageHandler, 0, len(s.onMessage))
	for _, fn := range s.onMessage {
		handlers = append(handlers, fn)
	}
	s.subMu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
}

func (s *Session) stateHandlers() []StateHandler {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	handlers := make([]StateHandler, 0, len(s.onState))
	for _, fn := range s.onState {
		handlers = append(handlers, fn)
	}
	return handlers
}
