package chatline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Session Configuration
// ============================================================================

// SessionConfig configures a SessionChannel.
type SessionConfig struct {
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SessionState represents the connection state of a SessionChannel.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateFailed       SessionState = "failed"
)

// FrameHandler receives decoded frames for a subscribed topic.
type FrameHandler func(*Frame)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes exponential-backoff delays with jitter. The attempt
// counter resets after a connection has been stable for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// SessionChannel
// ============================================================================

// SessionChannel owns one duplex websocket connection and its topic
// subscription table. It has no knowledge of chat semantics: inbound
// envelopes are decoded into typed frames at this boundary and routed to the
// handler subscribed on the frame's topic.
//
// The channel never reconnects on its own. On unexpected transport loss it
// transitions to Failed, clears the subscription table and notifies state
// observers; re-establishing the session and re-subscribing is the owning
// collaborator's responsibility.
type SessionChannel struct {
	url    string
	config *SessionConfig
	logger *zap.Logger
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SessionState
	intentionalClose bool
	cancelFn         context.CancelFunc

	subsMu sync.RWMutex
	subs   map[string]FrameHandler

	stateMu sync.RWMutex
	onState []func(SessionState)
}

// NewSessionChannel creates a channel for the given websocket URL.
// Call Connect to establish the connection.
func NewSessionChannel(url string, config *SessionConfig) *SessionChannel {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SessionChannel{
		url:    url,
		config: &cfg,
		logger: cfg.Logger,
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
		subs:   make(map[string]FrameHandler),
	}
}

// State returns the current connection state.
func (s *SessionChannel) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for connection state transitions.
func (s *SessionChannel) OnStateChange(h func(SessionState)) {
	s.stateMu.Lock()
	s.onState = append(s.onState, h)
	s.stateMu.Unlock()
}

// NextReconnectDelay returns the backoff delay the owning collaborator should
// wait before the next connect attempt, advancing the attempt counter.
func (s *SessionChannel) NextReconnectDelay() (time.Duration, bool) {
	if !s.recon.shouldReconnect() {
		return 0, false
	}
	return s.recon.nextDelay(), true
}

// ResetBackoff clears the reconnect attempt counter.
func (s *SessionChannel) ResetBackoff() {
	s.recon.reset()
}

// Connect establishes the websocket connection. Calling it while already
// connected or connecting resolves immediately without re-negotiating.
func (s *SessionChannel) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()
	s.emitState(StateConnecting)

	url := s.url
	if s.config.Token != "" {
		url += "?token=" + s.config.Token
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server acknowledges the session with a CONNECTED frame before any
	// topic traffic flows.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("read connect ack: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("expected %s frame, got %q", FrameConnected, env.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()
	s.emitState(StateConnected)

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the connection and clears all subscriptions.
func (s *SessionChannel) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearSubscriptions()
	s.emitState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers a handler for a topic and announces the subscription to
// the server. Subscribing to an already-subscribed topic transparently
// replaces the prior handler, so redundant subscribe calls from multiple
// collaborators are tolerated.
func (s *SessionChannel) Subscribe(ctx context.Context, topic string, h FrameHandler) error {
	s.subsMu.Lock()
	_, replacing := s.subs[topic]
	s.subs[topic] = h
	s.subsMu.Unlock()

	if replacing {
		s.logger.Debug("subscription replaced", zap.String("topic", topic))
		return nil
	}
	if err := s.sendCommand(ctx, &Command{Type: "SUBSCRIBE", Topic: topic}); err != nil {
		s.subsMu.Lock()
		delete(s.subs, topic)
		s.subsMu.Unlock()
		return err
	}
	s.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes a topic subscription. Unsubscribing a topic that is not
// subscribed is a no-op.
func (s *SessionChannel) Unsubscribe(ctx context.Context, topic string) {
	s.subsMu.Lock()
	_, ok := s.subs[topic]
	delete(s.subs, topic)
	s.subsMu.Unlock()
	if !ok {
		return
	}
	// Best effort: the local table is authoritative, a lost UNSUBSCRIBE only
	// costs discarded frames.
	if err := s.sendCommand(ctx, &Command{Type: "UNSUBSCRIBE", Topic: topic}); err != nil {
		s.logger.Debug("unsubscribe send skipped", zap.String("topic", topic), zap.Error(err))
	}
}

// Subscribed reports whether a handler is registered for the topic.
func (s *SessionChannel) Subscribed(topic string) bool {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	_, ok := s.subs[topic]
	return ok
}

// Publish sends a payload to a destination. It fails fast with
// ErrNotConnected while the session is not Connected; nothing is queued.
func (s *SessionChannel) Publish(ctx context.Context, destination string, payload interface{}) error {
	return s.sendCommand(ctx, &Command{Type: "SEND", Destination: destination, Payload: payload})
}

func (s *SessionChannel) sendCommand(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Read loop
// ============================================================================

func (s *SessionChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.mu.Unlock()
			if intentional {
				return
			}

			// Unexpected transport loss: fail, drop the subscription table,
			// and surface upward. The owning collaborator re-subscribes
			// after it has reconnected.
			s.mu.Lock()
			s.state = StateFailed
			s.conn = nil
			s.mu.Unlock()
			s.clearSubscriptions()
			s.logger.Warn("session transport lost", zap.Error(err))
			s.emitState(StateFailed)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed envelope dropped", zap.Error(err))
			continue
		}
		frame, err := decodeFrame(env)
		if err != nil {
			// Malformed payloads never interrupt the stream.
			s.logger.Warn("malformed frame dropped",
				zap.String("type", string(env.Type)),
				zap.String("topic", env.Topic),
				zap.Error(err))
			continue
		}

		if frame.Type == FrameError {
			s.logger.Warn("server error frame", zap.String("code", frame.Error.Code),
				zap.String("message", frame.Error.Message))
			continue
		}

		s.subsMu.RLock()
		h := s.subs[frame.Topic]
		s.subsMu.RUnlock()
		if h == nil {
			s.logger.Debug("frame for unsubscribed topic dropped", zap.String("topic", frame.Topic))
			continue
		}
		h(frame)
	}
}

func (s *SessionChannel) clearSubscriptions() {
	s.subsMu.Lock()
	s.subs = make(map[string]FrameHandler)
	s.subsMu.Unlock()
}

func (s *SessionChannel) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emitState(st)
}

func (s *SessionChannel) emitState(st SessionState) {
	s.stateMu.RLock()
	handlers := append([]func(SessionState){}, s.onState...)
	s.stateMu.RUnlock()
	for _, h := range handlers {
		h(st)
	}
}
