package mingle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send when the connection is not Open.
// Sends are rejected rather than queued; callers decide whether to retry,
// fall back to REST, or surface the failure.
var ErrNotConnected = errors.New("mingle: not connected")

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures the realtime connection.
type ConnConfig struct {
	BaseURL              string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnState is the realtime connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateTerminated
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateHandler observes connection state transitions.
type StateHandler func(old, new ConnState)

// ============================================================================
// Backoff
// ============================================================================

type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
}

// next returns the delay before the next attempt, or false when the attempt
// budget is exhausted. delay(n) = base * 2^(n-1), capped at max.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++
	d := b.base
	for i := 1; i < b.attempt; i++ {
		d *= 2
		if d >= b.max || d <= 0 {
			return b.max, true
		}
	}
	if d > b.max {
		d = b.max
	}
	return d, true
}

func (b *backoff) reset() {
	b.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single logical realtime connection for an
// authenticated session. Room sessions multiplex over it through the bus; it
// is created once per session and must not be duplicated per room or screen.
type ConnectionManager struct {
	cfg ConnConfig
	bus *EventBus
	log zerolog.Logger

	mu            sync.Mutex
	state         ConnState
	conn          *websocket.Conn
	token         string
	cancelRead    context.CancelFunc
	retryTimer    *time.Timer
	retry         backoff
	memberships   map[string]RoomMembership
	stateHandlers []StateHandler
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnConfig) *ConnectionManager {
	cfg.defaults()
	log := *cfg.Logger
	return &ConnectionManager{
		cfg:   cfg,
		bus:   NewEventBus(log),
		log:   log,
		state: StateDisconnected,
		retry: backoff{
			base:        cfg.ReconnectBaseDelay,
			max:         cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		memberships: make(map[string]RoomMembership),
	}
}

// Bus returns the event bus carrying inbound frames.
func (cm *ConnectionManager) Bus() *EventBus {
	return cm.bus
}

// On registers a handler for an inbound frame type.
func (cm *ConnectionManager) On(eventType string, h EventHandler) *Subscription {
	return cm.bus.Subscribe(eventType, h)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// OnStateChange registers an observer for state transitions.
func (cm *ConnectionManager) OnStateChange(h StateHandler) {
	cm.mu.Lock()
	cm.stateHandlers = append(cm.stateHandlers, h)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) setState(state ConnState) {
	cm.mu.Lock()
	old := cm.state
	if old == state {
		cm.mu.Unlock()
		return
	}
	// Terminated is sticky: only an explicit Connect (via dial) leaves it.
	if old == StateTerminated && state != StateConnecting {
		cm.mu.Unlock()
		return
	}
	cm.state = state
	handlers := append([]StateHandler(nil), cm.stateHandlers...)
	cm.mu.Unlock()

	cm.log.Debug().Stringer("from", old).Stringer("to", state).Msg("connection state changed")
	for _, h := range handlers {
		h(old, state)
	}
}

// Connect establishes the connection with the given bearer token. A no-op
// when already Open or Connecting. Dial failures are returned and the
// bounded backoff retry schedule takes over from there.
func (cm *ConnectionManager) Connect(ctx context.Context, token string) error {
	cm.mu.Lock()
	if cm.state == StateOpen || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	cm.token = token
	cm.retry.reset()
	cm.mu.Unlock()

	if err := cm.dial(ctx); err != nil {
		cm.scheduleRetry()
		return err
	}
	return nil
}

// dial performs one connection attempt: open the socket, re-establish every
// tracked room membership, then expose the connection as Open.
func (cm *ConnectionManager) dial(ctx context.Context) error {
	cm.setState(StateConnecting)

	cm.mu.Lock()
	token := cm.token
	pending := make([]RoomMembership, 0, len(cm.memberships))
	for _, m := range cm.memberships {
		pending = append(pending, m)
	}
	cm.mu.Unlock()

	wsURL := wsBaseURL(cm.cfg.BaseURL) + "/ws?token=" + url.QueryEscape(token)

	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: cm.cfg.HTTPClient,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Memberships are session-scoped server-side; they must be re-joined
	// before any room-scoped send is allowed through.
	for _, m := range pending {
		if err := cm.writeFrame(ctx, conn, m.Kind.joinEvent(), roomPayload{RoomID: m.RoomID}); err != nil {
			conn.Close(websocket.StatusGoingAway, "rejoin failed")
			return fmt.Errorf("rejoin room %s: %w", m.RoomID, err)
		}
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	cm.mu.Lock()
	if cm.cancelRead != nil {
		cm.cancelRead()
	}
	cm.conn = conn
	cm.cancelRead = cancelRead
	cm.retry.reset()
	cm.mu.Unlock()

	cm.setState(StateOpen)
	go cm.readLoop(readCtx, conn)
	return nil
}

// Disconnect forces Terminated, cancels the pending retry timer, and closes
// the socket. No automatic reconnection happens after Disconnect.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	if cm.retryTimer != nil {
		cm.retryTimer.Stop()
		cm.retryTimer = nil
	}
	if cm.cancelRead != nil {
		cm.cancelRead()
		cm.cancelRead = nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.setState(StateTerminated)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send transmits one frame. It fails with ErrNotConnected unless the
// connection is Open; frames are never queued or silently dropped.
func (cm *ConnectionManager) Send(eventType string, data any) error {
	cm.mu.Lock()
	if cm.state != StateOpen || cm.conn == nil {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	conn := cm.conn
	cm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.WriteTimeout)
	defer cancel()
	return cm.writeFrame(ctx, conn, eventType, data)
}

func (cm *ConnectionManager) writeFrame(ctx context.Context, conn *websocket.Conn, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	raw, err := json.Marshal(Frame{Type: eventType, Data: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

// JoinRoom sends a join frame and records the membership. The membership is
// recorded even when the send fails so it is established on the next
// (re)connect; at most one membership per room is ever held.
func (cm *ConnectionManager) JoinRoom(roomID string, kind RoomKind) error {
	cm.mu.Lock()
	if _, ok := cm.memberships[roomID]; ok {
		cm.mu.Unlock()
		return nil
	}
	cm.memberships[roomID] = RoomMembership{RoomID: roomID, Kind: kind, JoinedAt: time.Now()}
	cm.mu.Unlock()

	return cm.Send(kind.joinEvent(), roomPayload{RoomID: roomID})
}

// LeaveRoom sends a leave frame and drops the membership.
func (cm *ConnectionManager) LeaveRoom(roomID string) error {
	cm.mu.Lock()
	m, ok := cm.memberships[roomID]
	if !ok {
		cm.mu.Unlock()
		return nil
	}
	delete(cm.memberships, roomID)
	cm.mu.Unlock()

	return cm.Send(m.Kind.leaveEvent(), roomPayload{RoomID: roomID})
}

// Memberships returns a snapshot of the active room memberships.
func (cm *ConnectionManager) Memberships() []RoomMembership {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]RoomMembership, 0, len(cm.memberships))
	for _, m := range cm.memberships {
		out = append(out, m)
	}
	return out
}

// readLoop dispatches inbound frames in arrival order. Handlers for one
// frame complete before the next frame is dispatched.
func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			cm.mu.Lock()
			terminated := cm.state == StateTerminated
			if cm.conn == conn {
				cm.conn = nil
			}
			cm.mu.Unlock()

			if terminated {
				return
			}
			cm.log.Warn().Err(err).Msg("connection lost")
			cm.scheduleRetry()
			return
		}
		cm.bus.DispatchRaw(raw)
	}
}

// scheduleRetry arms the backoff timer for the next attempt, or settles on
// Disconnected once the attempt budget is exhausted. Exhaustion is observable
// through the state, never a crash; an explicit Connect starts a fresh cycle.
func (cm *ConnectionManager) scheduleRetry() {
	cm.mu.Lock()
	if cm.state == StateTerminated {
		cm.mu.Unlock()
		return
	}
	delay, ok := cm.retry.next()
	if !ok {
		attempts := cm.retry.maxAttempts
		cm.mu.Unlock()
		cm.log.Warn().Int("attempts", attempts).Msg("reconnect attempts exhausted, staying offline")
		cm.setState(StateDisconnected)
		return
	}
	attempt := cm.retry.attempt
	cm.mu.Unlock()

	cm.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	// The Reconnecting transition must be observed before the retry can
	// reach Open, or a fast retry would invert the order.
	cm.setState(StateReconnecting)

	cm.mu.Lock()
	if cm.state == StateReconnecting {
		cm.retryTimer = time.AfterFunc(delay, cm.retryNow)
	}
	cm.mu.Unlock()
}

func (cm *ConnectionManager) retryNow() {
	cm.mu.Lock()
	cm.retryTimer = nil
	if cm.state == StateTerminated {
		cm.mu.Unlock()
		return
	}
	cm.mu.Unlock()

	if err := cm.dial(context.Background()); err != nil {
		cm.log.Warn().Err(err).Msg("reconnect attempt failed")
		cm.scheduleRetry()
	}
}

// wsBaseURL maps an http(s) base URL to its ws(s) form.
func wsBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}
