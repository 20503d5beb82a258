package mingle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionClosed is returned by room operations after Close.
var ErrSessionClosed = errors.New("mingle: room session closed")

// RoomConfig tunes the per-room timers.
type RoomConfig struct {
	TypingExpiry   time.Duration
	TypingDebounce time.Duration
	AckTimeout     time.Duration
}

func (c *RoomConfig) defaults() {
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 4 * time.Second
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 1 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// RoomSession holds the live state of one conversation or mingle room: the
// ordered message list, who is typing, who is present, and read receipts. It
// multiplexes over the session's shared connection and never closes it.
//
// Several sessions may subscribe to the same frame types; each one filters
// by roomId before touching its own state.
type RoomSession struct {
	conn   *ConnectionManager
	rest   *Client
	roomID string
	kind   RoomKind
	selfID string
	cfg    RoomConfig
	log    zerolog.Logger

	outbound *sendCoordinator

	mu           sync.Mutex
	messages     []*Message
	byClientID   map[string]int
	byServerID   map[string]int
	typing       map[string]TypingIndicator
	typingTimers map[string]*time.Timer
	participants map[string]time.Time
	presence     map[string]PresenceState
	subs         []*Subscription
	typingSentAt time.Time
	typingActive bool
	closed       bool

	onMessage []func(Message)
	onTyping  []func(userID string, typing bool)
	onRead    []func(messageID string)
}

// NewRoomSession creates a session for one room and registers its frame
// handlers. It does not join the room; call Join once the UI is active.
// rest may be nil, disabling the REST send fallback and history loading.
func NewRoomSession(conn *ConnectionManager, rest *Client, roomID string, kind RoomKind, selfID string, cfg *RoomConfig) *RoomSession {
	var c RoomConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	rs := &RoomSession{
		conn:         conn,
		rest:         rest,
		roomID:       roomID,
		kind:         kind,
		selfID:       selfID,
		cfg:          c,
		log:          conn.log.With().Str("room", roomID).Logger(),
		byClientID:   make(map[string]int),
		byServerID:   make(map[string]int),
		typing:       make(map[string]TypingIndicator),
		typingTimers: make(map[string]*time.Timer),
		participants: make(map[string]time.Time),
		presence:     make(map[string]PresenceState),
	}

	var restMessages *MessagesClient
	if rest != nil {
		restMessages = rest.Messages()
	}
	rs.outbound = newSendCoordinator(conn, restMessages, rs, roomID, kind, selfID, c.AckTimeout, rs.log)

	rs.subs = []*Subscription{
		conn.On(kind.messageEvent(), rs.handleMessage),
		conn.On(EventUserTyping, rs.handleUserTyping),
		conn.On(EventMessageRead, rs.handleMessageRead),
		conn.On(EventUserOnlineStatus, rs.handlePresence),
		conn.On(EventParticipantJoined, rs.handleParticipant),
		conn.On(EventParticipantLeft, rs.handleParticipant),
	}
	return rs
}

// ============================================================================
// Observers
// ============================================================================

// OnMessage registers an observer fired when a message is appended or its
// delivery state changes.
func (rs *RoomSession) OnMessage(h func(Message)) {
	rs.mu.Lock()
	rs.onMessage = append(rs.onMessage, h)
	rs.mu.Unlock()
}

// OnTyping registers an observer for typing-indicator changes.
func (rs *RoomSession) OnTyping(h func(userID string, typing bool)) {
	rs.mu.Lock()
	rs.onTyping = append(rs.onTyping, h)
	rs.mu.Unlock()
}

// OnRead registers an observer fired when a message is marked read.
func (rs *RoomSession) OnRead(h func(messageID string)) {
	rs.mu.Lock()
	rs.onRead = append(rs.onRead, h)
	rs.mu.Unlock()
}

func (rs *RoomSession) notifyMessage(msg Message) {
	rs.mu.Lock()
	handlers := append([]func(Message){}, rs.onMessage...)
	rs.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (rs *RoomSession) notifyTyping(userID string, typing bool) {
	rs.mu.Lock()
	handlers := append([]func(string, bool){}, rs.onTyping...)
	rs.mu.Unlock()
	for _, h := range handlers {
		h(userID, typing)
	}
}

func (rs *RoomSession) notifyRead(messageID string) {
	rs.mu.Lock()
	handlers := append([]func(string){}, rs.onRead...)
	rs.mu.Unlock()
	for _, h := range handlers {
		h(messageID)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Join establishes the room membership. The join is optimistic: the protocol
// has no rejection frame, so membership holds until Leave or teardown.
func (rs *RoomSession) Join() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrSessionClosed
	}
	rs.mu.Unlock()
	return rs.conn.JoinRoom(rs.roomID, rs.kind)
}

// Leave sends the leave frame and clears the room's local state. The shared
// connection is untouched; only this room's timers are cancelled.
func (rs *RoomSession) Leave() error {
	rs.clearState()
	return rs.conn.LeaveRoom(rs.roomID)
}

// Close leaves the room, releases every subscription, and cancels all timers
// owned by the session. The session must not be used afterwards.
func (rs *RoomSession) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	subs := rs.subs
	rs.subs = nil
	rs.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	rs.outbound.close()
	rs.clearState()
	return rs.conn.LeaveRoom(rs.roomID)
}

func (rs *RoomSession) clearState() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.messages = nil
	rs.byClientID = make(map[string]int)
	rs.byServerID = make(map[string]int)
	for id, t := range rs.typingTimers {
		t.Stop()
		delete(rs.typingTimers, id)
	}
	rs.typing = make(map[string]TypingIndicator)
	rs.participants = make(map[string]time.Time)
}

// ============================================================================
// Outbound
// ============================================================================

// SendMessage inserts a pending message at the tail of the list and issues
// the send. The returned snapshot is the pending entry; observe OnMessage
// for its confirmation or failure.
func (rs *RoomSession) SendMessage(ctx context.Context, body string, kind MessageKind) (Message, error) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	rs.mu.Unlock()

	rs.stopTypingIfActive()
	return rs.outbound.send(ctx, body, kind)
}

// Typing signals that the local user is typing. Calls are debounced: at most
// one typing frame goes out per debounce window no matter how often the UI
// fires.
func (rs *RoomSession) Typing() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrSessionClosed
	}
	if time.Since(rs.typingSentAt) < rs.cfg.TypingDebounce {
		rs.mu.Unlock()
		return nil
	}
	rs.typingSentAt = time.Now()
	rs.typingActive = true
	rs.mu.Unlock()

	return rs.conn.Send(EventTyping, typingPayload{RoomID: rs.roomID})
}

// StopTyping clears the local user's typing signal.
func (rs *RoomSession) StopTyping() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrSessionClosed
	}
	rs.typingActive = false
	rs.typingSentAt = time.Time{}
	rs.mu.Unlock()

	return rs.conn.Send(EventStopTyping, typingPayload{RoomID: rs.roomID})
}

func (rs *RoomSession) stopTypingIfActive() {
	rs.mu.Lock()
	active := rs.typingActive
	rs.typingActive = false
	rs.typingSentAt = time.Time{}
	rs.mu.Unlock()
	if active {
		if err := rs.conn.Send(EventStopTyping, typingPayload{RoomID: rs.roomID}); err != nil {
			rs.log.Debug().Err(err).Msg("stop_typing not sent")
		}
	}
}

// ============================================================================
// History
// ============================================================================

// LoadHistory fetches the room's history over REST and merges it in front of
// the live list. A failed fetch returns the error and leaves the current
// list untouched.
func (rs *RoomSession) LoadHistory(ctx context.Context, opts *HistoryOptions) error {
	if rs.rest == nil {
		return errors.New("mingle: no rest client configured")
	}
	history, err := rs.rest.Messages().History(ctx, rs.roomID, opts)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return ErrSessionClosed
	}

	merged := make([]*Message, 0, len(history)+len(rs.messages))
	for i := range history {
		m := history[i]
		if m.RoomID == "" {
			m.RoomID = rs.roomID
		}
		if m.RoomID != rs.roomID {
			continue
		}
		if _, dup := rs.byServerID[m.ID]; dup && m.ID != "" {
			continue
		}
		m.Delivery = DeliverySent
		if m.Read == "" {
			m.Read = ReadStateUnread
		}
		merged = append(merged, &m)
	}
	merged = append(merged, rs.messages...)
	rs.messages = merged
	rs.reindexLocked()
	return nil
}

func (rs *RoomSession) reindexLocked() {
	rs.byClientID = make(map[string]int, len(rs.messages))
	rs.byServerID = make(map[string]int, len(rs.messages))
	for i, m := range rs.messages {
		if m.ClientID != "" {
			rs.byClientID[m.ClientID] = i
		}
		if m.ID != "" {
			rs.byServerID[m.ID] = i
		}
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// Messages returns the ordered message list.
func (rs *RoomSession) Messages() []Message {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]Message, len(rs.messages))
	for i, m := range rs.messages {
		out[i] = *m
	}
	return out
}

// TypingUsers returns the users with a live typing indicator.
func (rs *RoomSession) TypingUsers() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.typing))
	for id := range rs.typing {
		out = append(out, id)
	}
	return out
}

// Participants returns the users currently in the room, as reported by
// participant frames.
func (rs *RoomSession) Participants() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.participants))
	for id := range rs.participants {
		out = append(out, id)
	}
	return out
}

// Presence returns the last known presence of a user, if any was observed.
func (rs *RoomSession) Presence(userID string) (PresenceState, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, ok := rs.presence[userID]
	return p, ok
}

// ============================================================================
// messageStore (used by the send coordinator)
// ============================================================================

func (rs *RoomSession) appendPending(msg *Message) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	rs.messages = append(rs.messages, msg)
	rs.byClientID[msg.ClientID] = len(rs.messages) - 1
	snapshot := *msg
	rs.mu.Unlock()

	rs.notifyMessage(snapshot)
}

// reconcile replaces the pending entry in place: same position, updated
// server id, createdAt, and delivery state. Never appends.
func (rs *RoomSession) reconcile(clientID string, confirmed *Message) bool {
	rs.mu.Lock()
	i, ok := rs.byClientID[clientID]
	if !ok {
		rs.mu.Unlock()
		return false
	}
	m := rs.messages[i]
	m.ID = confirmed.ID
	if !confirmed.CreatedAt.IsZero() {
		m.CreatedAt = confirmed.CreatedAt
	}
	if confirmed.SenderID != "" {
		m.SenderID = confirmed.SenderID
	}
	m.Delivery = DeliverySent
	if m.ID != "" {
		rs.byServerID[m.ID] = i
	}
	snapshot := *m
	rs.mu.Unlock()

	rs.notifyMessage(snapshot)
	return true
}

func (rs *RoomSession) markFailed(clientID string) bool {
	rs.mu.Lock()
	i, ok := rs.byClientID[clientID]
	if !ok {
		rs.mu.Unlock()
		return false
	}
	m := rs.messages[i]
	if m.Delivery != DeliveryPending {
		rs.mu.Unlock()
		return false
	}
	m.Delivery = DeliveryFailed
	snapshot := *m
	rs.mu.Unlock()

	rs.notifyMessage(snapshot)
	return true
}

// ============================================================================
// Inbound frame handlers
// ============================================================================

func (rs *RoomSession) handleMessage(eventType string, data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		rs.log.Warn().Err(err).Str("event", eventType).Msg("dropping undecodable message frame")
		return
	}
	if msg.RoomID != rs.roomID {
		return
	}
	msg.Delivery = DeliverySent
	if msg.Read == "" {
		msg.Read = ReadStateUnread
	}

	// Confirmation of one of our pending sends: reconcile in place.
	if msg.ClientID != "" && rs.outbound.confirm(&msg) {
		return
	}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	if msg.ID != "" {
		if _, dup := rs.byServerID[msg.ID]; dup {
			rs.mu.Unlock()
			return
		}
	}
	m := msg
	rs.messages = append(rs.messages, &m)
	i := len(rs.messages) - 1
	if m.ID != "" {
		rs.byServerID[m.ID] = i
	}
	if m.ClientID != "" {
		rs.byClientID[m.ClientID] = i
	}
	foreign := m.SenderID != rs.selfID
	rs.mu.Unlock()

	if foreign && msg.ID != "" {
		if err := rs.conn.Send(EventMarkRead, readReceiptPayload{RoomID: rs.roomID, MessageID: msg.ID}); err != nil {
			rs.log.Debug().Err(err).Str("messageId", msg.ID).Msg("read ack not sent")
		}
	}
	rs.notifyMessage(msg)
}

func (rs *RoomSession) handleUserTyping(eventType string, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		rs.log.Warn().Err(err).Msg("dropping undecodable typing frame")
		return
	}
	if p.RoomID != rs.roomID || p.UserID == "" || p.UserID == rs.selfID {
		return
	}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	fresh := true
	if t, ok := rs.typingTimers[p.UserID]; ok {
		t.Stop()
		fresh = false
	}
	rs.typing[p.UserID] = TypingIndicator{
		UserID:    p.UserID,
		RoomID:    rs.roomID,
		ExpiresAt: time.Now().Add(rs.cfg.TypingExpiry),
	}
	userID := p.UserID
	rs.typingTimers[userID] = time.AfterFunc(rs.cfg.TypingExpiry, func() {
		rs.expireTyping(userID)
	})
	rs.mu.Unlock()

	if fresh {
		rs.notifyTyping(userID, true)
	}
}

// expireTyping clears an indicator once its expiry elapses, regardless of
// further network activity. A refresh frame can race the timer callback;
// an indicator whose ExpiresAt is still in the future belongs to a newer
// timer and must survive the stale callback.
func (rs *RoomSession) expireTyping(userID string) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	ind, ok := rs.typing[userID]
	if !ok || time.Now().Before(ind.ExpiresAt) {
		rs.mu.Unlock()
		return
	}
	delete(rs.typing, userID)
	delete(rs.typingTimers, userID)
	rs.mu.Unlock()

	rs.notifyTyping(userID, false)
}

func (rs *RoomSession) handleMessageRead(eventType string, data json.RawMessage) {
	var p readReceiptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		rs.log.Warn().Err(err).Msg("dropping undecodable read receipt")
		return
	}
	if p.RoomID != rs.roomID {
		return
	}

	rs.mu.Lock()
	i, ok := rs.byServerID[p.MessageID]
	if !ok {
		// Raced with eviction or history trim; nothing to mark.
		rs.mu.Unlock()
		return
	}
	rs.messages[i].Read = ReadStateRead
	rs.mu.Unlock()

	rs.notifyRead(p.MessageID)
}

func (rs *RoomSession) handlePresence(eventType string, data json.RawMessage) {
	var p PresenceState
	if err := json.Unmarshal(data, &p); err != nil {
		rs.log.Warn().Err(err).Msg("dropping undecodable presence frame")
		return
	}
	if p.UserID == "" {
		return
	}
	rs.mu.Lock()
	rs.presence[p.UserID] = p
	rs.mu.Unlock()
}

func (rs *RoomSession) handleParticipant(eventType string, data json.RawMessage) {
	var p participantPayload
	if err := json.Unmarshal(data, &p); err != nil {
		rs.log.Warn().Err(err).Msg("dropping undecodable participant frame")
		return
	}
	if p.RoomID != rs.roomID || p.UserID == "" {
		return
	}
	rs.mu.Lock()
	if eventType == EventParticipantJoined {
		rs.participants[p.UserID] = time.Now()
	} else {
		delete(rs.participants, p.UserID)
	}
	rs.mu.Unlock()
}
