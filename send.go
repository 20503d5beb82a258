package mingle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// messageStore is where the coordinator materializes pending sends and their
// outcomes. RoomSession implements it over its ordered message list.
type messageStore interface {
	appendPending(msg *Message)
	reconcile(clientID string, confirmed *Message) bool
	markFailed(clientID string) bool
}

// sendCoordinator runs the optimistic-send lifecycle for one room: a pending
// entry appears immediately, the send goes out over the socket (or the REST
// fallback when the socket is down), and the entry is reconciled in place
// when the confirmed record with the same clientId comes back. Entries that
// see neither confirmation nor rejection within the ack timeout turn Failed;
// retry or discard of a Failed entry is the caller's call.
type sendCoordinator struct {
	conn   *ConnectionManager
	rest   *MessagesClient
	store  messageStore
	roomID string
	kind   RoomKind
	selfID string

	ackTimeout time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newSendCoordinator(conn *ConnectionManager, rest *MessagesClient, store messageStore,
	roomID string, kind RoomKind, selfID string, ackTimeout time.Duration, log zerolog.Logger) *sendCoordinator {
	return &sendCoordinator{
		conn:       conn,
		rest:       rest,
		store:      store,
		roomID:     roomID,
		kind:       kind,
		selfID:     selfID,
		ackTimeout: ackTimeout,
		log:        log,
		timers:     make(map[string]*time.Timer),
	}
}

// send creates the pending entry and issues the transmission. The returned
// message snapshot is the pending entry; its delivery state advances as the
// confirmation or failure lands.
func (sc *sendCoordinator) send(ctx context.Context, body string, kind MessageKind) (Message, error) {
	clientID := uuid.NewString()
	msg := &Message{
		ClientID:  clientID,
		RoomID:    sc.roomID,
		SenderID:  sc.selfID,
		Body:      body,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Delivery:  DeliveryPending,
		Read:      ReadStateUnread,
	}
	sc.store.appendPending(msg)
	sc.armTimer(clientID)

	// Snapshot before the send goes out; once it does, the stored entry may
	// be reconciled concurrently by the inbound confirmation.
	pending := *msg

	pushErr := sc.conn.Send(sc.kind.messageEvent(), outboundMessagePayload{
		RoomID:   sc.roomID,
		ClientID: clientID,
		Body:     body,
		Kind:     kind,
	})
	if pushErr == nil {
		// Confirmation arrives as an inbound message frame echoing clientId.
		return pending, nil
	}

	if sc.rest != nil {
		sc.log.Debug().Err(pushErr).Str("clientId", clientID).Msg("push send unavailable, using rest fallback")
		confirmed, err := sc.rest.Send(ctx, sc.roomID, &SendRequest{
			ClientID: clientID,
			Body:     body,
			Kind:     kind,
		})
		if err == nil {
			sc.confirm(confirmed)
			return *confirmed, nil
		}
		sc.fail(clientID)
		return pending, err
	}

	sc.fail(clientID)
	return pending, pushErr
}

// confirm reconciles the pending entry that matches the confirmed record's
// clientId. Returns false when no pending entry matched (e.g. a message from
// another device, or one already reconciled).
func (sc *sendCoordinator) confirm(confirmed *Message) bool {
	if confirmed == nil || confirmed.ClientID == "" {
		return false
	}
	sc.disarmTimer(confirmed.ClientID)
	return sc.store.reconcile(confirmed.ClientID, confirmed)
}

// fail marks the pending entry Failed. It is never removed implicitly.
func (sc *sendCoordinator) fail(clientID string) {
	sc.disarmTimer(clientID)
	if sc.store.markFailed(clientID) {
		sc.log.Debug().Str("clientId", clientID).Msg("message send failed")
	}
}

func (sc *sendCoordinator) armTimer(clientID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.timers[clientID] = time.AfterFunc(sc.ackTimeout, func() {
		sc.log.Debug().Str("clientId", clientID).Msg("send acknowledgment timed out")
		sc.fail(clientID)
	})
}

func (sc *sendCoordinator) disarmTimer(clientID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if t, ok := sc.timers[clientID]; ok {
		t.Stop()
		delete(sc.timers, clientID)
	}
}

// close cancels every outstanding ack timer.
func (sc *sendCoordinator) close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closed = true
	for id, t := range sc.timers {
		t.Stop()
		delete(sc.timers, id)
	}
}
