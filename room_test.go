package mingle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// offlineManager returns a manager that is never connected; inbound frames
// are fed straight into its bus.
func offlineManager() *ConnectionManager {
	return NewConnectionManager(testConnConfig("http://127.0.0.1:1"))
}

func TestRoomSessionCrossRoomIsolation(t *testing.T) {
	cm := offlineManager()
	a := NewRoomSession(cm, nil, "room-a", RoomConversation, "me", nil)
	b := NewRoomSession(cm, nil, "room-b", RoomConversation, "me", nil)

	cm.Bus().Dispatch(EventNewMessage, mustJSON(t, Message{
		ID: "m1", RoomID: "room-a", SenderID: "me", Body: "only for a", Kind: KindText,
	}))

	if got := len(a.Messages()); got != 1 {
		t.Fatalf("room-a messages = %d, want 1", got)
	}
	if got := len(b.Messages()); got != 0 {
		t.Fatalf("room-b messages = %d, want 0", got)
	}

	// Typing in room-a must not leak either.
	cm.Bus().Dispatch(EventUserTyping, mustJSON(t, typingPayload{RoomID: "room-a", UserID: "u2"}))
	if got := len(b.TypingUsers()); got != 0 {
		t.Fatalf("room-b typing users = %d, want 0", got)
	}
	if got := len(a.TypingUsers()); got != 1 {
		t.Fatalf("room-a typing users = %d, want 1", got)
	}
}

func TestInboundDuplicateServerIDIgnored(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)

	frame := mustJSON(t, Message{ID: "m1", RoomID: "r1", SenderID: "me", Body: "hi", Kind: KindText})
	cm.Bus().Dispatch(EventNewMessage, frame)
	cm.Bus().Dispatch(EventNewMessage, frame)

	if got := len(rs.Messages()); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
}

func TestInboundForeignMessageSendsReadAck(t *testing.T) {
	ws := newWSServer(t)
	cm := NewConnectionManager(testConnConfig(ws.srv.URL))
	defer cm.Disconnect()
	if err := cm.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	ws.push(t, EventNewMessage, Message{ID: "m1", RoomID: "r1", SenderID: "other", Body: "hi", Kind: KindText})

	f := ws.expectFrame(t, 2*time.Second)
	if f.Type != EventMarkRead {
		t.Fatalf("frame type = %q, want mark_read", f.Type)
	}
	var p readReceiptPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode read ack: %v", err)
	}
	if p.RoomID != "r1" || p.MessageID != "m1" {
		t.Fatalf("read ack = %+v", p)
	}
}

func TestTypingIndicatorExpiry(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", &RoomConfig{
		TypingExpiry: 40 * time.Millisecond,
	})
	defer rs.Close()

	var events []bool
	done := make(chan struct{}, 2)
	rs.OnTyping(func(userID string, typing bool) {
		events = append(events, typing)
		done <- struct{}{}
	})

	cm.Bus().Dispatch(EventUserTyping, mustJSON(t, typingPayload{RoomID: "r1", UserID: "u2"}))

	<-done
	if got := rs.TypingUsers(); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("typing users = %v, want [u2]", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("indicator did not expire")
	}
	if got := len(rs.TypingUsers()); got != 0 {
		t.Fatalf("typing users after expiry = %d, want 0", got)
	}
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("observer events = %v, want [true false]", events)
	}
}

func TestTypingIndicatorRefreshedByNewFrame(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", &RoomConfig{
		TypingExpiry: 60 * time.Millisecond,
	})
	defer rs.Close()

	dispatch := func() {
		cm.Bus().Dispatch(EventUserTyping, mustJSON(t, typingPayload{RoomID: "r1", UserID: "u2"}))
	}

	dispatch()
	time.Sleep(40 * time.Millisecond)
	dispatch() // arrives before expiry, restarts the window
	time.Sleep(40 * time.Millisecond)

	if got := len(rs.TypingUsers()); got != 1 {
		t.Fatalf("indicator expired despite refresh: typing users = %d", got)
	}
	waitFor(t, 2*time.Second, "indicator expiry", func() bool {
		return len(rs.TypingUsers()) == 0
	})
}

func TestTypingRefreshSurvivesExpiryRace(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", &RoomConfig{
		TypingExpiry: 20 * time.Millisecond,
	})
	defer rs.Close()

	frame := mustJSON(t, typingPayload{RoomID: "r1", UserID: "u2"})
	for i := 0; i < 5; i++ {
		cm.Bus().Dispatch(EventUserTyping, frame)
		// Land a refresh right as the previous timer fires; the old
		// callback must not take the refreshed indicator with it.
		time.Sleep(20 * time.Millisecond)
		cm.Bus().Dispatch(EventUserTyping, frame)
		time.Sleep(5 * time.Millisecond)
		if got := len(rs.TypingUsers()); got != 1 {
			t.Fatalf("iteration %d: refreshed indicator lost", i)
		}
		waitFor(t, 2*time.Second, "indicator expiry", func() bool {
			return len(rs.TypingUsers()) == 0
		})
	}
}

func TestTypingSelfAndEmptyUserIgnored(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	cm.Bus().Dispatch(EventUserTyping, mustJSON(t, typingPayload{RoomID: "r1", UserID: "me"}))
	cm.Bus().Dispatch(EventUserTyping, mustJSON(t, typingPayload{RoomID: "r1"}))

	if got := len(rs.TypingUsers()); got != 0 {
		t.Fatalf("typing users = %d, want 0", got)
	}
}

func TestTypingDebounce(t *testing.T) {
	ws := newWSServer(t)
	cm := NewConnectionManager(testConnConfig(ws.srv.URL))
	defer cm.Disconnect()
	if err := cm.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	// Mimic a keystroke burst: many calls inside one debounce window.
	for i := 0; i < 5; i++ {
		if err := rs.Typing(); err != nil {
			t.Fatalf("typing call %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	typingFrames := 0
	for _, f := range ws.collectFrames(200 * time.Millisecond) {
		if f.Type == EventTyping {
			typingFrames++
		}
	}
	if typingFrames != 1 {
		t.Fatalf("typing frames = %d, want 1", typingFrames)
	}
}

func TestMessageReadReceipt(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	var readID string
	rs.OnRead(func(messageID string) { readID = messageID })

	cm.Bus().Dispatch(EventNewMessage, mustJSON(t, Message{
		ID: "m1", RoomID: "r1", SenderID: "me", Body: "hi", Kind: KindText,
	}))
	cm.Bus().Dispatch(EventMessageRead, mustJSON(t, readReceiptPayload{RoomID: "r1", MessageID: "m1"}))

	msgs := rs.Messages()
	if len(msgs) != 1 || msgs[0].Read != ReadStateRead {
		t.Fatalf("messages = %+v, want m1 marked read", msgs)
	}
	if readID != "m1" {
		t.Fatalf("OnRead got %q, want m1", readID)
	}

	// A receipt for an unknown message is a no-op.
	cm.Bus().Dispatch(EventMessageRead, mustJSON(t, readReceiptPayload{RoomID: "r1", MessageID: "nope"}))
	if got := rs.Messages(); len(got) != 1 {
		t.Fatalf("unknown receipt changed the list: %+v", got)
	}
}

func TestParticipantTracking(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomMingle, "me", nil)
	defer rs.Close()

	cm.Bus().Dispatch(EventParticipantJoined, mustJSON(t, participantPayload{RoomID: "r1", UserID: "u2"}))
	cm.Bus().Dispatch(EventParticipantJoined, mustJSON(t, participantPayload{RoomID: "r1", UserID: "u3"}))
	if got := len(rs.Participants()); got != 2 {
		t.Fatalf("participants = %d, want 2", got)
	}

	cm.Bus().Dispatch(EventParticipantLeft, mustJSON(t, participantPayload{RoomID: "r1", UserID: "u2"}))
	got := rs.Participants()
	if len(got) != 1 || got[0] != "u3" {
		t.Fatalf("participants = %v, want [u3]", got)
	}
}

func TestPresenceFrameStored(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	cm.Bus().Dispatch(EventUserOnlineStatus, mustJSON(t, PresenceState{UserID: "u2", IsOnline: true}))

	p, ok := rs.Presence("u2")
	if !ok || !p.IsOnline {
		t.Fatalf("presence = %+v ok = %v, want online", p, ok)
	}
}

func TestLoadHistoryMergeAndFailure(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.Method != http.MethodGet || r.URL.Path != "/api/rooms/r1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		history := []Message{
			{ID: "m1", RoomID: "r1", SenderID: "u2", Body: "first", Kind: KindText},
			{ID: "m2", RoomID: "r1", SenderID: "me", Body: "already live", Kind: KindText},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{OK: true, Data: mustJSON(t, history)})
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	cm := offlineManager()
	rs := NewRoomSession(cm, client, "r1", RoomConversation, "me", nil)
	defer rs.Close()

	// m2 is already in the live list; history must not duplicate it.
	cm.Bus().Dispatch(EventNewMessage, mustJSON(t, Message{
		ID: "m2", RoomID: "r1", SenderID: "me", Body: "already live", Kind: KindText,
	}))

	if err := rs.LoadHistory(context.Background(), &HistoryOptions{Limit: 50}); err != nil {
		t.Fatalf("load history: %v", err)
	}
	msgs := rs.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("order = [%s %s], want [m1 m2]", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Delivery != DeliverySent {
		t.Fatalf("history message delivery = %q, want sent", msgs[0].Delivery)
	}

	// A failed fetch reports the error and leaves the list untouched.
	failing.Store(true)
	if err := rs.LoadHistory(context.Background(), nil); err == nil {
		t.Fatal("expected history fetch error")
	}
	if got := rs.Messages(); len(got) != 2 {
		t.Fatalf("failed fetch changed the list: %d messages", len(got))
	}
}

func TestSessionClosedRejectsOperations(t *testing.T) {
	cm := offlineManager()
	rs := NewRoomSession(cm, nil, "r1", RoomConversation, "me", nil)
	if err := rs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := rs.SendMessage(context.Background(), "hi", KindText); err != ErrSessionClosed {
		t.Fatalf("send after close = %v, want ErrSessionClosed", err)
	}
	if err := rs.Typing(); err != ErrSessionClosed {
		t.Fatalf("typing after close = %v, want ErrSessionClosed", err)
	}

	// Frames arriving after close are dropped, not applied.
	cm.Bus().Dispatch(EventNewMessage, mustJSON(t, Message{
		ID: "m9", RoomID: "r1", SenderID: "u2", Body: "late", Kind: KindText,
	}))
	if got := len(rs.Messages()); got != 0 {
		t.Fatalf("closed session accepted a frame: %d messages", got)
	}
}
