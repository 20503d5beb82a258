package mingle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newPresenceTestServer(t *testing.T, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing != nil && failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/presence/unread":
			summary := UnreadSummary{Total: 3, ByRoom: map[string]int{"r1": 2, "r2": 1}}
			json.NewEncoder(w).Encode(Result{OK: true, Data: mustJSON(t, summary)})
		case "/api/presence/status":
			states := []PresenceState{
				{UserID: "u1", IsOnline: true},
				{UserID: "u2", IsOnline: false, LastSeenAt: time.Now().UTC().Add(-time.Hour)},
			}
			json.NewEncoder(w).Encode(Result{OK: true, Data: mustJSON(t, states)})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPresencePollUpdatesState(t *testing.T) {
	srv := newPresenceTestServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))

	pm := NewPresenceMonitor(client.Presence(), nil, nil)
	pm.Watch("u1", "u2", "u1") // duplicates collapse

	if err := pm.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	unread := pm.UnreadCounts()
	if unread.Total != 3 || unread.ByRoom["r1"] != 2 || unread.ByRoom["r2"] != 1 {
		t.Fatalf("unread = %+v", unread)
	}
	if p, ok := pm.Online("u1"); !ok || !p.IsOnline {
		t.Fatalf("u1 = %+v ok = %v, want online", p, ok)
	}
	if p, ok := pm.Online("u2"); !ok || p.IsOnline {
		t.Fatalf("u2 = %+v ok = %v, want offline", p, ok)
	}
}

func TestPresencePollFailureKeepsState(t *testing.T) {
	var failing atomic.Bool
	srv := newPresenceTestServer(t, &failing)
	client := NewClient("tok", WithBaseURL(srv.URL))

	pm := NewPresenceMonitor(client.Presence(), nil, nil)
	pm.Watch("u1")

	if err := pm.Poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	failing.Store(true)
	if err := pm.Poll(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}

	// The failed cycle leaves the previous snapshot intact.
	if got := pm.UnreadCounts(); got.Total != 3 {
		t.Fatalf("unread after failed poll = %+v", got)
	}
	if p, ok := pm.Online("u1"); !ok || !p.IsOnline {
		t.Fatalf("u1 after failed poll = %+v ok = %v", p, ok)
	}
}

func TestPresencePushUpdatesStatus(t *testing.T) {
	bus := NewEventBus(zerolog.Nop())
	pm := NewPresenceMonitor(nil, bus, &PresenceConfig{PollInterval: time.Hour})
	pm.Start()
	defer pm.Stop()

	bus.Dispatch(EventUserOnlineStatus, mustJSON(t, PresenceState{UserID: "u5", IsOnline: true}))

	if p, ok := pm.Online("u5"); !ok || !p.IsOnline {
		t.Fatalf("u5 = %+v ok = %v, want online via push", p, ok)
	}

	// After Stop the subscription is released.
	pm.Stop()
	bus.Dispatch(EventUserOnlineStatus, mustJSON(t, PresenceState{UserID: "u6", IsOnline: true}))
	if _, ok := pm.Online("u6"); ok {
		t.Fatal("push applied after Stop")
	}
}

func TestPresencePollLoop(t *testing.T) {
	srv := newPresenceTestServer(t, nil)
	client := NewClient("tok", WithBaseURL(srv.URL))

	pm := NewPresenceMonitor(client.Presence(), nil, &PresenceConfig{PollInterval: 20 * time.Millisecond})
	pm.Start()
	defer pm.Stop()

	waitFor(t, 2*time.Second, "poll loop tick", func() bool {
		return pm.UnreadCounts().Total == 3
	})
}
