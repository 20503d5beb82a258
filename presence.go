package mingle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceSource yields unread counts and online status for the session.
type PresenceSource interface {
	UnreadCounts() UnreadSummary
	Online(userID string) (PresenceState, bool)
}

// PresenceConfig tunes the presence monitor.
type PresenceConfig struct {
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

func (c *PresenceConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// PresenceMonitor is the single PresenceSource backing both delivery paths:
// push frames feed it whenever the connection is open, and a fixed-interval
// REST poll keeps badge counts fresh regardless of connection state. A
// failed poll leaves the previous state unchanged and is never surfaced as
// an error.
type PresenceMonitor struct {
	rest     *PresenceClient
	bus      *EventBus
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	unread  UnreadSummary
	status  map[string]PresenceState
	watched []string
	sub     *Subscription
	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewPresenceMonitor creates a monitor over the given REST sub-client. bus
// may be nil, leaving only the poll path active.
func NewPresenceMonitor(rest *PresenceClient, bus *EventBus, cfg *PresenceConfig) *PresenceMonitor {
	var c PresenceConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &PresenceMonitor{
		rest:     rest,
		bus:      bus,
		interval: c.PollInterval,
		log:      *c.Logger,
		status:   make(map[string]PresenceState),
		stopCh:   make(chan struct{}),
	}
}

// Watch adds users whose online status the poll should cover. Push frames
// update any user regardless.
func (pm *PresenceMonitor) Watch(userIDs ...string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	known := make(map[string]bool, len(pm.watched))
	for _, id := range pm.watched {
		known[id] = true
	}
	for _, id := range userIDs {
		if id != "" && !known[id] {
			pm.watched = append(pm.watched, id)
			known[id] = true
		}
	}
}

// Start subscribes to push presence frames and launches the poll loop.
func (pm *PresenceMonitor) Start() {
	pm.mu.Lock()
	if pm.started || pm.stopped {
		pm.mu.Unlock()
		return
	}
	pm.started = true
	if pm.bus != nil {
		pm.sub = pm.bus.Subscribe(EventUserOnlineStatus, pm.handlePush)
	}
	pm.mu.Unlock()

	go pm.pollLoop()
}

// Stop halts polling and releases the push subscription.
func (pm *PresenceMonitor) Stop() {
	pm.mu.Lock()
	if pm.stopped {
		pm.mu.Unlock()
		return
	}
	pm.stopped = true
	sub := pm.sub
	pm.sub = nil
	close(pm.stopCh)
	pm.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// UnreadCounts returns the last known unread summary.
func (pm *PresenceMonitor) UnreadCounts() UnreadSummary {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := UnreadSummary{Total: pm.unread.Total}
	if pm.unread.ByRoom != nil {
		out.ByRoom = make(map[string]int, len(pm.unread.ByRoom))
		for k, v := range pm.unread.ByRoom {
			out.ByRoom[k] = v
		}
	}
	return out
}

// Online returns the last known presence of a user.
func (pm *PresenceMonitor) Online(userID string) (PresenceState, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.status[userID]
	return p, ok
}

// Poll runs one poll cycle immediately. Failures leave prior state intact.
func (pm *PresenceMonitor) Poll(ctx context.Context) error {
	summary, err := pm.rest.UnreadCounts(ctx)
	if err != nil {
		pm.log.Debug().Err(err).Msg("unread poll failed, keeping previous state")
		return err
	}
	pm.mu.Lock()
	pm.unread = *summary
	watched := append([]string(nil), pm.watched...)
	pm.mu.Unlock()

	if len(watched) == 0 {
		return nil
	}
	states, err := pm.rest.OnlineStatus(ctx, watched)
	if err != nil {
		pm.log.Debug().Err(err).Msg("status poll failed, keeping previous state")
		return err
	}
	pm.mu.Lock()
	for _, s := range states {
		if s.UserID != "" {
			pm.status[s.UserID] = s
		}
	}
	pm.mu.Unlock()
	return nil
}

func (pm *PresenceMonitor) pollLoop() {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pm.interval)
			_ = pm.Poll(ctx)
			cancel()
		}
	}
}

func (pm *PresenceMonitor) handlePush(eventType string, data json.RawMessage) {
	var p PresenceState
	if err := json.Unmarshal(data, &p); err != nil {
		pm.log.Warn().Err(err).Msg("dropping undecodable presence frame")
		return
	}
	if p.UserID == "" {
		return
	}
	pm.mu.Lock()
	pm.status[p.UserID] = p
	pm.mu.Unlock()
}
