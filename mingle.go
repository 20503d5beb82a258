// Package mingle provides the Go SDK for the Mingle realtime messaging
// backend: the persistent realtime connection, the typed event bus on top of
// it, per-room session state, optimistic message sending, and the presence
// poll fallback.
//
// Example:
//
//	client := mingle.NewClient(token)
//	conn := client.Realtime(mingle.ConnConfig{})
//	if err := conn.Connect(ctx, token); err != nil { ... }
//
//	room := mingle.NewRoomSession(conn, client, "conv-42", mingle.RoomConversation, selfID, nil)
//	defer room.Close()
//	room.Join()
//	room.SendMessage(ctx, "hello", mingle.KindText)
package mingle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.mingle.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. The realtime transport consumes the same bearer
// token; token issuance and refresh policy stay with the caller.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	messages *MessagesClient
	presence *PresenceClient
	account  *AccountClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Mingle client with the session's bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.messages = &MessagesClient{client: c}
	c.presence = &PresenceClient{client: c}
	c.account = &AccountClient{client: c}
	return c
}

// SetToken updates the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Messages returns the message history/persistence sub-client.
func (c *Client) Messages() *MessagesClient { return c.messages }

// Presence returns the unread/online-status sub-client.
func (c *Client) Presence() *PresenceClient { return c.presence }

// Account returns the token sub-client.
func (c *Client) Account() *AccountClient { return c.account }

// Realtime creates the connection manager for this session. BaseURL, HTTP
// client, and logger default to the client's own when unset. The returned
// manager is the one shared connection: create it once and inject it into
// every room session.
func (c *Client) Realtime(cfg ConnConfig) *ConnectionManager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = c.baseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	if cfg.Logger == nil {
		log := c.log
		cfg.Logger = &log
	}
	return NewConnectionManager(cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("%s %s failed", method, path)
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages sub-client
// ============================================================================

// MessagesClient covers room history retrieval and the message send
// fallback/persistence endpoint.
type MessagesClient struct{ client *Client }

// History fetches a room's message history, newest last.
func (m *MessagesClient) History(ctx context.Context, roomID string, opts *HistoryOptions) ([]Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
		if len(query) == 0 {
			query = nil
		}
	}
	result, err := m.client.do(ctx, "GET", "/api/rooms/"+roomID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := result.Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Send persists a message over REST. The server echoes the clientId so the
// caller can reconcile its pending entry.
func (m *MessagesClient) Send(ctx context.Context, roomID string, req *SendRequest) (*Message, error) {
	result, err := m.client.do(ctx, "POST", "/api/rooms/"+roomID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead acknowledges a message over REST, for callers without a live
// connection.
func (m *MessagesClient) MarkRead(ctx context.Context, roomID, messageID string) error {
	_, err := m.client.do(ctx, "POST", "/api/rooms/"+roomID+"/read",
		map[string]string{"messageId": messageID}, nil)
	return err
}

// ============================================================================
// Presence sub-client
// ============================================================================

// PresenceClient covers the unread-count and online-status poll endpoints.
type PresenceClient struct{ client *Client }

// UnreadCounts fetches the aggregate unread summary for the session.
func (p *PresenceClient) UnreadCounts(ctx context.Context) (*UnreadSummary, error) {
	result, err := p.client.do(ctx, "GET", "/api/presence/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	var summary UnreadSummary
	if err := result.Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// OnlineStatus fetches the online status for a set of users.
func (p *PresenceClient) OnlineStatus(ctx context.Context, userIDs []string) ([]PresenceState, error) {
	var query map[string]string
	if len(userIDs) > 0 {
		query = map[string]string{"userIds": strings.Join(userIDs, ",")}
	}
	result, err := p.client.do(ctx, "GET", "/api/presence/status", nil, query)
	if err != nil {
		return nil, err
	}
	var states []PresenceState
	if err := result.Decode(&states); err != nil {
		return nil, err
	}
	return states, nil
}

// ============================================================================
// Account sub-client
// ============================================================================

// AccountClient covers the token refresh endpoint. Token issuance itself is
// external to this SDK.
type AccountClient struct{ client *Client }

// RefreshToken exchanges the current token for a fresh one. The client's own
// token is updated on success.
func (a *AccountClient) RefreshToken(ctx context.Context) (*TokenData, error) {
	result, err := a.client.do(ctx, "POST", "/api/auth/refresh", nil, nil)
	if err != nil {
		return nil, err
	}
	var data TokenData
	if err := result.Decode(&data); err != nil {
		return nil, err
	}
	if data.Token != "" {
		a.client.SetToken(data.Token)
	}
	return &data, nil
}
