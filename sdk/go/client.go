// Package sdk is a typed Go client for the lupiback HTTP and WebSocket API.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the lupiback HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithActor sets the X-Character-ID header used by club administration calls.
func WithActor(id core.CharacterID) Option {
	return WithHeader("X-Character-ID", string(id))
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// CreateCharacter creates a level 1 character and its wallet.
func (c *Client) CreateCharacter(ctx context.Context, name, position string) (Character, error) {
	var out Character
	err := c.do(ctx, http.MethodPost, "/characters", map[string]string{"name": name, "position": position}, &out)
	return out, err
}

// GetCharacter fetches a character and its level progress.
func (c *Client) GetCharacter(ctx context.Context, id core.CharacterID) (Character, error) {
	var out Character
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodGet, "/characters/"+url.PathEscape(string(id)), nil, &out)
	return out, err
}

func (c *Client) GetWallet(ctx context.Context, id core.CharacterID) (core.Wallet, error) {
	var out core.Wallet
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodGet, "/characters/"+url.PathEscape(string(id))+"/wallet", nil, &out)
	return out, err
}

// ReportOutcome settles a finished match. Reusing an event id returns the stored settlement.
func (c *Client) ReportOutcome(ctx context.Context, id core.CharacterID, o Outcome) (engine.ActionResult, error) {
	var out engine.ActionResult
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodPost, "/characters/"+url.PathEscape(string(id))+"/outcomes", o, &out)
	return out, err
}

// Train settles one training session.
func (c *Client) Train(ctx context.Context, id core.CharacterID, eventID string) (engine.ActionResult, error) {
	var out engine.ActionResult
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodPost, "/characters/"+url.PathEscape(string(id))+"/training", map[string]string{"event_id": eventID}, &out)
	return out, err
}

// AllocateSkill spends one skill point on stat.
func (c *Client) AllocateSkill(ctx context.Context, id core.CharacterID, stat core.Stat) (core.Character, error) {
	var out core.Character
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodPost, "/characters/"+url.PathEscape(string(id))+"/skills", map[string]string{"stat": string(stat)}, &out)
	return out, err
}

// PlayBotMatch simulates and settles a match against a bot.
func (c *Client) PlayBotMatch(ctx context.Context, id core.CharacterID, eventID string) (engine.BotMatchResult, error) {
	var out engine.BotMatchResult
	if id == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodPost, "/characters/"+url.PathEscape(string(id))+"/bot-matches", map[string]string{"event_id": eventID}, &out)
	return out, err
}

// CreateClub creates a club owned by creator.
func (c *Client) CreateClub(ctx context.Context, name, description string, creator core.CharacterID) (core.Club, error) {
	var out core.Club
	err := c.do(ctx, http.MethodPost, "/clubs", map[string]string{"name": name, "description": description, "creator_id": string(creator)}, &out)
	return out, err
}

func (c *Client) JoinClub(ctx context.Context, clubID core.ClubID, id core.CharacterID) (core.ClubMembership, error) {
	var out core.ClubMembership
	if clubID == "" {
		return out, ErrEmptyID
	}
	err := c.do(ctx, http.MethodPost, "/clubs/"+url.PathEscape(string(clubID))+"/members", map[string]string{"character_id": string(id)}, &out)
	return out, err
}

// Contribute credits amount to the member's and the club's counters.
func (c *Client) Contribute(ctx context.Context, clubID core.ClubID, id core.CharacterID, amount int64) (engine.ContributionResult, error) {
	var out engine.ContributionResult
	if clubID == "" {
		return out, ErrEmptyID
	}
	body := map[string]any{"character_id": string(id), "amount": amount}
	err := c.do(ctx, http.MethodPost, "/clubs/"+url.PathEscape(string(clubID))+"/contributions", body, &out)
	return out, err
}

// WeeklyRanking lists the top limit members by weekly contribution.
func (c *Client) WeeklyRanking(ctx context.Context, clubID core.ClubID, limit int) ([]core.ClubMembership, error) {
	var out []core.ClubMembership
	if clubID == "" {
		return out, ErrEmptyID
	}
	path := "/clubs/" + url.PathEscape(string(clubID)) + "/ranking"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &hs)
	return hs, err
}

// EventFilter narrows SubscribeEvents. Zero fields match everything.
type EventFilter struct {
	CharacterID core.CharacterID
	ClubID      core.ClubID
	Types       []core.EventType
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, f EventFilter) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL+f.query(), c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f EventFilter) query() string {
	q := url.Values{}
	if f.CharacterID != "" {
		q.Set("character_id", string(f.CharacterID))
	}
	if f.ClubID != "" {
		q.Set("club_id", string(f.ClubID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q.Set("types", strings.Join(types, ","))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
