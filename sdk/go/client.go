package raidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Raidline HTTP API client.
type Client struct {
	BaseURL     string
	GuildID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, guildID string) *Client {
	return &Client{
		BaseURL: baseURL,
		GuildID: guildID,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model.
type Run struct {
	ID              int64   `json:"id"`
	GuildID         string  `json:"guild_id"`
	Dungeon         string  `json:"dungeon"`
	Status          string  `json:"status"`
	OrganizerID     string  `json:"organizer_id"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	EndedAt         *string `json:"ended_at,omitempty"`
	AutoEndMinutes  int     `json:"auto_end_minutes"`
	KeyWindowEndsAt *string `json:"key_window_ends_at,omitempty"`
	KeyPopCount     int     `json:"key_pop_count"`
	ChainAmount     *int    `json:"chain_amount,omitempty"`
	Chain           string  `json:"chain,omitempty"`
	JoinLocked      bool    `json:"join_locked"`
	Party           string  `json:"party,omitempty"`
	Location        string  `json:"location,omitempty"`
	Description     string  `json:"description,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
}

// Tally summarizes active participation for a run.
type Tally struct {
	Joined      int            `json:"joined"`
	Benched     int            `json:"benched"`
	ByAttribute map[string]int `json:"by_attribute,omitempty"`
}

// JoinResult is the outcome of a join call.
type JoinResult struct {
	Run           Run   `json:"run"`
	AlreadyJoined bool  `json:"already_joined"`
	Tally         Tally `json:"tally"`
}

// LeaveResult is the outcome of a leave call.
type LeaveResult struct {
	Run      Run   `json:"run"`
	WasInRun bool  `json:"was_in_run"`
	Tally    Tally `json:"tally"`
}

// KeyPop represents a recorded key pop with its roster snapshot.
type KeyPop struct {
	Sequence     int      `json:"sequence"`
	ActorID      string   `json:"actor_id"`
	PoppedAt     string   `json:"popped_at"`
	WindowEndsAt string   `json:"window_ends_at"`
	Snapshot     []string `json:"snapshot_member_ids"`
	Chain        string   `json:"chain,omitempty"`
}

// Participation is a participation ledger row.
type Participation struct {
	MemberID  string  `json:"member_id"`
	State     string  `json:"state"`
	Attribute *string `json:"attribute,omitempty"`
	JoinedAt  string  `json:"joined_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// CreateRunOptions carries the optional fields for CreateRun.
type CreateRunOptions struct {
	AutoEndMinutes int
	ChainAmount    *int
	Party          string
	Location       string
	Description    string
	ChannelID      string
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	Status      string
	OrganizerID string
	Limit       int
}

// EventFilters narrows Events.
type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Body)
}

// CreateRun opens a run for a dungeon.
func (c *Client) CreateRun(ctx context.Context, dungeon string, opts CreateRunOptions) (Run, error) {
	body := map[string]any{
		"guild_id": c.GuildID,
		"dungeon":  dungeon,
	}
	if opts.AutoEndMinutes > 0 {
		body["auto_end_minutes"] = opts.AutoEndMinutes
	}
	if opts.ChainAmount != nil {
		body["chain_amount"] = *opts.ChainAmount
	}
	if opts.Party != "" {
		body["party"] = opts.Party
	}
	if opts.Location != "" {
		body["location"] = opts.Location
	}
	if opts.Description != "" {
		body["description"] = opts.Description
	}
	if opts.ChannelID != "" {
		body["channel_id"] = opts.ChannelID
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, id int64) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.runPath(id, ""), nil, &resp)
	return resp, err
}

// ListRuns returns runs for the client's guild.
func (c *Client) ListRuns(ctx context.Context, f RunFilters) ([]Run, error) {
	q := url.Values{}
	if c.GuildID != "" {
		q.Set("guild_id", c.GuildID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.OrganizerID != "" {
		q.Set("organizer_id", f.OrganizerID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateRun patches the run's free-text details. Nil fields are left unchanged.
func (c *Client) UpdateRun(ctx context.Context, id int64, party, location, description *string) (Run, error) {
	body := map[string]any{}
	if party != nil {
		body["party"] = *party
	}
	if location != nil {
		body["location"] = *location
	}
	if description != nil {
		body["description"] = *description
	}
	var resp Run
	err := c.do(ctx, http.MethodPatch, c.runPath(id, ""), body, &resp)
	return resp, err
}

// Join adds the authenticated actor to the run.
func (c *Client) Join(ctx context.Context, id int64) (JoinResult, error) {
	var resp JoinResult
	err := c.do(ctx, http.MethodPost, c.runPath(id, "join"), nil, &resp)
	return resp, err
}

// Leave removes the authenticated actor from the run.
func (c *Client) Leave(ctx context.Context, id int64) (LeaveResult, error) {
	var resp LeaveResult
	err := c.do(ctx, http.MethodPost, c.runPath(id, "leave"), nil, &resp)
	return resp, err
}

// SetAttribute tags a member's role attribute. An empty memberID targets
// the authenticated actor.
func (c *Client) SetAttribute(ctx context.Context, id int64, memberID, attribute string) (Tally, error) {
	body := map[string]any{"attribute": attribute}
	if memberID != "" {
		body["member_id"] = memberID
	}
	var resp Tally
	err := c.do(ctx, http.MethodPost, c.runPath(id, "attribute"), body, &resp)
	return resp, err
}

// Bench moves a member to or from the bench.
func (c *Client) Bench(ctx context.Context, id int64, memberID string, benched bool) (Tally, error) {
	body := map[string]any{"member_id": memberID, "benched": benched}
	var resp Tally
	err := c.do(ctx, http.MethodPost, c.runPath(id, "bench"), body, &resp)
	return resp, err
}

// PopKey records a key pop on a live run.
func (c *Client) PopKey(ctx context.Context, id int64) (KeyPop, error) {
	var resp KeyPop
	err := c.do(ctx, http.MethodPost, c.runPath(id, "pop"), nil, &resp)
	return resp, err
}

// ListKeyPops returns the run's key pops in sequence order.
func (c *Client) ListKeyPops(ctx context.Context, id int64) ([]KeyPop, error) {
	var resp []KeyPop
	err := c.do(ctx, http.MethodGet, c.runPath(id, "pops"), nil, &resp)
	return resp, err
}

// ToggleLock flips the run's join lock.
func (c *Client) ToggleLock(ctx context.Context, id int64) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(id, "lock"), nil, &resp)
	return resp, err
}

// Start transitions the run to live.
func (c *Client) Start(ctx context.Context, id int64) (Run, error) {
	return c.transition(ctx, id, "start")
}

// End transitions the run to ended.
func (c *Client) End(ctx context.Context, id int64) (Run, error) {
	return c.transition(ctx, id, "end")
}

// Cancel transitions the run to cancelled.
func (c *Client) Cancel(ctx context.Context, id int64) (Run, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) transition(ctx context.Context, id int64, action string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(id, action), nil, &resp)
	return resp, err
}

// Participation returns the run's full participation ledger.
func (c *Client) Participation(ctx context.Context, id int64) ([]Participation, error) {
	var resp []Participation
	err := c.do(ctx, http.MethodGet, c.runPath(id, "participation"), nil, &resp)
	return resp, err
}

// Tally returns the run's current participation tally.
func (c *Client) Tally(ctx context.Context, id int64) (Tally, error) {
	var resp Tally
	err := c.do(ctx, http.MethodGet, c.runPath(id, "tally"), nil, &resp)
	return resp, err
}

// Events returns recent audit events for the client's guild.
func (c *Client) Events(ctx context.Context, f EventFilters) ([]Event, error) {
	q := url.Values{}
	if c.GuildID != "" {
		q.Set("guild_id", c.GuildID)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.EntityKind != "" {
		q.Set("entity_kind", f.EntityKind)
	}
	if f.EntityID != "" {
		q.Set("entity_id", f.EntityID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(id int64, action string) string {
	p := fmt.Sprintf("v0/runs/%d", id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
