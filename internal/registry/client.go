// Package registry wraps the internal bot-registry service. Every endpoint
// answers with a {status_code, message, data} envelope; the client unwraps
// it and surfaces non-200 envelopes as typed errors. The client never
// retries.
package registry

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
)

// Channel is a registry record for a channel the bot serves. A channel
// counts as joined only while OptOutedAt is null.
type Channel struct {
	ID         int        `json:"id"`
	AliasID    int        `json:"alias_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	OptOutedAt *time.Time `json:"opt_outed_at"`
}

// Joined reports whether the channel currently counts as joined.
func (c Channel) Joined() bool {
	return c.OptOutedAt == nil
}

// Event is a registry event record for one channel. TargetAliasID is null
// for custom events, which are never user-resolved.
type Event struct {
	ID            int    `json:"id"`
	ChannelID     int    `json:"channel_id"`
	TargetAliasID *int   `json:"target_alias_id"`
	EventType     string `json:"event_type"`
	Message       string `json:"message"`
}

// APIError is a registry response with a non-success envelope or transport
// status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "registry: " + e.Message
	}
	return fmt.Sprintf("registry: status %d: %s", e.Status, e.Message)
}

type envelope struct {
	StatusCode int             `json:"status_code"`
	Message    *string         `json:"message"`
	Data       json.RawMessage `json:"data"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Channels returns every channel the registry knows about, opted-out ones
// included.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := c.get(ctx, "/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// ChannelsByAliasID resolves registry records for a set of alias ids in one
// call. Unknown ids are simply absent from the result.
func (c *Client) ChannelsByAliasID(ctx context.Context, aliasIDs []int) ([]Channel, error) {
	if len(aliasIDs) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, id := range aliasIDs {
		query.Add("id", strconv.Itoa(id))
	}
	var channels []Channel
	if err := c.get(ctx, "/channels/alias_id", query, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// ChannelEvents lists the events configured for one channel alias id.
func (c *Client) ChannelEvents(ctx context.Context, aliasID int) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/channels/alias_id/"+strconv.Itoa(aliasID)+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Join asks the bot to join the channel with the given alias id. The
// returned record is authoritative: the registry clears an earlier opt-out
// on rejoin.
func (c *Client) Join(ctx context.Context, aliasID int) (Channel, error) {
	payload, err := json.Marshal(map[string]int{"alias_id": aliasID})
	if err != nil {
		return Channel{}, fmt.Errorf("marshal join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/channels/join", bytes.NewReader(payload))
	if err != nil {
		return Channel{}, fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var channel Channel
	if err := c.do(req, &channel); err != nil {
		return Channel{}, err
	}
	return channel, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, target any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// An unreachable registry is an outage, not an internal fault.
		return &APIError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Not necessarily an envelope; a proxy may answer with HTML.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != nil {
			status := env.StatusCode
			if status == 0 {
				status = resp.StatusCode
			}
			return &APIError{Status: status, Message: *env.Message}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	if env.StatusCode != 0 && env.StatusCode != http.StatusOK {
		message := ""
		if env.Message != nil {
			message = *env.Message
		}
		return &APIError{Status: env.StatusCode, Message: message}
	}
	if target != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return fmt.Errorf("decode registry data: %w", err)
		}
	}
	return nil
}
