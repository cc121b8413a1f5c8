// Package helix wraps the Twitch identity provider: OAuth code exchange,
// current-user lookup, moderation relationships and batched user resolution.
// The client never retries; callers own retry policy.
package helix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxIDsPerRequest is the provider's cap on ids in one users lookup.
const maxIDsPerRequest = 100

type Identity struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"profile_image_url"`
}

// Credential is the exchanged OAuth grant. It is opaque to everything but
// the session store and this client, and must never be logged.
type Credential struct {
	AccessToken string
	ClientID    string
	ExpiresAt   time.Time
}

// ModeratedRef is one moderation relationship as the provider reports it.
type ModeratedRef struct {
	BroadcasterID    string `json:"broadcaster_id"`
	BroadcasterLogin string `json:"broadcaster_login"`
}

// APIError carries the provider's HTTP status so callers can tell an auth
// failure from an outage.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "helix: " + e.Body
	}
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Body)
}

type Client struct {
	oauthURL     string
	apiURL       string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
}

func New(oauthURL, apiURL, clientID, clientSecret, redirectURI string) *Client {
	return &Client{
		oauthURL:     strings.TrimRight(oauthURL, "/"),
		apiURL:       strings.TrimRight(apiURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// AuthorizeURL builds the provider authorize redirect for the given state
// nonce and scopes.
func (c *Client) AuthorizeURL(state string, scopes []string) string {
	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", c.redirectURI)
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)
	return c.oauthURL + "/authorize?" + query.Encode()
}

// Exchange trades an authorization code for a credential.
func (c *Client) Exchange(ctx context.Context, code string) (Credential, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.do(req, &body); err != nil {
		return Credential{}, err
	}
	if body.AccessToken == "" {
		return Credential{}, fmt.Errorf("token response missing access_token")
	}
	return Credential{
		AccessToken: body.AccessToken,
		ClientID:    c.clientID,
		ExpiresAt:   time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// CurrentUser resolves the identity the credential belongs to.
func (c *Client) CurrentUser(ctx context.Context, cred Credential) (Identity, error) {
	var body struct {
		Data []Identity `json:"data"`
	}
	if err := c.get(ctx, cred, "/users", nil, &body); err != nil {
		return Identity{}, err
	}
	if len(body.Data) == 0 {
		return Identity{}, fmt.Errorf("users response is empty")
	}
	return body.Data[0], nil
}

// ModeratedChannels lists the broadcasters the given user moderates.
func (c *Client) ModeratedChannels(ctx context.Context, cred Credential, userID string) ([]ModeratedRef, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	var body struct {
		Data []ModeratedRef `json:"data"`
	}
	if err := c.get(ctx, cred, "/moderation/channels", query, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// UsersByID bulk-resolves user profiles. It issues one request per chunk of
// the provider's id cap, never one request per id.
func (c *Client) UsersByID(ctx context.Context, cred Credential, ids []string) ([]Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []Identity
	for start := 0; start < len(ids); start += maxIDsPerRequest {
		end := start + maxIDsPerRequest
		if end > len(ids) {
			end = len(ids)
		}
		query := url.Values{}
		for _, id := range ids[start:end] {
			query.Add("id", id)
		}
		var body struct {
			Data []Identity `json:"data"`
		}
		if err := c.get(ctx, cred, "/users", query, &body); err != nil {
			return nil, err
		}
		users = append(users, body.Data...)
	}
	return users, nil
}

func (c *Client) get(ctx context.Context, cred Credential, path string, query url.Values, target any) error {
	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Client-Id", cred.ClientID)
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// An unreachable provider is an outage, not an internal fault.
		return &APIError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode helix response: %w", err)
	}
	return nil
}
