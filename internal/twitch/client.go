// Package twitch provides the Helix API client and the EventSub websocket
// listener.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	twitchoauth "golang.org/x/oauth2/twitch"
)

const (
	defaultHelixURL = "https://api.twitch.tv/helix"

	// Scope needed to receive channel point redemption events.
	scopeReadRedemptions = "channel:read:redemptions"
)

// Token is an OAuth access/refresh token pair with an absolute expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Client wraps the Twitch Helix API and the OAuth endpoints.
type Client struct {
	httpClient *http.Client
	oauth      *oauth2.Config
	helixURL   string
}

// NewClient creates a new Twitch API client.
func NewClient(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{scopeReadRedemptions},
			Endpoint:     twitchoauth.Endpoint,
		},
		helixURL: defaultHelixURL,
	}
}

// ClientID returns the configured application client id.
func (c *Client) ClientID() string {
	return c.oauth.ClientID
}

// Configured reports whether application credentials are set.
func (c *Client) Configured() bool {
	return c.oauth.ClientID != "" && c.oauth.ClientSecret != ""
}

// AuthCodeURL builds the authorization URL for the OAuth code flow. The
// redirect URI must exactly match the one registered with Twitch.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh obtains a fresh token pair using the refresh-token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.Unix(),
	}
}

// User is a Twitch user profile as returned by Helix.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Reward is a channel point custom reward.
type Reward struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cost      int64  `json:"cost"`
	IsEnabled bool   `json:"is_enabled"`
}

// Subscription is an EventSub subscription as listed by Helix.
type Subscription struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"`
	Type      string                 `json:"type"`
	Condition map[string]interface{} `json:"condition"`
	Transport SubscriptionTransport  `json:"transport"`
}

// SubscriptionTransport describes how a subscription is delivered.
type SubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type helixList[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// GetSelf returns the profile of the authorized user.
func (c *Client) GetSelf(ctx context.Context, accessToken string) (*User, error) {
	return c.getUser(ctx, accessToken, "")
}

// GetUser returns the profile of the given user id.
func (c *Client) GetUser(ctx context.Context, accessToken, userID string) (*User, error) {
	return c.getUser(ctx, accessToken, userID)
}

func (c *Client) getUser(ctx context.Context, accessToken, userID string) (*User, error) {
	endpoint := c.helixURL + "/users"
	if userID != "" {
		endpoint += "?id=" + url.QueryEscape(userID)
	}

	var out helixList[User]
	if err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("helix /users returned empty data")
	}
	return &out.Data[0], nil
}

// ListCustomRewards lists the broadcaster's channel point rewards.
func (c *Client) ListCustomRewards(ctx context.Context, accessToken, broadcasterID string) ([]Reward, error) {
	endpoint := fmt.Sprintf("%s/channel_points/custom_rewards?broadcaster_id=%s&only_manageable_rewards=false",
		c.helixURL, url.QueryEscape(broadcasterID))

	var out helixList[Reward]
	if err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateRedemptionSubscription creates a websocket-transport EventSub
// subscription for redemption-add events on the given reward.
func (c *Client) CreateRedemptionSubscription(ctx context.Context, accessToken, sessionID, broadcasterID, rewardID string) error {
	body := map[string]interface{}{
		"type":    SubTypeRedemptionAdd,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
			"reward_id":           rewardID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}

	return c.do(ctx, http.MethodPost, c.helixURL+"/eventsub/subscriptions", accessToken, body, nil)
}

// ListRedemptionSubscriptions lists all EventSub subscriptions of the
// redemption-add type, following pagination.
func (c *Client) ListRedemptionSubscriptions(ctx context.Context, accessToken string) ([]Subscription, error) {
	var subs []Subscription
	cursor := ""

	for page := 0; page < 50; page++ {
		endpoint := c.helixURL + "/eventsub/subscriptions?type=" + url.QueryEscape(SubTypeRedemptionAdd)
		if cursor != "" {
			endpoint += "&after=" + url.QueryEscape(cursor)
		}

		var out helixList[Subscription]
		if err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, &out); err != nil {
			return nil, err
		}

		subs = append(subs, out.Data...)
		cursor = out.Pagination.Cursor
		if cursor == "" {
			break
		}
	}

	return subs, nil
}

// DeleteSubscription removes an EventSub subscription. A missing
// subscription is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	endpoint := c.helixURL + "/eventsub/subscriptions?id=" + url.QueryEscape(subscriptionID)

	err := c.do(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// APIError is a non-2xx Helix response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix request failed: %d %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint, accessToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Client-Id", c.oauth.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("helix request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode helix response: %w", err)
		}
	}
	return nil
}
