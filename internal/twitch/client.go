// SPDX-License-Identifier: MIT

package twitch

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

	"golang.org/x/time/rate"

	"github.com/cliparino/cliparino/internal/backoff"
	"github.com/cliparino/cliparino/internal/log"
	"github.com/cliparino/cliparino/internal/metrics"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"
	defaultTimeout = 30 * time.Second

	// Twitch enforces 800 requests per minute per client id.
	requestsPerMinute = 800

	// Transport and 5xx failures are retried this many times per call.
	maxAttempts = 3

	// A persistently rate-limiting endpoint gives up after this many 429
	// retries rather than spinning for the caller's whole deadline.
	maxRateLimitRetries = 3
)

// Options configures the Helix client.
type Options struct {
	BaseURL    string
	ClientID   string
	Timeout    time.Duration
	Retry      backoff.Policy
	HTTPClient *http.Client
}

// Client is a typed Helix client. Every call fetches the current token from
// the provider; on the first 401 the provider refreshes and the request is
// retried exactly once.
type Client struct {
	base    string
	id      string
	http    *http.Client
	tokens  TokenProvider
	limiter *rate.Limiter
	retry   backoff.Policy
}

// NewClient creates a Helix client backed by the given token provider.
func NewClient(tokens TokenProvider, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = backoff.Fast
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		id:      opts.ClientID,
		http:    httpClient,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute/10),
		retry:   opts.Retry,
	}
}

type helixPage[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

type clipPayload struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	EmbedURL        string  `json:"embed_url"`
	BroadcasterID   string  `json:"broadcaster_id"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatorName     string  `json:"creator_name"`
	GameID          string  `json:"game_id"`
	Title           string  `json:"title"`
	ViewCount       int     `json:"view_count"`
	CreatedAt       string  `json:"created_at"`
	Duration        float64 `json:"duration"`
	IsFeatured      *bool   `json:"is_featured,omitempty"`
}

func (p clipPayload) toClip() Clip {
	created, _ := time.Parse(time.RFC3339, p.CreatedAt)
	c := Clip{
		ID:              p.ID,
		URL:             p.URL,
		EmbedURL:        p.EmbedURL,
		BroadcasterID:   p.BroadcasterID,
		BroadcasterName: p.BroadcasterName,
		CreatorName:     p.CreatorName,
		GameID:          p.GameID,
		Title:           p.Title,
		ViewCount:       p.ViewCount,
		Duration:        p.Duration,
		CreatedAt:       created,
	}
	if p.IsFeatured != nil {
		c.IsFeatured = *p.IsFeatured
		c.FeaturedKnown = true
	}
	return c
}

// GetClipByID resolves clip metadata for one slug.
func (c *Client) GetClipByID(ctx context.Context, id string) (Clip, error) {
	if id == "" {
		return Clip{}, ErrMalformedURL
	}
	var page helixPage[clipPayload]
	params := url.Values{"id": {id}}
	if err := c.do(ctx, "GetClipByID", http.MethodGet, "/clips", params, nil, &page); err != nil {
		return Clip{}, err
	}
	if len(page.Data) == 0 {
		return Clip{}, &APIError{Sentinel: ErrNotFound, Operation: "GetClipByID", Body: id}
	}
	return page.Data[0].toClip(), nil
}

// GetClipByURL extracts the slug from any documented clip URL shape and
// resolves it. Malformed input fails without a network call.
func (c *Client) GetClipByURL(ctx context.Context, raw string) (Clip, error) {
	id, err := ParseClipID(raw)
	if err != nil {
		return Clip{}, err
	}
	return c.GetClipByID(ctx, id)
}

// GetBroadcasterIDByLogin resolves a login name to a user id.
func (c *Client) GetBroadcasterIDByLogin(ctx context.Context, login string) (User, error) {
	login = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(login, "@")))
	if login == "" {
		return User{}, &APIError{Sentinel: ErrNotFound, Operation: "GetBroadcasterIDByLogin"}
	}
	var page helixPage[User]
	if err := c.do(ctx, "GetBroadcasterIDByLogin", http.MethodGet, "/users", url.Values{"login": {login}}, nil, &page); err != nil {
		return User{}, err
	}
	if len(page.Data) == 0 {
		return User{}, &APIError{Sentinel: ErrNotFound, Operation: "GetBroadcasterIDByLogin", Body: login}
	}
	return page.Data[0], nil
}

// GetClipsForBroadcaster lists clips created after the given timestamp,
// newest first, up to maxCount (capped at Helix's page size of 100).
func (c *Client) GetClipsForBroadcaster(ctx context.Context, broadcasterID string, after time.Time, maxCount int) ([]Clip, error) {
	if maxCount <= 0 || maxCount > 100 {
		maxCount = 100
	}
	params := url.Values{
		"broadcaster_id": {broadcasterID},
		"first":          {strconv.Itoa(maxCount)},
	}
	if !after.IsZero() {
		params.Set("started_at", after.UTC().Format(time.RFC3339))
	}
	var page helixPage[clipPayload]
	if err := c.do(ctx, "GetClipsForBroadcaster", http.MethodGet, "/clips", params, nil, &page); err != nil {
		return nil, err
	}
	clips := make([]Clip, 0, len(page.Data))
	for _, p := range page.Data {
		clips = append(clips, p.toClip())
	}
	return clips, nil
}

// GetChannelInfo returns the broadcaster display name and current category.
func (c *Client) GetChannelInfo(ctx context.Context, broadcasterID string) (ChannelInfo, error) {
	var page helixPage[ChannelInfo]
	if err := c.do(ctx, "GetChannelInfo", http.MethodGet, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, nil, &page); err != nil {
		return ChannelInfo{}, err
	}
	if len(page.Data) == 0 {
		return ChannelInfo{}, &APIError{Sentinel: ErrNotFound, Operation: "GetChannelInfo", Body: broadcasterID}
	}
	return page.Data[0], nil
}

// SendChatMessage posts a message to the broadcaster's chat as the sender.
func (c *Client) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) error {
	body := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        text,
	}
	return c.do(ctx, "SendChatMessage", http.MethodPost, "/chat/messages", nil, body, nil)
}

// SendShoutout triggers a native Twitch shoutout from one channel to another.
func (c *Client) SendShoutout(ctx context.Context, fromID, toID string) error {
	params := url.Values{
		"from_broadcaster_id": {fromID},
		"to_broadcaster_id":   {toID},
		"moderator_id":        {fromID},
	}
	return c.do(ctx, "SendShoutout", http.MethodPost, "/chat/shoutouts", params, nil, nil)
}

// CreateEventSubSubscription registers a websocket-transport subscription
// against the given session. Used by the EventSub source on welcome.
func (c *Client) CreateEventSubSubscription(ctx context.Context, subType, version string, condition map[string]string, sessionID string) error {
	body := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	return c.do(ctx, "CreateEventSubSubscription", http.MethodPost, "/eventsub/subscriptions", nil, body, nil)
}

// do issues one logical Helix call: rate limit, token, request, and the
// retry ladder. 401 triggers exactly one token refresh for the whole call;
// 429 honours Retry-After; 5xx and transport errors retry with backoff.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body any, out any) error {
	logger := log.WithComponentFromContext(ctx, "helix")

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	refreshed := false
	rateLimited := 0
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, c.retry.Delay(attempt-1)); err != nil {
				return err
			}
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			metrics.HelixRequestsTotal.WithLabelValues(op, "auth").Inc()
			return &APIError{Sentinel: ErrAuthRequired, Operation: op, Err: err}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Client-Id", c.id)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &APIError{Sentinel: ErrUpstream, Operation: op, Err: err}
			metrics.HelixRequestsTotal.WithLabelValues(op, "transport").Inc()
			logger.Warn().Err(err).Str("event", "helix.transport_error").Str("op", op).Int("attempt", attempt).Msg("helix request failed")
			continue
		}

		done, err := c.handleResponse(ctx, op, resp, out, &refreshed, &rateLimited, &attempt)
		if done {
			return err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = &APIError{Sentinel: ErrUpstream, Operation: op}
	}
	return lastErr
}

// handleResponse classifies one HTTP response. done=true means the call is
// finished (success or terminal failure); done=false means retry.
func (c *Client) handleResponse(ctx context.Context, op string, resp *http.Response, out any, refreshed *bool, rateLimited, attempt *int) (bool, error) {
	defer func() { _ = resp.Body.Close() }()
	logger := log.WithComponentFromContext(ctx, "helix")
	metrics.HelixRequestsTotal.WithLabelValues(op, statusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return true, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return true, &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: err}
		}
		return true, nil

	case resp.StatusCode == http.StatusUnauthorized:
		if *refreshed {
			return true, &APIError{Sentinel: ErrAuthRequired, Operation: op, Status: resp.StatusCode}
		}
		*refreshed = true
		if err := c.tokens.Refresh(ctx); err != nil {
			return true, &APIError{Sentinel: ErrAuthRequired, Operation: op, Status: resp.StatusCode, Err: err}
		}
		logger.Info().Str("event", "helix.token_refreshed").Str("op", op).Msg("access token refreshed after 401")
		// The refresh retry does not consume a transport attempt.
		*attempt--
		return false, &APIError{Sentinel: ErrAuthRequired, Operation: op, Status: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests:
		*rateLimited++
		wait := retryAfter(resp)
		logger.Warn().Str("event", "helix.rate_limited").Str("op", op).Dur("retry_after", wait).Int("retries", *rateLimited).Msg("helix rate limit hit")
		if *rateLimited > maxRateLimitRetries {
			return true, &APIError{Sentinel: ErrRateLimited, Operation: op, Status: resp.StatusCode}
		}
		if err := backoff.Sleep(ctx, wait); err != nil {
			return true, err
		}
		// Rate-limit waits do not consume transport attempts.
		*attempt--
		return false, &APIError{Sentinel: ErrRateLimited, Operation: op, Status: resp.StatusCode}

	case resp.StatusCode == http.StatusNotFound:
		return true, &APIError{Sentinel: ErrNotFound, Operation: op, Status: resp.StatusCode}

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &APIError{Sentinel: ErrUpstream, Operation: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, &APIError{Sentinel: ErrUpstream, Operation: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
