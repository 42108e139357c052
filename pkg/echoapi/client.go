// Package echoapi provides a typed client for the Echo story backend.
package echoapi

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

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "http://localhost:8000/api"
	defaultTimeout = 5 * time.Minute
)

// Client defines the Echo backend operations. Each call is exactly one round
// trip; the client never retries.
type Client interface {
	// GetUser fetches a profile. Any non-2xx status is KindNotFound.
	GetUser(ctx context.Context, userID int64) (*UserProfile, error)
	// UpsertUser creates the profile when it has no id, otherwise updates it.
	UpsertUser(ctx context.Context, profile UserProfile) (*UserProfile, error)
	CreateOrder(ctx context.Context, userID int64) (*Order, error)
	ConfirmPayment(ctx context.Context, userID, orderID int64) (*PaymentSession, error)
	GenerateIntermediateStory(ctx context.Context, req StoryRequest) (*IntermediateStory, error)
	// GenerateFinalStory is long-running and bounded only by ctx.
	GenerateFinalStory(ctx context.Context, req StoryRequest) (*FinalStory, error)
	ExtractEvents(ctx context.Context, text string, storyID, userID int64) ([]ProcessedEvent, error)
	PersistEvents(ctx context.Context, events []ProcessedEvent) ([]PersistedEvent, error)

	// Read-side queries degrade to empty results instead of failing.
	ListStories(ctx context.Context, userID int64) []Story
	GetStory(ctx context.Context, storyID int64) *Story
	ListEvents(ctx context.Context, userID int64, storyIDs ...int64) []PersistedEvent
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request deadline applied to every operation except
// GenerateFinalStory. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithRateLimiter throttles outgoing requests. A nil limiter disables throttling.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

// NewClient creates a new Echo backend client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
		// No client-level timeout: the final story call can run for tens of
		// minutes and carries its own deadline.
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) GetUser(ctx context.Context, userID int64) (*UserProfile, error) {
	var resp UserProfile
	path := fmt.Sprintf("/users/%d", userID)
	if err := c.do(ctx, "get user", http.MethodGet, path, nil, &resp, constantKind(KindNotFound), true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) UpsertUser(ctx context.Context, profile UserProfile) (*UserProfile, error) {
	body := profile.normalized()

	method, path, op := http.MethodPut, "/users", "create user"
	if profile.UserID != 0 {
		method, path, op = http.MethodPost, fmt.Sprintf("/users/%d", profile.UserID), "update user"
	}

	var resp UserProfile
	if err := c.do(ctx, op, method, path, body, &resp, defaultStatusKind, true); err != nil {
		return nil, err
	}
	if resp.UserID == 0 {
		resp.UserID = profile.UserID
	}
	return &resp, nil
}

func (c *httpClient) CreateOrder(ctx context.Context, userID int64) (*Order, error) {
	var resp Order
	if err := c.do(ctx, "create order", http.MethodPost, "/orders", orderRequest{UserID: userID}, &resp, constantKind(KindService), true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) ConfirmPayment(ctx context.Context, userID, orderID int64) (*PaymentSession, error) {
	var resp PaymentSession
	req := paymentRequest{UserID: userID, OrderID: orderID}
	if err := c.do(ctx, "confirm payment", http.MethodPost, "/payments/confirm", req, &resp, constantKind(KindPayment), true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) GenerateIntermediateStory(ctx context.Context, req StoryRequest) (*IntermediateStory, error) {
	var resp IntermediateStory
	if err := c.do(ctx, "intermediate story", http.MethodPost, "/yunsuan", req, &resp, defaultStatusKind, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) GenerateFinalStory(ctx context.Context, req StoryRequest) (*FinalStory, error) {
	var resp FinalStory
	if err := c.do(ctx, "final story", http.MethodPost, "/tuisuan", req, &resp, defaultStatusKind, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *httpClient) ExtractEvents(ctx context.Context, text string, storyID, userID int64) ([]ProcessedEvent, error) {
	var resp []ProcessedEvent
	req := eventExtractRequest{Text: text, StoryID: storyID, UserID: userID}
	if err := c.do(ctx, "extract events", http.MethodPost, "/eventprocess", req, &resp, defaultStatusKind, true); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []ProcessedEvent{}
	}
	return resp, nil
}

func (c *httpClient) PersistEvents(ctx context.Context, events []ProcessedEvent) ([]PersistedEvent, error) {
	if events == nil {
		events = []ProcessedEvent{}
	}
	var resp []PersistedEvent
	if err := c.do(ctx, "persist events", http.MethodPost, "/event", events, &resp, defaultStatusKind, true); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = []PersistedEvent{}
	}
	return resp, nil
}

func (c *httpClient) ListStories(ctx context.Context, userID int64) []Story {
	q := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}
	var resp []Story
	if err := c.do(ctx, "list stories", http.MethodGet, "/history?"+q.Encode(), nil, &resp, defaultStatusKind, true); err != nil {
		degraded("list stories", err, zap.Int64("user_id", userID))
		return []Story{}
	}
	if resp == nil {
		return []Story{}
	}
	return resp
}

func (c *httpClient) GetStory(ctx context.Context, storyID int64) *Story {
	q := url.Values{"story_id": {strconv.FormatInt(storyID, 10)}}
	var resp []Story
	if err := c.do(ctx, "get story", http.MethodGet, "/story?"+q.Encode(), nil, &resp, defaultStatusKind, true); err != nil {
		degraded("get story", err, zap.Int64("story_id", storyID))
		return nil
	}
	if len(resp) == 0 {
		return nil
	}
	return &resp[0]
}

func (c *httpClient) ListEvents(ctx context.Context, userID int64, storyIDs ...int64) []PersistedEvent {
	ids := make([]string, 0, len(storyIDs))
	for _, id := range storyIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	q := url.Values{
		"user_id":   {strconv.FormatInt(userID, 10)},
		"story_ids": {strings.Join(ids, ",")},
	}

	var resp []PersistedEvent
	if err := c.do(ctx, "list events", http.MethodGet, "/event?"+q.Encode(), nil, &resp, defaultStatusKind, true); err != nil {
		degraded("list events", err, zap.Int64("user_id", userID))
		return []PersistedEvent{}
	}
	if resp == nil {
		return []PersistedEvent{}
	}
	return resp
}

func degraded(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	zap.L().Warn("echoapi: read failed, returning empty result", fields...)
}

// do performs one round trip. When bounded is set the client timeout is
// applied on top of ctx.
func (c *httpClient) do(ctx context.Context, op, method, path string, body, out any, mapStatus statusMapper, bounded bool) error {
	if bounded && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "echoapi: %s: marshal request", op)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrapf(err, "echoapi: %s: create request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(ctx, op, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:       mapStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindService, Op: op, Err: eris.Wrap(err, "decode response")}
	}
	return nil
}
