package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dhcgn/mailtm-drain/model"
)

const (
	DefaultBaseURL        = "https://api.mail.tm"
	DefaultRateLimitDelay = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxConcurrent  = 25

	// collectionKey wraps the record list of a listing response.
	collectionKey = "hydra:member"
)

// Token is the bearer credential returned by the token endpoint.
type Token string

type Options struct {
	BaseURL  string
	Address  string
	Password string

	// MaxConcurrentRequests bounds the number of HTTP requests in flight
	// across every caller sharing the client.
	MaxConcurrentRequests int64
	RateLimitDelay        time.Duration
	// MaxRetries caps 429 retries per call. Zero retries forever.
	MaxRetries     int
	RequestTimeout time.Duration

	HTTPClient *http.Client

	// OnRateLimited is called before each backoff wait.
	OnRateLimited func(method, path string, attempt int)
}

// Client talks to the mail.tm REST API for a single account.
type Client struct {
	opts       Options
	baseURL    string
	httpClient *http.Client
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("mail.tm address is empty")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("mail.tm password is empty")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultMaxConcurrent
	}
	if opts.RateLimitDelay <= 0 {
		opts.RateLimitDelay = DefaultRateLimitDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:       opts,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(opts.MaxConcurrentRequests),
		logger:     logger,
	}, nil
}

// Address returns the account the client authenticates as.
func (c *Client) Address() string {
	return c.opts.Address
}

// Authenticate requests a bearer token. It is not retried: any status other
// than 200 yields an AuthError.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	payload := map[string]string{
		"address":  c.opts.Address,
		"password": c.opts.Password,
	}

	resp, err := c.send(ctx, http.MethodPost, "/token", "", payload)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}

	if resp.status != http.StatusOK {
		c.logger.Error("failed to get token", "status", resp.status)
		return "", &AuthError{Status: resp.status, Body: string(resp.body)}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return "", ErrEmptyToken
	}

	c.logger.Info("obtained token", "address", c.opts.Address)
	return Token(out.Token), nil
}

// ListMessages returns the current inbox records. An empty inbox yields an
// empty slice. Records that cannot be decoded are skipped and logged.
func (c *Client) ListMessages(ctx context.Context, token Token) ([]model.Message, error) {
	path := "/messages?address=" + url.QueryEscape(c.opts.Address)

	var out map[string]json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, path, token, &out); err != nil {
		return nil, err
	}

	members, ok := out[collectionKey]
	if !ok || len(members) == 0 || string(members) == "null" {
		return []model.Message{}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(members, &raws); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collectionKey, err)
	}

	msgs, err := model.ParseMessages(raws)
	if err != nil {
		c.logger.Warn("skipped undecodable records", "err", err)
	}
	return msgs, nil
}

// DeleteMessage removes one message remotely. Only 204 counts as deleted.
func (c *Client) DeleteMessage(ctx context.Context, token Token, id string) error {
	if id == "" {
		return model.ErrMessageIDMissing
	}
	path := "/messages/" + url.PathEscape(id)

	status, err := c.do(ctx, http.MethodDelete, path, token, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("delete %s: %w (%d)", id, ErrUnexpectedStatus, status)
	}

	c.logger.Info("message deleted", "messageID", id)
	return nil
}

// do issues an authenticated request and applies the shared response
// policy: 429 waits and re-issues the same request, other errors become
// UpstreamError, successes are decoded into result when given.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	token Token,
	result interface{},
) (int, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, path, token, nil)
		if err != nil {
			return 0, err
		}

		if resp.status == http.StatusTooManyRequests {
			if c.opts.MaxRetries > 0 && attempt >= c.opts.MaxRetries {
				return resp.status, fmt.Errorf("%s %s after %d retries: %w", method, path, attempt, ErrRateLimited)
			}

			c.logger.Warn("rate limit exceeded, waiting",
				"method", method,
				"path", path,
				"delay", c.opts.RateLimitDelay,
				"attempt", attempt+1,
			)
			if c.opts.OnRateLimited != nil {
				c.opts.OnRateLimited(method, path, attempt+1)
			}

			timer := time.NewTimer(c.opts.RateLimitDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
				continue
			}
		}

		if resp.status >= http.StatusBadRequest {
			c.logger.Error("api error", "method", method, "path", path, "status", resp.status, "body", string(resp.body))
			return resp.status, &UpstreamError{
				Method: method,
				Path:   path,
				Status: resp.status,
				Body:   string(resp.body),
			}
		}

		c.logger.Debug("successful response", "method", method, "path", path, "status", resp.status)

		if result == nil || resp.status == http.StatusNoContent || len(resp.body) == 0 {
			return resp.status, nil
		}
		if err := json.Unmarshal(resp.body, result); err != nil {
			return resp.status, fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}
		return resp.status, nil
	}
}

type response struct {
	status int
	body   []byte
}

// send performs exactly one HTTP round trip while holding one admission
// permit. The body is fully read before the permit is released.
func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	token Token,
	body interface{},
) (response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return response{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return response{}, err
	}
	defer c.sem.Release(1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("reading response body: %w", err)
	}

	return response{status: resp.StatusCode, body: respBody}, nil
}
