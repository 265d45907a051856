package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to the taopulse HTTP API
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

type slogAdapter struct {
	inner *slog.Logger
}

func (l slogAdapter) Error(msg string, kv ...any) { l.inner.Warn(msg, kv...) }
func (l slogAdapter) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l slogAdapter) Info(msg string, kv ...any)  { l.inner.Debug(msg, kv...) }
func (l slogAdapter) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }

// New creates a client for the service at baseURL, e.g. http://localhost:8000
func New(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = retryablehttp.LeveledLogger(slogAdapter{inner: slog.Default().With("system", "client")})
	// the service answers with a JSON error body, keep it
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
	}
}

// SetRetryMax changes how many times a failed call is retried
func (c *Client) SetRetryMax(n int) {
	c.http.RetryMax = n
}

// GetDividends queries /api/v1/tao_dividends. A nil netuid asks the service
// for its default subnet.
func (c *Client) GetDividends(ctx context.Context, netuid *int, hotkey string, trade bool) (*DividendsAnswer, error) {
	q := url.Values{}
	if netuid != nil {
		q.Set("netuid", strconv.Itoa(*netuid))
	}
	if hotkey != "" {
		q.Set("hotkey", hotkey)
	}
	if trade {
		q.Set("trade", "true")
	}

	var answer DividendsAnswer
	if err := c.get(ctx, "/api/v1/tao_dividends", q, &answer, false); err != nil {
		return nil, err
	}
	return &answer, nil
}

// GetRequest returns every stage record stored for one request id
func (c *Client) GetRequest(ctx context.Context, requestID string) (*RequestRecords, error) {
	var records RequestRecords
	if err := c.get(ctx, "/api/v1/requests/"+url.PathEscape(requestID), nil, &records, false); err != nil {
		return nil, err
	}
	return &records, nil
}

// Health returns the service health. A service reporting itself down still
// yields a status, with Status set to "down".
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var st HealthStatus
	if err := c.get(ctx, "/health", nil, &st, true); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any, acceptUnavailable bool) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && !(acceptUnavailable && resp.StatusCode == http.StatusServiceUnavailable) {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
