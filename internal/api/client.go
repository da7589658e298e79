// Package api is a Go client for the timeline endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/feedrelay/internal/timeline"
)

// Client interface for testability
type Client interface {
	GetPage(ctx context.Context, limit int, cursor string) (Page, error)
}

// Page is one decoded timeline response.
type Page struct {
	Items      []timeline.PostView `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// Compile-time interface verification
var _ Client = (*HTTPClient)(nil)

func NewClient(baseURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = ratePerSec * 2
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(limit, burst),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// GetPage fetches one page. 429 and 5xx responses are retried with
// exponential backoff; a 400 is returned at once as ErrInvalidRequest.
func (c *HTTPClient) GetPage(ctx context.Context, limit int, cursor string) (Page, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.baseURL + "/timeline"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	c.logger.Debug("requesting", zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return Page{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Page{}, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusBadRequest {
			return Page{}, fmt.Errorf("%w: %s", ErrInvalidRequest, describe(body))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return Page{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var page Page
		if err := json.Unmarshal(body, &page); err != nil {
			return Page{}, fmt.Errorf("decoding response: %w", err)
		}
		return page, nil
	}

	return Page{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Walk pages through the timeline from the top, calling fn for each post.
// It stops after maxPages pages when maxPages > 0, at the end of the feed, or
// when fn returns an error. Returning ErrStopWalk ends the walk cleanly.
func Walk(ctx context.Context, c Client, limit, maxPages int, fn func(timeline.PostView) error) (int, error) {
	pages := 0
	cursor := ""
	for maxPages <= 0 || pages < maxPages {
		page, err := c.GetPage(ctx, limit, cursor)
		if err != nil {
			return pages, err
		}
		pages++

		for _, p := range page.Items {
			if err := fn(p); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return pages, nil
				}
				return pages, err
			}
		}

		if page.NextCursor == "" {
			return pages, nil
		}
		cursor = page.NextCursor
	}
	return pages, nil
}

func describe(body []byte) string {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return string(body)
	}
	if e.Message != "" {
		return e.Error + ": " + e.Message
	}
	return e.Error
}
