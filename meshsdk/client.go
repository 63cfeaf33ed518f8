/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package meshsdk is the REST core shared by the callmesh sub-clients
// (rooms, call history, ICE servers). It owns authentication headers,
// retries for transient failures and the structured API error family.
package meshsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Logger is the logging interface used across callmesh. Any logger with a
// Printf method (such as *log.Logger, or logger.Printf over slog) works.
type Logger interface {
	Printf(format string, v ...any)
}

// Config holds the configuration for the REST client
type Config struct {
	// BaseURL is the API root, e.g. https://calls.example.com/api
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// Default headers to include in API requests
	DefaultHeaders map[string]string

	// HttpClient overrides the default client built from Timeout.
	HttpClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors (429, 502, 503, 504).
	// Set to 0 to disable retries. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 500ms.
	// Subsequent retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger defaults to log.Default().
	Logger Logger
}

// DefaultConfig returns a default configuration for the REST client
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080/api",
		Timeout:        15 * time.Second,
		DefaultHeaders: make(map[string]string),
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// Client performs authenticated JSON requests against the callmesh API.
type Client struct {
	httpClient  *http.Client
	BaseURL     *url.URL
	accessToken string
	Config      *Config
	logger      Logger
}

// NewClient creates a new REST client with the given access token and optional configuration
func NewClient(accessToken string, config *Config) (*Client, error) {
	if accessToken == "" {
		return nil, errors.New("access token cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		httpClient:  httpClient,
		BaseURL:     baseURL,
		accessToken: accessToken,
		Config:      config,
		logger:      logger,
	}, nil
}

// GetAccessToken returns the bearer token sent with every request
func (c *Client) GetAccessToken() string {
	return c.accessToken
}

// GetLogger returns the logger used by the client.
func (c *Client) GetLogger() Logger {
	return c.logger
}

// Request performs a request with retries using a background context.
// The caller is responsible for closing the response body when done.
func (c *Client) Request(method, path string, params url.Values, body interface{}) (*http.Response, error) {
	return c.RequestWithRetry(context.Background(), method, path, params, body)
}

// RequestWithContext performs a single request without retries.
func (c *Client) RequestWithContext(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL.String() + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return c.do(ctx, method, u.String(), body)
}

// RequestWithRetry retries on HTTP 429 (respecting Retry-After) and on
// 502/503/504 with exponential backoff. Context cancellation aborts the wait.
func (c *Client) RequestWithRetry(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	baseDelay := c.Config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 500 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.RequestWithContext(ctx, method, path, params, body)
		if err != nil {
			return nil, err
		}
		if !isRetryableStatus(resp.StatusCode) || attempt >= c.Config.MaxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()
		c.logger.Printf("meshsdk: %s %s returned %d, retrying in %s", method, path, resp.StatusCode, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, fullURL string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay honors Retry-After on 429, otherwise baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// ParseResponse decodes a JSON response into v, or returns a typed API error
// for 4xx/5xx statuses. The body is always closed.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}
	if v == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// Page is a list response. The server returns {"items": [...]} and may add
// an RFC 5988 Link header pointing at the next page.
type Page struct {
	Items    []json.RawMessage `json:"items"`
	NextPage string            `json:"-"`
	HasNext  bool              `json:"-"`
	client   *Client
}

// NewPage parses a list response.
func NewPage(resp *http.Response, client *Client) (*Page, error) {
	links := parseLinkHeader(resp.Header.Get("Link"))
	page := &Page{client: client}
	if err := ParseResponse(resp, page); err != nil {
		return nil, err
	}
	page.NextPage = links["next"]
	page.HasNext = page.NextPage != ""
	return page, nil
}

// Next fetches the page referenced by the Link header.
func (p *Page) Next(ctx context.Context) (*Page, error) {
	if !p.HasNext {
		return nil, errors.New("no next page")
	}
	resp, err := p.client.do(ctx, http.MethodGet, p.NextPage, nil)
	if err != nil {
		return nil, err
	}
	return NewPage(resp, p.client)
}

// parseLinkHeader maps rel values to URLs, e.g.
//
//	<https://example.com/items?page=2>; rel="next"
func parseLinkHeader(header string) map[string]string {
	links := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		start := strings.IndexByte(part, '<')
		end := strings.IndexByte(part, '>')
		if start < 0 || end <= start+1 {
			continue
		}
		_, rel, ok := strings.Cut(part[end+1:], `rel="`)
		if !ok {
			continue
		}
		rel, _, ok = strings.Cut(rel, `"`)
		if !ok {
			continue
		}
		links[rel] = part[start+1 : end]
	}
	return links
}
