// Package client provides the HTTP client for the tree API, with retry.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/pkg/models"
	"github.com/sensortree/sensortree/pkg/protocol"
	"github.com/sensortree/sensortree/pkg/retry"
)

// Client talks to the tree server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	logger      *zap.Logger

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	Logger      *zap.Logger
	HTTPClient  *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  hc,
		retryConfig: cfg.RetryConfig,
		logger:      cfg.Logger,
		online:      true,
	}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.logger.Info("server is back online", zap.String("url", c.baseURL))
		} else {
			c.logger.Warn("server is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var health protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("%w: health status %q", models.ErrApplication, health.Status)
	}
	return nil
}

// Roots fetches the top-level nodes.
func (c *Client) Roots(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	if err := c.do(ctx, http.MethodGet, "/api/nodes/root", nil, &nodes); err != nil {
		return nil, err
	}
	return nonNil(nodes), nil
}

// Children fetches the children of a node. An unknown id yields an empty list.
func (c *Client) Children(ctx context.Context, id string) ([]models.Node, error) {
	var nodes []models.Node
	if err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(id)+"/children", nil, &nodes); err != nil {
		return nil, err
	}
	return nonNil(nodes), nil
}

// FetchChildren lists the root level when parentID is empty, otherwise the
// children of parentID.
func (c *Client) FetchChildren(ctx context.Context, parentID string) ([]models.Node, error) {
	if parentID == "" {
		return c.Roots(ctx)
	}
	return c.Children(ctx, parentID)
}

// Search runs a case-insensitive search on the server.
func (c *Client) Search(ctx context.Context, query string) ([]protocol.SearchResult, error) {
	var results []protocol.SearchResult
	if err := c.do(ctx, http.MethodPost, "/api/search", protocol.SearchRequest{Query: query}, &results); err != nil {
		return nil, err
	}
	if results == nil {
		results = []protocol.SearchResult{}
	}
	return results, nil
}

// RevealPath fetches the path and sibling lists needed to show id.
func (c *Client) RevealPath(ctx context.Context, id string) (*protocol.PathDTO, error) {
	var dto protocol.PathDTO
	if err := c.do(ctx, http.MethodGet, "/api/nodes/reveal-path/"+url.PathEscape(id), nil, &dto); err != nil {
		return nil, err
	}
	if dto.ChildrenMap == nil {
		dto.ChildrenMap = map[string][]models.Node{}
	}
	return &dto, nil
}

// do performs one JSON request with retries on network errors and 5xx.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(fmt.Errorf("%w: %v", models.ErrTransport, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return retry.Retryable(statusError(resp))
		}
		c.setOnline(true)

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", models.ErrTransport, path, err)
		}
		return nil
	})
}

// statusError maps a non-200 response onto the models error classes.
func statusError(resp *http.Response) error {
	var errResp protocol.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		for field, m := range errResp.Details {
			return &models.ValidationError{Field: field, Message: m}
		}
		return fmt.Errorf("%w: %s", models.ErrInvalidRequest, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d: %s", models.ErrTransport, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: server returned %d: %s", models.ErrApplication, resp.StatusCode, msg)
	}
}

func nonNil(nodes []models.Node) []models.Node {
	if nodes == nil {
		return []models.Node{}
	}
	return nodes
}

// WebSocketURL derives the live channel URL from an HTTP base URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
