// Package live keeps a WebSocket connection to the server's update channel
// open and hands every batch of node updates to a callback.
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/pkg/protocol"
	"github.com/sensortree/sensortree/pkg/retry"
)

// ErrGaveUp is returned by Run once the reconnect budget is spent.
var ErrGaveUp = errors.New("live: gave up reconnecting")

// Status is the connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const writeWait = 5 * time.Second

// Handler receives one batch of updates, in order.
type Handler func([]protocol.NodeUpdate)

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Retry is the reconnect policy. Defaults to retry.ReconnectConfig().
	Retry retry.Config
	// ReadTimeout closes a connection that has been silent this long.
	// Defaults to 90s; the server pings every 30s.
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
	// OnStatus is called on every status change.
	OnStatus func(Status)
}

// Client is the update channel consumer.
type Client struct {
	url         string
	retry       retry.Config
	readTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger
	onStatus    func(Status)
	onBatch     Handler

	mu     sync.RWMutex
	status Status
}

// New creates a client. Call Run to connect.
func New(cfg Config, onBatch Handler) *Client {
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.ReconnectConfig()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		url:         cfg.URL,
		retry:       cfg.Retry,
		readTimeout: cfg.ReadTimeout,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		onStatus:    cfg.OnStatus,
		onBatch:     onBatch,
		status:      StatusDisconnected,
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()
	if changed && c.onStatus != nil {
		c.onStatus(s)
	}
}

// Run connects and reconnects with exponential backoff until ctx is done
// (returns nil) or the retry budget is exhausted (returns ErrGaveUp). A
// connection that was established resets the backoff.
func (c *Client) Run(ctx context.Context) error {
	defer c.setStatus(StatusDisconnected)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setStatus(StatusConnecting)
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		if c.retry.Exhausted(failures) {
			c.logger.Error("live channel giving up", zap.Int("attempts", failures), zap.Error(err))
			return ErrGaveUp
		}

		wait := c.retry.Backoff(failures)
		c.logger.Info("live channel disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("wait", wait),
			zap.Int("attempt", failures))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	})
	defer stop()

	c.setStatus(StatusConnected)
	c.logger.Info("live channel connected", zap.String("url", c.url))

	ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		batch, err := ParseBatch(data)
		if err != nil {
			c.logger.Warn("dropping live payload", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if c.onBatch != nil {
			c.onBatch(batch)
		}
	}
}

// ParseBatch decodes a payload into updates. A bare JSON array is a batch;
// a NODE_UPDATES_BATCH envelope is unwrapped to its payload. Anything else
// is an error.
func ParseBatch(data []byte) ([]protocol.NodeUpdate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	switch trimmed[0] {
	case '[':
		var batch []protocol.NodeUpdate
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return batch, nil
	case '{':
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if msg.Type != protocol.MessageTypeBatch {
			return nil, fmt.Errorf("unexpected message type %q", msg.Type)
		}
		payload := bytes.TrimSpace(msg.Payload)
		if len(payload) == 0 || payload[0] != '[' {
			return nil, errors.New("batch payload is not an array")
		}
		return ParseBatch(payload)
	}
	return nil, errors.New("payload is not a batch")
}
