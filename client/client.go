// Package client provides a Go client for a remote stepflow server over
// the DWP WebSocket protocol.
//
// Usage:
//
//	c, err := client.Dial("wss://flows.example.com/dwp",
//	    client.WithToken("sf_..."),
//	)
//	defer c.Close()
//
//	// Start an execution and watch it finish.
//	exec, err := c.StartExecution(ctx, "order-pipeline", input)
//	events, err := c.Watch(ctx, exec.ID.String())
//	for evt := range events {
//	    fmt.Println(evt.Type)
//	}
//
// A Client also satisfies worker.Source and worker.Completer, so a
// worker.Pool can execute tasks delivered by a remote server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/stepflow/dwp"
	"github.com/xraph/stepflow/stream"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("stepflow/client: closed")

// errConnectionLost is delivered to requests pending when the socket drops.
var errConnectionLost = &dwp.ErrorDetail{Code: dwp.ErrCodeUnavailable, Message: "connection lost"}

// authTimeout bounds the wait for the auth response.
const authTimeout = 10 * time.Second

// Client is a DWP client that talks to a remote stepflow server.
type Client struct {
	url    string
	token  string
	format string
	logger *slog.Logger

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Long-poll bound for Poll when the context has no deadline.
	pollWait time.Duration

	// Credit replenishment for the server-side subscriber.
	creditBatch int
	received    atomic.Int64

	// Connection state. mu guards conn, codec and writes.
	mu        sync.Mutex
	conn      net.Conn
	codec     dwp.Codec
	closed    atomic.Bool
	sessionID atomic.Value // string

	// Request-response correlation.
	pending sync.Map // frameID → chan *dwp.Frame

	// Subscriptions.
	events   chan *stream.Event
	channels sync.Map // channel → struct{}
	watchMu  sync.Mutex
	watchers map[string][]chan *stream.Event
}

// Dial connects to a DWP server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a DWP server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      dwp.CodecNameJSON,
		logger:      slog.Default(),
		maxRetries:  5,
		baseDelay:   time.Second,
		pollWait:    20 * time.Second,
		creditBatch: 100,
		events:      make(chan *stream.Event, 256),
		watchers:    make(map[string][]chan *stream.Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !dwp.KnownCodec(c.format) {
		return nil, fmt.Errorf("stepflow/client: unknown format %q", c.format)
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("stepflow/client: dial: %w", err)
	}

	go c.readLoop(conn)

	return c, nil
}

// connect establishes the WebSocket connection and authenticates. The
// auth exchange is always JSON; the negotiated codec applies afterwards.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	authFrame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), dwp.MethodAuth, dwp.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal auth request: %w", err)
	}
	data, err := json.Marshal(authFrame)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	deadline := time.Now().Add(authTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	reply, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var resp dwp.Frame
	if err := json.Unmarshal(reply, &resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}
	if resp.Type == dwp.FrameErr {
		_ = conn.Close()
		if resp.Error != nil {
			return nil, fmt.Errorf("auth failed: %w", resp.Error)
		}
		return nil, errors.New("auth failed")
	}

	var authResp dwp.AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = dwp.GetCodec(authResp.Format)
	c.mu.Unlock()
	c.sessionID.Store(authResp.SessionID)

	c.logger.Info("dwp client connected",
		slog.String("session_id", authResp.SessionID),
		slog.String("format", authResp.Format),
	)
	return conn, nil
}

// readLoop reads frames from conn and dispatches them until the
// connection drops.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.failPending()
			if c.closed.Load() {
				return
			}
			c.logger.Warn("dwp client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
				return
			}
			c.closeSubscriptions()
			return
		}

		c.mu.Lock()
		codec := c.codec
		c.mu.Unlock()

		frame, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("dwp client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case dwp.FrameResponse, dwp.FrameErr:
			if val, ok := c.pending.Load(frame.CorrID); ok {
				ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case dwp.FrameEvent:
			var evt stream.Event
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				continue
			}
			c.deliver(&evt)
		case dwp.FramePong:
		}
	}
}

// failPending answers every in-flight request with a connection-lost
// error frame.
func (c *Client) failPending() {
	c.pending.Range(func(key, val any) bool {
		ch := val.(chan *dwp.Frame) //nolint:errcheck // pending map always stores chan *dwp.Frame
		select {
		case ch <- &dwp.Frame{Type: dwp.FrameErr, CorrID: key.(string), Error: errConnectionLost}:
		default:
		}
		return true
	})
}

// tryReconnect attempts to reconnect with exponential backoff and
// restores every subscription on success.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("dwp client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return
		}

		conn, err := c.connect(context.Background())
		if err != nil {
			c.logger.Warn("dwp client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		c.logger.Info("dwp client reconnected")
		go c.readLoop(conn)
		c.resubscribe()
		return
	}
	c.logger.Error("dwp client: max reconnection attempts reached")
	c.closeSubscriptions()
}

// request sends a request frame and waits for the correlated response.
// Error frames come back as *dwp.ErrorDetail, which unwraps to the
// matching stepflow sentinel.
func (c *Client) request(ctx context.Context, method string, data any) (*dwp.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := dwp.NewRequestFrame(dwp.GenerateFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	respCh := make(chan *dwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == dwp.FrameErr {
			if resp.Error == nil {
				return nil, fmt.Errorf("stepflow/client: %s failed", method)
			}
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call runs request and decodes the response data into out.
func (c *Client) call(ctx context.Context, method string, data, out any) error {
	resp, err := c.request(ctx, method, data)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", method, err)
	}
	return nil
}

// writeFrame encodes a frame with the negotiated codec and sends it.
func (c *Client) writeFrame(frame *dwp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrClosed
	}
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data)
}

// Ping sends a ping frame. The server's pong is consumed by the read loop.
func (c *Client) Ping() error {
	return c.writeFrame(&dwp.Frame{
		V:         dwp.Version,
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FramePing,
		Timestamp: time.Now().UTC(),
	})
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	s, _ := c.sessionID.Load().(string)
	return s
}

// Close closes the client connection and every subscription channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.closeSubscriptions()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return c.conn.Close()
}
