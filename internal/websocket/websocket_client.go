package websocket

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hubnet"
	"github.com/luciancaetano/hubnet/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type outbound struct {
	messageType int
	data        []byte
}

// Client implements the hubnet.Client interface
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan outbound
	mu          sync.RWMutex
	closed      bool
	closeOnce   sync.Once
	codec       *protocol.Codec
	compress    bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
}

// NewClient creates a new WebSocket client and starts its write pump.
func NewClient(conn *websocket.Conn, remoteAddr string, codec *protocol.Codec, compress bool, rateLimitConfig *RateLimitConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan outbound, sendBuffer),
		codec:       codec,
		compress:    compress,
		rateLimiter: newLimiter(rateLimitConfig),
	}

	// Start the write pump
	go client.writePump()

	return client
}

func newLimiter(cfg *RateLimitConfig) *rate.Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return rate.NewLimiter(cfg.MessagesPerSecond, cfg.Burst)
}

// ID returns a unique identifier for the connected client
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send encodes msg and queues it for delivery
func (c *Client) Send(ctx context.Context, msg hubnet.Message) error {
	// Encode before acquiring the lock
	mt, data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outbound{messageType: mt, data: data})
}

func (c *Client) enqueue(ctx context.Context, out outbound) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return hubnet.ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return hubnet.ErrContextCancelled
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// Send close message
		message := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.WriteControl(websocket.CloseMessage, message, deadline)

		// Cancel before locking so a Send blocked on a full queue lets go.
		c.cancel()

		c.mu.Lock()
		c.closed = true
		close(c.sendCh)
		c.mu.Unlock()

		// The write pump may have closed the conn already.
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.sendCh:
			if !ok {
				// Channel closed
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.EnableWriteCompression(c.compress)
			if err := c.conn.WriteMessage(out.messageType, out.data); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
