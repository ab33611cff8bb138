package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/flowq/internal/engine"
	"github.com/roach88/flowq/internal/protocol"
)

// ErrClientClosed is returned by calls on a closed or broken connection.
var ErrClientClosed = errors.New("client connection closed")

// IDGenerator produces request ids.
type IDGenerator interface {
	Generate() string
}

// Client is a protocol client over one websocket connection.
// Calls may be issued from many goroutines; replies are matched by
// request_id.
type Client struct {
	wc  *websocket.Conn
	ids IDGenerator

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Reply
	err     error
	done    chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestIDs overrides the UUIDv7 request id generator.
func WithRequestIDs(g IDGenerator) ClientOption {
	return func(c *Client) { c.ids = g }
}

// Dial connects to a flowq server at url (ws://host:port/).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	wc, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		wc:      wc,
		ids:     engine.UUIDv7Generator{},
		pending: make(map[string]chan protocol.Reply),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readAll()
	return c, nil
}

// Call sends one request and waits for its reply.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (protocol.Reply, error) {
	if params == nil {
		params = map[string]any{}
	}
	req := protocol.Request{Action: action, RequestID: c.ids.Generate(), Params: params}
	b, err := json.Marshal(req)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan protocol.Reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Reply{}, err
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.writeRaw(ctx, b); err != nil {
		return protocol.Reply{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return protocol.Reply{}, c.closeErr()
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// writeRaw sends one text frame.
func (c *Client) writeRaw(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wc.SetWriteDeadline(deadline)
	if err := c.wc.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Close ends the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.wc.Close()
	<-c.done
	return err
}

func (c *Client) readAll() {
	defer close(c.done)
	for {
		_, data, err := c.wc.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		reply, err := protocol.DecodeReply(data)
		if err != nil {
			continue
		}
		c.deliver(reply)
	}
}

// deliver hands reply to the call waiting on its request_id. Replies with
// no waiter, including a repeated reply to an answered call, are dropped.
func (c *Client) deliver(reply protocol.Reply) {
	c.mu.Lock()
	ch, ok := c.pending[reply.RequestID]
	delete(c.pending, reply.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClientClosed
	}
	return c.err
}
