package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"vetbox/internal/verdict"
)

// Client sends requests over one connection, one at a time.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	maxPayload uint32
	timeout    time.Duration
}

// Dial connects to a wire server. timeout bounds each round trip; zero
// waits for as long as ctx allows.
func Dial(ctx context.Context, network, address string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s %s: %w", network, address, err)
	}
	return &Client{conn: conn, maxPayload: DefaultMaxPayload, timeout: timeout}, nil
}

// Analyze submits content and waits for the verdict. A server-side failure
// is returned as *RemoteError.
func (c *Client) Analyze(ctx context.Context, content []byte, filename string) (*verdict.Result, error) {
	payload, err := json.Marshal(Request{Filename: filename, Content: content})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Cancellation closes the connection; the client is unusable after.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := WriteFrame(c.conn, payload, c.maxPayload); err != nil {
		return nil, wrapErr(ctx, "send", err)
	}
	data, err := ReadFrame(c.conn, c.maxPayload)
	if err != nil {
		return nil, wrapErr(ctx, "receive", err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return nil, &RemoteError{ErrorBody: *resp.Error}
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("wire: response carries neither result nor error")
	}
	return resp.Result, nil
}

func wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("wire %s: %w", op, ctxErr)
	}
	return fmt.Errorf("wire %s: %w", op, err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
