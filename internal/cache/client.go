package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

const defaultDialTimeout = 500 * time.Millisecond

// Client implements Store against a cache daemon. Each call uses its own
// connection, so a Client is safe for concurrent use.
type Client struct {
	network     string
	address     string
	dialTimeout time.Duration
}

// NewClient dials network ("unix" or "tcp") at address on every call.
func NewClient(network, address string) *Client {
	if network == "" {
		network = "unix"
	}
	return &Client{network: network, address: address, dialTimeout: defaultDialTimeout}
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Response{}, unavailable(req.Op, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return Response{}, unavailable(req.Op, err)
	}
	var resp Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Response{}, unavailable(req.Op, err)
	}
	if !resp.OK {
		return resp, unavailable(req.Op, errors.New(resp.Error))
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := c.do(ctx, Request{Op: OpGet, Key: key})
	if err != nil || !resp.Found {
		return nil, false, err
	}
	if resp.Value == nil {
		return []byte{}, true, nil
	}
	return resp.Value, true, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.do(ctx, Request{Op: OpSet, Key: key, Value: value, TTLMillis: ttl.Milliseconds()})
	return err
}

func (c *Client) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	resp, err := c.do(ctx, Request{Op: OpMGet, Keys: keys})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	copy(out, resp.Values)
	return out, nil
}

func (c *Client) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.do(ctx, Request{Op: OpMSet, Items: entries, TTLMillis: ttl.Milliseconds()})
	return err
}

func (c *Client) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	resp, err := c.do(ctx, Request{Op: OpDelete, Keys: keys})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := c.do(ctx, Request{Op: OpExists, Key: key})
	if err != nil {
		return false, err
	}
	return resp.Found, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, Request{Op: OpPing})
	return err
}

func (c *Client) Close() error { return nil }
