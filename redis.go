// Package redis provides an asynchronous client for Redis nodes and
// Redis Cluster deployments.
// See <https://redis.io/topics/introduction> for the concept, and
// <https://redis.io/topics/protocol> for the RESP wire format this
// package speaks.
package redis

import (
	"context"
	"path/filepath"
)

// ParseInt assumes a valid decimal string — no validation. The empty
// string returns zero. Kept from the original single-node client for
// callers that already hold raw integer-reply bytes.
func ParseInt(bytes []byte) int64 {
	if len(bytes) == 0 {
		return 0
	}
	u := uint64(bytes[0])

	neg := false
	if u == '-' {
		neg = true
		u = 0
	} else {
		u -= '0'
	}

	for i := 1; i < len(bytes); i++ {
		u = u*10 + uint64(bytes[i]-'0')
	}

	value := int64(u)
	if neg {
		value = -value
	}
	return value
}

func isUnixAddr(s string) bool {
	return len(s) != 0 && s[0] == '/'
}

// normalizeAddr fills in the default host (localhost) and port
// (6379), and cleans Unix socket paths.
func normalizeAddr(s string) string {
	if isUnixAddr(s) {
		return filepath.Clean(s)
	}

	host, port, err := splitHostPort(s)
	if err != nil {
		host = s
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

func splitHostPort(s string) (host, port string, err error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], nil
		}
	}
	return s, "", errNoPort
}

type noPortError struct{}

func (noPortError) Error() string { return "redis: missing port in address" }

var errNoPort = noPortError{}

// Client is the single-node entry point: it
// manages one Conn until Close. Single-node mode keeps exactly one
// connection per client and does not reconnect automatically — the
// caller reconnects by constructing a new Client.
type Client struct {
	// Addr is the normalized service address in use.
	Addr string

	conn *Conn
}

// NewClient dials addr (normalized per normalizeAddr) and negotiates
// the protocol/auth/database/client-name per opts.
func NewClient(ctx context.Context, addr string, opts *Options) (*Client, error) {
	addr = normalizeAddr(addr)
	conn, err := DialConn(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return &Client{Addr: addr, conn: conn}, nil
}

// Conn exposes the underlying Conn for callers that need direct
// access to Execute or Multi.
func (c *Client) Conn() *Conn { return c.conn }

// Close stops command submission with ErrClosed. All pending commands
// are dealt with on return. Calling Close more than once has no
// effect.
func (c *Client) Close() error { return c.conn.Close() }

// execute runs cmd, routing through the client-side cache when one is
// configured.
func (c *Client) execute(ctx context.Context, cmd Command) (Reply, error) {
	if c.conn.cache != nil {
		return c.conn.cache.Execute(ctx, c.conn, cmd)
	}
	fut, err := c.conn.Execute(ctx, cmd)
	if err != nil {
		return Reply{}, err
	}
	return fut.WaitContext(ctx)
}

// Get issues GET key. ok is false for a null bulk reply (no such key).
func (c *Client) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	reply, err := c.execute(ctx, NewCommand("GET", key))
	if err != nil {
		return nil, false, err
	}
	if reply.IsNull {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// Set issues SET key value.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.execute(ctx, NewCommand("SET", key, value))
	return err
}

// Del issues DEL key... and returns the number of keys removed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand(append([]string{"DEL"}, keys...)...))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// Exists issues EXISTS key... and returns the number of keys present.
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand(append([]string{"EXISTS"}, keys...)...))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// Incr issues INCR key and returns the post-increment value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand("INCR", key))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// LPush issues LPUSH key value... and returns the new list length.
func (c *Client) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand(append([]string{"LPUSH", key}, values...)...))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// LLen issues LLEN key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand("LLEN", key))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// RPop issues RPOP key. ok is false when the list is empty/missing.
func (c *Client) RPop(ctx context.Context, key string) (value []byte, ok bool, err error) {
	reply, err := c.execute(ctx, NewCommand("RPOP", key))
	if err != nil {
		return nil, false, err
	}
	if reply.IsNull {
		return nil, false, nil
	}
	return reply.Bulk, true, nil
}

// Publish issues PUBLISH channel message and returns the number of
// subscribers that received it.
func (c *Client) Publish(ctx context.Context, channel, message string) (int64, error) {
	reply, err := c.execute(ctx, NewCommand("PUBLISH", channel, message))
	if err != nil {
		return 0, err
	}
	return reply.Int, nil
}

// Subscribe subscribes to a literal channel.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	return c.conn.subs.Subscribe(ctx, channel, KindChannel)
}

// PSubscribe subscribes to a glob pattern.
func (c *Client) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	return c.conn.subs.Subscribe(ctx, pattern, KindPattern)
}

// Unsubscribe removes a channel subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	return c.conn.subs.Unsubscribe(ctx, channel, KindChannel)
}

// PUnsubscribe removes a pattern subscription.
func (c *Client) PUnsubscribe(ctx context.Context, pattern string) error {
	return c.conn.subs.Unsubscribe(ctx, pattern, KindPattern)
}

// Multi runs body inside a MULTI/EXEC transaction.
func (c *Client) Multi(ctx context.Context, body func(tx *Tx) error) error {
	return c.conn.Multi(ctx, body)
}

// State reports the connection's current state.
func (c *Client) State() ConnState { return c.conn.State() }
