// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package statsd implements a minimal fire-and-forget statsd line-protocol
// client over UDP. No statsd client library appears anywhere in the
// example pack, so this talks the (trivially simple) "key:delta|c\n" wire
// format directly over a stdlib net.Conn rather than pulling in an
// unrelated dependency to format two line shapes; see DESIGN.md.
package statsd // import "github.com/wifirst/xmppd/internal/statsd"

import (
	"fmt"
	"net"
)

// Client sends counter/gauge lines to a statsd daemon over UDP. It never
// reads a reply: statsd's protocol is fire-and-forget.
type Client struct {
	prefix string
	conn   net.Conn
}

// Dial opens a UDP socket to addr (host:port). Every key sent through the
// returned Client is namespaced under prefix, if non-empty.
func Dial(addr, prefix string) (*Client, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("statsd: dial %s: %w", addr, err)
	}
	return &Client{prefix: prefix, conn: conn}, nil
}

func (c *Client) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "." + name
}

// Count sends a counter delta ("key:delta|c").
func (c *Client) Count(name string, delta int64) {
	fmt.Fprintf(c.conn, "%s:%d|c\n", c.key(name), delta)
}

// Gauge sends an absolute gauge value ("key:value|g").
func (c *Client) Gauge(name string, value int64) {
	fmt.Fprintf(c.conn, "%s:%d|g\n", c.key(name), value)
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }
