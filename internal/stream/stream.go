// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream is the c2s stream transport: a TCP acceptor that
// negotiates an XMPP stream (RFC 6120 §4-§6 — stream header, STARTTLS,
// SASL, resource binding) over each accepted connection and then hands
// the bound session off to the server core's Session/Router pipeline.
//
// Parsing and framing are out of this module's core (spec.md §1), but
// this package supplies the concrete binding: encoding/xml over net.Conn,
// TLS via crypto/tls, grounded on the same raw-protocol-over-net.Conn
// style proxy65 and turn use rather than a streaming XML library.
package stream // import "github.com/wifirst/xmppd/internal/stream"

import (
	"crypto/tls"
	"net"

	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/server"
	"go.uber.org/zap"
)

// Acceptor listens for client-to-server TCP connections and negotiates
// an XMPP stream on each, authenticating against Checker and, once
// bound, registering the resulting Session with Server.
type Acceptor struct {
	Server  *server.Server
	Checker auth.Checker
	Domain  string

	// TLSConfig, if non-nil, is offered via STARTTLS as a required
	// feature: SASL is only offered after the upgrade, and a connection
	// that sends anything other than <starttls/> first is closed. If nil,
	// no STARTTLS is offered and SASL runs over the plain connection.
	TLSConfig *tls.Config

	Logger *zap.Logger
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed), negotiating and serving each on its own
// goroutine — "one goroutine per Session reading its transport"
// (spec.md §5).
func (a *Acceptor) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	defer conn.Close()
	if err := a.negotiate(conn); err != nil {
		a.logf(conn, err)
	}
}

func (a *Acceptor) logf(conn net.Conn, err error) {
	if a.Logger == nil {
		return
	}
	a.Logger.Debug("c2s stream closed",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Error(err))
}
