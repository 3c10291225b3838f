// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"sync"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
	"go.uber.org/zap"
)

// Server is the process-wide instance bound to a single XMPP domain
// (spec.md §2). It owns the Registry and Router and drives the extension
// lifecycle.
type Server struct {
	ctx      *Context
	Domain   jid.JID
	Registry *Registry
	Router   *Router

	// dispatchMu serializes Receive, so stanzas read by different
	// Sessions pass through the pipeline one at a time.
	dispatchMu sync.Mutex
}

// New constructs a Server for domain using ctx for its shared
// collaborators (logger, metrics, config, storage).
func New(ctx *Context, domain string) (*Server, error) {
	d, err := jid.Parse(domain)
	if err != nil {
		return nil, fmt.Errorf("server: invalid domain %q: %w", domain, err)
	}
	registry := NewRegistry()
	router := NewRouter(d.String(), registry)

	srv := &Server{ctx: ctx, Domain: d, Registry: registry, Router: router}

	registry.OnConnected(srv.onConnected)
	registry.OnDisconnected(srv.onDisconnected)
	return srv, nil
}

// Use registers ext with the router in priority order (spec.md §4.1).
func (srv *Server) Use(ext Extension) {
	srv.Router.Register(ext)
}

// Start starts every registered extension, in priority order, passing
// each a sub-Context and this Server as its Dispatcher. It does not call
// the extensions' Configure methods.
func (srv *Server) Start() error {
	for _, ext := range srv.Router.Extensions() {
		extCtx := srv.ctx.Sub(ext.Name())
		if err := ext.Start(extCtx, srv); err != nil {
			return fmt.Errorf("server: start extension %s: %w", ext.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered extension in reverse priority order.
func (srv *Server) Stop() error {
	exts := srv.Router.Extensions()
	var firstErr error
	for i := len(exts) - 1; i >= 0; i-- {
		if err := exts[i].Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server: stop extension %s: %w", exts[i].Name(), err)
		}
	}
	return firstErr
}

// Dispatch implements Dispatcher: re-enters s into the pipeline.
func (srv *Server) Dispatch(s stanza.Stanza) { srv.Router.Dispatch(s) }

// Deliver implements Dispatcher: routes s directly.
func (srv *Server) Deliver(s stanza.Stanza) { srv.Router.Deliver(s) }

// Accept registers a newly authenticated Session, stamping it live and
// firing clientConnected.
func (srv *Server) Accept(sess *Session) {
	srv.Registry.Bind(sess)
}

// Receive is called by a Session's reader goroutine for each stanza it
// decodes off the wire. It normalizes the sender and dispatches, one
// received stanza at a time across all Sessions.
func (srv *Server) Receive(sess *Session, s stanza.Stanza) {
	sess.Touch()
	s = srv.Router.Normalize(s, sess.JID())
	srv.dispatchMu.Lock()
	defer srv.dispatchMu.Unlock()
	srv.Router.Dispatch(s)
}

func (srv *Server) onConnected(full jid.JID) {
	srv.ctx.Logger.Info("client connected", zap.String("jid", full.String()))
}

func (srv *Server) onDisconnected(full jid.JID) {
	srv.ctx.Logger.Info("client disconnected", zap.String("jid", full.String()))
}
