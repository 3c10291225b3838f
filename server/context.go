// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server hosts the stanza routing and extension dispatch core:
// the Session/Router/Extension pipeline described in spec.md §2 and §4.1-
// 4.2. Concrete extensions (presence, roster, muc, archive, private,
// share, proxy65, turn, disco) live in their own packages and are wired
// together by cmd/xmppd.
package server // import "github.com/wifirst/xmppd/server"

import (
	"github.com/wifirst/xmppd/config"
	"github.com/wifirst/xmppd/metrics"
	"github.com/wifirst/xmppd/storage"
	"go.uber.org/zap"
)

// Context bundles the process-wide collaborators every component needs,
// replacing the module-level singletons (logger, statsd socket, settings
// map) the original implementation used (spec.md §9 Design Notes: "Global
// state"). It is constructed once at startup and passed explicitly to
// every Extension's Start method.
type Context struct {
	Logger  *zap.Logger
	Metrics metrics.Sink
	Config  *config.Config
	Storage storage.Store
	Domain  string
}

// Sub returns a Context whose Logger is annotated with a "component"
// field, for use by an individual extension or subsystem.
func (c *Context) Sub(component string) *Context {
	sub := *c
	sub.Logger = c.Logger.With(zap.String("component", component))
	return &sub
}

// NewTestContext returns a Context suitable for unit tests: an in-memory
// store, a no-op metrics sink, and a development logger.
func NewTestContext(domain string) *Context {
	logger, _ := zap.NewDevelopment()
	return &Context{
		Logger:  logger,
		Metrics: metrics.Nop{},
		Storage: storage.NewMemory(),
		Domain:  domain,
	}
}
