// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/stanza"
)

// Verdict is the result of an Extension inspecting a stanza.
type Verdict int

const (
	// Pass lets the next extension in priority order see the stanza.
	Pass Verdict = iota
	// Consumed stops the pipeline; the router will not attempt to route
	// the stanza itself.
	Consumed
)

// Extension is the single capability set every pluggable handler
// implements (spec.md §9 Design Notes: "Extension polymorphism" — one
// interface with a tagged configuration schema, replacing the original's
// reflective property injection).
type Extension interface {
	// Name identifies the extension for logging and the HTTP admin
	// surface.
	Name() string

	// Priority orders the pipeline; larger values run earlier. Ties are
	// broken by registration order (spec.md §4.1).
	Priority() int

	// Configure injects this extension's [name] configuration table.
	// Extensions with no configuration may implement it as a no-op.
	Configure(v *koanf.Koanf) error

	// Start is called once, after every extension has been registered,
	// with the shared server Context and a Dispatcher the extension can
	// use to inject synthesized stanzas back into the pipeline.
	Start(ctx *Context, d Dispatcher) error

	// Stop releases any resources acquired in Start.
	Stop() error

	// DiscoveryFeatures returns the disco#info feature namespaces this
	// extension advertises for the bare domain.
	DiscoveryFeatures() []string

	// DiscoveryItems returns the disco#items this extension advertises
	// for the bare domain.
	DiscoveryItems() []DiscoItem

	// HandleStanza inspects s and returns Consumed or Pass.
	HandleStanza(s stanza.Stanza) Verdict
}

// DiscoItem is a single disco#items entry.
type DiscoItem struct {
	JID  string
	Name string
	Node string
}

// PresenceAware is implemented by extensions that contribute to presence
// fan-out decisions (spec.md §4.3: presenceSubscriptions / presenceSubscribers
// are "asked of every extension", with the roster engine the primary
// contributor).
type PresenceAware interface {
	// Subscriptions returns the bare/full JIDs whose last-known presence
	// should be delivered to (or probed on behalf of) from when from sends
	// its first available presence.
	Subscriptions(from string) []string
	// Subscribers returns the bare/full JIDs that should receive from's
	// available/unavailable presence broadcasts.
	Subscribers(from string) []string
}

// Dispatcher lets an extension inject a stanza back into the pipeline
// (disconnect-synthesized unavailable presence, offline-queue redelivery,
// MUC broadcasts) or send directly to a resolved recipient without
// re-entering extension dispatch.
type Dispatcher interface {
	// Dispatch re-enters s into the extension pipeline from the top.
	Dispatch(s stanza.Stanza)
	// Deliver routes s directly (spec.md §4.2) without pipeline dispatch,
	// used once a stanza has already been through the pipeline.
	Deliver(s stanza.Stanza)
}
