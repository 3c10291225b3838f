// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"sort"

	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/stanza"
)

// Router owns the ordered extension pipeline and implements the
// normalize/dispatch/route data flow from spec.md §2 and §4.1-4.2.
//
// Dispatch runs a stanza through the full pipeline (and, if nothing
// consumes it, through routing) to completion before returning, on the
// caller's goroutine. Stanzas read off the wire reach it through
// Server.Receive, which holds a mutex across the call, so at most one
// received stanza is in the pipeline at a time (spec.md §5).
type Router struct {
	domain     string
	extensions []Extension
	registry   *Registry

	// federate forwards an out-of-domain stanza to the (out-of-scope)
	// federation transport. It may be nil, in which case such stanzas are
	// dropped.
	federate func(s stanza.Stanza)

	// offline is consulted when a stanza addressed to a local bare JID has
	// no live resource; the archive extension registers itself here to
	// implement the offline queue (spec.md §4.2, §4.6).
	offline []func(s stanza.Stanza) bool

	// priority resolves a full JID's presence priority for BestResource
	// tie-breaking; registered by the presence engine.
	priority func(full jid.JID) int
}

// NewRouter returns a Router for the given domain backed by registry.
func NewRouter(domain string, registry *Registry) *Router {
	return &Router{domain: domain, registry: registry}
}

// Register adds ext to the pipeline. Extensions must all be registered
// before the first call to Dispatch; Register sorts by priority descending,
// breaking ties by registration order (spec.md §4.1).
func (r *Router) Register(ext Extension) {
	r.extensions = append(r.extensions, ext)
	sort.SliceStable(r.extensions, func(i, j int) bool {
		return r.extensions[i].Priority() > r.extensions[j].Priority()
	})
}

// Extensions returns the registered extensions in dispatch order, used by
// the disco aggregator and the HTTP admin surface.
func (r *Router) Extensions() []Extension {
	return r.extensions
}

// SetFederation installs the out-of-domain forwarding hook.
func (r *Router) SetFederation(f func(s stanza.Stanza)) { r.federate = f }

// SetPriorityResolver installs the presence-priority lookup used by
// BestResource resource selection.
func (r *Router) SetPriorityResolver(f func(full jid.JID) int) { r.priority = f }

// RegisterOfflineHandler adds a handler consulted, in registration order,
// when a locally addressed stanza has no live resource to deliver to. A
// handler returns true if it has taken responsibility for the stanza
// (spec.md §4.2: "deliver to 'offline handler' extensions").
func (r *Router) RegisterOfflineHandler(f func(s stanza.Stanza) bool) {
	r.offline = append(r.offline, f)
}

// Normalize stamps the authenticated bare JID (and resource, if missing)
// onto s.From, as the Server does before dispatch (spec.md §2 step 2).
func (r *Router) Normalize(s stanza.Stanza, authenticated jid.JID) stanza.Stanza {
	if s.From.IsZero() {
		s.From = authenticated
	} else if s.From.Resource == "" && authenticated.Resource != "" &&
		s.From.Bare().Equal(authenticated.Bare()) {
		s.From.Resource = authenticated.Resource
	}
	return s
}

// Dispatch runs s through the extension pipeline in priority order. If no
// extension consumes it, Dispatch calls Deliver.
func (r *Router) Dispatch(s stanza.Stanza) {
	for _, ext := range r.extensions {
		if ext.HandleStanza(s) == Consumed {
			return
		}
	}
	r.Deliver(s)
}

// Deliver routes s without pipeline dispatch (spec.md §4.2):
//   - out-of-domain recipient -> federation transport, or drop
//   - full-JID recipient with a live Session -> that Session's outbox
//   - bare-JID recipient with >=1 live resource -> highest-priority resource
//   - otherwise -> offline handlers, in order, until one claims it
func (r *Router) Deliver(s stanza.Stanza) {
	if s.To.Domain != r.domain {
		if r.federate != nil {
			r.federate(s)
		}
		return
	}

	if s.To.Resource != "" {
		if sess, ok := r.registry.Session(s.To); ok {
			sess.Enqueue(s)
			return
		}
		r.tryOffline(s)
		return
	}

	if sess, ok := r.registry.BestResource(s.To, r.priority); ok {
		sess.Enqueue(s)
		return
	}
	r.tryOffline(s)
}

func (r *Router) tryOffline(s stanza.Stanza) {
	for _, h := range r.offline {
		if h(s) {
			return
		}
	}
	// No extension claimed responsibility and there is no live resource:
	// the stanza is dropped per spec.md §4.2.
}
