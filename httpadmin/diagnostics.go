// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package httpadmin

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/wifirst/xmppd/disco/info"
	"github.com/wifirst/xmppd/internal/attr"
	"github.com/wifirst/xmppd/internal/ns"
	"github.com/wifirst/xmppd/jid"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/stanza"
	"github.com/wifirst/xmppd/storage"
)

// fastRetry/slowRetry gate how often a federation peer is re-probed
// (mod_diag.cpp's FAST_RETRY/SLOW_RETRY).
const (
	fastRetry = 60 * time.Second
	slowRetry = 60 * time.Minute
)

// Diagnostics is a component extension that probes remote domains for
// disco#info/diagnostic support and caches the result per bare JID,
// exposed through the /diagnostics/nodes/ and /speed/ HTTP endpoints
// (mod_diag.cpp).
type Diagnostics struct {
	domain  string
	jid     jid.JID
	store   storage.Store
	d       server.Dispatcher
}

// NewDiagnostics returns a Diagnostics component addressed as
// "diagnostics.<domain>".
func NewDiagnostics(domain string, store storage.Store) *Diagnostics {
	return &Diagnostics{
		domain: domain,
		jid:    jid.New("", "diagnostics."+domain, ""),
		store:  store,
	}
}

func (e *Diagnostics) Name() string                     { return "diagnostics" }
func (e *Diagnostics) Priority() int                     { return -450 }
func (e *Diagnostics) Configure(*koanf.Koanf) error       { return nil }
func (e *Diagnostics) Stop() error                        { return nil }
func (e *Diagnostics) DiscoveryFeatures() []string        { return nil }

// DiscoveryItems advertises the diagnostics component under the
// aggregating disco#items listing (mod_diag.cpp's discoveryItems()).
func (e *Diagnostics) DiscoveryItems() []server.DiscoItem {
	return []server.DiscoItem{{JID: e.jid.String(), Name: "Diagnostics"}}
}

func (e *Diagnostics) Start(_ *server.Context, d server.Dispatcher) error {
	e.d = d
	return nil
}

// HandleStanza answers disco#info queries addressed to the diagnostics
// component and captures diagnostic-probe results (mod_diag.cpp's
// handleStanza).
func (e *Diagnostics) HandleStanza(s stanza.Stanza) server.Verdict {
	if !s.To.Equal(e.jid) || s.Kind != stanza.KindIQ {
		return server.Pass
	}

	name := s.PayloadName()
	switch {
	case name.Space == ns.DiscoInfo && name.Local == "query" && stanza.IQType(s.Type) == stanza.GetIQ:
		e.replyInfo(s)
		// A peer probing us is a sign it is reachable; kick its own
		// cached entry, if any, so the next /diagnostics/nodes/ read
		// doesn't serve a stale result.
		if node, ok := e.get(context.Background(), s.From.Bare()); ok {
			e.refresh(context.Background(), &node, fastRetry)
		}
		return server.Consumed

	case name.Space == ns.Diagnostic && stanza.IQType(s.Type) == stanza.ResultIQ:
		e.captureResult(s)
		return server.Consumed
	}
	return server.Pass
}

func (e *Diagnostics) replyInfo(s stanza.Stanza) {
	reply := s.Reply()
	payload := struct {
		XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
		Identities []info.Identity `xml:"identity"`
		Features   []info.Feature  `xml:"feature"`
	}{
		Identities: []info.Identity{{Category: "diagnostics", Type: "server", Name: "Diagnostics server"}},
		Features:   []info.Feature{{Var: ns.DiscoInfo}, {Var: ns.Diagnostic}},
	}
	_ = reply.EncodeElement(payload)
	e.d.Deliver(reply)
}

func (e *Diagnostics) captureResult(s stanza.Stanza) {
	bare := s.From.Bare()
	node, ok := e.get(context.Background(), bare)
	if !ok {
		return
	}
	node.ResponseStamp = time.Now()
	node.Response = s.Payload
	e.save(context.Background(), node)
}

// Probe queues a diagnostics refresh of bare, creating its cache entry if
// it doesn't already exist (mod_diag.cpp's serveNodeDetail POST).
func (e *Diagnostics) Probe(ctx context.Context, bare jid.JID) {
	node, ok := e.get(ctx, bare)
	if !ok {
		node = diagnosticNode{JID: bare}
	}
	node.QueueStamp = time.Now()
	e.save(ctx, node)
	e.refresh(ctx, &node, fastRetry)
}

// refresh sends a diagnostic probe to node.JID unless a fresher response
// or an in-flight request already covers it (mod_diag.cpp's refreshNode).
func (e *Diagnostics) refresh(ctx context.Context, node *diagnosticNode, retry time.Duration) {
	cutoff := time.Now().Add(-retry)
	if !node.ResponseStamp.IsZero() && node.ResponseStamp.After(node.QueueStamp) {
		return
	}
	if !node.RequestStamp.IsZero() && node.RequestStamp.After(cutoff) {
		return
	}

	probe := stanza.Stanza{
		Kind: stanza.KindIQ,
		ID:   attr.RandomID(),
		From: e.jid,
		To:   node.JID,
		Type: string(stanza.GetIQ),
	}
	_ = probe.EncodeElement(struct {
		XMLName xml.Name `xml:"http://www.wifirst.fr/protocol/diagnostics query"`
	}{})
	e.d.Deliver(probe)

	node.RequestStamp = time.Now()
	e.save(ctx, *node)
}

// serveSpeed serves GET /speed/, 1MiB of the byte '0' for bandwidth
// testing (mod_diag.cpp's serveSpeed), always CORS-open regardless of
// admin mode.
func (e *Diagnostics) serveSpeed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method != http.MethodGet {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	body := bytes.Repeat([]byte{'0'}, 1024*1024)
	_, _ = w.Write(body)
}

// serveNodes dispatches GET /diagnostics/nodes/ (the list) and
// GET|POST|DELETE /diagnostics/nodes/<bare_jid> (a single entry).
func (e *Diagnostics) serveNodes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/diagnostics/nodes/")
	if rest == "" {
		e.serveNodeList(w, r)
		return
	}
	e.serveNodeDetail(w, r, rest)
}

type nodesDoc struct {
	XMLName xml.Name   `xml:"nodes"`
	Domain  string     `xml:"domain,attr"`
	Nodes   []nodeElem `xml:"node"`
}

type nodeElem struct {
	JID            string `xml:"jid,attr"`
	QueueStamp     string `xml:"queueStamp,attr,omitempty"`
	RequestStamp   string `xml:"requestStamp,attr,omitempty"`
	ResponseStamp  string `xml:"responseStamp,attr,omitempty"`
}

func (e *Diagnostics) serveNodeList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := nodesDoc{Domain: e.domain}
	for _, node := range e.list(r.Context()) {
		doc.Nodes = append(doc.Nodes, nodeElem{
			JID:           node.JID.String(),
			QueueStamp:    stampOrEmpty(node.QueueStamp),
			RequestStamp:  stampOrEmpty(node.RequestStamp),
			ResponseStamp: stampOrEmpty(node.ResponseStamp),
		})
	}
	writeXML(w, doc)
}

func (e *Diagnostics) serveNodeDetail(w http.ResponseWriter, r *http.Request, bareStr string) {
	bare, err := jid.Parse(bareStr)
	if err != nil {
		http.Error(w, "bad jid", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		node, ok := e.get(r.Context(), bare)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		var buf bytes.Buffer
		buf.WriteString(`<node jid="`)
		xml.EscapeText(&buf, []byte(node.JID.String()))
		buf.WriteByte('"')
		writeStampAttr(&buf, "queueStamp", node.QueueStamp)
		writeStampAttr(&buf, "requestStamp", node.RequestStamp)
		writeStampAttr(&buf, "responseStamp", node.ResponseStamp)
		buf.WriteByte('>')
		if !node.ResponseStamp.IsZero() {
			buf.Write(node.Response)
		}
		buf.WriteString("</node>")
		_, _ = w.Write(buf.Bytes())

	case http.MethodPost:
		e.Probe(r.Context(), bare)
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if _, ok := e.get(r.Context(), bare); !ok {
			http.NotFound(w, r)
			return
		}
		e.delete(r.Context(), bare)
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func stampOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeStampAttr(buf *bytes.Buffer, name string, t time.Time) {
	if t.IsZero() {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	buf.WriteString(t.UTC().Format(time.RFC3339))
	buf.WriteByte('"')
}

// diagnosticNode is a single cached probe row (mod_diag.cpp's Diagnostic
// model).
type diagnosticNode struct {
	JID           jid.JID
	QueueStamp    time.Time
	RequestStamp  time.Time
	ResponseStamp time.Time
	Response      []byte
}

func (e *Diagnostics) get(ctx context.Context, bare jid.JID) (diagnosticNode, bool) {
	cur, err := e.store.Find(ctx, storage.Query{
		Table: storage.TableDiagnostic,
		Where: []storage.Predicate{{Column: "jid", Op: "=", Value: bare.String()}},
	})
	if err != nil {
		return diagnosticNode{}, false
	}
	defer cur.Close()
	if !cur.Next(ctx) {
		return diagnosticNode{}, false
	}
	return nodeFromRow(cur.At()), true
}

func (e *Diagnostics) list(ctx context.Context) []diagnosticNode {
	cur, err := e.store.Find(ctx, storage.Query{
		Table:   storage.TableDiagnostic,
		OrderBy: []storage.Order{{Column: "jid"}},
	})
	if err != nil {
		return nil
	}
	defer cur.Close()
	var out []diagnosticNode
	for cur.Next(ctx) {
		out = append(out, nodeFromRow(cur.At()))
	}
	return out
}

func (e *Diagnostics) save(ctx context.Context, node diagnosticNode) {
	_ = e.store.Save(ctx, storage.TableDiagnostic, []string{"jid"}, rowFromNode(node))
}

func (e *Diagnostics) delete(ctx context.Context, bare jid.JID) {
	_ = e.store.Remove(ctx, storage.TableDiagnostic, []storage.Predicate{
		{Column: "jid", Op: "=", Value: bare.String()},
	})
}

func rowFromNode(n diagnosticNode) storage.Row {
	return storage.Row{
		"jid":           n.JID.String(),
		"queueStamp":    n.QueueStamp.UnixNano(),
		"requestStamp":  n.RequestStamp.UnixNano(),
		"responseStamp": n.ResponseStamp.UnixNano(),
		"response":      string(n.Response),
	}
}

func nodeFromRow(r storage.Row) diagnosticNode {
	j, _ := jid.Parse(rowString(r["jid"]))
	return diagnosticNode{
		JID:           j,
		QueueStamp:    timeFromUnixNano(r["queueStamp"]),
		RequestStamp:  timeFromUnixNano(r["requestStamp"]),
		ResponseStamp: timeFromUnixNano(r["responseStamp"]),
		Response:      []byte(rowString(r["response"])),
	}
}

func rowString(v any) string {
	s, _ := v.(string)
	return s
}

func timeFromUnixNano(v any) time.Time {
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case int:
		n = int64(t)
	case float64:
		n = int64(t)
	}
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
