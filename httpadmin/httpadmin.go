// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package httpadmin implements the read-mostly HTTP admin surface
// (spec.md §6): a bound-session listing, pending subscription requests,
// counter readback, a federation diagnostics probe and a bandwidth test
// endpoint, grounded on mod_stat.cpp, mod_diag.cpp and mod_http.cpp from
// the original implementation.
package httpadmin // import "github.com/wifirst/xmppd/httpadmin"

import (
	"encoding/xml"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/storage"
	"go.uber.org/zap"
)

// SessionLister is the subset of *server.Registry the /clients/ listing
// needs.
type SessionLister interface {
	All() []*server.Session
}

// Admin serves the HTTP admin endpoints. Diagnostics may be nil, in
// which case /speed/ and /diagnostics/nodes/ are not mounted.
type Admin struct {
	Registry    SessionLister
	Store       storage.Store
	Metrics     MetricsReader
	Checker     auth.Checker
	Domain      string
	AuthPath    string
	AdminMode   bool
	StaticRoot  string
	StaticURL   string
	Diagnostics *Diagnostics
	Logger      *zap.Logger
}

// MetricsReader is the subset of metrics.Sink the /stats/<key> endpoint
// needs.
type MetricsReader interface {
	Get(name string) (int64, bool)
}

// Handler builds the admin surface's http.Handler. Routes mirror the
// Django URL-resolver table mod_http.cpp/mod_stat.cpp/mod_diag.cpp
// registered on start, just expressed with net/http.ServeMux.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/clients/", a.handleClients)
	mux.HandleFunc("/requests/", a.handleRequests)
	mux.HandleFunc("/stats/", a.handleStats)

	if a.Diagnostics != nil {
		// /speed/ is always served, admin mode or not (mod_diag.cpp's
		// start() registers it unconditionally).
		mux.HandleFunc("/speed/", a.Diagnostics.serveSpeed)
		if a.AdminMode {
			mux.HandleFunc("/diagnostics/nodes/", a.Diagnostics.serveNodes)
		}
	}

	if a.AuthPath != "" {
		mux.HandleFunc("/"+strings.Trim(a.AuthPath, "/"), a.handleAuth)
	}

	if a.StaticRoot != "" && a.StaticURL != "" {
		prefix := a.StaticURL
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		static := http.StripPrefix(prefix, http.FileServer(http.Dir(a.StaticRoot)))
		mux.Handle(prefix, corsStatic(static))
	}

	return a.logRequests(mux)
}

// logRequests wraps h with access logging matching
// XmppServerHttp::_q_requestFinished's one-line-per-request format.
func (a *Admin) logRequests(h http.Handler) http.Handler {
	if a.Logger == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		a.Logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int("bytes", sw.bytes),
			zap.String("referer", orDash(r.Referer())),
			zap.String("userAgent", orDash(r.UserAgent())))
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// corsStatic mirrors XmppServerHttp::_q_serveStatic's blanket CORS header
// on every static response.
func corsStatic(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		h.ServeHTTP(w, r)
	})
}

type clientsDoc struct {
	XMLName xml.Name      `xml:"clients"`
	Clients []clientEntry `xml:"client"`
}

type clientEntry struct {
	JID           string `xml:"jid,attr"`
	RemoteAddress string `xml:"remoteAddress,attr,omitempty"`
	RemotePort    string `xml:"remotePort,attr,omitempty"`
}

// handleClients serves GET /clients/, an XML list of every bound Session
// (mod_stat.cpp's serveClients).
func (a *Admin) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := clientsDoc{}
	for _, sess := range a.Registry.All() {
		entry := clientEntry{JID: sess.JID().String()}
		if host, port, err := net.SplitHostPort(sess.RemoteAddr()); err == nil {
			entry.RemoteAddress = host
			entry.RemotePort = port
		}
		doc.Clients = append(doc.Clients, entry)
	}
	writeXML(w, doc)
}

type requestsDoc struct {
	XMLName  xml.Name       `xml:"requests"`
	Requests []requestEntry `xml:"request"`
}

type requestEntry struct {
	ID   string `xml:"id,attr"`
	To   string `xml:"to,attr"`
	From string `xml:"from,attr"`
}

// handleRequests serves GET /requests/, the pending inbound subscription
// requests (roster rows with ask=From and subscription=0, per spec.md §6
// and mod_stat.cpp's serveRequests).
func (a *Admin) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur, err := a.Store.Find(r.Context(), storage.Query{
		Table: storage.TableRoster,
		Where: []storage.Predicate{{Column: "sub", Op: "=", Value: 0}},
	})
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	defer cur.Close()

	const askFrom = 2 // roster.Bits' From bit; see roster.Contact.Ask
	doc := requestsDoc{}
	for cur.Next(r.Context()) {
		row := cur.At()
		if rowInt(row["ask"])&askFrom == 0 {
			continue
		}
		owner, _ := row["owner"].(string)
		peer, _ := row["peer"].(string)
		doc.Requests = append(doc.Requests, requestEntry{
			ID:   owner + "|" + peer,
			To:   owner,
			From: peer,
		})
	}
	writeXML(w, doc)
}

// rowInt coerces a storage.Row value coming back from either the
// in-memory or sqlite backend into an int, matching the defensive
// coercion roster.toInt already does for the same reason (a sqlite
// driver may hand back int64, json-decoded test fixtures float64).
func rowInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// handleStats serves GET /stats/<key>, a plain-text counter value
// (mod_stat.cpp's serveStatistics).
func (a *Admin) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/stats/")
	if key == "" || a.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	value, ok := a.Metrics.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(strconv.FormatInt(value, 10)))
}

// handleAuth serves POST /<configured auth path>, checking a username/
// password form against Checker (spec.md §6's configurable auth path).
func (a *Admin) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	err := a.Checker.CheckPassword(r.Context(), username, a.Domain, password)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, auth.ErrTemporary):
		http.Error(w, "backend error", http.StatusInternalServerError)
	default:
		http.NotFound(w, r)
	}
}

func writeXML(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(doc)
}
