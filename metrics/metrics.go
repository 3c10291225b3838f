// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package metrics defines the counter/gauge sink the core emits through,
// grounded on mod_stat.cpp from the original implementation: a flat
// namespace of string-keyed counters, readable later through the HTTP
// admin surface's /stats/<key> endpoint and/or shipped to statsd.
package metrics // import "github.com/wifirst/xmppd/metrics"

// Sink receives counter increments and gauge sets from every component.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Count adds delta to the named counter.
	Count(name string, delta int64)
	// Gauge sets the named gauge to value.
	Gauge(name string, value int64)
	// Get returns the current value of a counter or gauge, and whether it
	// has ever been set.
	Get(name string) (int64, bool)
}

// Nop is a Sink that discards everything; useful in tests and as the
// default when no metrics backend is configured.
type Nop struct{}

func (Nop) Count(string, int64)       {}
func (Nop) Gauge(string, int64)       {}
func (Nop) Get(string) (int64, bool) { return 0, false }
