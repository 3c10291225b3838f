// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package metrics

import (
	"sync"

	"github.com/wifirst/xmppd/internal/statsd"
)

// Memory is an in-process Sink that also mirrors every counter/gauge to a
// statsd daemon via internal/statsd when configured with a non-empty
// address.
type Memory struct {
	client *statsd.Client // nil if no statsd host configured

	mu     sync.Mutex
	values map[string]int64
}

// NewMemory returns a Sink that keeps counters in memory and, if addr is
// non-empty, forwards every Count/Gauge call to a statsd daemon at addr
// (host:port) over UDP.
func NewMemory(prefix, addr string) (*Memory, error) {
	m := &Memory{values: make(map[string]int64)}
	if addr == "" {
		return m, nil
	}
	client, err := statsd.Dial(addr, prefix)
	if err != nil {
		return nil, err
	}
	m.client = client
	return m, nil
}

// Count implements Sink.
func (m *Memory) Count(name string, delta int64) {
	m.mu.Lock()
	m.values[name] += delta
	m.mu.Unlock()
	if m.client != nil {
		m.client.Count(name, delta)
	}
}

// Gauge implements Sink.
func (m *Memory) Gauge(name string, value int64) {
	m.mu.Lock()
	m.values[name] = value
	m.mu.Unlock()
	if m.client != nil {
		m.client.Gauge(name, value)
	}
}

// Get implements Sink.
func (m *Memory) Get(name string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	return v, ok
}
