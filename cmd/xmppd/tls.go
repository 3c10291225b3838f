// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"

	"golang.org/x/crypto/acme/autocert"

	"github.com/wifirst/xmppd/config"
)

// buildTLSConfig resolves the c2s listener's STARTTLS certificate source:
// a static cert/key pair, or golang.org/x/crypto/acme/autocert when the
// deployment wants certificates provisioned and renewed automatically.
// Returns nil if neither is configured, in which case STARTTLS is simply
// not offered (internal/stream.Acceptor treats a nil TLSConfig that way).
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	switch {
	case cfg.ACME.Enabled:
		cacheDir := cfg.ACME.CacheDir
		if cacheDir == "" {
			cacheDir = "acme-cache"
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cacheDir),
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Email:      cfg.ACME.Email,
		}
		return manager.TLSConfig(), nil

	case cfg.TLSCert != "" && cfg.TLSKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil

	default:
		return nil, nil
	}
}
