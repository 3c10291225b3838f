// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the server's layered configuration (TOML file plus
// environment overrides) using github.com/knadh/koanf/v2, the same style
// the meszmate-roster client in the example pack uses for its own config
// (BurntSushi/toml underneath koanf's toml parser).
package config // import "github.com/wifirst/xmppd/config"

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// C2S is the client-to-server listener configuration.
type C2S struct {
	Enabled bool   `koanf:"enabled"`
	Port    int    `koanf:"port"`
}

// S2S is the server-to-server listener configuration.
type S2S struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// Database holds the storage backend's connection parameters.
type Database struct {
	Driver   string `koanf:"driver"`
	Name     string `koanf:"name"`
	Host     string `koanf:"host"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Debug    bool   `koanf:"debug"`
}

// HTTPAdmin holds the admin/diagnostics HTTP surface's listener and
// feature-gating settings (spec.md §6 HTTP admin surface).
type HTTPAdmin struct {
	Enabled      bool   `koanf:"enabled"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	AdminEnabled bool   `koanf:"adminEnabled"`
	AuthPath     string `koanf:"authPath"`
	StaticRoot   string `koanf:"staticRoot"`
	StaticURL    string `koanf:"staticUrl"`
}

// BOSH holds the HTTP long-poll binding's mount point (spec.md §6 BOSH
// transport), served alongside the admin HTTP surface rather than its
// own listener.
type BOSH struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ACME holds golang.org/x/crypto/acme/autocert settings, an alternative to
// TLSCert/TLSKey for deployments that want certificates provisioned and
// renewed automatically rather than supplied as static files.
type ACME struct {
	Enabled  bool   `koanf:"enabled"`
	Email    string `koanf:"email"`
	CacheDir string `koanf:"cacheDir"`
}

// Auth selects and configures the password provider (spec.md §6 "Password
// provider contract"), dispatched by URL scheme the way mod_auth.cpp's
// XmppPasswordChecker::create dispatches on its settings URL: "file://" for
// FileChecker, "http://"/"https://" for HTTPChecker, "sql://" for
// SQLChecker (using the already-open database connection).
type Auth struct {
	URL string `koanf:"url"`
}

// MUC configures the multi-user-chat service (spec.md §4.5).
type MUC struct {
	Domain       string   `koanf:"domain"`
	ServerAdmins []string `koanf:"serverAdmins"`
}

// Share configures the file-share coordinator (spec.md §4.10).
type Share struct {
	Domain         string   `koanf:"domain"`
	AllowedDomains []string `koanf:"allowedDomains"`
	ForceProxy     bool     `koanf:"forceProxy"`
	RedirectDomain string   `koanf:"redirectDomain"`
}

// Proxy65 configures the SOCKS5 bytestream proxy (spec.md §4.8).
type Proxy65 struct {
	Domain         string   `koanf:"domain"`
	AllowedDomains []string `koanf:"allowedDomains"`
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
}

// Turn configures the STUN/TURN relay (spec.md §4.9).
type Turn struct {
	Host  string `koanf:"host"`
	Port  int    `koanf:"port"`
	Realm string `koanf:"realm"`
}

// Config is the top-level, recognized server configuration (spec.md §6).
type Config struct {
	Domain       string    `koanf:"domain"`
	TLSCert      string    `koanf:"tls_cert"`
	TLSKey       string    `koanf:"tls_key"`
	ACME         ACME      `koanf:"acme"`
	C2S          C2S       `koanf:"c2s"`
	S2S          S2S       `koanf:"s2s"`
	Database     Database  `koanf:"database"`
	HTTPAdmin    HTTPAdmin `koanf:"httpadmin"`
	BOSH         BOSH      `koanf:"bosh"`
	Auth         Auth      `koanf:"auth"`
	MUC          MUC       `koanf:"muc"`
	Share        Share     `koanf:"share"`
	Proxy65      Proxy65   `koanf:"proxy65"`
	Turn         Turn      `koanf:"turn"`
	LogFile      string    `koanf:"logFile"`
	LogLevel     string    `koanf:"logLevel"`
	StatsdHost   string    `koanf:"statsdHost"`
	StatsdPort   int       `koanf:"statsdPort"`
	StatsdPrefix string    `koanf:"statsdPrefix"`

	// k holds the full layered tree, including the per-extension tables
	// ([extension_name]) that Config's fixed fields above don't name.
	k *koanf.Koanf
}

// Load reads path (TOML) and overlays any XMPPD_-prefixed environment
// variables (XMPPD_DOMAIN, XMPPD_C2S_PORT, ...).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("XMPPD_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{k: k}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.k = k
	return cfg, nil
}

func envTransform(s, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(s, "XMPPD_"))
	return strings.ReplaceAll(key, "_", "."), v
}

// Extension returns the raw sub-tree for a named extension's [extension]
// config table, for use with Extension.Configure.
func (c *Config) Extension(name string) *koanf.Koanf {
	if c.k == nil {
		return koanf.New(".")
	}
	return c.k.Cut(name)
}
