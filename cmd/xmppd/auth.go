// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/storage"
)

// buildChecker dispatches on rawURL's scheme to one of the three
// auth.Checker backends, mirroring mod_auth.cpp's
// XmppPasswordChecker::create URL-scheme dispatch (file://, http(s)://,
// sql://).
func buildChecker(rawURL string, store storage.Store) (auth.Checker, error) {
	switch {
	case rawURL == "":
		return nil, fmt.Errorf("auth: no url configured")
	case strings.HasPrefix(rawURL, "file://"):
		return auth.NewFileChecker(strings.TrimPrefix(rawURL, "file://"))
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return auth.NewHTTPChecker(rawURL), nil
	case strings.HasPrefix(rawURL, "sql://"):
		return auth.NewSQLChecker(store), nil
	default:
		return nil, fmt.Errorf("auth: unrecognized url scheme %q", rawURL)
	}
}
