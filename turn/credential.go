// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package turn

import "context"

// CredentialProvider resolves a long-term-credential HA1 for a username
// in a realm (spec.md §6 "Password provider contract": digest(username,
// domain) -> MD5 HA1). Lookups may block or fail, which is why this is
// the one suspension point a TURN request passes through (spec.md §5).
type CredentialProvider interface {
	HA1(ctx context.Context, username, realm string) ([]byte, error)
}
