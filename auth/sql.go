// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/wifirst/xmppd/storage"
)

// SQLChecker is the storage-backed password provider (mod_auth.cpp's
// SqlBackend, generalized onto the storage.Store contract instead of a
// hand-rolled prepared statement): one row per "user@domain" keyed
// account, holding its HA1 digest.
type SQLChecker struct {
	store storage.Store
}

// NewSQLChecker returns a SQLChecker reading from store's credentials
// table.
func NewSQLChecker(store storage.Store) *SQLChecker {
	return &SQLChecker{store: store}
}

// HA1 implements Checker.
func (c *SQLChecker) HA1(ctx context.Context, username, domain string) ([]byte, error) {
	cur, err := c.store.Find(ctx, storage.Query{
		Table: storage.TableCredentials,
		Where: []storage.Predicate{{Column: "jid", Op: "=", Value: username + "@" + domain}},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
	}
	defer cur.Close()

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
		}
		return nil, ErrNoSuchUser
	}
	hexDigest, _ := cur.At()["ha1"].(string)
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != 16 {
		return nil, fmt.Errorf("%w: malformed digest for %s@%s", ErrTemporary, username, domain)
	}
	return raw, nil
}

// CheckPassword implements Checker by hashing password and comparing
// against the stored digest.
func (c *SQLChecker) CheckPassword(ctx context.Context, username, domain, password string) error {
	return checkPasswordViaHA1(ctx, c, username, domain, password)
}

// SetHA1 upserts a precomputed digest for username@domain, used by
// provisioning tools and tests rather than the XMPP wire protocol
// itself.
func (c *SQLChecker) SetHA1(ctx context.Context, username, domain string, digest []byte) error {
	return c.store.Save(ctx, storage.TableCredentials, []string{"jid"}, storage.Row{
		"jid": username + "@" + domain,
		"ha1": hex.EncodeToString(digest),
	})
}
