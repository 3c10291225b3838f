// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/storage"
)

func ha1Hex(username, domain, password string) string {
	sum := md5.Sum([]byte(username + ":" + domain + ":" + password))
	return hex.EncodeToString(sum[:])
}

func TestFileCheckerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	contents := "# comment\n\nalice@example.d:" + ha1Hex("alice", "example.d", "hunter2") + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := auth.NewFileChecker(path)
	if err != nil {
		t.Fatalf("NewFileChecker: %v", err)
	}

	if err := c.CheckPassword(context.Background(), "alice", "example.d", "hunter2"); err != nil {
		t.Fatalf("CheckPassword(correct): %v", err)
	}
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "wrong"); err != auth.ErrNoSuchUser {
		t.Fatalf("CheckPassword(wrong) = %v, want ErrNoSuchUser", err)
	}
	if _, err := c.HA1(context.Background(), "bob", "example.d"); err != auth.ErrNoSuchUser {
		t.Fatalf("HA1(unknown) = %v, want ErrNoSuchUser", err)
	}
}

func TestFileCheckerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(path, []byte("alice@example.d:"+ha1Hex("alice", "example.d", "first")+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := auth.NewFileChecker(path)
	if err != nil {
		t.Fatalf("NewFileChecker: %v", err)
	}
	if err := os.WriteFile(path, []byte("alice@example.d:"+ha1Hex("alice", "example.d", "second")+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "second"); err != nil {
		t.Fatalf("CheckPassword after reload: %v", err)
	}
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "first"); err != auth.ErrNoSuchUser {
		t.Fatalf("CheckPassword(stale) = %v, want ErrNoSuchUser", err)
	}
}

func TestHTTPCheckerCheckPasswordAndDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		username, domain := r.Form.Get("username"), r.Form.Get("domain")
		if username != "alice" || domain != "example.d" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if password := r.Form.Get("password"); password != "" {
			if password != "hunter2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		// digest-only request
		w.Write([]byte(ha1Hex("alice", "example.d", "hunter2")))
	}))
	defer srv.Close()

	c := auth.NewHTTPChecker(srv.URL)
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "hunter2"); err != nil {
		t.Fatalf("CheckPassword(correct): %v", err)
	}
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "wrong"); err != auth.ErrNoSuchUser {
		t.Fatalf("CheckPassword(wrong) = %v, want ErrNoSuchUser", err)
	}

	digest, err := c.HA1(context.Background(), "alice", "example.d")
	if err != nil {
		t.Fatalf("HA1: %v", err)
	}
	if hex.EncodeToString(digest) != ha1Hex("alice", "example.d", "hunter2") {
		t.Fatalf("HA1 = %x, want the server's digest", digest)
	}
	if _, err := c.HA1(context.Background(), "bob", "example.d"); err != auth.ErrNoSuchUser {
		t.Fatalf("HA1(unknown) = %v, want ErrNoSuchUser", err)
	}
}

func TestHTTPCheckerCachesDigest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(ha1Hex("alice", "example.d", "hunter2")))
	}))
	defer srv.Close()

	c := auth.NewHTTPChecker(srv.URL)
	if _, err := c.HA1(context.Background(), "alice", "example.d"); err != nil {
		t.Fatalf("HA1: %v", err)
	}
	if _, err := c.HA1(context.Background(), "alice", "example.d"); err != nil {
		t.Fatalf("HA1 (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("want a single upstream call with the digest cached, got %d", calls)
	}
}

func TestSQLCheckerRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	c := auth.NewSQLChecker(store)

	sum := md5.Sum([]byte("alice:example.d:hunter2"))
	if err := c.SetHA1(context.Background(), "alice", "example.d", sum[:]); err != nil {
		t.Fatalf("SetHA1: %v", err)
	}

	if err := c.CheckPassword(context.Background(), "alice", "example.d", "hunter2"); err != nil {
		t.Fatalf("CheckPassword(correct): %v", err)
	}
	if err := c.CheckPassword(context.Background(), "alice", "example.d", "wrong"); err != auth.ErrNoSuchUser {
		t.Fatalf("CheckPassword(wrong) = %v, want ErrNoSuchUser", err)
	}
	if _, err := c.HA1(context.Background(), "bob", "example.d"); err != auth.ErrNoSuchUser {
		t.Fatalf("HA1(unknown) = %v, want ErrNoSuchUser", err)
	}
}
