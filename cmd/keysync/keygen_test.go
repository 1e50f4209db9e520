// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"os"
	"strings"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func TestKeygenWritesKeyPair(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := executeCmd(t, "keygen")
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if !strings.Contains(out, "Wrote config/keys-sync and config/keys-sync.pub") {
		t.Errorf("unexpected keygen output:\n%s", out)
	}
	if !strings.Contains(out, "Key fingerprint: SHA256:") {
		t.Errorf("expected fingerprint in output:\n%s", out)
	}

	priv, err := os.ReadFile("config/keys-sync")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gossh.ParseRawPrivateKey(priv); err != nil {
		t.Errorf("generated private key does not parse: %v", err)
	}

	pub, err := os.ReadFile("config/keys-sync.pub")
	if err != nil {
		t.Fatal(err)
	}
	pk, comment, _, _, err := gossh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("generated public key does not parse: %v", err)
	}
	if pk.Type() != gossh.KeyAlgoED25519 {
		t.Errorf("unexpected key type %s", pk.Type())
	}
	if comment != "keys-sync" {
		t.Errorf("unexpected comment %q", comment)
	}

	info, err := os.Stat("config/keys-sync")
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 0600", perm)
	}
}

func TestKeygenRefusesToOverwrite(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := executeCmd(t, "keygen"); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if _, err := executeCmd(t, "keygen"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected overwrite refusal, got %v", err)
	}

	before, err := os.ReadFile("config/keys-sync.pub")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := executeCmd(t, "keygen", "--force", "--comment", "rotated"); err != nil {
		t.Fatalf("keygen --force failed: %v", err)
	}
	after, err := os.ReadFile("config/keys-sync.pub")
	if err != nil {
		t.Fatal(err)
	}
	if string(before) == string(after) {
		t.Error("expected --force to replace the key pair")
	}
	if !strings.Contains(string(after), "rotated") {
		t.Errorf("expected new comment in public key: %s", after)
	}
}
