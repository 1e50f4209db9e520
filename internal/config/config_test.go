// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(cwd) }()

	c, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Database.Type != "sqlite" {
		t.Errorf("unexpected database type: %q", c.Database.Type)
	}
	if c.General.TimeoutUtil != "GNU" {
		t.Errorf("unexpected timeout util: %q", c.General.TimeoutUtil)
	}
	if c.Sync.KeyDir != "/var/local/keys-sync" {
		t.Errorf("unexpected key dir: %q", c.Sync.KeyDir)
	}
	if c.Sync.MaxProcs != 20 {
		t.Errorf("unexpected max procs: %d", c.Sync.MaxProcs)
	}
	if !c.Privacy.CommentKeyFiles {
		t.Error("expected key file comments on by default")
	}
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysync.yaml")
	content := []byte(`
general:
  timeout_util: BusyBox
  timeout_binary: /opt/busybox/timeout
security:
  jumphost_strict_host_key_checking: true
  jumphost_known_hosts_file: /etc/ssh/ssh_known_hosts
privacy:
  comment_key_files: false
  history_username_env_default: true
web:
  baseurl: https://keys.example.com
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.General.TimeoutUtil != "BusyBox" {
		t.Errorf("unexpected timeout util: %q", c.General.TimeoutUtil)
	}
	if c.General.TimeoutBinary != "/opt/busybox/timeout" {
		t.Errorf("unexpected timeout binary: %q", c.General.TimeoutBinary)
	}
	if !c.Security.JumphostStrictHostKeyChecking {
		t.Error("expected strict host key checking")
	}
	if c.Privacy.CommentKeyFiles {
		t.Error("expected comments disabled")
	}
	if !c.Privacy.HistoryUsernameEnvDefault {
		t.Error("expected history env default enabled")
	}
	if c.Web.BaseURL != "https://keys.example.com" {
		t.Errorf("unexpected baseurl: %q", c.Web.BaseURL)
	}
	// Workers depend on this to re-resolve the supervisor's config.
	if c.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", c.ConfigFile, path)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysync.yaml")
	if err := os.WriteFile(path, []byte(":\tnot yaml"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(nil, path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
