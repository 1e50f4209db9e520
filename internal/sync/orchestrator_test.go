// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

// fakeRemote is a scriptable in-memory remote session.
type fakeRemote struct {
	keydir    string
	files     map[string]string // basename -> content
	etcFiles  map[string]string // absolute path -> content
	execHook  func(cmd string) (string, error, bool)
	failWrite map[string]bool
	failDel   map[string]bool
	noAccount map[string]bool // usernames failing the id probe

	execs   []string
	writes  []string
	deletes []string
	closed  bool
}

func newFakeRemote(keydir string) *fakeRemote {
	return &fakeRemote{
		keydir:    keydir,
		files:     map[string]string{},
		etcFiles:  map[string]string{},
		failWrite: map[string]bool{},
		failDel:   map[string]bool{},
		noAccount: map[string]bool{},
	}
}

func (r *fakeRemote) Exec(cmd string) (string, error) {
	r.execs = append(r.execs, cmd)
	if r.execHook != nil {
		if out, err, handled := r.execHook(cmd); handled {
			return out, err
		}
	}
	switch {
	case strings.HasPrefix(cmd, "/usr/bin/sha1sum"):
		if len(r.files) == 0 {
			return fmt.Sprintf("sha1sum: '%s/*': No such file or directory", r.keydir), errors.New("exit status 1")
		}
		names := make([]string, 0, len(r.files))
		for name := range r.files {
			if !strings.HasPrefix(name, ".") { // dotfiles escape the glob
				names = append(names, name)
			}
		}
		sort.Strings(names)
		var b strings.Builder
		for _, name := range names {
			fmt.Fprintf(&b, "%s  %s/%s\n", sha1hex(r.files[name]), r.keydir, name)
		}
		return b.String(), nil
	case strings.HasPrefix(cmd, "id "):
		username := strings.Trim(strings.TrimPrefix(cmd, "id "), "'")
		if r.noAccount[username] {
			return "", errors.New("exit status 1")
		}
		return fmt.Sprintf("uid=1000(%s) gid=1000(%s)", username, username), nil
	default:
		return "", nil
	}
}

func (r *fakeRemote) ReadFile(filename string) (string, error) {
	if content, ok := r.etcFiles[filename]; ok {
		return content, nil
	}
	return "", fmt.Errorf("Could not read file %s", filename)
}

func (r *fakeRemote) WriteFile(filename, content string) error {
	r.writes = append(r.writes, filename)
	name := strings.TrimPrefix(filename, r.keydir+"/")
	if r.failWrite[name] {
		return fmt.Errorf("Could not write to file %s", filename)
	}
	r.files[name] = content
	return nil
}

func (r *fakeRemote) DeleteFile(filename string) error {
	r.deletes = append(r.deletes, filename)
	name := strings.TrimPrefix(filename, r.keydir+"/")
	if r.failDel[name] {
		return fmt.Errorf("Could not unlink file %s", filename)
	}
	delete(r.files, name)
	return nil
}

func (r *fakeRemote) Close() { r.closed = true }

// swapConnect installs a connectServer returning the given session or
// error for the duration of the test.
func swapConnect(t *testing.T, session remoteSession, err error) {
	t.Helper()
	orig := connectServer
	connectServer = func(_ context.Context, _ *model.Server, _ *config.Config, _ StatusSink) (remoteSession, error) {
		return session, err
	}
	t.Cleanup(func() { connectServer = orig })
}

// keyWrites filters the write log down to key files, ignoring the
// monitoring status artifact.
func keyWrites(r *fakeRemote) []string {
	var out []string
	for _, w := range r.writes {
		if !strings.HasSuffix(w, "/.status") {
			out = append(out, w)
		}
	}
	return out
}

func newTestOrchestrator(dir *fakeDirectory, sink *fakeSink) (*Orchestrator, *strings.Builder) {
	var out strings.Builder
	return NewOrchestrator(dir, sink, testConfig(), &out), &out
}

func oneAccountServer(dir *fakeDirectory, name string) *model.Server {
	srv := &model.Server{ID: 1, Hostname: "h", KeyManagement: model.KeyManagementKeys}
	dir.servers = append(dir.servers, srv)
	acct := &model.ServerAccount{ID: 10, ServerID: 1, Name: name, Active: true, Server: srv}
	dir.accounts[1] = []*model.ServerAccount{acct}
	return srv
}

func TestSyncServerWritesNewKeyfile(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}

	if got := keyWrites(remote); len(got) != 1 || got[0] != "/var/local/keys-sync/deploy" {
		t.Errorf("unexpected writes: %v", got)
	}
	var chowned bool
	for _, cmd := range remote.execs {
		if cmd == "chown keys-sync: '/var/local/keys-sync/deploy'" {
			chowned = true
		}
	}
	if !chowned {
		t.Errorf("ownership not fixed, execs: %v", remote.execs)
	}
	if !strings.Contains(out.String(), "h: Updated deploy") {
		t.Errorf("missing update line:\n%s", out.String())
	}
	if sink.serverStatus[1] != model.SyncStatusSuccess || sink.serverMessage[1] != "Synced successfully" {
		t.Errorf("unexpected server status: %q %q", sink.serverStatus[1], sink.serverMessage[1])
	}
	if sink.accountStatus[10] != model.SyncStatusSuccess {
		t.Errorf("unexpected account status: %q", sink.accountStatus[10])
	}
	if !remote.closed {
		t.Error("session not closed")
	}
}

func TestSyncServerNoChangesSkipsWrite(t *testing.T) {
	dir := newFakeDirectory()
	srv := oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	// Precompute the exact content and plant it remotely.
	compiler := NewCompiler(dir, testConfig())
	keyfiles, _, err := compiler.CompileServer(srv, "")
	if err != nil {
		t.Fatal(err)
	}
	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["deploy"] = keyfiles["deploy"].Content
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if got := keyWrites(remote); len(got) != 0 {
		t.Errorf("expected zero key writes, got %v", got)
	}
	if !strings.Contains(out.String(), "No changes required for deploy") {
		t.Errorf("missing no-changes line:\n%s", out.String())
	}
}

func TestSyncServerCleansUpUnknownFiles(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["stale"] = "old content"
	remote.files["keys-sync"] = "protected"
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if len(remote.deletes) != 1 || remote.deletes[0] != "/var/local/keys-sync/stale" {
		t.Errorf("unexpected deletes: %v", remote.deletes)
	}
	if _, ok := remote.files["keys-sync"]; !ok {
		t.Error("keys-sync must never be deleted")
	}
	if !strings.Contains(out.String(), "Removed unknown file: stale") {
		t.Errorf("missing cleanup line:\n%s", out.String())
	}
}

func TestSyncServerCleanupFailureReschedules(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["stale"] = "old content"
	remote.failDel["stale"] = true
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.serverStatus[1] != model.SyncStatusFailure {
		t.Errorf("unexpected status: %q", sink.serverStatus[1])
	}
	if sink.serverMessage[1] != "Failed to clean up 1 file; code=cleanup_failed" {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if sink.rescheduled[1] != RescheduleDelay {
		t.Error("cleanup failure must reschedule")
	}
}

func TestSyncServerAccountWriteFailureIsIsolated(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "h", KeyManagement: model.KeyManagementKeys}
	dir.servers = append(dir.servers, srv)
	dir.accounts[1] = []*model.ServerAccount{
		{ID: 10, ServerID: 1, Name: "alpha", Active: true, Server: srv},
		{ID: 11, ServerID: 1, Name: "beta", Active: true, Server: srv},
	}
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.failWrite["alpha"] = true
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.accountStatus[10] != model.SyncStatusFailure {
		t.Errorf("failing account not marked: %q", sink.accountStatus[10])
	}
	if sink.accountStatus[11] != model.SyncStatusSuccess {
		t.Errorf("other account must still sync: %q", sink.accountStatus[11])
	}
	if sink.serverMessage[1] != "1 account failed to sync; code=account_sync_failed" {
		t.Errorf("unexpected server message: %q", sink.serverMessage[1])
	}
	if sink.rescheduled[1] != RescheduleDelay {
		t.Error("account failure must reschedule")
	}
}

func TestSyncServerConnectFailure(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	swapConnect(t, nil, errors.New("SSH authentication failed"))

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	want := "Failed to connect; reason=SSH authentication failed; code=ssh_authentication_failed; retry=30m"
	if sink.serverMessage[1] != want {
		t.Errorf("got %q, want %q", sink.serverMessage[1], want)
	}
	if sink.accountStatus[10] != model.SyncStatusFailure {
		t.Error("pending accounts must be failed on connect failure")
	}
	if !strings.Contains(out.String(), "Attempting to connect.") {
		t.Errorf("missing connect line:\n%s", out.String())
	}
}

func TestSyncServerConnectTimeout(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	swapConnect(t, nil, context.Canceled)

	if err := o.SyncServer(ctx, 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.serverMessage[1] != "SSH connection timed out; code=ssh_timeout; retry=30m" {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if !strings.Contains(out.String(), "SSH connection timed out.") {
		t.Errorf("missing timeout line:\n%s", out.String())
	}
}

func TestSyncServerManualLdapProbeDeletesMissingAccount(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "h", KeyManagement: model.KeyManagementKeys, Authorization: model.AuthorizationManualLDAP}
	dir.servers = append(dir.servers, srv)
	dir.users = []*model.User{{ID: 1, UID: "ghost", Active: true, LDAP: true}}
	dir.keys["ghost"] = []*model.PublicKey{{Type: "ssh-ed25519", KeyData: "GHOSTKEY"}}
	sink := newFakeSink()
	sink.accountStatus = map[int]string{}
	cfg := testConfig()
	cfg.LDAP.Enabled = true
	var out strings.Builder
	o := NewOrchestrator(dir, sink, cfg, &out)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["ghost"] = "stale keys"
	remote.noAccount["ghost"] = true
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if len(keyWrites(remote)) != 0 {
		t.Errorf("missing OS account must not be written: %v", remote.writes)
	}
	found := false
	for _, d := range remote.deletes {
		if d == "/var/local/keys-sync/ghost" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing OS account file must be deleted, deletes: %v", remote.deletes)
	}
}

func TestSyncServerPreviewDoesNotConnect(t *testing.T) {
	dir := newFakeDirectory()
	srv := oneAccountServer(dir, "deploy")
	alice := &model.User{ID: 1, UID: "alice", Active: true}
	dir.keys["alice"] = []*model.PublicKey{{Type: "ssh-ed25519", KeyData: "PREVIEWKEY"}}
	dir.access["deploy@h"] = []*model.AccessGrant{{Source: alice, GrantedBy: "admin"}}
	_ = srv
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	orig := connectServer
	connectServer = func(_ context.Context, _ *model.Server, _ *config.Config, _ StatusSink) (remoteSession, error) {
		t.Fatal("preview must not connect")
		return nil, nil
	}
	t.Cleanup(func() { connectServer = orig })

	if err := o.SyncServer(context.Background(), 1, "", true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "PREVIEWKEY") {
		t.Errorf("preview output missing key content:\n%s", out.String())
	}
	if len(sink.serverStatus) != 0 {
		t.Error("preview must not mutate state")
	}
}

func TestSyncServerRefreshesUUID(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.etcFiles["/etc/uuid"] = "0d3adb33-f000-4000-8000-000000000001\n"
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.uuids[1] != "0d3adb33-f000-4000-8000-000000000001" {
		t.Errorf("uuid not persisted: %q", sink.uuids[1])
	}
}

func TestSyncServerIgnoresMalformedUUID(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.etcFiles["/etc/uuid"] = "not a uuid"
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.uuids[1]; ok {
		t.Error("malformed uuid must be ignored")
	}
}

func TestSyncServerMonitoringFailureBecomesWarning(t *testing.T) {
	dir := newFakeDirectory()
	oneAccountServer(dir, "deploy")
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.failWrite[".status"] = true
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.serverStatus[1] != model.SyncStatusWarning {
		t.Errorf("clean sync with failed status write must end as warning: %q", sink.serverStatus[1])
	}
	if !strings.Contains(sink.serverMessage[1], "code=monitoring_status_write_failed") {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if _, ok := sink.rescheduled[1]; ok {
		t.Error("monitoring failure must not reschedule")
	}
}

func TestDecommissionRemovesAllButProtected(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "old-box", KeyManagement: model.KeyManagementDecommissioned}
	dir.servers = append(dir.servers, srv)
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["alice"] = "keys"
	remote.files["keys-sync"] = "protected"
	remote.files[".hostnames"] = "old-box"
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if len(remote.deletes) != 1 || remote.deletes[0] != "/var/local/keys-sync/alice" {
		t.Errorf("unexpected deletes: %v", remote.deletes)
	}
	if sink.serverStatus[1] != model.SyncStatusSuccess {
		t.Errorf("unexpected status: %q", sink.serverStatus[1])
	}
	if sink.serverMessage[1] != "Decommissioned: removed 1 key file (keys-sync access preserved)" {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if !strings.Contains(out.String(), "Decommission completed") {
		t.Errorf("missing completion line:\n%s", out.String())
	}
}

func TestDecommissionDeleteFailure(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "old-box", KeyManagement: model.KeyManagementDecommissioned}
	dir.servers = append(dir.servers, srv)
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.files["alice"] = "keys"
	remote.failDel["alice"] = true
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if sink.serverStatus[1] != model.SyncStatusFailure {
		t.Errorf("unexpected status: %q", sink.serverStatus[1])
	}
	if sink.serverMessage[1] != "Failed to remove 1 key file during decommission; code=decommission_cleanup_failed; retry=30m" {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if sink.rescheduled[1] != RescheduleDelay {
		t.Error("decommission cleanup failure must reschedule")
	}
}

func TestDecommissionInaccessibleKeyDirectory(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "old-box", KeyManagement: model.KeyManagementDecommissioned}
	dir.servers = append(dir.servers, srv)
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	remote := newFakeRemote("/var/local/keys-sync")
	remote.execHook = func(cmd string) (string, error, bool) {
		if strings.HasPrefix(cmd, "test -d") {
			return "", errors.New("exit status 1"), true
		}
		return "", nil, false
	}
	swapConnect(t, remote, nil)

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sink.serverMessage[1], "code=key_directory_access_failed") {
		t.Errorf("unexpected message: %q", sink.serverMessage[1])
	}
	if len(remote.deletes) != 0 {
		t.Errorf("no deletions after directory check failure, got %v", remote.deletes)
	}
}

func TestDecommissionPreview(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "old-box", KeyManagement: model.KeyManagementDecommissioned}
	dir.servers = append(dir.servers, srv)
	sink := newFakeSink()
	o, out := newTestOrchestrator(dir, sink)

	orig := connectServer
	connectServer = func(_ context.Context, _ *model.Server, _ *config.Config, _ StatusSink) (remoteSession, error) {
		t.Fatal("preview must not connect")
		return nil, nil
	}
	t.Cleanup(func() { connectServer = orig })

	if err := o.SyncServer(context.Background(), 1, "", true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "[PREVIEW]") {
		t.Errorf("missing preview line:\n%s", out.String())
	}
	if len(sink.serverStatus) != 0 {
		t.Error("preview must not mutate state")
	}
}

func TestSyncServerSkipsUnmanagedServer(t *testing.T) {
	dir := newFakeDirectory()
	srv := &model.Server{ID: 1, Hostname: "h", KeyManagement: model.KeyManagementNone}
	dir.servers = append(dir.servers, srv)
	sink := newFakeSink()
	o, _ := newTestOrchestrator(dir, sink)

	orig := connectServer
	connectServer = func(_ context.Context, _ *model.Server, _ *config.Config, _ StatusSink) (remoteSession, error) {
		t.Fatal("unmanaged server must not connect")
		return nil, nil
	}
	t.Cleanup(func() { connectServer = orig })

	if err := o.SyncServer(context.Background(), 1, "", false); err != nil {
		t.Fatal(err)
	}
	if len(sink.serverStatus) != 0 {
		t.Error("unmanaged server must not be touched")
	}
}
