// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

// remoteSession is the slice of Connection the orchestrator drives;
// tests supply an in-memory remote.
type remoteSession interface {
	Exec(command string) (string, error)
	ReadFile(filename string) (string, error)
	WriteFile(filename, content string) error
	DeleteFile(filename string) error
	Close()
}

// connectServer is swapped in tests to avoid real SSH connections.
var connectServer = func(ctx context.Context, server *model.Server, cfg *config.Config, sink StatusSink) (remoteSession, error) {
	return Connect(ctx, server, cfg, sink)
}

// timeNow is swapped in tests for stable output timestamps.
var timeNow = time.Now

var previewStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// Orchestrator runs the per-server sync state machine: dispatch,
// compile, connect, reconcile, clean up, report.
type Orchestrator struct {
	dir      Directory
	sink     StatusSink
	cfg      *config.Config
	reporter *FailureReporter
	compiler *Compiler
	out      io.Writer
}

func NewOrchestrator(dir Directory, sink StatusSink, cfg *config.Config, out io.Writer) *Orchestrator {
	return &Orchestrator{
		dir:      dir,
		sink:     sink,
		cfg:      cfg,
		reporter: NewFailureReporter(sink),
		compiler: NewCompiler(dir, cfg),
		out:      out,
	}
}

// printf writes one timestamped, hostname-prefixed output line.
func (o *Orchestrator) printf(hostname, format string, args ...any) {
	fmt.Fprintf(o.out, "%s %s: %s\n", timeNow().Format(time.RFC3339), hostname, fmt.Sprintf(format, args...))
}

// oneline flattens an error to a single status-message-safe line.
func oneline(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

func sha1hex(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SyncServer synchronizes one server by id. The context bounds only
// the connection attempt; once connected the sync runs to completion.
func (o *Orchestrator) SyncServer(ctx context.Context, id int, onlyUser string, preview bool) error {
	server, err := o.dir.GetServerByID(id)
	if err != nil {
		return fmt.Errorf("failed to load server %d: %w", id, err)
	}
	hostname := server.Hostname
	o.printf(hostname, "Preparing sync.")

	if server.KeyManagement == model.KeyManagementDecommissioned {
		return o.decommissionServer(ctx, server, preview)
	}
	if server.KeyManagement != model.KeyManagementKeys {
		return nil
	}

	keyfiles, syncWarning, err := o.compiler.CompileServer(server, onlyUser)
	if err != nil {
		o.printf(hostname, "Internal error during sync: %s", oneline(err))
		o.reporter.ReportServerFailure(server, "Internal error during sync", oneline(err), CodeWorkerProcessError, true)
		return err
	}

	usernames := make([]string, 0, len(keyfiles))
	for username := range keyfiles {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	if preview {
		for _, username := range usernames {
			fmt.Fprintf(o.out, "%s %s: account '%s':\n\n%s\n\n", timeNow().Format(time.RFC3339), hostname, username, previewStyle.Render(keyfiles[username].Content))
		}
		return nil
	}

	conn := o.connect(ctx, server, "", func() { o.failAllAccounts(keyfiles) })
	if conn == nil {
		return nil
	}
	defer conn.Close()

	keydir := o.cfg.Sync.KeyDir
	sha1sums := o.remoteChecksums(conn, keydir)

	accountErrors := 0
	cleanupErrors := 0
	for _, username := range usernames {
		if onlyUser != "" && username != onlyUser {
			continue
		}
		keyfile := keyfiles[username]
		remoteFilename := keydir + "/" + username
		if err := o.syncAccount(conn, server, username, remoteFilename, keyfile, sha1sums[username], syncWarning); err != nil {
			accountErrors++
			o.printf(hostname, "Sync command execution failed for %s, %s", username, oneline(err))
			if keyfile.Account != nil {
				o.sink.SetAccountSyncStatus(keyfile.Account.ID, model.SyncStatusFailure)
			}
		}
		delete(sha1sums, username)
	}

	if onlyUser == "" {
		cleanupErrors = o.cleanupUnknownFiles(conn, server, keydir, sha1sums)
	}

	o.refreshUUID(conn, server)

	failureOccurred := false
	category := model.SyncStatusSuccess
	switch {
	case cleanupErrors > 0:
		o.reporter.ReportServerFailure(server, fmt.Sprintf("Failed to clean up %d %s", cleanupErrors, plural(cleanupErrors, "file")), "", CodeCleanupFailed, false)
		failureOccurred = true
		category = model.SyncStatusFailure
	case accountErrors > 0:
		o.reporter.ReportServerFailure(server, fmt.Sprintf("%d %s failed to sync", accountErrors, plural(accountErrors, "account")), "", CodeAccountSyncFailed, false)
		failureOccurred = true
		category = model.SyncStatusFailure
	case syncWarning:
		category = model.SyncStatusWarning
		o.sink.SetServerSyncStatus(server.ID, category, "LDAP authorization is requested but LDAP is not enabled")
	default:
		o.sink.SetServerSyncStatus(server.ID, category, "Synced successfully")
	}
	if failureOccurred {
		o.sink.RescheduleSyncRequest(server.ID, RescheduleDelay)
	}

	if err := o.updateStatusFile(conn, server, category); err != nil {
		reason := oneline(err)
		o.printf(hostname, "Warning: monitoring status file update failed: %s", reason)
		if failureOccurred || syncWarning {
			o.reporter.LogNonfatalIssue(server, "Monitoring status file update failed", reason, CodeMonitoringStatusWriteFailed)
		} else {
			o.sink.SetServerSyncStatus(server.ID, model.SyncStatusWarning, ComposeMessage("Monitoring status file update failed", reason, CodeMonitoringStatusWriteFailed, false))
		}
	}
	o.printf(hostname, "Sync finished")
	return nil
}

// connect acquires the transport with uniform timeout handling. The
// suffix distinguishes decommission runs in reported summaries. On
// failure the per-run account fallout handler runs and nil is
// returned; the failure has then already been reported.
func (o *Orchestrator) connect(ctx context.Context, server *model.Server, suffix string, failAccounts func()) remoteSession {
	o.printf(server.Hostname, "Attempting to connect.")
	conn, err := connectServer(ctx, server, o.cfg, o.sink)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			o.printf(server.Hostname, "SSH connection timed out.")
			o.reporter.ReportServerFailure(server, "SSH connection timed out"+suffix, "", CodeSSHTimeout, true)
		} else {
			reason := oneline(err)
			o.printf(server.Hostname, "%s", reason)
			o.reporter.ReportServerFailure(server, "Failed to connect"+suffix, reason, "", true)
		}
		if failAccounts != nil {
			failAccounts()
		}
		return nil
	}
	return conn
}

func (o *Orchestrator) failAllAccounts(keyfiles map[string]*Keyfile) {
	for _, keyfile := range keyfiles {
		if keyfile.Account != nil {
			o.sink.SetAccountSyncStatus(keyfile.Account.ID, model.SyncStatusFailure)
		}
	}
}

// remoteChecksums runs one batch checksum command over the key
// directory and parses the per-file sums. Errors leave the map empty;
// every file is then treated as changed.
func (o *Orchestrator) remoteChecksums(conn remoteSession, keydir string) map[string]string {
	output, _ := conn.Exec("/usr/bin/sha1sum " + shellQuote(keydir) + "/*")
	re := regexp.MustCompile(`^([0-9a-f]{40})  ` + regexp.QuoteMeta(keydir) + `/(.*)$`)
	sums := map[string]string{}
	for _, entry := range strings.Split(output, "\n") {
		if m := re.FindStringSubmatch(entry); m != nil {
			sums[m[2]] = m[1]
		}
	}
	return sums
}

// syncAccount reconciles one keyfile: skip on matching checksum,
// otherwise write and fix ownership. Accounts flagged for the
// existence check get their file deleted when the OS account is gone.
func (o *Orchestrator) syncAccount(conn remoteSession, server *model.Server, username, remoteFilename string, keyfile *Keyfile, remoteSum string, syncWarning bool) error {
	create := true
	if keyfile.Check {
		output, err := conn.Exec("id " + shellQuote(username))
		if err != nil || strings.TrimSpace(output) == "" {
			create = false
		}
	}
	if create {
		if remoteSum != "" && remoteSum == sha1hex(keyfile.Content) {
			o.printf(server.Hostname, "No changes required for %s", username)
		} else {
			if err := conn.WriteFile(remoteFilename, keyfile.Content); err != nil {
				return err
			}
			if _, err := conn.Exec("chown keys-sync: " + shellQuote(remoteFilename)); err != nil {
				return err
			}
			o.printf(server.Hostname, "Updated %s", username)
		}
	} else {
		if err := conn.DeleteFile(remoteFilename); err != nil {
			return err
		}
	}
	if keyfile.Account != nil {
		if syncWarning && username != "root" {
			// Synced, but the server-side configuration cannot honor it.
			o.sink.SetAccountSyncStatus(keyfile.Account.ID, model.SyncStatusWarning)
		} else {
			o.sink.SetAccountSyncStatus(keyfile.Account.ID, model.SyncStatusSuccess)
		}
	}
	return nil
}

// cleanupUnknownFiles deletes leftover files in the key directory that
// no longer map to an account, sparing the reserved names.
func (o *Orchestrator) cleanupUnknownFiles(conn remoteSession, server *model.Server, keydir string, sha1sums map[string]string) int {
	cleanupErrors := 0
	leftovers := make([]string, 0, len(sha1sums))
	for file := range sha1sums {
		leftovers = append(leftovers, file)
	}
	sort.Strings(leftovers)
	for _, file := range leftovers {
		if file == "" || file == "keys-sync" || file == ".hostnames" {
			continue
		}
		if err := conn.DeleteFile(keydir + "/" + file); err != nil {
			cleanupErrors++
			o.printf(server.Hostname, "Couldn't remove unknown file: %s", file)
		} else {
			o.printf(server.Hostname, "Removed unknown file: %s", file)
		}
	}
	return cleanupErrors
}

// refreshUUID reads the host-local identifier, best-effort. Absent
// files and malformed content are silently ignored.
func (o *Orchestrator) refreshUUID(conn remoteSession, server *model.Server) {
	content, err := conn.ReadFile("/etc/uuid")
	if err != nil {
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(content))
	if err != nil {
		return
	}
	o.sink.SetServerUUID(server.ID, id.String())
}

// updateStatusFile refreshes the monitoring artifact in the key
// directory. The dot-prefixed name keeps it outside the checksum glob
// and the cleanup pass.
func (o *Orchestrator) updateStatusFile(conn remoteSession, server *model.Server, category string) error {
	content := fmt.Sprintf("%s %s\n", timeNow().Format(time.RFC3339), category)
	return conn.WriteFile(o.cfg.Sync.KeyDir+"/.status", content)
}

// decommissionServer removes every key file from the target except the
// reserved names, keeping the sync service's own access intact.
func (o *Orchestrator) decommissionServer(ctx context.Context, server *model.Server, preview bool) error {
	hostname := server.Hostname
	keydir := o.cfg.Sync.KeyDir
	o.printf(hostname, "Server is decommissioned, removing all keys (preserving keys-sync access).")

	if preview {
		o.printf(hostname, "[PREVIEW] Would remove all key files from %s/ except 'keys-sync' and '.hostnames'", keydir)
		return nil
	}

	conn := o.connect(ctx, server, " during decommission", nil)
	if conn == nil {
		return nil
	}
	defer conn.Close()

	if _, err := conn.Exec("test -d " + shellQuote(keydir) + " && test -r " + shellQuote(keydir)); err != nil {
		reason := oneline(err)
		o.printf(hostname, "Cannot access key directory: %s", reason)
		o.reporter.ReportServerFailure(server, "Cannot access key directory during decommission", reason, CodeKeyDirectoryAccessFailed, true)
		return nil
	}

	cleanupErrors := 0
	removed := 0

	files, listErr := o.listKeyFiles(conn, keydir)
	if listErr != nil {
		cleanupErrors++
		o.printf(hostname, "Error listing key files: %s", oneline(listErr))
	} else {
		for _, file := range files {
			file = strings.TrimSpace(file)
			if file == "" || file == "keys-sync" || file == ".hostnames" {
				continue
			}
			if err := conn.DeleteFile(keydir + "/" + file); err != nil {
				cleanupErrors++
				o.printf(hostname, "Couldn't remove key file %s: %s", file, oneline(err))
			} else {
				o.printf(hostname, "Removed key file: %s", file)
				removed++
			}
		}
		if removed == 0 {
			o.printf(hostname, "No key files found to remove (directory is empty or contains only protected files)")
		}
	}

	category := model.SyncStatusSuccess
	if cleanupErrors > 0 {
		category = model.SyncStatusFailure
		o.reporter.ReportServerFailure(server, fmt.Sprintf("Failed to remove %d key %s during decommission", cleanupErrors, plural(cleanupErrors, "file")), "", CodeDecommissionCleanupFailed, true)
	} else {
		o.sink.SetServerSyncStatus(server.ID, category, fmt.Sprintf("Decommissioned: removed %d key %s (keys-sync access preserved)", removed, plural(removed, "file")))
	}

	if err := o.updateStatusFile(conn, server, category); err != nil {
		reason := oneline(err)
		o.printf(hostname, "Warning: monitoring status file update failed during decommission: %s", reason)
		o.reporter.LogNonfatalIssue(server, "Monitoring status file update failed during decommission", reason, CodeMonitoringStatusWriteFailed)
	}

	o.printf(hostname, "Decommission completed")
	return nil
}

// listKeyFiles enumerates the key directory, preferring the checksum
// batch and falling back to a plain listing when checksums are
// unavailable due to permissions.
func (o *Orchestrator) listKeyFiles(conn remoteSession, keydir string) ([]string, error) {
	output, _ := conn.Exec("/usr/bin/sha1sum " + shellQuote(keydir) + "/* 2>&1")
	re := regexp.MustCompile(`^([0-9a-f]{40})  ` + regexp.QuoteMeta(keydir) + `/(.*)$`)
	var files []string
	for _, entry := range strings.Split(output, "\n") {
		if strings.Contains(entry, "No such file") || strings.Contains(entry, "Permission denied") {
			files = nil
			break
		}
		if m := re.FindStringSubmatch(entry); m != nil {
			files = append(files, m[2])
		}
	}
	if len(files) > 0 {
		return files, nil
	}

	output, err := conn.Exec("ls -1 " + shellQuote(keydir) + " 2>&1")
	if err != nil || strings.Contains(output, "No such file") || strings.Contains(output, "Permission denied") {
		return nil, fmt.Errorf("Failed to list files in key directory: %s", strings.Join(strings.Fields(output), " "))
	}
	var listed []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) != "" {
			listed = append(listed, line)
		}
	}
	return listed, nil
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
