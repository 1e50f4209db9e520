// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/skauthority/keysync/internal/logging"
	"github.com/skauthority/keysync/internal/model"
)

// Stable failure codes, used verbatim in persisted status messages.
const (
	CodeSSHTimeout                  = "ssh_timeout"
	CodeHostKeyVerificationFailed   = "host_key_verification_failed"
	CodeHostKeyCollision            = "host_key_collision"
	CodeIPCollision                 = "ip_collision"
	CodeHostnameVerificationFailed  = "hostname_verification_failed"
	CodeHostnameAllowlistUnreadable = "hostname_allowlist_unreadable"
	CodeSSHAuthenticationFailed     = "ssh_authentication_failed"
	CodeJumphostTunnelFailed        = "jumphost_tunnel_failed"
	CodeHostKeyUnavailable          = "host_key_unavailable"
	CodeKeyDirectoryAccessFailed    = "key_directory_access_failed"
	CodeWorkerProcessError          = "worker_process_error"
	CodeSSHConnectionFailed         = "ssh_connection_failed"
	CodeSyncFailure                 = "sync_failure"
	CodeCleanupFailed               = "cleanup_failed"
	CodeAccountSyncFailed           = "account_sync_failed"
	CodeDecommissionCleanupFailed   = "decommission_cleanup_failed"
	CodeMonitoringStatusWriteFailed = "monitoring_status_write_failed"
)

// RescheduleDelay is the fixed retry delay applied after a failed sync.
const RescheduleDelay = 30 * time.Minute

// maxReasonLength bounds the reason fragment embedded in status messages.
const maxReasonLength = 240

// reasonPatterns maps normalized reason substrings to failure codes, in
// priority order. First match wins.
var reasonPatterns = []struct {
	substr string
	code   string
}{
	{"timed out", CodeSSHTimeout},
	{"host key verification failed", CodeHostKeyVerificationFailed},
	{"multiple hosts with same host key", CodeHostKeyCollision},
	{"multiple hosts with same ip address", CodeIPCollision},
	{"hostname check failed", CodeHostnameVerificationFailed},
	{"could not read /var/local/keys-sync/.hostnames", CodeHostnameAllowlistUnreadable},
	{"ssh authentication failed", CodeSSHAuthenticationFailed},
	{"tunnel connection via jumphost", CodeJumphostTunnelFailed},
	{"could not receive host key", CodeHostKeyUnavailable},
	{"cannot access key directory", CodeKeyDirectoryAccessFailed},
	{"internal error during sync", CodeWorkerProcessError},
}

// ClassifyReason maps a raw failure reason to a stable failure code. The
// classification is a pure function of the normalized reason text.
func ClassifyReason(reason string) string {
	normalized := strings.ToLower(normalizeReason(reason))
	if normalized == "" {
		return CodeSyncFailure
	}
	for _, p := range reasonPatterns {
		if strings.Contains(normalized, p.substr) {
			return p.code
		}
	}
	return CodeSSHConnectionFailed
}

// ComposeMessage builds the classified, semicolon-joined status message:
// "<summary>[; reason=<reason>]; code=<code>[; retry=<N>m]".
func ComposeMessage(summary, reason, code string, reschedule bool) string {
	parts := []string{strings.TrimSpace(summary)}
	if r := normalizeReason(reason); r != "" {
		parts = append(parts, "reason="+r)
	}
	parts = append(parts, "code="+code)
	if reschedule {
		parts = append(parts, fmt.Sprintf("retry=%dm", int(RescheduleDelay.Minutes())))
	}
	return strings.Join(parts, "; ")
}

// normalizeReason collapses whitespace, trims, and truncates overlong
// reasons to 240 characters plus an ellipsis marker. Normalization is
// idempotent for inputs already within the length bound.
func normalizeReason(reason string) string {
	text := strings.Join(strings.Fields(reason), " ")
	if text == "" {
		return ""
	}
	if len(text) > maxReasonLength {
		return text[:maxReasonLength] + "..."
	}
	return text
}

// FailureReporter persists classified sync failures and non-fatal issues.
type FailureReporter struct {
	sink StatusSink
}

// NewFailureReporter returns a reporter writing through the given sink.
func NewFailureReporter(sink StatusSink) *FailureReporter {
	return &FailureReporter{sink: sink}
}

// ReportServerFailure writes a classified failure as the server's sync
// status and optionally schedules a retry. An empty code is derived from
// the reason via ClassifyReason.
func (r *FailureReporter) ReportServerFailure(server *model.Server, summary, reason, code string, reschedule bool) {
	if code == "" {
		code = ClassifyReason(reason)
	}
	message := ComposeMessage(summary, reason, code, reschedule)
	if err := r.sink.SetServerSyncStatus(server.ID, model.SyncStatusFailure, message); err != nil {
		logging.Warnf("failed to persist sync failure for %s: %v", server.Hostname, err)
	}
	if reschedule {
		if err := r.sink.RescheduleSyncRequest(server.ID, RescheduleDelay); err != nil {
			logging.Warnf("failed to reschedule sync for %s: %v", server.Hostname, err)
		}
	}
}

// LogNonfatalIssue records a classified secondary failure as a
// warning-level log entry without touching the primary sync status.
func (r *FailureReporter) LogNonfatalIssue(server *model.Server, summary, reason, code string) {
	message := ComposeMessage(summary, reason, code, false)
	if err := r.sink.AddServerLog(server.ID, "Sync non-fatal issue", message, model.LogWarning); err != nil {
		logging.Warnf("failed to log non-fatal sync issue for %s: %v", server.Hostname, err)
	}
}

// FailureDiagnostics exposes the reporter's fixed scheduling parameters.
type FailureDiagnostics struct {
	RescheduleDelayMinutes int
}

// ReporterDiagnostics returns the operational parameters of failure
// reporting for the --diagnostics view.
func ReporterDiagnostics() FailureDiagnostics {
	return FailureDiagnostics{RescheduleDelayMinutes: int(RescheduleDelay.Minutes())}
}
