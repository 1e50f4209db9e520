// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"fmt"
	"os"
	"strings"

	"github.com/skauthority/keysync/internal/config"
)

// Known timeout utility flavors. They differ in how the duration is passed.
const (
	TimeoutUtilGNU     = "GNU"
	TimeoutUtilBusyBox = "BusyBox"
)

// fileExists is swapped in tests to control binary discovery.
var fileExists = func(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ResolveTimeoutBinary returns the timeout executable to wrap worker
// processes with. An explicit configuration wins; otherwise the usual
// install locations are probed and the bare name is left to PATH lookup.
func ResolveTimeoutBinary(cfg *config.Config) string {
	if cfg.General.TimeoutBinary != "" {
		return cfg.General.TimeoutBinary
	}
	for _, candidate := range []string{"/usr/bin/timeout", "/bin/timeout"} {
		if fileExists(candidate) {
			return candidate
		}
	}
	return "timeout"
}

// BuildTimeoutWrappedCommand quotes every argument for /bin/sh and
// prefixes the command with the configured timeout utility. BusyBox
// takes the duration as "-t N", GNU coreutils as a plain "Ns" operand.
func BuildTimeoutWrappedCommand(cfg *config.Config, seconds int, args []string) string {
	quoted := make([]string, 0, len(args)+3)
	quoted = append(quoted, shellQuote(ResolveTimeoutBinary(cfg)))
	if cfg.General.TimeoutUtil == TimeoutUtilBusyBox {
		quoted = append(quoted, shellQuote("-t"), shellQuote(fmt.Sprintf("%d", seconds)))
	} else {
		quoted = append(quoted, shellQuote(fmt.Sprintf("%ds", seconds)))
	}
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	return strings.Join(quoted, " ")
}

// shellQuote wraps a token in single quotes, escaping embedded single
// quotes with the '\'' idiom. Every token is quoted unconditionally.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RuntimeDiagnostics describes the worker runtime parameters shown by
// the --diagnostics view.
type RuntimeDiagnostics struct {
	TimeoutUtil    string
	TimeoutBinary  string
	TimeoutSeconds int
}

// DiagnoseRuntime reports the effective timeout wrapper settings.
func DiagnoseRuntime(cfg *config.Config) RuntimeDiagnostics {
	return RuntimeDiagnostics{
		TimeoutUtil:    cfg.General.TimeoutUtil,
		TimeoutBinary:  ResolveTimeoutBinary(cfg),
		TimeoutSeconds: cfg.Sync.TimeoutSeconds,
	}
}
