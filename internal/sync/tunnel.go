// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"fmt"
	"strings"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

// JumphostSecurityOptions is the security posture applied to every hop
// of a jump-host chain.
type JumphostSecurityOptions struct {
	StrictHostKeyChecking string // "yes" or "no"
	UserKnownHostsFile    string
}

// BuildJumphostSecurityOptions derives the chain options from config.
// Without strict checking the known-hosts file defaults to /dev/null;
// an explicitly configured file always wins.
func BuildJumphostSecurityOptions(cfg *config.Config) JumphostSecurityOptions {
	opts := JumphostSecurityOptions{
		StrictHostKeyChecking: "no",
		UserKnownHostsFile:    "/dev/null",
	}
	if cfg.Security.JumphostStrictHostKeyChecking {
		opts.StrictHostKeyChecking = "yes"
		opts.UserKnownHostsFile = "/etc/ssh/ssh_known_hosts"
	}
	if file := strings.TrimSpace(cfg.Security.JumphostKnownHostsFile); file != "" {
		opts.UserKnownHostsFile = file
	}
	return opts
}

// SSHDiagnostics reports the jump-host security posture for the
// --diagnostics view.
type SSHDiagnostics struct {
	JumphostStrictHostKeyChecking string
	JumphostKnownHostsFile        string
}

// DiagnoseSSH returns the effective jump-host chain settings.
func DiagnoseSSH(cfg *config.Config) SSHDiagnostics {
	opts := BuildJumphostSecurityOptions(cfg)
	return SSHDiagnostics{
		JumphostStrictHostKeyChecking: opts.StrictHostKeyChecking,
		JumphostKnownHostsFile:        opts.UserKnownHostsFile,
	}
}

// buildProxyCommand composes the nested ssh -W command that bridges
// stdio to the target through the jump-host chain. Each inner hop
// becomes the ProxyCommand of the next one.
func buildProxyCommand(server *model.Server, identityFile string, opts JumphostSecurityOptions) string {
	fixOptions := fmt.Sprintf(
		"-o BatchMode=yes -o StrictHostKeyChecking=%s -o UserKnownHostsFile=%s -i %s",
		shellQuote(opts.StrictHostKeyChecking),
		shellQuote(opts.UserKnownHostsFile),
		shellQuote(identityFile),
	)

	port := server.Port
	if port == 0 {
		port = 22
	}
	hops := make([]model.JumpHost, 0, len(server.JumpHosts)+1)
	for _, h := range server.JumpHosts {
		if h.Port == 0 {
			h.Port = 22
		}
		hops = append(hops, h)
	}
	hops = append(hops, model.JumpHost{User: "keys-sync", Host: server.Hostname, Port: port})

	var connCmd string
	for i := 0; i < len(hops)-1; i++ {
		target := shellQuote(fmt.Sprintf("%s:%d", hops[i+1].Host, hops[i+1].Port))
		hopPort := shellQuote(fmt.Sprintf("%d", hops[i].Port))
		hostDesc := shellQuote(fmt.Sprintf("%s@%s", hops[i].User, hops[i].Host))
		proxy := ""
		if i > 0 {
			proxy = " -o ProxyCommand=" + shellQuote(connCmd)
		}
		connCmd = fmt.Sprintf("ssh %s%s -W %s -p %s %s", fixOptions, proxy, target, hopPort, hostDesc)
	}
	return connCmd
}

// summarizeStderr flattens captured tunnel stderr to one bounded line
// so it fits a status message.
func summarizeStderr(stderr string) string {
	line := strings.Join(strings.Fields(stderr), " ")
	if len(line) > 200 {
		return line[:200] + "..."
	}
	return line
}
