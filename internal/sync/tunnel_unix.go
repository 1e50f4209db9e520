//go:build !windows
// +build !windows

// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/skauthority/keysync/internal/model"
)

// TunnelHandle owns the ssh child process bridging stdio through the
// jump-host chain and the parent half of its socket pair. Both must be
// released on every exit path.
type TunnelHandle struct {
	conn   net.Conn
	cmd    *exec.Cmd
	stderr lockedBuffer

	mu   sync.Mutex
	done bool
}

// startTunnel spawns the proxy command for the server's jump-host
// chain. The returned handle's Conn carries the raw SSH transport to
// the target.
var startTunnel = func(server *model.Server, identityFile string, opts JumphostSecurityOptions) (*TunnelHandle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket pair: %w", err)
	}
	childFile := os.NewFile(uintptr(fds[0]), "tunnel-child")
	parentFile := os.NewFile(uintptr(fds[1]), "tunnel-parent")

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, fmt.Errorf("failed to wrap socket pair: %w", err)
	}

	t := &TunnelHandle{conn: conn}
	cmd := exec.Command("/bin/sh", "-c", buildProxyCommand(server, identityFile, opts))
	cmd.Stdin = childFile
	cmd.Stdout = childFile
	cmd.Stderr = &t.stderr
	if err := cmd.Start(); err != nil {
		childFile.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start tunnel command: %w", err)
	}
	childFile.Close()
	t.cmd = cmd
	return t, nil
}

// Conn returns the parent end of the tunnel transport.
func (t *TunnelHandle) Conn() net.Conn { return t.conn }

// StderrSummary returns a one-line bounded summary of the tunnel
// command's stderr output, empty when nothing was written.
func (t *TunnelHandle) StderrSummary() string {
	return summarizeStderr(t.stderr.String())
}

// Close tears the tunnel down: socket closed, child reaped.
func (t *TunnelHandle) Close() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	if t.conn != nil {
		t.conn.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
}
