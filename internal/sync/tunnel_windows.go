//go:build windows
// +build windows

// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"errors"
	"net"

	"github.com/skauthority/keysync/internal/model"
)

// TunnelHandle exists on Windows only to keep the transport API
// uniform; jump-host chains need a Unix socket pair to bridge the ssh
// child process and are not available here.
type TunnelHandle struct{}

var startTunnel = func(server *model.Server, identityFile string, opts JumphostSecurityOptions) (*TunnelHandle, error) {
	return nil, errors.New("The tunnel connection via jumphost(s) failed: jump-host chains are not supported on windows")
}

func (t *TunnelHandle) Conn() net.Conn        { return nil }
func (t *TunnelHandle) StderrSummary() string { return "" }
func (t *TunnelHandle) Close()                {}
