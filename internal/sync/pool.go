// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

// pollInterval is the supervisor's sleep between subprocess polls.
var pollInterval = 200 * time.Millisecond

// lockedBuffer is an io.Writer safe against concurrent writes from
// exec copier goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// syncProcess is one worker subprocess syncing a single server.
type syncProcess struct {
	hostname string
	output   lockedBuffer
	done     chan struct{}
}

func (p *syncProcess) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// spawnSyncProcess starts a worker re-invoking this binary for one
// server, wrapped by the external timeout utility so a hanging
// connection cannot stall the whole run. A package variable so tests
// can substitute scripted workers.
var spawnSyncProcess = func(cfg *config.Config, server *model.Server, onlyUser string, preview bool) (*syncProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	line := BuildTimeoutWrappedCommand(cfg, cfg.Sync.TimeoutSeconds, workerArgs(self, cfg, server, onlyUser, preview))

	p := &syncProcess{hostname: server.Hostname, done: make(chan struct{})}
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Stdout = &p.output
	cmd.Stderr = &p.output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sync worker for %s: %w", server.Hostname, err)
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// workerArgs builds the argument list for a single-server worker. The
// supervisor's resolved config file and debug flag are forwarded so the
// worker loads the exact settings the supervisor enumerated servers
// with, not whatever default config discovery finds.
func workerArgs(self string, cfg *config.Config, server *model.Server, onlyUser string, preview bool) []string {
	args := []string{self, "--id", strconv.Itoa(server.ID)}
	if onlyUser != "" {
		args = append(args, "--user", onlyUser)
	}
	if preview {
		args = append(args, "--preview")
	}
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	return args
}

// SyncMany fans servers out to worker subprocesses, at most
// cfg.Sync.MaxProcs at a time. Worker output is flushed whole per
// server in completion order, not submission order. Servers whose key
// management mode needs no sync are skipped up front.
func SyncMany(cfg *config.Config, servers []*model.Server, onlyUser string, preview bool, out io.Writer) error {
	pending := make([]*model.Server, 0, len(servers))
	for _, server := range servers {
		if server.KeyManagement != model.KeyManagementKeys && server.KeyManagement != model.KeyManagementDecommissioned {
			continue
		}
		pending = append(pending, server)
	}

	maxProcs := cfg.Sync.MaxProcs
	if maxProcs <= 0 {
		maxProcs = 20
	}

	var active []*syncProcess
	for len(active) > 0 || len(pending) > 0 {
		for len(active) < maxProcs && len(pending) > 0 {
			server := pending[0]
			pending = pending[1:]
			p, err := spawnSyncProcess(cfg, server, onlyUser, preview)
			if err != nil {
				fmt.Fprintf(out, "%s: %v\n", server.Hostname, err)
				continue
			}
			active = append(active, p)
		}

		remaining := active[:0]
		for _, p := range active {
			if p.finished() {
				io.WriteString(out, p.output.String())
			} else {
				remaining = append(remaining, p)
			}
		}
		active = remaining

		if len(active) > 0 || len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}
	return nil
}
