// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

func swapSpawn(t *testing.T, fn func(cfg *config.Config, server *model.Server, onlyUser string, preview bool) (*syncProcess, error)) {
	t.Helper()
	origSpawn := spawnSyncProcess
	origPoll := pollInterval
	spawnSyncProcess = fn
	pollInterval = time.Millisecond
	t.Cleanup(func() {
		spawnSyncProcess = origSpawn
		pollInterval = origPoll
	})
}

func scriptedWorker(hostname, output string, delay time.Duration) *syncProcess {
	p := &syncProcess{hostname: hostname, done: make(chan struct{})}
	go func() {
		time.Sleep(delay)
		p.output.Write([]byte(output))
		close(p.done)
	}()
	return p
}

func TestWorkerArgsForwardSupervisorFlags(t *testing.T) {
	cfg := testConfig()
	server := &model.Server{ID: 7, Hostname: "h", KeyManagement: model.KeyManagementKeys}

	got := strings.Join(workerArgs("/usr/bin/keysync", cfg, server, "", false), " ")
	if got != "/usr/bin/keysync --id 7" {
		t.Errorf("unexpected worker args: %q", got)
	}

	cfg.ConfigFile = "/etc/keysync/keysync.yaml"
	cfg.Debug = true
	got = strings.Join(workerArgs("/usr/bin/keysync", cfg, server, "alice", true), " ")
	want := "/usr/bin/keysync --id 7 --user alice --preview --config /etc/keysync/keysync.yaml --debug"
	if got != want {
		t.Errorf("worker args = %q, want %q", got, want)
	}
}

func TestSyncManyFlushesWholeOutputsInCompletionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.MaxProcs = 20

	swapSpawn(t, func(_ *config.Config, server *model.Server, _ string, _ bool) (*syncProcess, error) {
		// The first submitted server finishes last.
		delay := 5 * time.Millisecond
		if server.Hostname == "slow" {
			delay = 60 * time.Millisecond
		}
		return scriptedWorker(server.Hostname, server.Hostname+" done\n", delay), nil
	})

	servers := []*model.Server{
		{ID: 1, Hostname: "slow", KeyManagement: model.KeyManagementKeys},
		{ID: 2, Hostname: "fast", KeyManagement: model.KeyManagementKeys},
	}
	var out strings.Builder
	if err := SyncMany(cfg, servers, "", false, &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "slow done\n") || !strings.Contains(got, "fast done\n") {
		t.Fatalf("missing worker output:\n%s", got)
	}
	if strings.Index(got, "fast done") > strings.Index(got, "slow done") {
		t.Errorf("output must follow completion order:\n%s", got)
	}
}

func TestSyncManySkipsUnmanagedServers(t *testing.T) {
	cfg := testConfig()

	var mu sync.Mutex
	var spawned []string
	swapSpawn(t, func(_ *config.Config, server *model.Server, _ string, _ bool) (*syncProcess, error) {
		mu.Lock()
		spawned = append(spawned, server.Hostname)
		mu.Unlock()
		return scriptedWorker(server.Hostname, "", 0), nil
	})

	servers := []*model.Server{
		{ID: 1, Hostname: "managed", KeyManagement: model.KeyManagementKeys},
		{ID: 2, Hostname: "unmanaged", KeyManagement: model.KeyManagementNone},
		{ID: 3, Hostname: "retired", KeyManagement: model.KeyManagementDecommissioned},
	}
	var out strings.Builder
	if err := SyncMany(cfg, servers, "", false, &out); err != nil {
		t.Fatal(err)
	}
	if len(spawned) != 2 {
		t.Fatalf("expected 2 workers, got %v", spawned)
	}
	for _, h := range spawned {
		if h == "unmanaged" {
			t.Error("unmanaged server must not spawn a worker")
		}
	}
}

func TestSyncManyHonorsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.MaxProcs = 2

	var mu sync.Mutex
	running, peak := 0, 0
	swapSpawn(t, func(_ *config.Config, server *model.Server, _ string, _ bool) (*syncProcess, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		p := &syncProcess{hostname: server.Hostname, done: make(chan struct{})}
		go func() {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			close(p.done)
		}()
		return p, nil
	})

	var servers []*model.Server
	for i := 0; i < 8; i++ {
		servers = append(servers, &model.Server{ID: i + 1, Hostname: "h", KeyManagement: model.KeyManagementKeys})
	}
	var out strings.Builder
	if err := SyncMany(cfg, servers, "", false, &out); err != nil {
		t.Fatal(err)
	}
	if peak > 2 {
		t.Errorf("concurrency cap exceeded: peak %d", peak)
	}
}
