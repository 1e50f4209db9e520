// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sync implements the key-file synchronization engine: compiling
// authorized_keys content from the access graph, transporting it over
// SSH/SFTP (optionally through jump-host chains), reconciling remote state,
// decommissioning servers and reporting classified per-account and
// per-server outcomes.
package sync
