// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the keysync command-line interface using the Cobra
// library. One binary serves both roles: the supervisor that fans out
// to worker subprocesses (--all, --host) and the single-server worker
// those subprocesses run (--id).

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skauthority/keysync/buildvars"
	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/db"
	"github.com/skauthority/keysync/internal/i18n"
	"github.com/skauthority/keysync/internal/logging"
	"github.com/skauthority/keysync/internal/model"
	"github.com/skauthority/keysync/internal/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

// newRootCmd creates a fresh root command. Tests create isolated
// instances instead of sharing a global.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keysync",
		Short: i18n.T("cli.short"),
		Long: `Keysync compiles per-account authorized_keys files from the access
database and pushes them to managed hosts over SSH/SFTP, directly or
through jump-host chains. Decommissioned hosts get their key files
removed while the sync account's own access is preserved.`,
		RunE: runSync,
	}

	cmd.Version = buildvars.VersionOrDefault("dev")
	cmd.PersistentFlags().String("config", "", "config file (default is keysync.yaml in the usual locations)")
	cmd.Flags().String("host", "", "sync only the specified host(s), comma-separated hostnames")
	cmd.Flags().IntP("id", "i", 0, "sync only the single host with this id")
	cmd.Flags().BoolP("all", "a", false, "sync all managed hosts in the database")
	cmd.Flags().StringP("user", "u", "", "sync only the specified user account")
	cmd.Flags().BoolP("preview", "p", false, "perform no changes, display content of all keyfiles")
	cmd.Flags().Bool("diagnostics", false, "display sync runtime diagnostics and exit")
	cmd.Flags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newTrustHostCmd())

	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd, cfgFile)
	if err != nil {
		return err
	}
	i18n.Init(cfg.Language)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebug(true)
		cfg.Debug = true
	}

	if diagnostics, _ := cmd.Flags().GetBool("diagnostics"); diagnostics {
		printDiagnostics(cmd, cfg)
		return nil
	}

	host, _ := cmd.Flags().GetString("host")
	id, _ := cmd.Flags().GetInt("id")
	all, _ := cmd.Flags().GetBool("all")
	onlyUser, _ := cmd.Flags().GetString("user")
	preview, _ := cmd.Flags().GetBool("preview")

	hostopts := 0
	if host != "" {
		hostopts++
	}
	if cmd.Flags().Changed("id") {
		hostopts++
	}
	if all {
		hostopts++
	}
	if hostopts != 1 {
		return errors.New(i18n.T("cli.error_host_selection"))
	}

	for _, file := range []string{cfg.Sync.IdentityFile, cfg.Sync.PublicKeyFile} {
		if _, err := os.Stat(file); err != nil {
			return errors.New(i18n.Tf("cli.error_missing_identity", file))
		}
	}

	if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
		return errors.New(i18n.Tf("cli.error_init_db", err))
	}
	store := db.Get()

	if err := ensureSyncUser(store); err != nil {
		return errors.New(i18n.Tf("cli.error_create_sync_user", err))
	}

	// A termination signal from the external timeout wrapper cancels
	// the context; the engine honors it only until a remote connection
	// is established.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	switch {
	case cmd.Flags().Changed("id"):
		orch := sync.NewOrchestrator(store, store, cfg, cmd.OutOrStdout())
		return orch.SyncServer(ctx, id, onlyUser, preview)
	case all:
		servers, err := store.ListServers()
		if err != nil {
			return err
		}
		return sync.SyncMany(cfg, servers, onlyUser, preview, cmd.OutOrStdout())
	default:
		var servers []*model.Server
		for _, hostname := range strings.Split(host, ",") {
			hostname = strings.TrimSpace(hostname)
			server, err := store.GetServerByHostname(hostname)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return errors.New(i18n.Tf("cli.error_hostname_not_found", hostname))
				}
				return err
			}
			servers = append(servers, server)
		}
		return sync.SyncMany(cfg, servers, onlyUser, preview, cmd.OutOrStdout())
	}
}

// ensureSyncUser makes sure the keys-sync system user exists; it owns
// every status record the engine writes.
func ensureSyncUser(store db.Store) error {
	_, err := store.GetUserByUID("keys-sync")
	if errors.Is(err, db.ErrNotFound) {
		return store.AddUser(&model.User{UID: "keys-sync", Name: "Synchronization script", Active: true})
	}
	return err
}

func printDiagnostics(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	runtimeDiag := sync.DiagnoseRuntime(cfg)
	sshDiag := sync.DiagnoseSSH(cfg)
	failureDiag := sync.ReporterDiagnostics()
	fmt.Fprintf(out, "sync_runtime.timeout_util=%s\n", runtimeDiag.TimeoutUtil)
	fmt.Fprintf(out, "sync_runtime.timeout_binary=%s\n", runtimeDiag.TimeoutBinary)
	fmt.Fprintf(out, "sync_runtime.timeout_seconds=%d\n", runtimeDiag.TimeoutSeconds)
	fmt.Fprintf(out, "sync_runtime.jumphost_strict_host_key_checking=%s\n", sshDiag.JumphostStrictHostKeyChecking)
	fmt.Fprintf(out, "sync_runtime.jumphost_known_hosts_file=%s\n", sshDiag.JumphostKnownHostsFile)
	fmt.Fprintf(out, "sync_runtime.reschedule_delay_minutes=%d\n", failureDiag.RescheduleDelayMinutes)
}
