// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"

	"github.com/skauthority/keysync/internal/config"
	keyssh "github.com/skauthority/keysync/internal/crypto/ssh"
	"github.com/skauthority/keysync/internal/db"
	"github.com/skauthority/keysync/internal/i18n"
	"github.com/skauthority/keysync/internal/sshkey"
	"github.com/skauthority/keysync/internal/sync"
)

// newTrustHostCmd creates the 'trust-host' subcommand. It pins a server's
// host key ahead of the first sync run, either by probing the host or from
// a key line supplied by the operator. Without a pinned key the engine
// trusts whatever key the first connection presents.
func newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host <hostname>",
		Short: i18n.T("trust_host.short"),
		Long: `Retrieves the public host key of a managed server, displays its
fingerprint, and prompts for confirmation before pinning it in the
database. Subsequent sync runs refuse to talk to the host if it
presents a different key.`,
		Args: cobra.ExactArgs(1),
		RunE: runTrustHost,
	}
	cmd.Flags().String("key", "", "pin this authorized_keys formatted host key instead of probing the host")
	cmd.Flags().BoolP("yes", "y", false, "pin the key without asking for confirmation")
	return cmd
}

func runTrustHost(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd, cfgFile)
	if err != nil {
		return err
	}
	i18n.Init(cfg.Language)

	if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
		return errors.New(i18n.Tf("cli.error_init_db", err))
	}
	store := db.Get()

	hostname := args[0]
	server, err := store.GetServerByHostname(hostname)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errors.New(i18n.Tf("cli.error_hostname_not_found", hostname))
		}
		return err
	}

	out := cmd.OutOrStdout()
	rawKey, _ := cmd.Flags().GetString("key")

	var keyLine string
	if rawKey != "" {
		if _, _, _, err := sshkey.Parse(rawKey); err != nil {
			return errors.New(i18n.Tf("trust_host.error_invalid_key", err))
		}
		pk, _, _, _, err := keyssh.ParseAuthorizedKey([]byte(rawKey))
		if err != nil {
			return errors.New(i18n.Tf("trust_host.error_invalid_key", err))
		}
		keyLine = strings.TrimSpace(string(keyssh.MarshalAuthorizedKey(pk)))
		printKeyDetails(cmd, hostname, pk)
	} else {
		fmt.Fprintln(out, i18n.Tf("trust_host.retrieving_key", hostname))
		pk, err := sync.ProbeHostKey(server.Addr())
		if err != nil {
			return errors.New(i18n.Tf("trust_host.error_get_key", err))
		}
		keyLine = strings.TrimSpace(string(keyssh.MarshalAuthorizedKey(pk)))
		printKeyDetails(cmd, hostname, pk)
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		if !promptForConfirmation(cmd, i18n.T("trust_host.confirm_prompt")) {
			return errors.New(i18n.T("trust_host.not_trusted_abort"))
		}
	}

	if err := store.SetServerHostKey(server.ID, keyLine); err != nil {
		return errors.New(i18n.Tf("trust_host.error_save_key", err))
	}
	fmt.Fprintln(out, i18n.Tf("trust_host.added_success", hostname))
	return nil
}

func printKeyDetails(cmd *cobra.Command, hostname string, pk gossh.PublicKey) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, i18n.Tf("trust_host.authenticity_warning_1", hostname))
	fmt.Fprintln(out, i18n.Tf("trust_host.authenticity_warning_2", pk.Type(), keyssh.FingerprintSHA256(pk)))
	if warning := sshkey.CheckHostKeyAlgorithm(pk); warning != "" {
		fmt.Fprintf(out, "\n%s\n", warning)
	}
}

// promptForConfirmation reads a line from the command's input stream and
// returns true only for an explicit "yes".
func promptForConfirmation(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	answer, err := reader.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}
