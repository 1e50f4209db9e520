// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skauthority/keysync/internal/config"
	keyssh "github.com/skauthority/keysync/internal/crypto/ssh"
	"github.com/skauthority/keysync/internal/i18n"
)

// newKeygenCmd creates the 'keygen' subcommand. It generates the ed25519
// identity the engine authenticates with as keys-sync. The private key is
// written unencrypted: sync runs unattended and cannot answer a passphrase
// prompt.
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: i18n.T("keygen.short"),
		RunE:  runKeygen,
	}
	cmd.Flags().String("comment", "keys-sync", "comment for the generated public key")
	cmd.Flags().Bool("force", false, "overwrite existing key files")
	return cmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd, cfgFile)
	if err != nil {
		return err
	}
	i18n.Init(cfg.Language)

	comment, _ := cmd.Flags().GetString("comment")
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		for _, file := range []string{cfg.Sync.IdentityFile, cfg.Sync.PublicKeyFile} {
			if _, err := os.Stat(file); err == nil {
				return errors.New(i18n.Tf("keygen.error_exists", file))
			}
		}
	}

	pub, priv, err := keyssh.GenerateAndMarshalEd25519Key(comment, "")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Sync.IdentityFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(cfg.Sync.IdentityFile, []byte(priv), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Sync.PublicKeyFile, []byte(pub+"\n"), 0644); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, i18n.Tf("keygen.written", cfg.Sync.IdentityFile, cfg.Sync.PublicKeyFile))

	pk, _, _, _, err := keyssh.ParseAuthorizedKey([]byte(pub))
	if err == nil {
		fmt.Fprintln(out, i18n.Tf("keygen.fingerprint", keyssh.FingerprintSHA256(pk)))
	}
	fmt.Fprintln(out, strings.TrimSpace(pub))
	return nil
}
