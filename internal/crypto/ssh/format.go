// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package ssh

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Re-export for convenience from golang.org/x/crypto/ssh
var NewPublicKey = ssh.NewPublicKey
var MarshalAuthorizedKey = ssh.MarshalAuthorizedKey
var ParseAuthorizedKey = ssh.ParseAuthorizedKey

// FingerprintSHA256 returns the SHA256 fingerprint of the public key.
var FingerprintSHA256 = ssh.FingerprintSHA256

// MarshalEd25519PrivateKey converts an ed25519 private key to PEM format.
// It wraps the functionality from golang.org/x/crypto/ssh to produce
// a PEM block in the modern OpenSSH private key format.
func MarshalEd25519PrivateKey(key ed25519.PrivateKey, comment string) (*pem.Block, error) {
	pemBlock, err := ssh.MarshalPrivateKey(key, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ed25519 private key: %w", err)
	}
	return pemBlock, nil
}
