// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey inspects SSH public key material: splitting raw
// authorized_keys lines into their components and flagging weak host
// key algorithms before a key is pinned for a server.
package sshkey

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Parse splits a raw public key string (like one from an authorized_keys file)
// into its three core components: algorithm, key data, and comment.
// It correctly handles leading options in the line (e.g., from="...",command="...").
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}

	keyStartIndex := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") {
			keyStartIndex = i
			break
		}
	}

	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}

	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}

	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}

	return
}

// CheckHostKeyAlgorithm returns a human-readable warning when the host key
// uses an algorithm that should no longer be trusted for new servers, or an
// empty string when the algorithm is acceptable.
func CheckHostKeyAlgorithm(key ssh.PublicKey) string {
	switch key.Type() {
	case ssh.KeyAlgoDSA:
		return "WARNING: this host uses a ssh-dss host key, which is insecure and disabled by default in modern OpenSSH."
	case ssh.KeyAlgoRSA:
		return "WARNING: this host uses an ssh-rsa host key. Consider migrating the host to an ed25519 host key."
	}
	return ""
}
