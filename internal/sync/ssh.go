// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/logging"
	"github.com/skauthority/keysync/internal/model"
)

const keepaliveInterval = 30 * time.Second

// sshDial opens the raw transport to a directly reachable target. A
// package variable so tests can swap in pipes.
var sshDial = func(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Connection is an authenticated SSH/SFTP session to one managed host.
type Connection struct {
	client *ssh.Client
	sftp   *sftp.Client
	tunnel *TunnelHandle
	stop   chan struct{}

	// HostKey is the key presented by the server during the handshake,
	// in authorized_keys format.
	HostKey string
}

// Connect opens an authenticated session to the server, directly or
// through its jump-host chain. The context is honored only until the
// transport is established; an established session always runs to
// completion. Host keys are pinned on first connect via the sink and
// verified exactly on every later one.
func Connect(ctx context.Context, server *model.Server, cfg *config.Config, sink StatusSink) (*Connection, error) {
	auth, err := buildAuthMethods(cfg.Sync.IdentityFile)
	if err != nil {
		return nil, err
	}

	var receivedKey string
	clientConfig := &ssh.ClientConfig{
		User: "keys-sync",
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
			if server.HostKey != "" && server.HostKey != receivedKey {
				return errors.New("SSH host key verification failed")
			}
			return nil
		},
		Timeout: time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
	}

	var conn net.Conn
	var tunnel *TunnelHandle
	if len(server.JumpHosts) == 0 {
		conn, err = sshDial(ctx, server.Addr())
		if err != nil {
			return nil, err
		}
	} else {
		tunnel, err = startTunnel(server, cfg.Sync.IdentityFile, BuildJumphostSecurityOptions(cfg))
		if err != nil {
			return nil, err
		}
		conn = tunnel.Conn()
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, server.Addr(), clientConfig)
	if err != nil {
		conn.Close()
		if tunnel != nil {
			summary := tunnel.StderrSummary()
			tunnel.Close()
			if summary != "" && receivedKey == "" {
				return nil, fmt.Errorf("The tunnel connection via jumphost(s) failed: %s", summary)
			}
		}
		return nil, classifyHandshakeError(err, receivedKey)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		if tunnel != nil {
			tunnel.Close()
		}
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	if server.HostKey == "" && receivedKey != "" {
		if err := sink.SetServerHostKey(server.ID, receivedKey); err != nil {
			logging.Warnf("failed to pin host key for %s: %v", server.Hostname, err)
		}
		server.HostKey = receivedKey
	}

	c := &Connection{
		client:  client,
		sftp:    sftpClient,
		tunnel:  tunnel,
		stop:    make(chan struct{}),
		HostKey: receivedKey,
	}
	go c.keepalive()
	return c, nil
}

func buildAuthMethods(identityFile string) ([]ssh.AuthMethod, error) {
	if keyData, err := os.ReadFile(identityFile); err == nil {
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key %s: %w", identityFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if agentClient := getSSHAgent(); agentClient != nil {
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)}, nil
	}
	return nil, fmt.Errorf("no authentication method available: cannot read %s and no ssh agent found", identityFile)
}

// classifyHandshakeError maps handshake failures to the stable reason
// strings the failure classifier keys off.
func classifyHandshakeError(err error, receivedKey string) error {
	text := err.Error()
	switch {
	case strings.Contains(text, "SSH host key verification failed"):
		return errors.New("SSH host key verification failed")
	case strings.Contains(text, "unable to authenticate"):
		return errors.New("SSH authentication failed")
	case receivedKey == "":
		return errors.New("Could not receive host key from target server")
	default:
		return err
	}
}

// keepalive nudges the server periodically so long-running syncs over
// quiet links are not dropped by intermediate firewalls.
func (c *Connection) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.client.SendRequest("keepalive@openssh.com", true, nil)
		case <-c.stop:
			return
		}
	}
}

// Exec runs a command on the target and returns its combined output.
// A non-zero exit status is reported as an error alongside the output.
func (c *Connection) Exec(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("Failed to execute the command: %s: %w", command, err)
	}
	defer session.Close()
	output, err := session.CombinedOutput(command)
	if err != nil {
		return string(output), fmt.Errorf("Failed to execute the command: %s: %w", command, err)
	}
	return string(output), nil
}

// ReadFile loads a file from the target.
func (c *Connection) ReadFile(filename string) (string, error) {
	f, err := c.sftp.Open(filename)
	if err != nil {
		return "", fmt.Errorf("Could not read file %s", filename)
	}
	defer f.Close()
	var b strings.Builder
	if _, err := f.WriteTo(&b); err != nil {
		return "", fmt.Errorf("Could not read file %s", filename)
	}
	return b.String(), nil
}

// ReadLines loads a file and splits it at linefeeds. A conventional
// trailing newline does not produce an empty last element.
func (c *Connection) ReadLines(filename string) ([]string, error) {
	content, err := c.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// WriteFile creates or overwrites a file on the target.
func (c *Connection) WriteFile(filename, content string) error {
	f, err := c.sftp.Create(filename)
	if err != nil {
		return fmt.Errorf("Could not write to file %s", filename)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return fmt.Errorf("Could not write to file %s", filename)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("Could not write to file %s", filename)
	}
	return nil
}

// DeleteFile removes a file from the target.
func (c *Connection) DeleteFile(filename string) error {
	if err := c.sftp.Remove(filename); err != nil {
		return fmt.Errorf("Could not unlink file %s", filename)
	}
	return nil
}

// Close releases the session and, when present, the jump-host tunnel.
func (c *Connection) Close() {
	close(c.stop)
	if c.sftp != nil {
		c.sftp.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	if c.tunnel != nil {
		c.tunnel.Close()
	}
}
