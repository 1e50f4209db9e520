// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the entities the sync engine operates on. All of
// them are owned by the directory collaborator; the engine reads them and
// writes back only sync status fields and the server UUID.
package model

import (
	"fmt"
	"time"
)

// Key management modes for a server.
const (
	KeyManagementKeys           = "keys"
	KeyManagementDecommissioned = "decommissioned"
	KeyManagementNone           = "none"
)

// Authorization modes for a server.
const (
	AuthorizationAutomaticLDAP = "automatic LDAP"
	AuthorizationManualLDAP    = "manual LDAP"
	AuthorizationNone          = "none"
)

// Per-server history environment override modes.
const (
	HistoryEnvInherit  = "inherit"
	HistoryEnvEnabled  = "enabled"
	HistoryEnvDisabled = "disabled"
)

// Sync status categories, used verbatim in persisted status records.
const (
	SyncStatusSuccess = "sync success"
	SyncStatusWarning = "sync warning"
	SyncStatusFailure = "sync failure"
)

// Log severities, syslog-style.
const (
	LogWarning = 4
	LogInfo    = 6
)

// JumpHost is one hop of an SSH tunnel chain towards a server.
type JumpHost struct {
	User string
	Host string
	Port int
}

func (j JumpHost) String() string {
	return fmt.Sprintf("%s@%s:%d", j.User, j.Host, j.Port)
}

// Server is a managed host whose key directory the engine reconciles.
type Server struct {
	ID               int
	Hostname         string
	UUID             string
	Port             int
	KeyManagement    string
	Authorization    string
	HostKey          string // pinned host key in authorized_keys format, empty until first connect
	JumpHosts        []JumpHost
	SyncStatus       string
	HistoryEnvMode   string // inherit, enabled or disabled
	HistoryEnvFormat string // optional per-server override, {uid} placeholder
}

// Addr returns the host:port dial address, defaulting the port to 22.
func (s *Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", s.Hostname, port)
}

// ServerAccount is a login identity local to one server.
type ServerAccount struct {
	ID         int
	ServerID   int
	Name       string
	Active     bool
	SyncStatus string // "proposed" accounts are not yet syncable

	// Server is the owning server, resolved by the directory on load.
	Server *Server
}

// String returns the name@host representation.
func (a *ServerAccount) String() string {
	if a.Server != nil {
		return fmt.Sprintf("%s@%s", a.Name, a.Server.Hostname)
	}
	return a.Name
}

// User is a person from the LDAP-synced directory.
type User struct {
	ID     int
	UID    string
	Name   string
	Active bool
	LDAP   bool // account originates from the LDAP realm
}

// Group is a named collection of users, server accounts and nested groups.
type Group struct {
	ID     int
	Name   string
	Active bool
}

// PublicKey is exportable key material bound to an owning entity.
type PublicKey struct {
	ID      int
	Type    string // e.g. ssh-ed25519
	KeyData string
	Comment string
}

// ExportWithFixedComment serializes the key for an authorized_keys file with
// the owner's identity as a fixed comment. The original comment from the
// uploaded key is never exported. With comments disabled the key line
// carries no comment at all.
func (k *PublicKey) ExportWithFixedComment(owner string, comment bool) string {
	if comment {
		return fmt.Sprintf("%s %s %s", k.Type, k.KeyData, owner)
	}
	return fmt.Sprintf("%s %s", k.Type, k.KeyData)
}

// AccessOption is one authorized_keys option attached to an access grant,
// e.g. {Option: "command", Value: "/usr/bin/rsync"} or a bare option like
// {Option: "no-pty"}.
type AccessOption struct {
	Option string
	Value  *string
}

// AccessGrant is a directed authorization edge from a source entity to a
// target account or group.
type AccessGrant struct {
	ID        int
	Source    Entity
	GrantedBy string // uid of the granting user
	GrantDate time.Time
	Options   []AccessOption
}

// Entity is the closed variant over the three kinds of access sources and
// group members: User, Group and ServerAccount. The marker method keeps the
// set closed so switches over it stay exhaustive.
type Entity interface {
	isEntity()
	// DisplayName is the identity used in generated keyfile comments and
	// in visited-set bookkeeping.
	DisplayName() string
}

func (*User) isEntity()          {}
func (*Group) isEntity()         {}
func (*ServerAccount) isEntity() {}

func (u *User) DisplayName() string          { return u.UID }
func (g *Group) DisplayName() string         { return g.Name }
func (a *ServerAccount) DisplayName() string { return a.String() }
