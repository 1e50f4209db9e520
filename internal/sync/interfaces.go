// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"time"

	"github.com/skauthority/keysync/internal/model"
)

// Directory is the read-mostly lookup API the engine consumes. The db
// package provides the production implementation; tests supply fakes.
type Directory interface {
	GetServerByID(id int) (*model.Server, error)
	GetServerByHostname(hostname string) (*model.Server, error)
	ListServers() ([]*model.Server, error)
	ListAccounts(serverID int) ([]*model.ServerAccount, error)
	GetUserByUID(uid string) (*model.User, error)
	ListUsers() ([]*model.User, error)
	ListGroupMembership(accountID int) ([]*model.Group, error)
	ListAccess(target model.Entity) ([]*model.AccessGrant, error)
	ListMembers(groupID int) ([]model.Entity, error)
	ListLdapAccessOptions(serverID int) ([]model.AccessOption, error)
	ListPublicKeys(entity model.Entity) ([]*model.PublicKey, error)
}

// StatusSink receives sync outcomes and schedule requests.
type StatusSink interface {
	SetServerSyncStatus(serverID int, category, message string) error
	SetAccountSyncStatus(accountID int, category string) error
	SetServerUUID(serverID int, uuid string) error
	SetServerHostKey(serverID int, hostKey string) error
	RescheduleSyncRequest(serverID int, delay time.Duration) error
	AddServerLog(serverID int, action, value string, severity int) error
}
