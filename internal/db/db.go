// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// package db provides the directory and status-sink collaborator backing
// the sync engine. It abstracts the underlying database (SQLite, PostgreSQL
// or MySQL) behind a consistent Store interface; the web front end and the
// LDAP sync own the richer write paths and are out of scope here.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skauthority/keysync/internal/model"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	// SQL drivers required for runtime and integration tests.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned by lookups when no matching record exists.
var ErrNotFound = errors.New("not found")

// Store is the narrow directory and status API the sync engine consumes.
type Store interface {
	// Directory lookups.
	GetServerByID(id int) (*model.Server, error)
	GetServerByHostname(hostname string) (*model.Server, error)
	GetServerByUUID(uuid string) (*model.Server, error)
	ListServers() ([]*model.Server, error)
	ListAccounts(serverID int) ([]*model.ServerAccount, error)
	GetAccountByName(serverID int, name string) (*model.ServerAccount, error)
	GetUserByUID(uid string) (*model.User, error)
	ListUsers() ([]*model.User, error)
	ListGroups() ([]*model.Group, error)

	// Relationship queries.
	ListGroupMembership(accountID int) ([]*model.Group, error)
	ListAccess(target model.Entity) ([]*model.AccessGrant, error)
	ListMembers(groupID int) ([]model.Entity, error)
	ListLdapAccessOptions(serverID int) ([]model.AccessOption, error)
	ListPublicKeys(entity model.Entity) ([]*model.PublicKey, error)

	// Status sink.
	SetServerSyncStatus(serverID int, category, message string) error
	SetAccountSyncStatus(accountID int, category string) error
	SetServerUUID(serverID int, uuid string) error
	SetServerHostKey(serverID int, hostKey string) error
	RescheduleSyncRequest(serverID int, delay time.Duration) error
	AddServerLog(serverID int, action, value string, severity int) error

	// Writes used by bootstrapping and tests. The web layer owns the full
	// editing surface; these cover what the engine itself needs.
	AddServer(s *model.Server) error
	AddAccount(a *model.ServerAccount) error
	AddUser(u *model.User) error
	AddGroup(g *model.Group) error
	AddGroupMember(groupID int, member model.Entity) error
	AddAccessGrant(target model.Entity, grant *model.AccessGrant) error
	AddPublicKey(owner model.Entity, key *model.PublicKey) error
	AddLdapAccessOption(serverID int, option model.AccessOption) error
}

var store Store

// InitDB initializes the package-level store from a database type and DSN
// and creates the schema if it does not exist yet.
func InitDB(dbType, dsn string) error {
	s, err := NewStoreFromDSN(dbType, dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	store = s
	return nil
}

// Get returns the initialized package-level store, or nil.
func Get() Store { return store }

// NewStoreFromDSN opens a bun-backed store for the given backend.
func NewStoreFromDSN(dbType, dsn string) (Store, error) {
	var sqlDB *sql.DB
	var bdb *bun.DB
	var err error

	switch dbType {
	case "sqlite":
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// modernc sqlite misbehaves with concurrent writers on one file.
		sqlDB.SetMaxOpenConns(1)
		bdb = bun.NewDB(sqlDB, sqlitedialect.New())
	case "postgres":
		sqlDB, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		bdb = bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		sqlDB, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		bdb = bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	s := &BunStore{db: bdb}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}
