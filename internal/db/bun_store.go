// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skauthority/keysync/internal/model"
	"github.com/uptrace/bun"
)

// Entity discriminator values used in polymorphic reference columns.
const (
	entityUser    = "user"
	entityGroup   = "group"
	entityAccount = "account"
)

// ServerModel maps the `servers` table for bun queries.
type ServerModel struct {
	bun.BaseModel `bun:"table:servers"`
	ID            int            `bun:"id,pk,autoincrement"`
	Hostname      string         `bun:"hostname"`
	UUID          sql.NullString `bun:"uuid"`
	Port          int            `bun:"port"`
	KeyManagement string         `bun:"key_management"`
	Authorization string         `bun:"authorization"`
	HostKey       sql.NullString `bun:"host_key"`
	JumpHosts     sql.NullString `bun:"jump_hosts"` // JSON array of hops
	SyncStatus    sql.NullString `bun:"sync_status"`
	SyncMessage   sql.NullString `bun:"sync_message"`
	HistoryMode   sql.NullString `bun:"history_env_mode"`
	HistoryFormat sql.NullString `bun:"history_env_format"`
}

// AccountModel maps the `server_accounts` table.
type AccountModel struct {
	bun.BaseModel `bun:"table:server_accounts"`
	ID            int            `bun:"id,pk,autoincrement"`
	ServerID      int            `bun:"server_id"`
	Name          string         `bun:"name"`
	IsActive      bool           `bun:"is_active"`
	SyncStatus    sql.NullString `bun:"sync_status"`
}

// UserModel maps the `users` table.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            int    `bun:"id,pk,autoincrement"`
	UID           string `bun:"uid"`
	Name          string `bun:"name"`
	IsActive      bool   `bun:"is_active"`
	IsLDAP        bool   `bun:"is_ldap"`
}

// GroupModel maps the `groups` table.
type GroupModel struct {
	bun.BaseModel `bun:"table:entity_groups"`
	ID            int    `bun:"id,pk,autoincrement"`
	Name          string `bun:"name"`
	IsActive      bool   `bun:"is_active"`
}

// GroupMemberModel maps group membership edges.
type GroupMemberModel struct {
	bun.BaseModel `bun:"table:group_members"`
	ID            int    `bun:"id,pk,autoincrement"`
	GroupID       int    `bun:"group_id"`
	EntityType    string `bun:"entity_type"`
	EntityID      int    `bun:"entity_id"`
}

// AccessModel maps access grants (source entity -> target account/group).
type AccessModel struct {
	bun.BaseModel `bun:"table:access"`
	ID            int       `bun:"id,pk,autoincrement"`
	SourceType    string    `bun:"source_type"`
	SourceID      int       `bun:"source_id"`
	DestType      string    `bun:"dest_type"`
	DestID        int       `bun:"dest_id"`
	GrantedBy     string    `bun:"granted_by"`
	GrantDate     time.Time `bun:"grant_date"`
}

// AccessOptionModel maps per-grant authorized_keys options.
type AccessOptionModel struct {
	bun.BaseModel `bun:"table:access_options"`
	ID            int            `bun:"id,pk,autoincrement"`
	AccessID      int            `bun:"access_id"`
	Option        string         `bun:"option"`
	Value         sql.NullString `bun:"value"`
}

// LdapAccessOptionModel maps per-server LDAP access options.
type LdapAccessOptionModel struct {
	bun.BaseModel `bun:"table:ldap_access_options"`
	ID            int            `bun:"id,pk,autoincrement"`
	ServerID      int            `bun:"server_id"`
	Option        string         `bun:"option"`
	Value         sql.NullString `bun:"value"`
}

// PublicKeyModel maps public keys owned by users or server accounts.
type PublicKeyModel struct {
	bun.BaseModel `bun:"table:public_keys"`
	ID            int    `bun:"id,pk,autoincrement"`
	EntityType    string `bun:"entity_type"`
	EntityID      int    `bun:"entity_id"`
	KeyType       string `bun:"key_type"`
	KeyData       string `bun:"key_data"`
	Comment       string `bun:"comment"`
}

// SyncRequestModel maps scheduled sync retries.
type SyncRequestModel struct {
	bun.BaseModel `bun:"table:sync_requests"`
	ID            int       `bun:"id,pk,autoincrement"`
	ServerID      int       `bun:"server_id"`
	ExecuteAfter  time.Time `bun:"execute_after"`
}

// ServerLogModel maps per-server event log entries.
type ServerLogModel struct {
	bun.BaseModel `bun:"table:server_log"`
	ID            int       `bun:"id,pk,autoincrement"`
	ServerID      int       `bun:"server_id"`
	Action        string    `bun:"action"`
	Value         string    `bun:"value"`
	Severity      int       `bun:"severity"`
	Timestamp     time.Time `bun:"timestamp"`
}

// BunStore implements Store on top of a bun.DB.
type BunStore struct {
	db *bun.DB
}

func (s *BunStore) initSchema() error {
	ctx := context.Background()
	models := []any{
		(*ServerModel)(nil),
		(*AccountModel)(nil),
		(*UserModel)(nil),
		(*GroupModel)(nil),
		(*GroupMemberModel)(nil),
		(*AccessModel)(nil),
		(*AccessOptionModel)(nil),
		(*LdapAccessOptionModel)(nil),
		(*PublicKeyModel)(nil),
		(*SyncRequestModel)(nil),
		(*ServerLogModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --- Mapping helpers (centralized conversions) ---

func serverModelToModel(m ServerModel) (*model.Server, error) {
	srv := &model.Server{
		ID:               m.ID,
		Hostname:         m.Hostname,
		UUID:             m.UUID.String,
		Port:             m.Port,
		KeyManagement:    m.KeyManagement,
		Authorization:    m.Authorization,
		HostKey:          m.HostKey.String,
		SyncStatus:       m.SyncStatus.String,
		HistoryEnvMode:   m.HistoryMode.String,
		HistoryEnvFormat: m.HistoryFormat.String,
	}
	if m.JumpHosts.Valid && m.JumpHosts.String != "" {
		if err := json.Unmarshal([]byte(m.JumpHosts.String), &srv.JumpHosts); err != nil {
			return nil, fmt.Errorf("invalid jump host list for %s: %w", m.Hostname, err)
		}
	}
	return srv, nil
}

func accountModelToModel(m AccountModel, srv *model.Server) *model.ServerAccount {
	return &model.ServerAccount{
		ID:         m.ID,
		ServerID:   m.ServerID,
		Name:       m.Name,
		Active:     m.IsActive,
		SyncStatus: m.SyncStatus.String,
		Server:     srv,
	}
}

func userModelToModel(m UserModel) *model.User {
	return &model.User{ID: m.ID, UID: m.UID, Name: m.Name, Active: m.IsActive, LDAP: m.IsLDAP}
}

func groupModelToModel(m GroupModel) *model.Group {
	return &model.Group{ID: m.ID, Name: m.Name, Active: m.IsActive}
}

// entityRef resolves the polymorphic reference columns for an entity.
func entityRef(e model.Entity) (string, int) {
	switch v := e.(type) {
	case *model.User:
		return entityUser, v.ID
	case *model.Group:
		return entityGroup, v.ID
	case *model.ServerAccount:
		return entityAccount, v.ID
	default:
		// The Entity variant is closed; this is unreachable.
		panic(fmt.Sprintf("unknown entity type %T", e))
	}
}

// loadEntity inflates a polymorphic reference into a model entity.
// Server accounts come back with their owning server resolved.
func (s *BunStore) loadEntity(ctx context.Context, typ string, id int) (model.Entity, error) {
	switch typ {
	case entityUser:
		var m UserModel
		if err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
			return nil, err
		}
		return userModelToModel(m), nil
	case entityGroup:
		var m GroupModel
		if err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
			return nil, err
		}
		return groupModelToModel(m), nil
	case entityAccount:
		var m AccountModel
		if err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
			return nil, err
		}
		srv, err := s.GetServerByID(m.ServerID)
		if err != nil {
			return nil, err
		}
		return accountModelToModel(m, srv), nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
}

// --- Directory lookups ---

func (s *BunStore) getServer(where string, arg any) (*model.Server, error) {
	ctx := context.Background()
	var m ServerModel
	err := s.db.NewSelect().Model(&m).Where(where, arg).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return serverModelToModel(m)
}

func (s *BunStore) GetServerByID(id int) (*model.Server, error) {
	return s.getServer("id = ?", id)
}

func (s *BunStore) GetServerByHostname(hostname string) (*model.Server, error) {
	return s.getServer("hostname = ?", hostname)
}

func (s *BunStore) GetServerByUUID(uuid string) (*model.Server, error) {
	return s.getServer("uuid = ?", uuid)
}

func (s *BunStore) ListServers() ([]*model.Server, error) {
	ctx := context.Background()
	var ms []ServerModel
	if err := s.db.NewSelect().Model(&ms).Order("hostname ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*model.Server, 0, len(ms))
	for _, m := range ms {
		srv, err := serverModelToModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, nil
}

func (s *BunStore) ListAccounts(serverID int) ([]*model.ServerAccount, error) {
	ctx := context.Background()
	srv, err := s.GetServerByID(serverID)
	if err != nil {
		return nil, err
	}
	var ms []AccountModel
	if err := s.db.NewSelect().Model(&ms).Where("server_id = ?", serverID).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*model.ServerAccount, 0, len(ms))
	for _, m := range ms {
		out = append(out, accountModelToModel(m, srv))
	}
	return out, nil
}

func (s *BunStore) GetAccountByName(serverID int, name string) (*model.ServerAccount, error) {
	ctx := context.Background()
	var m AccountModel
	err := s.db.NewSelect().Model(&m).
		Where("server_id = ?", serverID).
		Where("name = ?", name).
		Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	srv, err := s.GetServerByID(serverID)
	if err != nil {
		return nil, err
	}
	return accountModelToModel(m, srv), nil
}

func (s *BunStore) GetUserByUID(uid string) (*model.User, error) {
	ctx := context.Background()
	var m UserModel
	err := s.db.NewSelect().Model(&m).Where("uid = ?", uid).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return userModelToModel(m), nil
}

func (s *BunStore) ListUsers() ([]*model.User, error) {
	ctx := context.Background()
	var ms []UserModel
	if err := s.db.NewSelect().Model(&ms).Order("uid ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*model.User, 0, len(ms))
	for _, m := range ms {
		out = append(out, userModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) ListGroups() ([]*model.Group, error) {
	ctx := context.Background()
	var ms []GroupModel
	if err := s.db.NewSelect().Model(&ms).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*model.Group, 0, len(ms))
	for _, m := range ms {
		out = append(out, groupModelToModel(m))
	}
	return out, nil
}

// --- Relationship queries ---

// ListGroupMembership returns every group the account belongs to, directly
// or through nested group containment. Cycles in the containment graph are
// tolerated via the visited set.
func (s *BunStore) ListGroupMembership(accountID int) ([]*model.Group, error) {
	ctx := context.Background()

	visited := map[int]bool{}
	var result []*model.Group

	frontierType, frontierIDs := entityAccount, []int{accountID}
	for len(frontierIDs) > 0 {
		var edges []GroupMemberModel
		err := s.db.NewSelect().Model(&edges).
			Where("entity_type = ?", frontierType).
			Where("entity_id IN (?)", bun.In(frontierIDs)).
			Order("id ASC").Scan(ctx)
		if err != nil {
			return nil, err
		}
		var next []int
		for _, edge := range edges {
			if visited[edge.GroupID] {
				continue
			}
			visited[edge.GroupID] = true
			var gm GroupModel
			if err := s.db.NewSelect().Model(&gm).Where("id = ?", edge.GroupID).Scan(ctx); err != nil {
				return nil, err
			}
			result = append(result, groupModelToModel(gm))
			next = append(next, edge.GroupID)
		}
		frontierType, frontierIDs = entityGroup, next
	}
	return result, nil
}

func (s *BunStore) ListAccess(target model.Entity) ([]*model.AccessGrant, error) {
	ctx := context.Background()
	destType, destID := entityRef(target)

	var ms []AccessModel
	err := s.db.NewSelect().Model(&ms).
		Where("dest_type = ?", destType).
		Where("dest_id = ?", destID).
		Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*model.AccessGrant, 0, len(ms))
	for _, m := range ms {
		source, err := s.loadEntity(ctx, m.SourceType, m.SourceID)
		if err != nil {
			return nil, err
		}
		var oms []AccessOptionModel
		if err := s.db.NewSelect().Model(&oms).Where("access_id = ?", m.ID).Order("id ASC").Scan(ctx); err != nil {
			return nil, err
		}
		options := make([]model.AccessOption, 0, len(oms))
		for _, om := range oms {
			opt := model.AccessOption{Option: om.Option}
			if om.Value.Valid {
				v := om.Value.String
				opt.Value = &v
			}
			options = append(options, opt)
		}
		out = append(out, &model.AccessGrant{
			ID:        m.ID,
			Source:    source,
			GrantedBy: m.GrantedBy,
			GrantDate: m.GrantDate,
			Options:   options,
		})
	}
	return out, nil
}

func (s *BunStore) ListMembers(groupID int) ([]model.Entity, error) {
	ctx := context.Background()
	var edges []GroupMemberModel
	err := s.db.NewSelect().Model(&edges).Where("group_id = ?", groupID).Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(edges))
	for _, edge := range edges {
		e, err := s.loadEntity(ctx, edge.EntityType, edge.EntityID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *BunStore) ListLdapAccessOptions(serverID int) ([]model.AccessOption, error) {
	ctx := context.Background()
	var ms []LdapAccessOptionModel
	err := s.db.NewSelect().Model(&ms).Where("server_id = ?", serverID).Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessOption, 0, len(ms))
	for _, m := range ms {
		opt := model.AccessOption{Option: m.Option}
		if m.Value.Valid {
			v := m.Value.String
			opt.Value = &v
		}
		out = append(out, opt)
	}
	return out, nil
}

func (s *BunStore) ListPublicKeys(entity model.Entity) ([]*model.PublicKey, error) {
	ctx := context.Background()
	typ, id := entityRef(entity)
	var ms []PublicKeyModel
	err := s.db.NewSelect().Model(&ms).
		Where("entity_type = ?", typ).
		Where("entity_id = ?", id).
		Order("id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.PublicKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, &model.PublicKey{ID: m.ID, Type: m.KeyType, KeyData: m.KeyData, Comment: m.Comment})
	}
	return out, nil
}

// --- Status sink ---

func (s *BunStore) SetServerSyncStatus(serverID int, category, message string) error {
	ctx := context.Background()
	_, err := s.db.NewUpdate().Model((*ServerModel)(nil)).
		Set("sync_status = ?", category).
		Set("sync_message = ?", message).
		Where("id = ?", serverID).Exec(ctx)
	return err
}

func (s *BunStore) SetAccountSyncStatus(accountID int, category string) error {
	ctx := context.Background()
	_, err := s.db.NewUpdate().Model((*AccountModel)(nil)).
		Set("sync_status = ?", category).
		Where("id = ?", accountID).Exec(ctx)
	return err
}

func (s *BunStore) SetServerUUID(serverID int, uuid string) error {
	ctx := context.Background()
	_, err := s.db.NewUpdate().Model((*ServerModel)(nil)).
		Set("uuid = ?", uuid).
		Where("id = ?", serverID).Exec(ctx)
	return err
}

func (s *BunStore) SetServerHostKey(serverID int, hostKey string) error {
	ctx := context.Background()
	_, err := s.db.NewUpdate().Model((*ServerModel)(nil)).
		Set("host_key = ?", hostKey).
		Where("id = ?", serverID).Exec(ctx)
	return err
}

func (s *BunStore) RescheduleSyncRequest(serverID int, delay time.Duration) error {
	ctx := context.Background()
	req := &SyncRequestModel{ServerID: serverID, ExecuteAfter: time.Now().Add(delay)}
	_, err := s.db.NewInsert().Model(req).Exec(ctx)
	return err
}

func (s *BunStore) AddServerLog(serverID int, action, value string, severity int) error {
	ctx := context.Background()
	entry := &ServerLogModel{
		ServerID:  serverID,
		Action:    action,
		Value:     value,
		Severity:  severity,
		Timestamp: time.Now(),
	}
	_, err := s.db.NewInsert().Model(entry).Exec(ctx)
	return err
}

// --- Writes ---

func (s *BunStore) AddServer(srv *model.Server) error {
	ctx := context.Background()
	m := ServerModel{
		Hostname:      srv.Hostname,
		UUID:          sql.NullString{String: srv.UUID, Valid: srv.UUID != ""},
		Port:          srv.Port,
		KeyManagement: srv.KeyManagement,
		Authorization: srv.Authorization,
		HostKey:       sql.NullString{String: srv.HostKey, Valid: srv.HostKey != ""},
		SyncStatus:    sql.NullString{String: srv.SyncStatus, Valid: srv.SyncStatus != ""},
		HistoryMode:   sql.NullString{String: srv.HistoryEnvMode, Valid: srv.HistoryEnvMode != ""},
		HistoryFormat: sql.NullString{String: srv.HistoryEnvFormat, Valid: srv.HistoryEnvFormat != ""},
	}
	if len(srv.JumpHosts) > 0 {
		data, err := json.Marshal(srv.JumpHosts)
		if err != nil {
			return err
		}
		m.JumpHosts = sql.NullString{String: string(data), Valid: true}
	}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	srv.ID = m.ID
	return nil
}

func (s *BunStore) AddAccount(a *model.ServerAccount) error {
	ctx := context.Background()
	m := AccountModel{
		ServerID:   a.ServerID,
		Name:       a.Name,
		IsActive:   a.Active,
		SyncStatus: sql.NullString{String: a.SyncStatus, Valid: a.SyncStatus != ""},
	}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	a.ID = m.ID
	return nil
}

func (s *BunStore) AddUser(u *model.User) error {
	ctx := context.Background()
	m := UserModel{UID: u.UID, Name: u.Name, IsActive: u.Active, IsLDAP: u.LDAP}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	u.ID = m.ID
	return nil
}

func (s *BunStore) AddGroup(g *model.Group) error {
	ctx := context.Background()
	m := GroupModel{Name: g.Name, IsActive: g.Active}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	g.ID = m.ID
	return nil
}

func (s *BunStore) AddGroupMember(groupID int, member model.Entity) error {
	ctx := context.Background()
	typ, id := entityRef(member)
	m := GroupMemberModel{GroupID: groupID, EntityType: typ, EntityID: id}
	_, err := s.db.NewInsert().Model(&m).Exec(ctx)
	return err
}

func (s *BunStore) AddAccessGrant(target model.Entity, grant *model.AccessGrant) error {
	ctx := context.Background()
	destType, destID := entityRef(target)
	srcType, srcID := entityRef(grant.Source)
	m := AccessModel{
		SourceType: srcType,
		SourceID:   srcID,
		DestType:   destType,
		DestID:     destID,
		GrantedBy:  grant.GrantedBy,
		GrantDate:  grant.GrantDate,
	}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	grant.ID = m.ID
	for _, opt := range grant.Options {
		om := AccessOptionModel{AccessID: m.ID, Option: opt.Option}
		if opt.Value != nil {
			om.Value = sql.NullString{String: *opt.Value, Valid: true}
		}
		if _, err := s.db.NewInsert().Model(&om).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *BunStore) AddPublicKey(owner model.Entity, key *model.PublicKey) error {
	ctx := context.Background()
	typ, id := entityRef(owner)
	m := PublicKeyModel{
		EntityType: typ,
		EntityID:   id,
		KeyType:    key.Type,
		KeyData:    key.KeyData,
		Comment:    key.Comment,
	}
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return err
	}
	key.ID = m.ID
	return nil
}

func (s *BunStore) AddLdapAccessOption(serverID int, option model.AccessOption) error {
	ctx := context.Background()
	m := LdapAccessOptionModel{ServerID: serverID, Option: option.Option}
	if option.Value != nil {
		m.Value = sql.NullString{String: *option.Value, Valid: true}
	}
	_, err := s.db.NewInsert().Model(&m).Exec(ctx)
	return err
}
