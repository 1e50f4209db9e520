// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

package sync

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/skauthority/keysync/internal/config"
	"github.com/skauthority/keysync/internal/model"
)

// Keyfile is one compiled authorized_keys file destined for a single
// account name on the target server.
type Keyfile struct {
	// Content is the exact file content to install.
	Content string
	// Check requests an OS-level account existence probe before the
	// write; absent accounts get their remote file deleted instead.
	Check bool
	// Account is set for server-local accounts and nil for keyfiles
	// synthesized from the LDAP user directory.
	Account *model.ServerAccount
}

// Compiler turns the access graph of a server into per-account
// authorized_keys content. Output is deterministic for a fixed
// directory snapshot.
type Compiler struct {
	dir Directory
	cfg *config.Config
}

func NewCompiler(dir Directory, cfg *config.Config) *Compiler {
	return &Compiler{dir: dir, cfg: cfg}
}

// CompileServer produces the keyfile map for a server, keyed by the
// sanitized account name. The returned warning flag signals that files
// were generated under an authorization scheme the running instance
// cannot fully back (LDAP authorization with LDAP disabled).
func (c *Compiler) CompileServer(server *model.Server, onlyUser string) (map[string]*Keyfile, bool, error) {
	accounts, err := c.dir.ListAccounts(server.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list accounts for %s: %w", server.Hostname, err)
	}

	keyfiles := map[string]*Keyfile{}
	syncWarning := false

	for _, account := range accounts {
		if !account.Active || account.SyncStatus == "proposed" {
			continue
		}
		username := strings.ReplaceAll(account.Name, "/", "")
		content, err := c.compileAccount(server, account)
		if err != nil {
			return nil, false, err
		}
		keyfiles[username] = &Keyfile{Content: content, Account: account}
	}

	if server.Authorization == model.AuthorizationAutomaticLDAP || server.Authorization == model.AuthorizationManualLDAP {
		if !c.cfg.LDAP.Enabled {
			syncWarning = true
		}
		if err := c.compileLdapUsers(server, onlyUser, keyfiles); err != nil {
			return nil, false, err
		}
	}

	// The sync service account manages everyone else's keys; its own
	// file must never be replaced by compiled content.
	delete(keyfiles, "keys-sync")

	return keyfiles, syncWarning, nil
}

func (c *Compiler) compileAccount(server *model.Server, account *model.ServerAccount) (string, error) {
	var b strings.Builder
	link := ""
	if c.cfg.Web.BaseURL != "" {
		link = c.cfg.Web.BaseURL + "/servers/" + url.QueryEscape(server.Hostname) + "/accounts/" + url.QueryEscape(account.Name)
	}
	b.WriteString(c.header(fmt.Sprintf("account '%s'", account.Name), link))

	groups, err := c.dir.ListGroupMembership(account.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list group membership of %s: %w", account.String(), err)
	}

	sets := make([]model.Entity, 0, len(groups)+1)
	for _, g := range groups {
		sets = append(sets, g)
	}
	sets = append(sets, account)

	// One visited set for the whole traversal: diamond-shaped group
	// graphs produce each leaf once, cycles always terminate.
	visited := map[string]bool{}

	for _, set := range sets {
		if group, ok := set.(*model.Group); ok {
			if !group.Active {
				continue
			}
			if c.comments() {
				fmt.Fprintf(&b, "# === Start of rules applied due to membership in %s group ===\n", group.Name)
			}
		}
		grants, err := c.dir.ListAccess(set)
		if err != nil {
			return "", fmt.Errorf("failed to list access of %s: %w", set.DisplayName(), err)
		}
		c.appendGrantKeys(&b, grants, server, visited)
		if group, ok := set.(*model.Group); ok && c.comments() {
			fmt.Fprintf(&b, "# === End of rules applied due to membership in %s group ===\n\n", group.Name)
		}
	}
	return b.String(), nil
}

// appendGrantKeys renders one access-rule list: keys for user and
// account grants, recursive member expansion for group grants.
func (c *Compiler) appendGrantKeys(b *strings.Builder, grants []*model.AccessGrant, server *model.Server, visited map[string]bool) {
	for _, grant := range grants {
		prefix := buildOptionPrefix(grant.Options)
		details := fmt.Sprintf("granted access by %s on %s", grant.GrantedBy, grant.GrantDate.Format(time.RFC3339))
		switch entity := grant.Source.(type) {
		case *model.User:
			c.appendUserKeys(b, entity, prefix, server, details)
		case *model.ServerAccount:
			c.appendAccountKeys(b, entity, prefix, details)
		case *model.Group:
			if c.comments() {
				fmt.Fprintf(b, "# %s group %s\n", entity.Name, details)
			}
			if !entity.Active {
				if c.comments() {
					b.WriteString("# Inactive group\n")
				}
				continue
			}
			if visited[entity.Name] {
				continue
			}
			visited[entity.Name] = true
			if c.comments() {
				fmt.Fprintf(b, "# == Start of %s group members ==\n", entity.Name)
			}
			c.appendGroupMembers(b, entity, prefix, server, visited)
			if c.comments() {
				fmt.Fprintf(b, "# == End of %s group members ==\n", entity.Name)
			}
		}
	}
}

func (c *Compiler) appendGroupMembers(b *strings.Builder, group *model.Group, prefix string, server *model.Server, visited map[string]bool) {
	members, err := c.dir.ListMembers(group.ID)
	if err != nil {
		// Member lookup failures leave the group empty rather than
		// aborting the file; the surrounding markers still render.
		return
	}
	for _, member := range members {
		switch entity := member.(type) {
		case *model.User:
			c.appendUserKeys(b, entity, prefix, server, "")
		case *model.ServerAccount:
			c.appendAccountKeys(b, entity, prefix, "")
		case *model.Group:
			if visited[entity.Name] {
				continue
			}
			visited[entity.Name] = true
			if c.comments() {
				fmt.Fprintf(b, "# %s group\n", entity.Name)
				fmt.Fprintf(b, "# == Start of %s group members ==\n", entity.Name)
			}
			c.appendGroupMembers(b, entity, prefix, server, visited)
			if c.comments() {
				fmt.Fprintf(b, "# == End of %s group members ==\n", entity.Name)
			}
		}
	}
}

func (c *Compiler) appendUserKeys(b *strings.Builder, user *model.User, prefix string, server *model.Server, details string) {
	if c.comments() {
		if details != "" {
			fmt.Fprintf(b, "# %s %s\n", user.UID, details)
		} else {
			fmt.Fprintf(b, "# %s\n", user.UID)
		}
	}
	if !user.Active {
		if c.comments() {
			b.WriteString("# Account disabled\n")
		}
		return
	}
	prefix = c.addHistoryEnvOption(prefix, user, server)
	keys, err := c.dir.ListPublicKeys(user)
	if err != nil {
		return
	}
	for _, key := range keys {
		b.WriteString(prefix + key.ExportWithFixedComment(user.UID, c.comments()) + "\n")
	}
}

func (c *Compiler) appendAccountKeys(b *strings.Builder, account *model.ServerAccount, prefix, details string) {
	if c.comments() {
		if details != "" {
			fmt.Fprintf(b, "# %s %s\n", account.String(), details)
		} else {
			fmt.Fprintf(b, "# %s\n", account.String())
		}
	}
	if account.Server != nil && account.Server.KeyManagement == model.KeyManagementDecommissioned {
		if c.comments() {
			b.WriteString("# Decommissioned server\n")
		}
		return
	}
	keys, err := c.dir.ListPublicKeys(account)
	if err != nil {
		return
	}
	for _, key := range keys {
		b.WriteString(prefix + key.ExportWithFixedComment(account.String(), c.comments()) + "\n")
	}
}

func (c *Compiler) compileLdapUsers(server *model.Server, onlyUser string, keyfiles map[string]*Keyfile) error {
	options, err := c.dir.ListLdapAccessOptions(server.ID)
	if err != nil {
		return fmt.Errorf("failed to list LDAP access options for %s: %w", server.Hostname, err)
	}
	prefix := buildOptionPrefix(options)

	users, err := c.dir.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for _, user := range users {
		// Only accounts from the LDAP realm get login files on
		// LDAP-authorized servers.
		if !user.LDAP {
			continue
		}
		username := strings.ReplaceAll(user.UID, "/", "")
		if onlyUser != "" && username != onlyUser {
			continue
		}
		if _, exists := keyfiles[username]; exists {
			continue
		}
		keys, err := c.dir.ListPublicKeys(user)
		if err != nil {
			return fmt.Errorf("failed to list public keys of %s: %w", user.UID, err)
		}
		if len(keys) == 0 {
			continue
		}
		var b strings.Builder
		b.WriteString(c.header(fmt.Sprintf("LDAP user '%s'", user.UID), c.cfg.Web.BaseURL))
		if user.Active {
			userPrefix := c.addHistoryEnvOption(prefix, user, server)
			for _, key := range keys {
				b.WriteString(userPrefix + key.ExportWithFixedComment(user.UID, c.comments()) + "\n")
			}
		} else if c.comments() {
			b.WriteString("# Account disabled\n")
		}
		keyfiles[username] = &Keyfile{
			Content: b.String(),
			Check:   server.Authorization == model.AuthorizationManualLDAP,
		}
	}
	return nil
}

func (c *Compiler) comments() bool {
	return c.cfg.Privacy.CommentKeyFiles
}

func (c *Compiler) header(subject, link string) string {
	if link == "" {
		return fmt.Sprintf("## Auto generated keys file for %s\n## Do not edit this file!\n", subject)
	}
	return fmt.Sprintf("## Auto generated keys file for %s\n## Do not edit this file! Modify at %s\n", subject, link)
}

// buildOptionPrefix joins access options into the comma-separated
// authorized_keys option prefix, trailing space included when any
// option is present.
func buildOptionPrefix(options []model.AccessOption) string {
	if len(options) == 0 {
		return ""
	}
	parts := make([]string, 0, len(options))
	for _, o := range options {
		if o.Value == nil {
			parts = append(parts, o.Option)
			continue
		}
		parts = append(parts, o.Option+`="`+escapeOptionValue(*o.Value)+`"`)
	}
	return strings.Join(parts, ",") + " "
}

func escapeOptionValue(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

const defaultHistoryEnvFormat = "BASH_HISTORY_USERNAME={uid}"

var (
	historyEnvFormatRe   = regexp.MustCompile(`^[A-Za-z0-9 ._@:+={}-]+$`)
	historyEnvValueRe    = regexp.MustCompile(`^[A-Za-z0-9 ._@:+=-]+$`)
	historyEnvRejectRe   = regexp.MustCompile(`[\r\n,'"\\]`)
	controlCharacterRe   = regexp.MustCompile(`[[:cntrl:]]+`)
	historyEnvBraceClean = strings.NewReplacer("{uid}", "")
)

func historyEnvFormatIsValid(format string) bool {
	if format == "" || historyEnvRejectRe.MatchString(format) {
		return false
	}
	if !historyEnvFormatRe.MatchString(format) {
		return false
	}
	if !strings.Contains(format, "{uid}") {
		return false
	}
	rest := historyEnvBraceClean.Replace(format)
	return !strings.ContainsAny(rest, "{}")
}

func historyEnvValueIsValid(value string) bool {
	if value == "" || historyEnvRejectRe.MatchString(value) {
		return false
	}
	if strings.ContainsAny(value, "{}") {
		return false
	}
	return historyEnvValueRe.MatchString(value)
}

func normalizeHistoryEnvFormat(format string) string {
	format = strings.TrimSpace(format)
	if !historyEnvFormatIsValid(format) {
		return defaultHistoryEnvFormat
	}
	return format
}

func (c *Compiler) historyEnvEnabled(server *model.Server) bool {
	switch server.HistoryEnvMode {
	case model.HistoryEnvEnabled:
		return true
	case model.HistoryEnvDisabled:
		return false
	default:
		return c.cfg.Privacy.HistoryUsernameEnvDefault
	}
}

func (c *Compiler) historyEnvFormat(server *model.Server) string {
	if format := strings.TrimSpace(server.HistoryEnvFormat); format != "" {
		return normalizeHistoryEnvFormat(format)
	}
	if c.cfg.Privacy.HistoryUsernameEnvFormat != "" {
		return normalizeHistoryEnvFormat(c.cfg.Privacy.HistoryUsernameEnvFormat)
	}
	return defaultHistoryEnvFormat
}

// addHistoryEnvOption appends the history-tracking environment option
// to an option prefix. Invalid substituted values silently disable the
// injection for that user; the keys still sync without it.
func (c *Compiler) addHistoryEnvOption(prefix string, user *model.User, server *model.Server) string {
	if !c.historyEnvEnabled(server) {
		return prefix
	}
	value := strings.ReplaceAll(c.historyEnvFormat(server), "{uid}", user.UID)
	value = controlCharacterRe.ReplaceAllString(value, "")
	if !historyEnvValueIsValid(value) {
		return prefix
	}
	option := `environment="` + escapeOptionValue(value) + `"`
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return option + " "
	}
	return strings.TrimRight(prefix, ",") + "," + option + " "
}
