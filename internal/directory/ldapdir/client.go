package ldapdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/directory"
)

// Target is the directory name used in logs, metrics and password bookkeeping
const Target = "ldap"

var (
	// ErrPasswordPolicy indicates the server rejected the password by policy
	ErrPasswordPolicy = errors.New("password rejected by directory policy")

	// ErrTLSRequired indicates the server refuses password operations in clear text
	ErrTLSRequired = errors.New("directory requires a TLS connection for password changes")
)

// conn is the subset of *ldap.Conn the client uses
type conn interface {
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(*ldap.AddRequest) error
	Modify(*ldap.ModifyRequest) error
	PasswordModify(*ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
}

type dialFunc func() (conn, func(), error)

// Client writes users and groups into an LDAP tree. Users are inetOrgPerson
// entries, groups are groupOfNames. A disabled account carries a permanent
// pwdAccountLockedTime.
type Client struct {
	cfg    Config
	dial   dialFunc
	logger *zap.Logger
}

// New creates an LDAP client. Each call opens and binds its own connection.
func New(cfg Config, logger *zap.Logger) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("component", "ldap-directory")),
	}
	c.dial = c.connect
	return c
}

var _ directory.Client = (*Client)(nil)
var _ directory.WLANPasswordSetter = (*Client)(nil)
var _ directory.CaseFolder = (*Client)(nil)

// connect establishes an LDAP connection with TLS/StartTLS and binds
func (c *Client) connect() (conn, func(), error) {
	scheme := "ldap"
	if c.cfg.UseTLS {
		scheme = "ldaps"
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.cfg.SkipTLSVerify,
		ServerName:         c.cfg.Host,
	}

	l, err := ldap.DialURL(scheme+"://"+addr,
		ldap.DialWithTLSConfig(tlsConfig),
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.Timeout}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to LDAP server %s: %w", addr, err)
	}
	l.SetTimeout(c.cfg.Timeout)
	closeFn := func() { l.Close() }

	if c.cfg.StartTLS && !c.cfg.UseTLS {
		if err := l.StartTLS(tlsConfig); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}

	if err := l.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("LDAP bind failed: %w", err)
	}

	return l, closeFn, nil
}

// with opens a connection for the duration of fn
func (c *Client) with(ctx context.Context, fn func(conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, closeFn, err := c.dial()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(l)
}

// Target implements directory.Client
func (c *Client) Target() string { return Target }

// FoldsUsernames implements directory.CaseFolder; uid uses caseIgnoreMatch
func (c *Client) FoldsUsernames() bool { return true }

// Ping binds and reads the base entry
func (c *Client) Ping(ctx context.Context) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewSearchRequest(c.cfg.BaseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
			1, 0, false, "(objectClass=*)", []string{"dn"}, nil)
		if _, err := l.Search(req); err != nil {
			return fmt.Errorf("test search failed: %w", err)
		}
		return nil
	})
}

func (c *Client) GetAllUsers(ctx context.Context) ([]directory.ExternalUser, error) {
	var users []directory.ExternalUser
	err := c.with(ctx, func(l conn) error {
		entries, err := c.pagedSearch(l, c.cfg.UserBaseDN, c.cfg.UserFilter, c.cfg.userAttributes())
		if err != nil {
			return err
		}
		users = make([]directory.ExternalUser, 0, len(entries))
		for _, e := range entries {
			u := c.cfg.mapUserEntry(e)
			if u.Username == "" {
				continue
			}
			users = append(users, u)
		}
		return nil
	})
	return users, err
}

func (c *Client) GetAllGroups(ctx context.Context) ([]directory.ExternalGroup, error) {
	var groups []directory.ExternalGroup
	err := c.with(ctx, func(l conn) error {
		entries, err := c.pagedSearch(l, c.cfg.GroupBaseDN, c.cfg.GroupFilter, c.cfg.groupAttributes())
		if err != nil {
			return err
		}
		groups = make([]directory.ExternalGroup, 0, len(entries))
		for _, e := range entries {
			g := c.cfg.mapGroupEntry(e)
			if g.Name == "" {
				continue
			}
			groups = append(groups, g)
		}
		return nil
	})
	return groups, err
}

func (c *Client) FindUserByUsername(ctx context.Context, username string) (*directory.ExternalUser, error) {
	var found *directory.ExternalUser
	err := c.with(ctx, func(l conn) error {
		req := ldap.NewSearchRequest(c.cfg.UserBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			1, 0, false, c.userFilter(username), c.cfg.userAttributes(), nil)
		result, err := l.Search(req)
		if err != nil {
			return fmt.Errorf("user search failed: %w", mapError(err))
		}
		if len(result.Entries) == 0 {
			return directory.ErrNotFound
		}
		u := c.cfg.mapUserEntry(result.Entries[0])
		found = &u
		return nil
	})
	return found, err
}

// userFilter combines the configured user filter with a username match
func (c *Client) userFilter(username string) string {
	return fmt.Sprintf("(&%s(%s=%s))",
		c.cfg.UserFilter,
		ldap.EscapeFilter(c.cfg.Mapping.Username),
		ldap.EscapeFilter(username),
	)
}

// CreateUser adds an inetOrgPerson entry and returns its DN
func (c *Client) CreateUser(ctx context.Context, user directory.ExternalUser) (string, error) {
	dn := c.cfg.userDN(user.Username)
	err := c.with(ctx, func(l conn) error {
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson"})
		req.Attribute(c.cfg.Mapping.Username, []string{user.Username})
		req.Attribute("cn", []string{commonName(user)})
		req.Attribute(c.cfg.Mapping.LastName, []string{surname(user)})
		if user.FirstName != "" {
			req.Attribute(c.cfg.Mapping.FirstName, []string{user.FirstName})
		}
		if user.Email != "" {
			req.Attribute(c.cfg.Mapping.Email, []string{user.Email})
		}
		if !user.Enabled {
			req.Attribute("pwdAccountLockedTime", []string{lockedTime})
		}
		if err := l.Add(req); err != nil {
			return fmt.Errorf("failed to add %s: %w", dn, mapError(err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return dn, nil
}

// UpdateUser replaces the profile attributes and the lock state of the entry at id
func (c *Client) UpdateUser(ctx context.Context, id string, user directory.ExternalUser) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewModifyRequest(id, nil)
		req.Replace("cn", []string{commonName(user)})
		req.Replace(c.cfg.Mapping.LastName, []string{surname(user)})
		req.Replace(c.cfg.Mapping.FirstName, optional(user.FirstName))
		req.Replace(c.cfg.Mapping.Email, optional(user.Email))
		if user.Enabled {
			// replace without values removes the attribute if present
			req.Replace("pwdAccountLockedTime", nil)
		} else {
			req.Replace("pwdAccountLockedTime", []string{lockedTime})
		}
		if err := l.Modify(req); err != nil {
			return fmt.Errorf("failed to modify %s: %w", id, mapError(err))
		}
		return nil
	})
}

// ResetPassword sets the login password with the Password Modify extended
// operation, bound as the service account
func (c *Client) ResetPassword(ctx context.Context, id, secret string) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewPasswordModifyRequest(id, "", secret)
		if _, err := l.PasswordModify(req); err != nil {
			return c.passwordError(err)
		}
		return nil
	})
}

// SetWLANPassword stores the NT hash of secret in sambaNTPassword
func (c *Client) SetWLANPassword(ctx context.Context, id, secret string) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewModifyRequest(id, nil)
		req.Replace("sambaNTPassword", []string{ntHash(secret)})
		req.Replace("sambaPwdLastSet", []string{strconv.FormatInt(time.Now().Unix(), 10)})
		if err := l.Modify(req); err != nil {
			return c.passwordError(err)
		}
		return nil
	})
}

// GetUserGroups lists the groups whose member attribute holds id
func (c *Client) GetUserGroups(ctx context.Context, id string) ([]directory.ExternalGroup, error) {
	var groups []directory.ExternalGroup
	err := c.with(ctx, func(l conn) error {
		filter := fmt.Sprintf("(&%s(%s=%s))", c.cfg.GroupFilter,
			ldap.EscapeFilter(c.cfg.MemberAttribute), ldap.EscapeFilter(id))
		entries, err := c.pagedSearch(l, c.cfg.GroupBaseDN, filter, c.cfg.groupAttributes())
		if err != nil {
			return err
		}
		for _, e := range entries {
			groups = append(groups, c.cfg.mapGroupEntry(e))
		}
		return nil
	})
	return groups, err
}

// GetGroupMembers resolves the member DNs of a group. The bind DN placeholder
// that keeps groupOfNames valid is not reported.
func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]directory.ExternalUser, error) {
	var members []directory.ExternalUser
	err := c.with(ctx, func(l conn) error {
		entry, err := readEntry(l, groupID, []string{c.cfg.MemberAttribute})
		if err != nil {
			return err
		}
		for _, dn := range entry.GetAttributeValues(c.cfg.MemberAttribute) {
			if c.isPlaceholder(dn) {
				continue
			}
			if username, ok := rdnValue(dn, c.cfg.Mapping.Username); ok {
				members = append(members, directory.ExternalUser{ID: dn, Username: username})
				continue
			}
			member, err := readEntry(l, dn, c.cfg.userAttributes())
			if errors.Is(err, directory.ErrNotFound) {
				c.logger.Debug("Skipping dangling group member", zap.String("group", groupID), zap.String("member", dn))
				continue
			}
			if err != nil {
				return err
			}
			if u := c.cfg.mapUserEntry(member); u.Username != "" {
				members = append(members, u)
			}
		}
		return nil
	})
	return members, err
}

func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewModifyRequest(groupID, nil)
		req.Add(c.cfg.MemberAttribute, []string{userID})
		err := l.Modify(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to add member to %s: %w", groupID, mapError(err))
		}
		return nil
	})
}

func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewModifyRequest(groupID, nil)
		req.Delete(c.cfg.MemberAttribute, []string{userID})
		err := l.Modify(req)
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to remove member from %s: %w", groupID, mapError(err))
		}
		return nil
	})
}

// CreateGroup adds a groupOfNames entry whose only initial member is the
// bind DN, since the object class requires at least one member
func (c *Client) CreateGroup(ctx context.Context, group directory.ExternalGroup) (string, error) {
	dn := c.cfg.groupDN(group.Name)
	err := c.with(ctx, func(l conn) error {
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"top", "groupOfNames"})
		req.Attribute(c.cfg.Mapping.GroupName, []string{group.Name})
		req.Attribute(c.cfg.MemberAttribute, []string{c.cfg.BindDN})
		if group.Description != "" {
			req.Attribute("description", []string{group.Description})
		}
		if err := l.Add(req); err != nil {
			return fmt.Errorf("failed to add %s: %w", dn, mapError(err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return dn, nil
}

func (c *Client) UpdateGroup(ctx context.Context, id string, group directory.ExternalGroup) error {
	return c.with(ctx, func(l conn) error {
		req := ldap.NewModifyRequest(id, nil)
		req.Replace("description", optional(group.Description))
		if err := l.Modify(req); err != nil {
			return fmt.Errorf("failed to modify %s: %w", id, mapError(err))
		}
		return nil
	})
}

func (c *Client) isPlaceholder(dn string) bool {
	return strings.EqualFold(dn, c.cfg.BindDN)
}

func readEntry(l conn, dn string, attrs []string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 0, false, "(objectClass=*)", attrs, nil)
	result, err := l.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dn, mapError(err))
	}
	if len(result.Entries) == 0 {
		return nil, directory.ErrNotFound
	}
	return result.Entries[0], nil
}

// pagedSearch performs a paged subtree search
func (c *Client) pagedSearch(l conn, baseDN, filter string, attrs []string) ([]*ldap.Entry, error) {
	pageSize := uint32(c.cfg.PageSize)
	searchReq := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attrs,
		[]ldap.Control{ldap.NewControlPaging(pageSize)},
	)

	var allEntries []*ldap.Entry

	for {
		result, err := l.Search(searchReq)
		if err != nil {
			return nil, fmt.Errorf("LDAP search failed: %w", mapError(err))
		}

		allEntries = append(allEntries, result.Entries...)

		pagingControl := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
		if pagingControl == nil {
			break
		}

		paging, ok := pagingControl.(*ldap.ControlPaging)
		if !ok || len(paging.Cookie) == 0 {
			break
		}

		next := ldap.NewControlPaging(pageSize)
		next.SetCookie(paging.Cookie)
		searchReq.Controls = []ldap.Control{next}
	}

	c.logger.Debug("LDAP search completed",
		zap.String("baseDN", baseDN),
		zap.String("filter", filter),
		zap.Int("results", len(allEntries)),
	)

	return allEntries, nil
}

// mapError translates result codes the engine reacts to
func mapError(err error) error {
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return errors.Join(directory.ErrNotFound, err)
	}
	return err
}

// passwordError converts LDAP result codes of password operations
func (c *Client) passwordError(err error) error {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultConstraintViolation:
			return fmt.Errorf("%w: %s", ErrPasswordPolicy, ldapErr.Err)
		case ldap.LDAPResultUnwillingToPerform, ldap.LDAPResultConfidentialityRequired:
			return fmt.Errorf("%w: %v", ErrTLSRequired, err)
		case ldap.LDAPResultNoSuchObject:
			return mapError(err)
		}
	}

	c.logger.Warn("LDAP password operation failed", zap.Error(err))
	return fmt.Errorf("password change failed: %w", err)
}
