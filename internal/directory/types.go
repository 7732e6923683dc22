// Package directory reconciles the internal user store with external
// directories such as Keycloak and LDAP.
package directory

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by a Client when the entity does not exist remotely
	ErrNotFound = errors.New("directory entity not found")

	// ErrNotConfigured is returned when no directory client is wired
	ErrNotConfigured = errors.New("directory not configured")
)

// ExternalUser is a user as the remote directory sees it. ID is opaque
// (Keycloak UUID, LDAP DN) and only known after the first creation, so
// matching always goes through Username.
type ExternalUser struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
}

// ExternalGroup is a group as the remote directory sees it, matched by Name
type ExternalGroup struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client is the admin API of one external directory. Every call may fail
// with a transport or remote-rejection error.
type Client interface {
	// Target names the directory ("keycloak", "ldap") in logs, metrics and
	// password sync bookkeeping
	Target() string

	GetAllUsers(ctx context.Context) ([]ExternalUser, error)
	GetAllGroups(ctx context.Context) ([]ExternalGroup, error)
	FindUserByUsername(ctx context.Context, username string) (*ExternalUser, error)
	CreateUser(ctx context.Context, user ExternalUser) (string, error)
	UpdateUser(ctx context.Context, id string, user ExternalUser) error
	ResetPassword(ctx context.Context, id, secret string) error
	GetUserGroups(ctx context.Context, id string) ([]ExternalGroup, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]ExternalUser, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
	CreateGroup(ctx context.Context, group ExternalGroup) (string, error)
	UpdateGroup(ctx context.Context, id string, group ExternalGroup) error
}

// WLANPasswordSetter is implemented by directories that keep a separate
// WLAN credential next to the login password
type WLANPasswordSetter interface {
	SetWLANPassword(ctx context.Context, id, secret string) error
}

// CaseFolder is implemented by directories that compare usernames without
// regard to case. Keycloak stores them lower-cased.
type CaseFolder interface {
	FoldsUsernames() bool
}

// usernameKey returns the match key for usernames of c
func usernameKey(c Client) func(string) string {
	if f, ok := c.(CaseFolder); ok && f.FoldsUsernames() {
		return strings.ToLower
	}
	return func(s string) string { return s }
}
