// Package store holds the internal user and group records that act as the
// system of record for authentication.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user or group does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials is returned when a password does not verify.
	// Unknown users produce the same error.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccessDenied is returned by writes with checkAccess=true that the
	// AccessChecker refuses
	ErrAccessDenied = errors.New("access denied")

	// ErrDuplicate is returned when a username or group name is already taken
	ErrDuplicate = errors.New("duplicate key")
)

// User is an internal identity record. Username is the immutable key used to
// match against external directories.
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	Email           string    `json:"email"`
	Deactivated     bool      `json:"deactivated"`
	Deleted         bool      `json:"deleted"`
	LocalOnly       bool      `json:"local_only"`
	PasswordHash    string    `json:"-"`
	TwoFactorSecret string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// PasswordSyncedAt holds the last password propagation per directory target
	PasswordSyncedAt map[string]time.Time `json:"password_synced_at,omitempty"`
}

// Enabled reports whether the user may authenticate
func (u *User) Enabled() bool {
	return !u.Deactivated && !u.Deleted
}

// Synced reports whether the password was ever propagated to target
func (u *User) Synced(target string) bool {
	_, ok := u.PasswordSyncedAt[target]
	return ok
}

// Clone returns a copy that shares no maps with u
func (u User) Clone() User {
	if u.PasswordSyncedAt != nil {
		m := make(map[string]time.Time, len(u.PasswordSyncedAt))
		for k, v := range u.PasswordSyncedAt {
			m[k] = v
		}
		u.PasswordSyncedAt = m
	}
	return u
}

// Group is an internal group. Members are weak references by user id.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	LocalOnly   bool      `json:"local_only"`
	Deleted     bool      `json:"deleted"`
	MemberIDs   []int64   `json:"member_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with g
func (g Group) Clone() Group {
	g.MemberIDs = append([]int64(nil), g.MemberIDs...)
	return g
}

// AccessChecker decides whether the caller in ctx may write the given record.
// It is consulted only for writes made with checkAccess=true.
type AccessChecker func(ctx context.Context, op string, target any) error

// Store is the internal user/group store
type Store interface {
	SelectAllUsers(ctx context.Context, includeDeleted bool) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	InsertUser(ctx context.Context, user *User, checkAccess bool) error
	UpdateUser(ctx context.Context, user *User, checkAccess bool) error

	GetAllGroups(ctx context.Context, includeDeleted bool) ([]Group, error)
	GetGroupByName(ctx context.Context, name string) (*Group, error)
	InsertGroup(ctx context.Context, group *Group, checkAccess bool) error
	UpdateGroup(ctx context.Context, group *Group, checkAccess bool) error
	SetAssignedUsers(ctx context.Context, groupID int64, userIDs []int64) error

	// VerifyPassword returns the user when secret matches its password hash.
	// Deactivated and deleted users fail with ErrInvalidCredentials.
	VerifyPassword(ctx context.Context, username, secret string) (*User, error)
	SetPassword(ctx context.Context, userID int64, secret string) error
	SetTwoFactorSecret(ctx context.Context, userID int64, secret string) error
	MarkPasswordSynced(ctx context.Context, userID int64, target string, at time.Time) error
}

func checkWrite(ctx context.Context, checker AccessChecker, checkAccess bool, op string, target any) error {
	if !checkAccess || checker == nil {
		return nil
	}
	if err := checker(ctx, op, target); err != nil {
		return errors.Join(ErrAccessDenied, err)
	}
	return nil
}
