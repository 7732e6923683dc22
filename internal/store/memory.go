package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and single-node development runs.
type Memory struct {
	mu          sync.RWMutex
	users       map[int64]*User
	groups      map[int64]*Group
	nextUserID  int64
	nextGroupID int64

	hasher  *Hasher
	checker AccessChecker
	now     func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory(hasher *Hasher, checker AccessChecker) *Memory {
	if hasher == nil {
		hasher = NewHasher()
	}
	return &Memory{
		users:   make(map[int64]*User),
		groups:  make(map[int64]*Group),
		hasher:  hasher,
		checker: checker,
		now:     time.Now,
	}
}

func (m *Memory) SelectAllUsers(_ context.Context, includeDeleted bool) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		if u.Deleted && !includeDeleted {
			continue
		}
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	c := u.Clone()
	return &c, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u := m.userByName(username); u != nil {
		c := u.Clone()
		return &c, nil
	}
	return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
}

func (m *Memory) userByName(username string) *User {
	for _, u := range m.users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

func (m *Memory) InsertUser(ctx context.Context, user *User, checkAccess bool) error {
	if err := checkWrite(ctx, m.checker, checkAccess, "insert_user", user); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userByName(user.Username) != nil {
		return fmt.Errorf("user %q: %w", user.Username, ErrDuplicate)
	}
	m.nextUserID++
	user.ID = m.nextUserID
	user.CreatedAt = m.now()
	user.UpdatedAt = user.CreatedAt
	c := user.Clone()
	m.users[user.ID] = &c
	return nil
}

// UpdateUser replaces the profile fields of an existing user. The password
// hash, 2FA secret and sync timestamps have their own setters and are kept.
func (m *Memory) UpdateUser(ctx context.Context, user *User, checkAccess bool) error {
	if err := checkWrite(ctx, m.checker, checkAccess, "update_user", user); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return fmt.Errorf("user %d: %w", user.ID, ErrNotFound)
	}
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.Email = user.Email
	existing.Deactivated = user.Deactivated
	existing.Deleted = user.Deleted
	existing.LocalOnly = user.LocalOnly
	existing.UpdatedAt = m.now()
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

func (m *Memory) GetAllGroups(_ context.Context, includeDeleted bool) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		if g.Deleted && !includeDeleted {
			continue
		}
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetGroupByName(_ context.Context, name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.groups {
		if g.Name == name {
			c := g.Clone()
			return &c, nil
		}
	}
	return nil, fmt.Errorf("group %q: %w", name, ErrNotFound)
}

func (m *Memory) InsertGroup(ctx context.Context, group *Group, checkAccess bool) error {
	if err := checkWrite(ctx, m.checker, checkAccess, "insert_group", group); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if g.Name == group.Name {
			return fmt.Errorf("group %q: %w", group.Name, ErrDuplicate)
		}
	}
	m.nextGroupID++
	group.ID = m.nextGroupID
	group.CreatedAt = m.now()
	group.UpdatedAt = group.CreatedAt
	c := group.Clone()
	m.groups[group.ID] = &c
	return nil
}

// UpdateGroup replaces the group's attributes. Membership is changed only
// through SetAssignedUsers.
func (m *Memory) UpdateGroup(ctx context.Context, group *Group, checkAccess bool) error {
	if err := checkWrite(ctx, m.checker, checkAccess, "update_group", group); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.groups[group.ID]
	if !ok {
		return fmt.Errorf("group %d: %w", group.ID, ErrNotFound)
	}
	existing.Description = group.Description
	existing.LocalOnly = group.LocalOnly
	existing.Deleted = group.Deleted
	existing.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetAssignedUsers(_ context.Context, groupID int64, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	g.MemberIDs = ids
	g.UpdatedAt = m.now()
	return nil
}

func (m *Memory) VerifyPassword(_ context.Context, username, secret string) (*User, error) {
	m.mu.RLock()
	u := m.userByName(username)
	var c User
	if u != nil {
		c = u.Clone()
	}
	m.mu.RUnlock()

	if u == nil || !c.Enabled() {
		return nil, ErrInvalidCredentials
	}
	ok, err := m.hasher.Verify(secret, c.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	return &c, nil
}

func (m *Memory) SetPassword(_ context.Context, userID int64, secret string) error {
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.PasswordHash = hash
	// a new password has not reached any directory yet
	u.PasswordSyncedAt = nil
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetTwoFactorSecret(_ context.Context, userID int64, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.TwoFactorSecret = secret
	return nil
}

func (m *Memory) MarkPasswordSynced(_ context.Context, userID int64, target string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if u.PasswordSyncedAt == nil {
		u.PasswordSyncedAt = make(map[string]time.Time)
	}
	u.PasswordSyncedAt[target] = at
	return nil
}
