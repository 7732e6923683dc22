// Package directorytest provides an in-memory directory.Client for tests
package directorytest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openidx/idsync/internal/directory"
)

// Client is an in-memory directory. Failures are injected per operation and
// key with Fail; every mutating call is recorded in Calls.
type Client struct {
	mu        sync.Mutex
	target    string
	nextID    int
	users     map[string]*directory.ExternalUser
	groups    map[string]*directory.ExternalGroup
	members   map[string]map[string]bool // group id -> user ids
	passwords map[string]string
	wlan      map[string]string
	failures  map[string]error
	calls     []string

	// OnList runs at the start of GetAllUsers, outside the lock. Tests use it
	// to hold a pass in flight.
	OnList func()

	// LowerCase makes the fake behave like Keycloak: usernames and emails
	// are stored lower-cased and looked up without regard to case.
	LowerCase bool
}

// FoldsUsernames implements directory.CaseFolder
func (c *Client) FoldsUsernames() bool { return c.LowerCase }

func (c *Client) normalize(u *directory.ExternalUser) {
	if c.LowerCase {
		u.Username = strings.ToLower(u.Username)
		u.Email = strings.ToLower(u.Email)
	}
}

// New creates an empty directory named target
func New(target string) *Client {
	return &Client{
		target:    target,
		users:     make(map[string]*directory.ExternalUser),
		groups:    make(map[string]*directory.ExternalGroup),
		members:   make(map[string]map[string]bool),
		passwords: make(map[string]string),
		wlan:      make(map[string]string),
		failures:  make(map[string]error),
	}
}

// Fail makes op fail with err. key is the username or group name the
// operation concerns, or "" for listing operations.
func (c *Client) Fail(op, key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op+":"+key] = err
}

// Heal removes every injected failure
func (c *Client) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = make(map[string]error)
}

func (c *Client) failure(op, key string) error {
	return c.failures[op+":"+key]
}

func (c *Client) record(op, key string) {
	c.calls = append(c.calls, op+":"+key)
}

// Calls returns the mutating calls made so far as "Op:key"
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// ResetCalls clears the recorded calls
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func (c *Client) newID(prefix string) string {
	c.nextID++
	return prefix + "-" + strconv.Itoa(c.nextID)
}

// SeedUser stores u without recording a call and returns its id
func (c *Client) SeedUser(u directory.ExternalUser) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.ID == "" {
		u.ID = c.newID("u")
	}
	c.users[u.ID] = &u
	return u.ID
}

// SeedGroup stores g with the given member usernames and returns its id
func (c *Client) SeedGroup(g directory.ExternalGroup, members ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.ID == "" {
		g.ID = c.newID("g")
	}
	c.groups[g.ID] = &g
	set := make(map[string]bool)
	for _, name := range members {
		if u := c.byUsername(name); u != nil {
			set[u.ID] = true
		}
	}
	c.members[g.ID] = set
	return g.ID
}

func (c *Client) byUsername(username string) *directory.ExternalUser {
	for _, u := range c.users {
		if u.Username == username || (c.LowerCase && strings.EqualFold(u.Username, username)) {
			return u
		}
	}
	return nil
}

func (c *Client) usernameOf(id string) string {
	if u, ok := c.users[id]; ok {
		return u.Username
	}
	return id
}

func (c *Client) groupNameOf(id string) string {
	if g, ok := c.groups[id]; ok {
		return g.Name
	}
	return id
}

// User returns the stored copy of username
func (c *Client) User(username string) (directory.ExternalUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.byUsername(username); u != nil {
		return *u, true
	}
	return directory.ExternalUser{}, false
}

// Members returns the sorted usernames in the named group
func (c *Client) Members(groupName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, g := range c.groups {
		if g.Name != groupName {
			continue
		}
		for uid := range c.members[id] {
			out = append(out, c.usernameOf(uid))
		}
	}
	sort.Strings(out)
	return out
}

// Password returns the last password set for username
func (c *Client) Password(username string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.byUsername(username); u != nil {
		return c.passwords[u.ID]
	}
	return ""
}

// WLANPassword returns the last WLAN password set for username
func (c *Client) WLANPassword(username string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u := c.byUsername(username); u != nil {
		return c.wlan[u.ID]
	}
	return ""
}

func (c *Client) Target() string { return c.target }

func (c *Client) GetAllUsers(ctx context.Context) ([]directory.ExternalUser, error) {
	if c.OnList != nil {
		c.OnList()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("GetAllUsers", ""); err != nil {
		return nil, err
	}
	out := make([]directory.ExternalUser, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (c *Client) GetAllGroups(ctx context.Context) ([]directory.ExternalGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("GetAllGroups", ""); err != nil {
		return nil, err
	}
	out := make([]directory.ExternalGroup, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) FindUserByUsername(ctx context.Context, username string) (*directory.ExternalUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("FindUserByUsername", username); err != nil {
		return nil, err
	}
	if u := c.byUsername(username); u != nil {
		cp := *u
		return &cp, nil
	}
	return nil, fmt.Errorf("user %q: %w", username, directory.ErrNotFound)
}

func (c *Client) CreateUser(ctx context.Context, user directory.ExternalUser) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateUser", user.Username)
	if err := c.failure("CreateUser", user.Username); err != nil {
		return "", err
	}
	if c.byUsername(user.Username) != nil {
		return "", fmt.Errorf("user %q already exists", user.Username)
	}
	c.normalize(&user)
	user.ID = c.newID("u")
	c.users[user.ID] = &user
	return user.ID, nil
}

func (c *Client) UpdateUser(ctx context.Context, id string, user directory.ExternalUser) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, directory.ErrNotFound)
	}
	c.record("UpdateUser", existing.Username)
	if err := c.failure("UpdateUser", existing.Username); err != nil {
		return err
	}
	user.ID = id
	user.Username = existing.Username
	c.normalize(&user)
	c.users[id] = &user
	return nil
}

func (c *Client) ResetPassword(ctx context.Context, id, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.usernameOf(id)
	c.record("ResetPassword", name)
	if err := c.failure("ResetPassword", name); err != nil {
		return err
	}
	if _, ok := c.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, directory.ErrNotFound)
	}
	c.passwords[id] = secret
	return nil
}

// SetWLANPassword makes the fake a directory.WLANPasswordSetter
func (c *Client) SetWLANPassword(ctx context.Context, id, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.usernameOf(id)
	c.record("SetWLANPassword", name)
	if err := c.failure("SetWLANPassword", name); err != nil {
		return err
	}
	c.wlan[id] = secret
	return nil
}

func (c *Client) GetUserGroups(ctx context.Context, id string) ([]directory.ExternalGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []directory.ExternalGroup
	for gid, set := range c.members {
		if set[id] {
			out = append(out, *c.groups[gid])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]directory.ExternalUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("GetGroupMembers", c.groupNameOf(groupID)); err != nil {
		return nil, err
	}
	if _, ok := c.groups[groupID]; !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, directory.ErrNotFound)
	}
	var out []directory.ExternalUser
	for uid := range c.members[groupID] {
		if u, ok := c.users[uid]; ok {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.usernameOf(userID)
	c.record("AddUserToGroup", c.groupNameOf(groupID)+"/"+name)
	if err := c.failure("AddUserToGroup", name); err != nil {
		return err
	}
	if c.members[groupID] == nil {
		c.members[groupID] = make(map[string]bool)
	}
	c.members[groupID][userID] = true
	return nil
}

func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.usernameOf(userID)
	c.record("RemoveUserFromGroup", c.groupNameOf(groupID)+"/"+name)
	if err := c.failure("RemoveUserFromGroup", name); err != nil {
		return err
	}
	delete(c.members[groupID], userID)
	return nil
}

func (c *Client) CreateGroup(ctx context.Context, group directory.ExternalGroup) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateGroup", group.Name)
	if err := c.failure("CreateGroup", group.Name); err != nil {
		return "", err
	}
	group.ID = c.newID("g")
	c.groups[group.ID] = &group
	c.members[group.ID] = make(map[string]bool)
	return group.ID, nil
}

func (c *Client) UpdateGroup(ctx context.Context, id string, group directory.ExternalGroup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.groups[id]
	if !ok {
		return fmt.Errorf("group %s: %w", id, directory.ErrNotFound)
	}
	c.record("UpdateGroup", existing.Name)
	if err := c.failure("UpdateGroup", existing.Name); err != nil {
		return err
	}
	group.ID = id
	group.Name = existing.Name
	c.groups[id] = &group
	return nil
}

var (
	_ directory.Client             = (*Client)(nil)
	_ directory.WLANPasswordSetter = (*Client)(nil)
)
