package directory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/store"
)

// Diff returns the usernames to add and remove so that current becomes
// desired. Both results are sorted.
func Diff(desired, current []string) (toAdd, toRemove []string) {
	return diffSets(desired, current)
}

func diffSets[T cmp.Ordered](desired, current []T) (toAdd, toRemove []T) {
	want := make(map[T]struct{}, len(desired))
	for _, v := range desired {
		want[v] = struct{}{}
	}
	have := make(map[T]struct{}, len(current))
	for _, v := range current {
		have[v] = struct{}{}
	}
	for v := range want {
		if _, ok := have[v]; !ok {
			toAdd = append(toAdd, v)
		}
	}
	for v := range have {
		if _, ok := want[v]; !ok {
			toRemove = append(toRemove, v)
		}
	}
	slices.Sort(toAdd)
	slices.Sort(toRemove)
	return toAdd, toRemove
}

// managed reports whether sync may touch the user at all
func managed(u *store.User) bool {
	return !u.LocalOnly && !u.Deleted
}

// Directory is the snapshot of internal users a membership pass resolves against
type Directory struct {
	byID       map[int64]*store.User
	byUsername map[string]*store.User
	// externalIDs maps username keys to their ids in the remote directory
	externalIDs map[string]string
	key         func(string) string
}

// NewDirectory indexes users for membership resolution. key normalizes
// usernames on both sides; nil compares them as they are.
func NewDirectory(users []store.User, external []ExternalUser, key func(string) string) *Directory {
	if key == nil {
		key = func(s string) string { return s }
	}
	d := &Directory{
		byID:        make(map[int64]*store.User, len(users)),
		byUsername:  make(map[string]*store.User, len(users)),
		externalIDs: make(map[string]string, len(external)),
		key:         key,
	}
	for i := range users {
		u := &users[i]
		d.byID[u.ID] = u
		d.byUsername[key(u.Username)] = u
	}
	for _, e := range external {
		d.externalIDs[key(e.Username)] = e.ID
	}
	return d
}

func (d *Directory) internal(username string) (*store.User, bool) {
	u, ok := d.byUsername[d.key(username)]
	return u, ok
}

// MembershipReconciler recomputes the full desired and actual member sets of
// every matched group on each pass. No delta state is kept between passes.
type MembershipReconciler struct {
	client Client
	store  store.Store
	logger *zap.Logger
}

// NewMembershipReconciler creates a reconciler for one directory
func NewMembershipReconciler(client Client, st store.Store, logger *zap.Logger) *MembershipReconciler {
	return &MembershipReconciler{
		client: client,
		store:  st,
		logger: logger.With(zap.String("component", "membership"), zap.String("target", client.Target())),
	}
}

// PushGroup makes the external group's members match the internal group.
// Members that sync does not manage are excluded from both sides, so a
// local-only user is never added or removed.
func (m *MembershipReconciler) PushGroup(ctx context.Context, group *store.Group, externalGroupID string, dir *Directory) (MembershipCounters, []EntityError) {
	var counters MembershipCounters
	var errs []EntityError

	fail := func(key, op string, err error) {
		counters.Errors++
		errs = append(errs, EntityError{Kind: "membership", Key: group.Name + "/" + key, Op: op, Err: err})
		m.logger.Warn("Membership operation failed",
			zap.String("group", group.Name), zap.String("member", key), zap.String("op", op), zap.Error(err))
	}

	var desired []string
	for _, id := range group.MemberIDs {
		if u, ok := dir.byID[id]; ok && managed(u) {
			desired = append(desired, dir.key(u.Username))
		}
	}

	members, err := m.client.GetGroupMembers(ctx, externalGroupID)
	if err != nil {
		fail("*", "list_members", err)
		return counters, errs
	}
	currentIDs := make(map[string]string, len(members))
	var current []string
	for _, e := range members {
		if u, ok := dir.internal(e.Username); ok && !managed(u) {
			continue
		}
		k := dir.key(e.Username)
		currentIDs[k] = e.ID
		current = append(current, k)
	}

	toAdd, toRemove := Diff(desired, current)
	counters.Unmodified = len(uniq(desired)) - len(toAdd)

	for _, username := range toAdd {
		extID, ok := dir.externalIDs[username]
		if !ok {
			fail(username, "add_member", fmt.Errorf("user %q: %w", username, ErrNotFound))
			continue
		}
		if err := m.client.AddUserToGroup(ctx, extID, externalGroupID); err != nil {
			fail(username, "add_member", err)
			continue
		}
		counters.Added++
	}
	for _, username := range toRemove {
		if err := m.client.RemoveUserFromGroup(ctx, currentIDs[username], externalGroupID); err != nil {
			fail(username, "remove_member", err)
			continue
		}
		counters.Removed++
	}
	return counters, errs
}

// PullGroup makes the internal group's members match the external group.
// Unknown external usernames are ignored and current members that sync does
// not manage are kept. The store is written once, only when the set differs.
func (m *MembershipReconciler) PullGroup(ctx context.Context, group *store.Group, externalGroupID string, dir *Directory) (MembershipCounters, []EntityError) {
	var counters MembershipCounters

	fail := func(op string, err error) []EntityError {
		counters.Errors++
		m.logger.Warn("Membership operation failed",
			zap.String("group", group.Name), zap.String("op", op), zap.Error(err))
		return []EntityError{{Kind: "membership", Key: group.Name, Op: op, Err: err}}
	}

	members, err := m.client.GetGroupMembers(ctx, externalGroupID)
	if err != nil {
		return counters, fail("list_members", err)
	}

	var desired []int64
	for _, e := range members {
		if u, ok := dir.internal(e.Username); ok && managed(u) {
			desired = append(desired, u.ID)
		}
	}
	for _, id := range group.MemberIDs {
		if u, ok := dir.byID[id]; ok && !managed(u) {
			desired = append(desired, id)
		}
	}

	toAdd, toRemove := diffSets(desired, group.MemberIDs)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		counters.Unmodified = len(uniq(desired))
		return counters, nil
	}

	next := uniq(desired)
	if err := m.store.SetAssignedUsers(ctx, group.ID, next); err != nil {
		return counters, fail("set_members", err)
	}
	group.MemberIDs = next
	counters.Added = len(toAdd)
	counters.Removed = len(toRemove)
	counters.Unmodified = len(next) - len(toAdd)
	return counters, nil
}

func uniq[T cmp.Ordered](in []T) []T {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
