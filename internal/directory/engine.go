package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/common/tracing"
	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/store"
)

// Invalidator expires the downstream identity cache after a pull changed
// internal state
type Invalidator interface {
	SetExpired()
}

// EngineOptions are the policy switches of an Engine
type EngineOptions struct {
	MembershipSync bool
	Invalidator    Invalidator
}

// Engine reconciles the internal store with one external directory, in either
// direction. Every per-entity failure is recorded in the report and the pass
// carries on with the remaining entities.
type Engine struct {
	client  Client
	store   store.Store
	members *MembershipReconciler
	opts    EngineOptions
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	// key normalizes usernames for matching
	key func(string) string
}

// NewEngine creates an engine for client. A nil client yields an engine whose
// passes fail with ErrNotConfigured.
func NewEngine(client Client, st store.Store, opts EngineOptions, logger *zap.Logger) *Engine {
	e := &Engine{
		client: client,
		store:  st,
		opts:   opts,
		logger: logger.With(zap.String("component", "sync-engine")),
		tracer: tracing.Tracer("directory"),
		now:    time.Now,
		key:    func(s string) string { return s },
	}
	if client != nil {
		e.key = usernameKey(client)
		e.logger = e.logger.With(zap.String("target", client.Target()))
		e.members = NewMembershipReconciler(client, st, logger)
	}
	return e
}

// Target returns the directory target name, or "" when unconfigured
func (e *Engine) Target() string {
	if e.client == nil {
		return ""
	}
	return e.client.Target()
}

// Configured reports whether the engine has a directory client
func (e *Engine) Configured() bool {
	return e.client != nil
}

// Reconcile runs one full pass. users and groups are the internal state at
// the start of the pass; the slices are not modified. The error is reserved
// for preconditions. A degraded pass returns its report and a nil error.
func (e *Engine) Reconcile(ctx context.Context, dir Direction, users []store.User, groups []store.Group) (*Report, error) {
	if e.client == nil {
		return nil, ErrNotConfigured
	}
	if dir != Pull && dir != Push {
		return nil, fmt.Errorf("unknown sync direction %q", dir)
	}

	ctx, span := e.tracer.Start(ctx, "directory.Reconcile", trace.WithAttributes(
		attribute.String("directory.target", e.client.Target()),
		attribute.String("directory.direction", string(dir)),
	))
	defer span.End()

	report := newReport(e.client.Target(), dir, e.now())

	internalUsers := make([]store.User, len(users))
	for i := range users {
		internalUsers[i] = users[i].Clone()
	}
	internalGroups := make([]store.Group, len(groups))
	for i := range groups {
		internalGroups[i] = groups[i].Clone()
	}

	if dir == Pull {
		e.pull(ctx, report, internalUsers, internalGroups)
	} else {
		e.push(ctx, report, internalUsers, internalGroups)
	}

	report.Duration = e.now().Sub(report.StartedAt)
	e.finish(span, report)

	if dir == Pull && report.ChangedInternal() && e.opts.Invalidator != nil {
		e.opts.Invalidator.SetExpired()
	}
	return report, nil
}

// matchedGroup pairs an internal group with its external counterpart
type matchedGroup struct {
	group      *store.Group
	externalID string
}

func (e *Engine) pull(ctx context.Context, r *Report, users []store.User, groups []store.Group) {
	extUsers, usersOK := e.pullUsers(ctx, r, &users)
	matched, groupsOK := e.pullGroups(ctx, r, &groups)

	if !e.opts.MembershipSync || !usersOK || !groupsOK {
		return
	}
	dir := NewDirectory(users, extUsers, e.key)
	for _, m := range matched {
		c, errs := e.members.PullGroup(ctx, m.group, m.externalID, dir)
		r.Memberships.add(c)
		r.Errors = append(r.Errors, errs...)
	}
}

func (e *Engine) pullUsers(ctx context.Context, r *Report, users *[]store.User) ([]ExternalUser, bool) {
	ext, err := e.client.GetAllUsers(ctx)
	if err != nil {
		r.userError("*", "list", err)
		e.logger.Error("Failed to list directory users", zap.Error(err))
		return nil, false
	}

	byName := make(map[string]int, len(*users))
	for i := range *users {
		byName[e.key((*users)[i].Username)] = i
	}
	seen := make(map[string]bool, len(ext))

	for i := range ext {
		x := &ext[i]
		if x.Username == "" {
			r.userError(x.ID, "map", errors.New("directory user has no username"))
			continue
		}
		seen[e.key(x.Username)] = true

		idx, ok := byName[e.key(x.Username)]
		if !ok {
			nu := ToInternalUser(x)
			if err := e.store.InsertUser(ctx, &nu, false); err != nil {
				r.userError(x.Username, "create", err)
				e.logger.Warn("Failed to create user from directory", zap.String("username", x.Username), zap.Error(err))
				continue
			}
			*users = append(*users, nu)
			byName[e.key(nu.Username)] = len(*users) - 1
			r.Users.Created++
			continue
		}

		u := &(*users)[idx]
		if !managed(u) {
			r.Users.Skipped++
			continue
		}
		next := u.Clone()
		if !ApplyExternalUser(&next, x) {
			r.Users.Unmodified++
			continue
		}
		if err := e.store.UpdateUser(ctx, &next, false); err != nil {
			r.userError(x.Username, "update", err)
			e.logger.Warn("Failed to update user from directory", zap.String("username", x.Username), zap.Error(err))
			continue
		}
		*u = next
		r.Users.Updated++
	}

	for i := range *users {
		u := &(*users)[i]
		if seen[e.key(u.Username)] {
			continue
		}
		if !managed(u) {
			r.Users.Skipped++
			continue
		}
		if u.Deactivated {
			r.Users.Unmodified++
			continue
		}
		next := u.Clone()
		next.Deactivated = true
		if err := e.store.UpdateUser(ctx, &next, false); err != nil {
			r.userError(u.Username, "disable", err)
			e.logger.Warn("Failed to deactivate user missing from directory", zap.String("username", u.Username), zap.Error(err))
			continue
		}
		*u = next
		r.Users.Disabled++
	}
	return ext, true
}

func (e *Engine) pullGroups(ctx context.Context, r *Report, groups *[]store.Group) ([]matchedGroup, bool) {
	ext, err := e.client.GetAllGroups(ctx)
	if err != nil {
		r.groupError("*", "list", err)
		e.logger.Error("Failed to list directory groups", zap.Error(err))
		return nil, false
	}

	byName := make(map[string]int, len(*groups))
	for i := range *groups {
		byName[(*groups)[i].Name] = i
	}
	seen := make(map[string]bool, len(ext))
	type pending struct {
		index      int
		externalID string
	}
	var matches []pending

	for i := range ext {
		x := &ext[i]
		if x.Name == "" {
			r.groupError(x.ID, "map", errors.New("directory group has no name"))
			continue
		}
		seen[x.Name] = true

		idx, ok := byName[x.Name]
		if !ok {
			ng := ToInternalGroup(x)
			if err := e.store.InsertGroup(ctx, &ng, false); err != nil {
				r.groupError(x.Name, "create", err)
				e.logger.Warn("Failed to create group from directory", zap.String("group", x.Name), zap.Error(err))
				continue
			}
			*groups = append(*groups, ng)
			byName[ng.Name] = len(*groups) - 1
			matches = append(matches, pending{len(*groups) - 1, x.ID})
			r.Groups.Created++
			continue
		}

		g := &(*groups)[idx]
		if g.LocalOnly || g.Deleted {
			r.Groups.Skipped++
			continue
		}
		matches = append(matches, pending{idx, x.ID})
		next := g.Clone()
		if !ApplyExternalGroup(&next, x) {
			r.Groups.Unmodified++
			continue
		}
		if err := e.store.UpdateGroup(ctx, &next, false); err != nil {
			r.groupError(x.Name, "update", err)
			continue
		}
		*g = next
		r.Groups.Updated++
	}

	for i := range *groups {
		g := &(*groups)[i]
		if seen[g.Name] {
			continue
		}
		if g.LocalOnly || g.Deleted {
			r.Groups.Skipped++
			continue
		}
		next := g.Clone()
		next.Deleted = true
		if err := e.store.UpdateGroup(ctx, &next, false); err != nil {
			r.groupError(g.Name, "disable", err)
			continue
		}
		*g = next
		r.Groups.Disabled++
	}

	// pointers are taken after all appends so they stay valid
	matched := make([]matchedGroup, 0, len(matches))
	for _, m := range matches {
		matched = append(matched, matchedGroup{group: &(*groups)[m.index], externalID: m.externalID})
	}
	return matched, true
}

func (e *Engine) push(ctx context.Context, r *Report, users []store.User, groups []store.Group) {
	extUsers, usersOK := e.pushUsers(ctx, r, users)
	matched, groupsOK := e.pushGroups(ctx, r, groups)

	if !e.opts.MembershipSync || !usersOK || !groupsOK {
		return
	}
	dir := NewDirectory(users, extUsers, e.key)
	for _, m := range matched {
		c, errs := e.members.PushGroup(ctx, m.group, m.externalID, dir)
		r.Memberships.add(c)
		r.Errors = append(r.Errors, errs...)
	}
}

// pushUsers returns the external users after the pass, including the ones it created
func (e *Engine) pushUsers(ctx context.Context, r *Report, users []store.User) ([]ExternalUser, bool) {
	ext, err := e.client.GetAllUsers(ctx)
	if err != nil {
		r.userError("*", "list", err)
		e.logger.Error("Failed to list directory users", zap.Error(err))
		return nil, false
	}
	byName := make(map[string]ExternalUser, len(ext))
	for _, x := range ext {
		byName[e.key(x.Username)] = x
	}

	for i := range users {
		u := &users[i]
		x, exists := byName[e.key(u.Username)]

		if u.LocalOnly {
			r.Users.Skipped++
			continue
		}

		want := ToExternalUser(u)
		if !exists {
			if u.Deleted {
				r.Users.Skipped++
				continue
			}
			id, err := e.client.CreateUser(ctx, want)
			if err != nil {
				r.userError(u.Username, "create", err)
				e.logger.Warn("Failed to create directory user", zap.String("username", u.Username), zap.Error(err))
				continue
			}
			want.ID = id
			ext = append(ext, want)
			r.Users.Created++
			continue
		}

		if !UserDiffers(want, x) {
			r.Users.Unmodified++
			continue
		}
		if u.Deleted {
			// deleted users keep their remote profile; only the enabled flag follows
			want = x
			want.Enabled = false
			if !x.Enabled {
				r.Users.Unmodified++
				continue
			}
		}
		op := "update"
		if x.Enabled && !want.Enabled {
			op = "disable"
		}
		if err := e.client.UpdateUser(ctx, x.ID, want); err != nil {
			r.userError(u.Username, op, err)
			e.logger.Warn("Failed to update directory user", zap.String("username", u.Username), zap.Error(err))
			continue
		}
		if op == "disable" {
			r.Users.Disabled++
		} else {
			r.Users.Updated++
		}
	}
	return ext, true
}

func (e *Engine) pushGroups(ctx context.Context, r *Report, groups []store.Group) ([]matchedGroup, bool) {
	ext, err := e.client.GetAllGroups(ctx)
	if err != nil {
		r.groupError("*", "list", err)
		e.logger.Error("Failed to list directory groups", zap.Error(err))
		return nil, false
	}
	byName := make(map[string]ExternalGroup, len(ext))
	for _, x := range ext {
		byName[x.Name] = x
	}

	var matched []matchedGroup
	for i := range groups {
		g := &groups[i]
		if g.LocalOnly || g.Deleted {
			r.Groups.Skipped++
			continue
		}

		want := ToExternalGroup(g)
		x, exists := byName[g.Name]
		if !exists {
			id, err := e.client.CreateGroup(ctx, want)
			if err != nil {
				r.groupError(g.Name, "create", err)
				e.logger.Warn("Failed to create directory group", zap.String("group", g.Name), zap.Error(err))
				continue
			}
			matched = append(matched, matchedGroup{group: g, externalID: id})
			r.Groups.Created++
			continue
		}

		matched = append(matched, matchedGroup{group: g, externalID: x.ID})
		if x.Description == want.Description {
			r.Groups.Unmodified++
			continue
		}
		if err := e.client.UpdateGroup(ctx, x.ID, want); err != nil {
			r.groupError(g.Name, "update", err)
			continue
		}
		r.Groups.Updated++
	}
	return matched, true
}

func (e *Engine) finish(span trace.Span, r *Report) {
	target, dir := r.Target, string(r.Direction)
	for kind, c := range map[string]Counters{"user": r.Users, "group": r.Groups} {
		metrics.RecordSyncEntities(target, dir, kind, "created", c.Created)
		metrics.RecordSyncEntities(target, dir, kind, "updated", c.Updated)
		metrics.RecordSyncEntities(target, dir, kind, "disabled", c.Disabled)
		metrics.RecordSyncEntities(target, dir, kind, "unmodified", c.Unmodified)
		metrics.RecordSyncEntities(target, dir, kind, "skipped", c.Skipped)
		metrics.RecordSyncEntities(target, dir, kind, "error", c.Errors)
	}
	metrics.RecordMembershipChanges(target, dir, "added", r.Memberships.Added)
	metrics.RecordMembershipChanges(target, dir, "removed", r.Memberships.Removed)
	metrics.RecordMembershipChanges(target, dir, "unmodified", r.Memberships.Unmodified)
	metrics.RecordMembershipChanges(target, dir, "error", r.Memberships.Errors)

	result := "ok"
	if r.Degraded() {
		result = "degraded"
		span.SetStatus(codes.Error, fmt.Sprintf("%d entity errors", len(r.Errors)))
	}
	metrics.RecordSyncPass(target, dir, result, r.Duration)

	span.SetAttributes(
		attribute.Int("sync.users.created", r.Users.Created),
		attribute.Int("sync.users.updated", r.Users.Updated),
		attribute.Int("sync.users.disabled", r.Users.Disabled),
		attribute.Int("sync.errors", len(r.Errors)),
	)

	fields := []zap.Field{
		zap.String("direction", dir),
		zap.Any("users", r.Users),
		zap.Any("groups", r.Groups),
		zap.Any("memberships", r.Memberships),
		zap.Duration("duration", r.Duration),
	}
	if r.Degraded() {
		e.logger.Warn("Sync pass completed with errors", append(fields, zap.Strings("errors", r.ErrorMessages()))...)
		return
	}
	e.logger.Info("Sync pass completed", fields...)
}
