// Package login orchestrates authentication attempts against the internal
// store and keeps external directories in step: password propagation on
// login and password change, and a background sync pass after every identity
// cache refresh.
package login

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/directory"
	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/store"
)

// Handler is the login and write path of one directory. A handler may
// delegate to a secondary Handler of the same shape.
type Handler interface {
	CheckLogin(ctx context.Context, username, secret string) Result
	AfterCacheRefresh(users []store.User, groups []store.Group)
	PasswordChanged(ctx context.Context, user *store.User, secret string)
	WLANPasswordChanged(ctx context.Context, user *store.User, secret string)
}

// Mode selects which side is authoritative for profile data
type Mode string

const (
	// ModeExternalMaster pulls users and groups from the directory
	ModeExternalMaster Mode = "external_master"
	// ModeInternalMaster pushes the internal store into the directory
	ModeInternalMaster Mode = "internal_master"
)

// ParseMode validates a configured mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeExternalMaster, ModeInternalMaster:
		return m, nil
	}
	return "", fmt.Errorf("unknown directory mode %q", s)
}

func (m Mode) direction() directory.Direction {
	if m == ModeInternalMaster {
		return directory.Push
	}
	return directory.Pull
}

// Policy holds the feature switches of a DirectoryHandler
type Policy struct {
	// SyncPasswords enables password propagation in ModeInternalMaster.
	// ModeExternalMaster always propagates.
	SyncPasswords  bool
	MembershipSync bool
}

// Config wires a DirectoryHandler. A nil Client makes an unconfigured handler
// that still checks logins against the store.
type Config struct {
	Mode        Mode
	Policy      Policy
	Client      directory.Client
	Store       store.Store
	Guard       *directory.Guard
	Secondary   Handler
	Invalidator directory.Invalidator
	Logger      *zap.Logger
}

// Status is a snapshot of a handler for the admin API
type Status struct {
	Target          string            `json:"target"`
	Mode            Mode              `json:"mode"`
	Running         bool              `json:"running"`
	LastReport      *directory.Report `json:"last_report,omitempty"`
	LastErrors      []string          `json:"last_errors,omitempty"`
	LastFailure     string            `json:"last_failure,omitempty"`
	DroppedTriggers int               `json:"dropped_triggers"`
}

// DirectoryHandler is the Handler of one external directory
type DirectoryHandler struct {
	mode      Mode
	policy    Policy
	client    directory.Client
	store     store.Store
	engine    *directory.Engine
	guard     *directory.Guard
	secondary Handler
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup

	mu          sync.RWMutex
	lastReport  *directory.Report
	lastFailure string
	dropped     int
}

// NewDirectoryHandler creates a handler
func NewDirectoryHandler(cfg Config) *DirectoryHandler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Guard == nil {
		cfg.Guard = directory.NewGuard()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExternalMaster
	}
	h := &DirectoryHandler{
		mode:      cfg.Mode,
		policy:    cfg.Policy,
		client:    cfg.Client,
		store:     cfg.Store,
		guard:     cfg.Guard,
		secondary: cfg.Secondary,
		logger:    cfg.Logger.With(zap.String("component", "login-handler")),
		now:       time.Now,
	}
	h.engine = directory.NewEngine(cfg.Client, cfg.Store, directory.EngineOptions{
		MembershipSync: cfg.Policy.MembershipSync,
		Invalidator:    cfg.Invalidator,
	}, cfg.Logger)
	if cfg.Client != nil {
		h.logger = h.logger.With(zap.String("target", cfg.Client.Target()), zap.String("mode", string(cfg.Mode)))
	}
	return h
}

// Target returns the directory name, or "" when unconfigured
func (h *DirectoryHandler) Target() string {
	return h.engine.Target()
}

func (h *DirectoryHandler) propagates() bool {
	return h.client != nil && (h.mode == ModeExternalMaster || h.policy.SyncPasswords)
}

// managed reports whether user is subject to sync at all
func managed(user *store.User) bool {
	return !user.LocalOnly && !user.Deleted
}

// VerifiedLoginHandler is implemented by handlers that can take a login the
// primary handler has already verified, without checking the password again
type VerifiedLoginHandler interface {
	LoginVerified(ctx context.Context, user *store.User, secret string) Result
}

// CheckLogin verifies the credentials against the internal store. A
// successful login pushes a never propagated password to the directory; that
// push and the secondary handler never change the outcome.
func (h *DirectoryHandler) CheckLogin(ctx context.Context, username, secret string) Result {
	a := newAttempt()
	a.transition(StateCredentialCheck)

	user, err := h.store.VerifyPassword(ctx, username, secret)
	if err != nil {
		a.transition(StateFailure)
		a.result.Err = err
		return a.result
	}
	return h.succeeded(ctx, a, user, secret)
}

// LoginVerified runs the steps after a successful credential check for a
// user whose secret the caller already verified
func (h *DirectoryHandler) LoginVerified(ctx context.Context, user *store.User, secret string) Result {
	a := newAttempt()
	a.transition(StateCredentialCheck)
	return h.succeeded(ctx, a, user, secret)
}

func (h *DirectoryHandler) succeeded(ctx context.Context, a *attempt, user *store.User, secret string) Result {
	a.transition(StateSuccess)
	a.result.User = user

	if h.propagates() && managed(user) && !user.Synced(h.Target()) {
		a.transition(StatePasswordPropagation)
		if err := h.pushPassword(ctx, user, secret, "login"); err != nil {
			h.logger.Warn("Password propagation on login failed",
				zap.String("username", user.Username), zap.Error(err))
		} else {
			a.result.Propagated = true
		}
	}

	a.transition(StateDelegatedWrite)
	h.delegate("CheckLogin", func(s Handler) {
		if v, ok := s.(VerifiedLoginHandler); ok {
			v.LoginVerified(ctx, user, secret)
			return
		}
		s.CheckLogin(ctx, user.Username, secret)
	})
	return a.result
}

// pushPassword sets secret on the directory account of user and records the
// propagation in the store
func (h *DirectoryHandler) pushPassword(ctx context.Context, user *store.User, secret, kind string) error {
	target := h.Target()
	err := func() error {
		ext, err := h.client.FindUserByUsername(ctx, user.Username)
		if err != nil {
			return fmt.Errorf("find user: %w", err)
		}
		if err := h.client.ResetPassword(ctx, ext.ID, secret); err != nil {
			return fmt.Errorf("reset password: %w", err)
		}
		return nil
	}()
	if err != nil {
		metrics.RecordPasswordPropagation(target, kind, "error")
		return err
	}
	metrics.RecordPasswordPropagation(target, kind, "success")

	if err := h.store.MarkPasswordSynced(ctx, user.ID, target, h.now()); err != nil {
		h.logger.Warn("Failed to record password propagation",
			zap.String("username", user.Username), zap.Error(err))
	}
	h.logger.Debug("Password propagated", zap.String("username", user.Username), zap.String("kind", kind))
	return nil
}

// PasswordChanged pushes a password the store has already accepted. Failures
// are logged and never reach the caller.
func (h *DirectoryHandler) PasswordChanged(ctx context.Context, user *store.User, secret string) {
	if h.propagates() && managed(user) {
		if err := h.pushPassword(ctx, user, secret, "change"); err != nil {
			h.logger.Warn("Password propagation failed",
				zap.String("username", user.Username), zap.Error(err))
		}
	}
	h.delegate("PasswordChanged", func(s Handler) { s.PasswordChanged(ctx, user, secret) })
}

// WLANPasswordChanged sets the WLAN credential on directories that keep one
func (h *DirectoryHandler) WLANPasswordChanged(ctx context.Context, user *store.User, secret string) {
	if setter, ok := h.client.(directory.WLANPasswordSetter); ok && managed(user) {
		target := h.Target()
		err := func() error {
			ext, err := h.client.FindUserByUsername(ctx, user.Username)
			if err != nil {
				return fmt.Errorf("find user: %w", err)
			}
			return setter.SetWLANPassword(ctx, ext.ID, secret)
		}()
		if err != nil {
			metrics.RecordPasswordPropagation(target, "wlan", "error")
			h.logger.Warn("WLAN password propagation failed",
				zap.String("username", user.Username), zap.Error(err))
		} else {
			metrics.RecordPasswordPropagation(target, "wlan", "success")
		}
	}
	h.delegate("WLANPasswordChanged", func(s Handler) { s.WLANPasswordChanged(ctx, user, secret) })
}

// AfterCacheRefresh starts a sync pass in the background and returns at
// once. A trigger that finds a pass in flight is dropped.
func (h *DirectoryHandler) AfterCacheRefresh(users []store.User, groups []store.Group) {
	if h.client == nil {
		h.logger.Info("No directory configured, skipping sync pass")
		return
	}
	target := h.Target()
	if !h.guard.TryAcquire(target) {
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		metrics.RecordDroppedPass(target)
		h.logger.Debug("Sync pass already running, trigger dropped")
		return
	}

	h.wg.Add(1)
	go h.runPass(target, users, groups)
}

func (h *DirectoryHandler) runPass(target string, users []store.User, groups []store.Group) {
	defer h.wg.Done()
	defer h.guard.Release(target)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Sync pass panicked", zap.Any("panic", r), zap.Stack("stack"))
			h.setFailure(fmt.Sprintf("panic: %v", r))
		}
	}()

	// passes are not cancelled; the clients carry their own timeouts
	ctx := context.Background()
	report, err := h.engine.Reconcile(ctx, h.mode.direction(), users, groups)
	if err != nil {
		h.logger.Error("Sync pass failed", zap.Error(err))
		h.setFailure(err.Error())
		return
	}
	h.mu.Lock()
	h.lastReport = report
	h.lastFailure = ""
	h.mu.Unlock()

	if h.secondary == nil {
		return
	}
	freshUsers, err := h.store.SelectAllUsers(ctx, true)
	if err != nil {
		h.logger.Error("Failed to reload users for secondary sync", zap.Error(err))
		return
	}
	freshGroups, err := h.store.GetAllGroups(ctx, true)
	if err != nil {
		h.logger.Error("Failed to reload groups for secondary sync", zap.Error(err))
		return
	}
	h.delegate("AfterCacheRefresh", func(s Handler) { s.AfterCacheRefresh(freshUsers, freshGroups) })
}

func (h *DirectoryHandler) setFailure(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastFailure = msg
}

// delegate calls the secondary handler and contains its panics
func (h *DirectoryHandler) delegate(op string, fn func(Handler)) {
	if h.secondary == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Secondary handler panicked", zap.String("op", op), zap.Any("panic", r))
		}
	}()
	fn(h.secondary)
}

// Wait blocks until in-flight passes of this handler and its secondary
// have finished
func (h *DirectoryHandler) Wait() {
	h.wg.Wait()
	if w, ok := h.secondary.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// LastReport returns the report of the last completed pass, or nil
func (h *DirectoryHandler) LastReport() *directory.Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReport
}

// Status returns the state of this handler
func (h *DirectoryHandler) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Status{
		Target:          h.Target(),
		Mode:            h.mode,
		Running:         h.client != nil && h.guard.Running(h.Target()),
		LastReport:      h.lastReport,
		LastFailure:     h.lastFailure,
		DroppedTriggers: h.dropped,
	}
	if h.lastReport != nil {
		st.LastErrors = h.lastReport.ErrorMessages()
	}
	return st
}

// Statuses returns the status of h followed by those of its secondaries
func (h *DirectoryHandler) Statuses() []Status {
	out := []Status{h.Status()}
	if s, ok := h.secondary.(*DirectoryHandler); ok {
		out = append(out, s.Statuses()...)
	}
	return out
}

var (
	_ Handler              = (*DirectoryHandler)(nil)
	_ VerifiedLoginHandler = (*DirectoryHandler)(nil)
)
