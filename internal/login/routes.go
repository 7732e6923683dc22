package login

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/auth"
	apperrors "github.com/openidx/idsync/internal/common/errors"
	"github.com/openidx/idsync/internal/store"
)

// Cache is the part of the identity cache the endpoints drive
type Cache interface {
	SetExpired()
	Invalidate(id int64)
	LastRefresh() time.Time
}

// CredentialRevoker ends the tokens and other sessions of a user whose
// password changed
type CredentialRevoker interface {
	CredentialsChanged(c *gin.Context, userID int64) error
}

// Routes serves the account and sync administration endpoints
type Routes struct {
	handler    *DirectoryHandler
	store      store.Store
	cache      Cache
	revoker    CredentialRevoker
	adminGroup string
	logger     *zap.Logger
}

// NewRoutes creates the endpoints for handler, the primary login handler
func NewRoutes(handler *DirectoryHandler, st store.Store, cache Cache, revoker CredentialRevoker, adminGroup string, logger *zap.Logger) *Routes {
	return &Routes{
		handler:    handler,
		store:      st,
		cache:      cache,
		revoker:    revoker,
		adminGroup: adminGroup,
		logger:     logger.With(zap.String("component", "login-routes")),
	}
}

// PasswordChangeRequest is the body of POST /account/password
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=8"`
}

// WLANPasswordRequest is the body of POST /account/wlan-password
type WLANPasswordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

// RegisterRoutes registers the endpoints behind authn
func (r *Routes) RegisterRoutes(router *gin.RouterGroup, authn gin.HandlerFunc) {
	account := router.Group("/account", authn)
	account.POST("/password", r.ChangePassword)
	account.POST("/wlan-password", r.ChangeWLANPassword)

	admin := router.Group("/admin/sync", authn, r.requireAdmin)
	admin.POST("", r.TriggerSync)
	admin.GET("/status", r.SyncStatus)
}

// requireAdmin admits members of the admin group
func (r *Routes) requireAdmin(c *gin.Context) {
	user := auth.CurrentUser(c)
	group, err := r.store.GetGroupByName(c.Request.Context(), r.adminGroup)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		apperrors.AbortWithError(c, apperrors.Internal("Failed to read admin group", err))
		return
	}
	if group == nil || group.Deleted || !slices.Contains(group.MemberIDs, user.ID) {
		apperrors.AbortWithError(c, apperrors.Forbidden("Sync administration requires the admin group"))
		return
	}
	c.Next()
}

// ChangePassword replaces the caller's password and propagates it
func (r *Routes) ChangePassword(c *gin.Context) {
	var req PasswordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("Invalid request format").WithDetails(err.Error()))
		return
	}
	ctx := c.Request.Context()
	caller := auth.CurrentUser(c)

	if _, err := r.store.VerifyPassword(ctx, caller.Username, req.CurrentPassword); err != nil {
		apperrors.HandleError(c, apperrors.Unauthorized())
		return
	}
	if err := r.store.SetPassword(ctx, caller.ID, req.NewPassword); err != nil {
		apperrors.HandleError(c, apperrors.Internal("Failed to change password", err))
		return
	}
	r.cache.Invalidate(caller.ID)
	if err := r.revoker.CredentialsChanged(c, caller.ID); err != nil {
		r.logger.Error("Failed to revoke credentials after password change", zap.Int64("user_id", caller.ID), zap.Error(err))
	}

	user, err := r.store.GetUser(ctx, caller.ID)
	if err != nil {
		r.logger.Error("Failed to reload user after password change", zap.Int64("user_id", caller.ID), zap.Error(err))
		user = caller
	}
	r.handler.PasswordChanged(ctx, user, req.NewPassword)

	r.logger.Info("Password changed", zap.Int64("user_id", caller.ID))
	c.Status(http.StatusNoContent)
}

// ChangeWLANPassword sets the caller's WLAN password in the directories that
// keep one. It is not stored internally.
func (r *Routes) ChangeWLANPassword(c *gin.Context) {
	var req WLANPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("Invalid request format").WithDetails(err.Error()))
		return
	}
	r.handler.WLANPasswordChanged(c.Request.Context(), auth.CurrentUser(c), req.Password)
	c.Status(http.StatusNoContent)
}

// TriggerSync expires the identity cache. The refresh that follows starts
// the sync passes.
func (r *Routes) TriggerSync(c *gin.Context) {
	if r.handler.Target() == "" {
		apperrors.HandleError(c, apperrors.DirectoryNotConfigured("any"))
		return
	}
	r.cache.SetExpired()
	r.logger.Info("Sync requested", zap.Int64("user_id", auth.CurrentUser(c).ID))
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

// SyncStatus reports the last pass of every directory
func (r *Routes) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"last_cache_refresh": r.cache.LastRefresh(),
		"directories":        r.handler.Statuses(),
	})
}

// Authenticator adapts h to the password check of the auth pipeline
func Authenticator(h Handler) auth.AuthenticateFunc {
	return func(ctx context.Context, username, password string) (*store.User, error) {
		res := h.CheckLogin(ctx, username, password)
		if !res.Success() {
			return nil, res.Err
		}
		return res.User, nil
	}
}
