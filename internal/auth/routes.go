package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/idsync/internal/common/errors"
)

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterRoutes registers the login, logout and token endpoints
func (p *Pipeline) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/auth/login", p.Login)
	router.POST("/auth/logout", p.Logout)

	tokens := router.Group("/auth/tokens", p.Authenticate(TokenRESTClient))
	tokens.POST("/:type", p.IssueToken)
	tokens.DELETE("/:type", p.RevokeToken)
}

// Login checks a username and password under the LOGIN throttle bucket and
// opens a session
func (p *Pipeline) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("Invalid request format").WithDetails(err.Error()))
		return
	}

	user, err := p.checkPassword(c, req.Username, req.Password, TokenLogin, MechanismBasic)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	sess, err := p.sessions.Create(c.Request.Context(), user.ID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		apperrors.HandleError(c, apperrors.Internal("Failed to create session", err))
		return
	}
	p.setSessionCookie(c, sess.ID, int(p.sessions.TTL().Seconds()))

	required := p.twoFactor != nil && p.twoFactor.Required(user)
	p.logger.Info("User logged in",
		zap.Int64("user_id", user.ID),
		zap.String("ip", c.ClientIP()),
		zap.Bool("two_factor_required", required),
	)
	c.JSON(http.StatusOK, gin.H{
		"user":                user,
		"expires_at":          sess.ExpiresAt,
		"two_factor_required": required,
	})
}

// Logout ends the session of the cookie, if any
func (p *Pipeline) Logout(c *gin.Context) {
	if id, err := c.Cookie(p.cookieName); err == nil && id != "" {
		if err := p.sessions.Delete(c.Request.Context(), id); err != nil {
			p.logger.Warn("Failed to delete session", zap.Error(err))
		}
	}
	p.setSessionCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

// CredentialsChanged revokes every access token of the user and ends their
// sessions except the one the request came in on
func (p *Pipeline) CredentialsChanged(c *gin.Context, userID int64) error {
	ctx := c.Request.Context()
	var errs []error
	if p.tokens != nil {
		if err := p.tokens.RevokeAll(ctx, userID); err != nil {
			errs = append(errs, err)
		}
	}
	if p.sessions != nil {
		keep, _ := c.Cookie(p.cookieName)
		if err := p.sessions.DeleteByUser(ctx, userID, keep); err != nil {
			errs = append(errs, fmt.Errorf("end sessions: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	p.logger.Info("Credentials revoked after change", zap.Int64("user_id", userID))
	return nil
}

// IssueToken creates an access token of the given type for the caller. A
// token cannot be used to mint another one.
func (p *Pipeline) IssueToken(c *gin.Context) {
	ac := FromGin(c)
	if ac.Mechanism == MechanismToken {
		apperrors.HandleError(c, apperrors.Forbidden("Access tokens cannot issue tokens"))
		return
	}
	tt, err := ParseTokenType(c.Param("type"))
	if err != nil {
		apperrors.HandleError(c, apperrors.BadRequest(err.Error()))
		return
	}

	token, err := p.tokens.Issue(c.Request.Context(), ac.User.ID, tt)
	if err != nil {
		apperrors.HandleError(c, apperrors.Internal("Failed to issue token", err))
		return
	}
	p.logger.Info("Access token issued", zap.Int64("user_id", ac.User.ID), zap.String("token_type", string(tt)))
	c.JSON(http.StatusCreated, gin.H{
		"username":   ac.User.Username,
		"token_type": tt,
		"token":      token,
	})
}

// RevokeToken deletes the caller's token of the given type
func (p *Pipeline) RevokeToken(c *gin.Context) {
	ac := FromGin(c)
	tt, err := ParseTokenType(c.Param("type"))
	if err != nil {
		apperrors.HandleError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := p.tokens.Revoke(c.Request.Context(), ac.User.ID, tt); err != nil {
		apperrors.HandleError(c, apperrors.Internal("Failed to revoke token", err))
		return
	}
	c.Status(http.StatusNoContent)
}
