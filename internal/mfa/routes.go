package mfa

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/auth"
	apperrors "github.com/openidx/idsync/internal/common/errors"
)

// Authenticator provides the auth middleware for the 2FA endpoints.
// *auth.Pipeline implements it.
type Authenticator interface {
	Authenticate(tokenType auth.TokenType) gin.HandlerFunc
	AuthenticatePending(tokenType auth.TokenType) gin.HandlerFunc
}

// VerifyRequest is the body of POST /auth/2fa
type VerifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// RegisterRoutes registers code verification and enrollment. Verification
// accepts callers that still owe the second factor; enrollment does not, so
// an enrolled user has to pass the current secret before replacing it.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup, authn Authenticator) {
	router.POST("/auth/2fa", authn.AuthenticatePending(auth.TokenLogin), h.handleVerify)
	router.POST("/auth/2fa/enroll", authn.Authenticate(auth.TokenLogin), h.handleEnroll)
}

func (h *Handler) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("Invalid request format").WithDetails(err.Error()))
		return
	}
	user := auth.CurrentUser(c)

	err := h.Verify(c, user, req.Code)
	switch {
	case err == nil:
		h.logger.Info("Two-factor code accepted", zap.Int64("user_id", user.ID))
		c.Status(http.StatusNoContent)
	case errors.Is(err, ErrNotEnrolled):
		apperrors.HandleError(c, apperrors.BadRequest(err.Error()))
	case errors.Is(err, ErrInvalidCode):
		apperrors.HandleError(c, apperrors.InvalidTwoFactorCode())
	case errors.Is(err, ErrRateLimited):
		apperrors.HandleError(c, apperrors.AccountLocked(rateLimitWindow))
	default:
		apperrors.HandleError(c, apperrors.Internal("Two-factor verification failed", err))
	}
}

func (h *Handler) handleEnroll(c *gin.Context) {
	user := auth.CurrentUser(c)
	secret, err := h.Enroll(c.Request.Context(), user)
	if err != nil {
		apperrors.HandleError(c, apperrors.Internal("Two-factor enrollment failed", err))
		return
	}
	h.ClearTrust(c)
	c.JSON(http.StatusCreated, gin.H{
		"secret":      secret.Secret,
		"otpauth":     secret.URL,
		"enrolled_at": time.Now().UTC(),
	})
}
