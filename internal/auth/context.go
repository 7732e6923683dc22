// Package auth implements the REST authentication pipeline: session cookie,
// then per-type access token, then HTTP basic auth, with a login throttle in
// front of every credential check and a two-factor challenge behind it.
package auth

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/openidx/idsync/internal/store"
)

// Mechanism names how a request was authenticated
type Mechanism string

const (
	MechanismSession Mechanism = "session"
	MechanismToken   Mechanism = "token"
	MechanismBasic   Mechanism = "basic"
)

// RequestAuthContext is the authenticated caller of one request
type RequestAuthContext struct {
	User             *store.User
	Mechanism        Mechanism
	TokenType        TokenType
	TwoFactorPending bool
}

// ContextKeyAuth is the gin key holding the *RequestAuthContext
const ContextKeyAuth = "idsync_auth"

type ctxKey struct{}

// bind stores ac in the gin keys and in the request context
func bind(c *gin.Context, ac *RequestAuthContext) {
	c.Set(ContextKeyAuth, ac)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey{}, ac))
}

// unbind removes the caller from the gin keys and the request context
func unbind(c *gin.Context) {
	c.Set(ContextKeyAuth, nil)
	if FromContext(c.Request.Context()) != nil {
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ctxKey{}, (*RequestAuthContext)(nil)))
	}
}

// FromGin returns the caller bound to c, or nil
func FromGin(c *gin.Context) *RequestAuthContext {
	v, ok := c.Get(ContextKeyAuth)
	if !ok {
		return nil
	}
	ac, _ := v.(*RequestAuthContext)
	return ac
}

// FromContext returns the caller bound to ctx, or nil
func FromContext(ctx context.Context) *RequestAuthContext {
	ac, _ := ctx.Value(ctxKey{}).(*RequestAuthContext)
	return ac
}

// CurrentUser returns the authenticated user of c, or nil
func CurrentUser(c *gin.Context) *store.User {
	if ac := FromGin(c); ac != nil {
		return ac.User
	}
	return nil
}
