package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/idsync/internal/common/errors"
	"github.com/openidx/idsync/internal/loginprotection"
	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/store"
)

// DefaultSessionCookie is the name of the session cookie
const DefaultSessionCookie = "idsync_session"

// AuthenticateFunc checks a username and password. It returns
// store.ErrInvalidCredentials for a rejected login.
type AuthenticateFunc func(ctx context.Context, username, password string) (*store.User, error)

// UserLookup resolves the user behind a session or token
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
}

// TwoFactorHandler decides whether an authenticated user still owes a second
// factor. HandleRequest returns nil to let the request through; otherwise the
// challenge response has been written and the chain aborted.
type TwoFactorHandler interface {
	Required(user *store.User) bool
	HandleRequest(c *gin.Context, user *store.User) *time.Time
}

// PipelineConfig wires the pipeline. TwoFactor is optional.
type PipelineConfig struct {
	Users        UserLookup
	Sessions     *SessionService
	Tokens       *TokenStore
	Protection   loginprotection.Store
	Authenticate AuthenticateFunc
	TwoFactor    TwoFactorHandler
	CookieName   string
	SecureCookie bool
	Logger       *zap.Logger
}

// Pipeline authenticates REST requests: session cookie first, then an access
// token of the route's type, then HTTP basic auth.
type Pipeline struct {
	users        UserLookup
	sessions     *SessionService
	tokens       *TokenStore
	protection   loginprotection.Store
	authenticate AuthenticateFunc
	twoFactor    TwoFactorHandler
	cookieName   string
	secure       bool
	logger       *zap.Logger
}

// NewPipeline creates the authentication pipeline
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookie
	}
	return &Pipeline{
		users:        cfg.Users,
		sessions:     cfg.Sessions,
		tokens:       cfg.Tokens,
		protection:   cfg.Protection,
		authenticate: cfg.Authenticate,
		twoFactor:    cfg.TwoFactor,
		cookieName:   cfg.CookieName,
		secure:       cfg.SecureCookie,
		logger:       cfg.Logger.With(zap.String("component", "auth")),
	}
}

// Authenticate returns middleware that requires a fully authenticated caller.
// tokenType selects which access tokens the route accepts and which
// login-protection bucket failures count against.
func (p *Pipeline) Authenticate(tokenType TokenType) gin.HandlerFunc {
	return p.middleware(tokenType, false)
}

// AuthenticatePending is Authenticate without the two-factor challenge. The
// bound context reports TwoFactorPending instead. Only the code verification
// endpoint uses it.
func (p *Pipeline) AuthenticatePending(tokenType TokenType) gin.HandlerFunc {
	return p.middleware(tokenType, true)
}

func (p *Pipeline) middleware(tokenType TokenType, allowPending bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if FromGin(c) != nil || FromContext(c.Request.Context()) != nil {
			p.logger.Warn("auth context leaked",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			unbind(c)
		}
		defer unbind(c)

		ac, err := p.resolve(c, tokenType)
		if err != nil {
			apperrors.AbortWithError(c, err)
			return
		}

		c.Set("user_id", strconv.FormatInt(ac.User.ID, 10))
		c.Set("log_username", ac.User.Username)

		// tokens are issued to already verified users and skip the challenge
		if ac.Mechanism != MechanismToken && p.twoFactor != nil {
			if allowPending {
				ac.TwoFactorPending = p.twoFactor.Required(ac.User)
			} else if p.twoFactor.HandleRequest(c, ac.User) != nil {
				p.logger.Debug("Two-factor challenge issued", zap.Int64("user_id", ac.User.ID))
				return
			}
		}

		bind(c, ac)
		c.Next()
	}
}

func (p *Pipeline) resolve(c *gin.Context, tokenType TokenType) (*RequestAuthContext, error) {
	if user := p.sessionUser(c); user != nil {
		metrics.RecordAuthAttempt(string(MechanismSession), "success")
		return &RequestAuthContext{User: user, Mechanism: MechanismSession}, nil
	}

	if creds, ok := extractToken(c); ok {
		key := loginprotection.Key{User: p.throttleName(c.Request.Context(), creds), IP: c.ClientIP(), TokenType: string(tokenType)}
		user, err := p.throttled(c.Request.Context(), key, MechanismToken, func(ctx context.Context) (*store.User, error) {
			return p.checkToken(ctx, creds, tokenType)
		})
		if err != nil {
			return nil, err
		}
		return &RequestAuthContext{User: user, Mechanism: MechanismToken, TokenType: tokenType}, nil
	}

	if username, password, ok := ParseBasic(c.GetHeader("Authorization")); ok {
		user, err := p.checkPassword(c, username, password, tokenType, MechanismBasic)
		if err != nil {
			return nil, err
		}
		return &RequestAuthContext{User: user, Mechanism: MechanismBasic}, nil
	}

	metrics.RecordAuthAttempt("none", "failure")
	return nil, apperrors.Unauthorized()
}

// throttleName keys token attempts on the username whichever scheme named
// the user, so both schemes share one bucket. Unknown references keep the
// value as sent.
func (p *Pipeline) throttleName(ctx context.Context, creds tokenCredentials) string {
	var (
		user *store.User
		err  error
	)
	if creds.Username != "" {
		user, err = p.users.GetUserByUsername(ctx, creds.Username)
	} else if id, perr := strconv.ParseInt(creds.UserID, 10, 64); perr == nil {
		user, err = p.users.GetUser(ctx, id)
	} else {
		return creds.principal()
	}
	if err != nil {
		return creds.principal()
	}
	return user.Username
}

// sessionUser returns the enabled user of the session cookie, or nil
func (p *Pipeline) sessionUser(c *gin.Context) *store.User {
	if p.sessions == nil {
		return nil
	}
	id, err := c.Cookie(p.cookieName)
	if err != nil || id == "" {
		return nil
	}
	ctx := c.Request.Context()
	sess, err := p.sessions.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			p.logger.Warn("Failed to read session", zap.Error(err))
		}
		return nil
	}
	user, err := p.users.GetUser(ctx, sess.UserID)
	if err != nil || !user.Enabled() {
		p.logger.Info("Dropping session of unavailable user", zap.Int64("user_id", sess.UserID))
		if err := p.sessions.Delete(ctx, sess.ID); err != nil {
			p.logger.Warn("Failed to delete session", zap.Error(err))
		}
		return nil
	}
	return user
}

func (p *Pipeline) checkToken(ctx context.Context, creds tokenCredentials, tokenType TokenType) (*store.User, error) {
	if p.tokens == nil {
		return nil, ErrTokenInvalid
	}
	var (
		user *store.User
		err  error
	)
	if creds.Username != "" {
		user, err = p.users.GetUserByUsername(ctx, creds.Username)
	} else {
		id, perr := strconv.ParseInt(creds.UserID, 10, 64)
		if perr != nil {
			return nil, ErrTokenInvalid
		}
		user, err = p.users.GetUser(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if !user.Enabled() {
		return nil, store.ErrInvalidCredentials
	}
	if err := p.tokens.Validate(ctx, user.ID, tokenType, creds.Token); err != nil {
		return nil, err
	}
	return user, nil
}

// checkPassword verifies a username and password behind the throttle gate
func (p *Pipeline) checkPassword(c *gin.Context, username, password string, tokenType TokenType, mech Mechanism) (*store.User, error) {
	key := loginprotection.Key{User: username, IP: c.ClientIP(), TokenType: string(tokenType)}
	return p.throttled(c.Request.Context(), key, mech, func(ctx context.Context) (*store.User, error) {
		return p.authenticate(ctx, username, password)
	})
}

// throttled runs check unless key is locked. A rejected check extends the
// penalty, a successful one clears it.
func (p *Pipeline) throttled(ctx context.Context, key loginprotection.Key, mech Mechanism, check func(context.Context) (*store.User, error)) (*store.User, error) {
	offset, err := p.protection.Offset(ctx, key)
	if err != nil {
		return nil, apperrors.Internal("Login protection unavailable", err)
	}
	if offset > 0 {
		metrics.RecordAuthAttempt(string(mech), "locked")
		p.logger.Warn("Login attempt while locked",
			zap.String("user", key.User),
			zap.String("ip", key.IP),
			zap.String("token_type", key.TokenType),
			zap.Duration("retry_after", offset),
		)
		return nil, apperrors.AccountLocked(offset)
	}

	user, err := check(ctx)
	if err != nil {
		if !isRejection(err) {
			return nil, apperrors.Internal("Authentication failed", err)
		}
		metrics.RecordAuthAttempt(string(mech), "failure")
		next, ierr := p.protection.Increment(ctx, key)
		if ierr != nil {
			p.logger.Error("Failed to record failed login", zap.Error(ierr))
		}
		p.logger.Info("Authentication rejected",
			zap.String("mechanism", string(mech)),
			zap.String("user", key.User),
			zap.String("ip", key.IP),
			zap.Duration("penalty", next),
		)
		return nil, apperrors.Unauthorized()
	}

	if err := p.protection.Clear(ctx, key); err != nil {
		p.logger.Warn("Failed to clear login protection", zap.Error(err))
	}
	metrics.RecordAuthAttempt(string(mech), "success")
	return user, nil
}

// isRejection reports whether err means wrong credentials rather than a
// broken backend
func isRejection(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, store.ErrInvalidCredentials) ||
		errors.Is(err, store.ErrNotFound)
}

func (p *Pipeline) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(p.cookieName, value, maxAge, "/", "", p.secure, true)
}
