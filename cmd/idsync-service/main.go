// Package main is the entry point for the idsync service.
// idsync authenticates REST clients against the internal user store and keeps
// Keycloak and LDAP in step with it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/auth"
	"github.com/openidx/idsync/internal/common/config"
	"github.com/openidx/idsync/internal/common/database"
	"github.com/openidx/idsync/internal/common/logger"
	"github.com/openidx/idsync/internal/common/resilience"
	"github.com/openidx/idsync/internal/common/tlsutil"
	"github.com/openidx/idsync/internal/common/tracing"
	"github.com/openidx/idsync/internal/directory"
	"github.com/openidx/idsync/internal/directory/keycloak"
	"github.com/openidx/idsync/internal/directory/ldapdir"
	"github.com/openidx/idsync/internal/identitycache"
	"github.com/openidx/idsync/internal/login"
	"github.com/openidx/idsync/internal/loginprotection"
	"github.com/openidx/idsync/internal/metrics"
	"github.com/openidx/idsync/internal/mfa"
	"github.com/openidx/idsync/internal/middleware"
	"github.com/openidx/idsync/internal/server"
	"github.com/openidx/idsync/internal/store"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

const serviceName = "idsync-service"

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting idsync",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		log.Warn("Ignoring invalid log level", zap.String("log_level", cfg.LogLevel), zap.Error(err))
	}
	log = log.With(zap.String("service", serviceName))
	cfg.LogSecurityWarnings(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.Init(ctx, tracing.FromConfig(cfg), log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	st, db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open user store", zap.Error(err))
	}

	cache := identitycache.New(st, identitycache.Options{
		RefreshInterval: cfg.Sync.RefreshInterval,
		LookupSize:      cfg.Sync.LookupCacheSize,
		LookupTTL:       cfg.Sync.LookupCacheTTL,
	}, log)

	breakers := resilience.NewRegistry()
	primary, err := buildHandlers(cfg, st, cache, breakers, log)
	if err != nil {
		log.Fatal("Invalid directory configuration", zap.Error(err))
	}
	cache.AddListener(primary)

	twoFactor, err := mfa.NewHandler(cfg.TwoFactor, cfg.Session.Secure,
		mfa.NewTOTP(cfg.TwoFactor.Issuer, rdb.Client, log), cache, log)
	if err != nil {
		log.Fatal("Failed to initialize two-factor authentication", zap.Error(err))
	}

	pipeline := auth.NewPipeline(auth.PipelineConfig{
		Users: cache,
		Sessions: auth.NewSessionService(rdb.Client, auth.SessionConfig{
			TTL:         cfg.Session.TTL,
			MaxSessions: cfg.Session.MaxSessions,
		}, log),
		Tokens:       auth.NewTokenStore(rdb.Client),
		Protection:   loginprotection.NewRedis(rdb.Client, loginprotection.PolicyFromConfig(cfg.LoginProtection)),
		Authenticate: login.Authenticator(primary),
		TwoFactor:    twoFactor,
		CookieName:   cfg.Session.CookieName,
		SecureCookie: cfg.Session.Secure,
		Logger:       log,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(log))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware(serviceName))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.SlidingWindowRateLimit(rdb.Client, middleware.RateLimitConfig{
			Requests:  cfg.RateLimit.Requests,
			Window:    cfg.RateLimit.Window,
			SkipPaths: []string{"/health", "/metrics"},
		}, log))
	}

	router.GET("/metrics", metrics.Handler())
	router.GET("/health", healthHandler(db, rdb, breakers, cache))

	api := router.Group("/api/v1")
	pipeline.RegisterRoutes(api)
	twoFactor.RegisterRoutes(api, pipeline)
	login.NewRoutes(primary, st, cache, pipeline, cfg.Sync.AdminGroup, log).
		RegisterRoutes(api, pipeline.Authenticate(auth.TokenRESTClient))

	go cache.Run(ctx)

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := tlsutil.Listen(fmt.Sprintf(":%d", cfg.Port), cfg.TLS, log)
	if err != nil {
		log.Fatal("Failed to listen", zap.Error(err))
	}

	// steps run in order: stop refreshing and wait for a refresh in flight,
	// drain running passes, then close what the passes write to
	gs := server.New(server.Config{Server: srv, Logger: log})
	gs.AddFunc("identity-cache", func(context.Context) error {
		cancel()
		return nil
	})
	gs.Add(server.WaitFunc("identity-cache-refresh", cache.Wait))
	gs.Add(server.WaitFunc("sync-passes", primary.Wait))
	if db != nil {
		gs.Add(server.CloseFunc("database", db))
	}
	gs.Add(server.CloseFunc("redis", rdb))
	gs.AddFunc("tracer", shutdownTracer)

	if err := gs.Run(ctx, ln); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
	}
	log.Info("Server exited")
}

// openStore opens the configured user store. db is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, *database.PostgresDB, error) {
	hasher := store.NewHasher()
	if cfg.StoreBackend == "memory" {
		log.Warn("Using the in-memory user store")
		return store.NewMemory(hasher, nil), nil, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(db, hasher, nil, log)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return pg, db, nil
}

// buildHandlers creates the login handler chain. Keycloak is primary with
// LDAP as its secondary; either may be absent. Both share one pass guard.
func buildHandlers(cfg *config.Config, st store.Store, cache *identitycache.Cache, breakers *resilience.Registry, log *zap.Logger) (*login.DirectoryHandler, error) {
	guard := directory.NewGuard()

	var ldapHandler *login.DirectoryHandler
	if cfg.LDAP.Enabled {
		ldapHandler = login.NewDirectoryHandler(login.Config{
			Mode: login.ModeInternalMaster,
			Policy: login.Policy{
				SyncPasswords:  cfg.LDAP.SyncPasswords,
				MembershipSync: cfg.LDAP.MembershipSync,
			},
			Client:      ldapdir.New(ldapdir.FromConfig(cfg.LDAP), log),
			Store:       st,
			Guard:       guard,
			Invalidator: cache,
			Logger:      log,
		})
	}

	if !cfg.Keycloak.Enabled {
		if ldapHandler != nil {
			return ldapHandler, nil
		}
		log.Warn("No directory configured; logins are checked against the store only")
		return login.NewDirectoryHandler(login.Config{Store: st, Guard: guard, Logger: log}), nil
	}

	mode, err := login.ParseMode(cfg.Keycloak.Mode)
	if err != nil {
		return nil, err
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   keycloak.Target,
		Logger: log,
	})
	breakers.Register(cb)

	primary := login.Config{
		Mode: mode,
		Policy: login.Policy{
			SyncPasswords:  cfg.Keycloak.SyncPasswords,
			MembershipSync: cfg.Keycloak.MembershipSync,
		},
		Client:      keycloak.New(keycloak.FromConfig(cfg.Keycloak), cb, log),
		Store:       st,
		Guard:       guard,
		Invalidator: cache,
		Logger:      log,
	}
	if ldapHandler != nil {
		primary.Secondary = ldapHandler
	}
	return login.NewDirectoryHandler(primary), nil
}

func healthHandler(db *database.PostgresDB, rdb *database.RedisClient, breakers *resilience.Registry, cache *identitycache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		status := gin.H{
			"status":             "healthy",
			"service":            serviceName,
			"version":            Version,
			"postgres":           "ok",
			"redis":              "ok",
			"directories":        breakers.AllStats(),
			"last_cache_refresh": cache.LastRefresh(),
		}
		code := http.StatusOK

		if db == nil {
			status["postgres"] = "not used"
		} else if err := db.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := rdb.Ping(ctx); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if code != http.StatusOK {
			status["status"] = "unhealthy"
		} else if open := breakers.Open(); len(open) > 0 {
			// an open breaker only stops sync passes, logins still work
			status["status"] = "degraded"
			status["open_circuits"] = open
		}
		c.JSON(code, status)
	}
}
