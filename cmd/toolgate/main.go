package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"toolgate/pkg/audit"
	"toolgate/pkg/auth"
	"toolgate/pkg/config"
	"toolgate/pkg/engine"
	"toolgate/pkg/hardening"
	"toolgate/pkg/httpx"
	"toolgate/pkg/logging"
	"toolgate/pkg/metrics"
	"toolgate/pkg/models"
	"toolgate/pkg/permission"
	"toolgate/pkg/ratelimit"
	"toolgate/pkg/store"
	"toolgate/pkg/stream"
	"toolgate/pkg/telemetry"
	"toolgate/pkg/usagebus"
)

const serviceName = "toolgate"

type Server struct {
	Engine      *engine.Engine
	Users       userStore
	Audit       auditStore
	Idempotency *store.Idempotency
	Events      *stream.Hub
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	AdminRoles  []string
	WSOrigins   []string
	Now         func() time.Time
}

type userStore interface {
	Get(ctx context.Context, tenant, userID string) (models.UserContext, error)
	Invalidate(tenant, userID string)
}

type auditStore interface {
	Append(ctx context.Context, d models.Decision, outcome string, took time.Duration) error
	List(ctx context.Context, q audit.Query) ([]audit.Record, error)
}

type serviceDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (serviceDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type openPublisherFunc func(cfg config.Config) (usagebus.Publisher, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (serviceDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = func(ctx context.Context) (*redis.Client, error) {
		opts, err := store.RedisOptionsFromEnv()
		if err != nil {
			return nil, err
		}
		return store.NewRedis(ctx, opts)
	}
	openPublisherFn = func(cfg config.Config) (usagebus.Publisher, error) {
		if len(cfg.KafkaBrokers) == 0 {
			return usagebus.Nop{}, nil
		}
		return usagebus.NewKafkaPublisher(usagebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaUsageTopic})
	}
	listenFn     = func(server *http.Server) error { return server.ListenAndServe() }
	isTestBinary = func() bool { return strings.HasSuffix(os.Args[0], ".test") }
)

func main() {
	if err := run(config.FromEnv(), initTelemetryFn, openDBFn, openRedisFn, openPublisherFn, listenFn); err != nil {
		logFatalf("toolgate: %v", err)
	}
}

func run(
	cfg config.Config,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	openPublisher openPublisherFunc,
	listen listenFunc,
) error {
	ctx := context.Background()
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateAuthOff(cfg.AuthMode, cfg.Environment, cfg.AllowAuthOff, isTestBinary()); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		AuthMode:              auth.NormalizeMode(cfg.AuthMode),
		AuthSecret:            cfg.JWTSecret,
		JWKSURL:               cfg.JWKSURL,
		DatabaseRequireTLS:    cfg.DatabaseRequireTLS,
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       cfg.RedisRequireTLS,
		RedisTLSInsecure:      cfg.RedisTLSInsecure,
		RedisAllowInsecureTLS: cfg.RedisAllowInsecure,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		AuditRedact:           cfg.AuditRedact,
		AuditHashSalt:         cfg.AuditHashSalt,
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, serviceName, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	table, specs, err := config.LoadPermissions(cfg.PermissionsFile)
	if err != nil {
		return err
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory counters", zap.Error(err))
		redisClient = nil
	}
	var (
		counter ratelimit.Counter = ratelimit.NewInMemory()
		cache   store.Cache       = store.NewMemoryCache()
	)
	if redisClient != nil {
		defer redisClient.Close()
		counter = ratelimit.NewRedis(redisClient)
		cache = store.NewCache(ctx, redisClient)
	}

	reg := metrics.NewRegistry()
	sink, err := openPublisher(cfg)
	if err != nil {
		return fmt.Errorf("usage bus: %w", err)
	}
	busLogger := logger.Named("usagebus")
	publisher := usagebus.NewAsync(sink, usagebus.AsyncOptions{
		OnError: func(evt models.UsageEvent, err error) {
			reg.EventDropped("usagebus")
			busLogger.Warn("usage event delivery failed", zap.String("decision_id", evt.DecisionID), zap.Error(err))
		},
	})
	defer func() { _ = publisher.Close() }()

	perms := permission.NewService(table, counter,
		permission.WithLogger(logger.Named("permission")),
		permission.WithObserver(reg),
	)
	tools, err := engine.RegistryFromSpecs(specs, httpx.NewClient(0), cfg.UpstreamRetryDelay)
	if err != nil {
		return err
	}
	users, err := store.NewUserStore(pool, store.UserStoreOptions{
		CacheTTL:    cfg.UserCacheTTL,
		MaxCost:     cfg.UserCacheMaxCost,
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer users.Close()

	auditWriter := &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
	hub := stream.NewHub()
	reg.WatchStreamDrops(hub.Dropped)
	s := &Server{
		Engine: engine.New(perms, tools,
			engine.WithAuditor(auditWriter),
			engine.WithPublisher(publisher),
			engine.WithHub(hub),
			engine.WithObserver(reg),
			engine.WithLogger(logger.Named("engine")),
		),
		Users:       users,
		Audit:       auditWriter,
		Idempotency: store.NewIdempotency(cache),
		Events:      hub,
		Metrics:     reg,
		Logger:      logger,
		AdminRoles:  cfg.AdminRoles,
		WSOrigins:   config.SplitList(cfg.WSAllowedOrigins),
	}

	logger.Info("toolgate listening",
		zap.String("addr", cfg.Addr),
		zap.Int("tools", len(tools.Names())),
		zap.Int("permissions", len(table.Permissions())),
		zap.Bool("redis", redisClient != nil),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(cfg config.Config) http.Handler {
	maxBody := cfg.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware)
	}
	r.Use(httpx.RequestLogger(s.logger()))
	r.Use(httpx.BodyLimitMiddleware(maxBody))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": serviceName})
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		cfg.AuthMode,
		cfg.JWTSecret,
		auth.WithJWKS(cfg.JWKSURL),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithTimeout(cfg.AuthTimeout),
	))
	authRouter.Get("/v1/tools", s.withRoles(s.listTools))
	authRouter.Post("/v1/tools/{tool}/check", s.withRoles(s.checkTool))
	authRouter.Post("/v1/tools/{tool}/authorize", s.withRoles(s.authorizeTool))
	authRouter.Post("/v1/tools/{tool}/execute", s.withRoles(s.executeTool))
	authRouter.Get("/v1/tools/{tool}/usage", s.withRoles(s.toolUsage))
	authRouter.Get("/v1/tools/{tool}/upgrade", s.withRoles(s.toolUpgrade))
	authRouter.Get("/v1/permissions", s.withRoles(s.listPermissions))
	authRouter.Get("/v1/decisions", s.withRoles(s.listDecisions, s.AdminRoles...))
	authRouter.Get("/v1/decisions/stream", s.withRoles(s.streamDecisions, s.AdminRoles...))
	authRouter.Delete("/v1/usage/{user}/{tool}", s.withRoles(s.resetUsage, s.AdminRoles...))
	authRouter.Post("/v1/users/{user}/invalidate", s.withRoles(s.invalidateUser, s.AdminRoles...))
	r.Mount("/", authRouter)
	return r
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// withRoles requires an authenticated principal holding one of roles. No
// roles means any authenticated caller.
func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || strings.TrimSpace(principal.Subject) == "" {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}
