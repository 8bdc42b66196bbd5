package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/itsfredrick/vayva-platform-sub012/pkg/access"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/audit"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/directorybus"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/hardening"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/httpx"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/metrics"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/ratelimit"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/session"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/stepup"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/store"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/stream"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/telemetry"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/tenant"
)

type edgeDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	HashCaller(identity string) string
}

type Server struct {
	DB      edgeDB
	Cache   store.Cache
	Redis   *redis.Client
	Metrics *metrics.Registry
	Events  *stream.Hub
	Audit   auditStore

	Directory *tenant.CachedDirectory
	Routing   tenant.Config

	Sessions *session.Authenticator
	StepUp   *stepup.Manager
	PINs     *access.PINStore
	Gate     *access.Gate

	RateLimiter             ratelimit.Limiter
	RateLimitEnabled        bool
	RateLimitWindow         time.Duration
	APIRequestLimit         int
	AuthRequestLimit        int
	RateLimitedPrefixes     []string
	AuthRateLimitedPrefixes []string

	ProtectedRoutePrefixes []string
	SignInPath             string

	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64

	Upstream http.Handler
}

type edgeDBCloser interface {
	edgeDB
	Close()
}

type edgeInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type edgeOpenDBFunc func(ctx context.Context) (edgeDBCloser, error)
type edgeOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type edgeListenFunc func(server *http.Server) error
type edgeStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (edgeDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = func(ctx context.Context) (*redis.Client, error) {
		return store.NewRedis(ctx, redisOptionsFromEnv())
	}
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		go s.Directory.Run(ctx)
		go s.directoryGaugeLoop(ctx)
		startDirectoryBus(ctx, s)
	}
)

func main() {
	if err := runEdge(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("edge: %v", err)
	}
}

func runEdge(
	initTelemetry edgeInitTelemetryFunc,
	openDB edgeOpenDBFunc,
	openRedis edgeOpenRedisFunc,
	listen edgeListenFunc,
	startLoops edgeStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "edge")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	sessionSecret := env("SESSION_SECRET", "")
	stepupSecret := env("STEPUP_SECRET", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "edge",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.SecretRequirement{
			{Name: "SESSION_SECRET", Value: sessionSecret},
			{Name: "STEPUP_SECRET", Value: stepupSecret},
		},
	}); err != nil {
		return err
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	stepupTTL := time.Minute * time.Duration(envInt("STEPUP_TTL_MIN", 30))

	loader := &tenant.Loader{DB: pool}
	directory := tenant.NewCachedDirectory(loader.Load, envDurationSec("DIRECTORY_REFRESH_SEC", 30))
	if err := directory.Refresh(ctx); err != nil {
		log.Printf("initial tenant directory load failed, starting with empty snapshot: %v", err)
	}

	stepupManager := stepup.NewManager(stepupSecret, stepupTTL, hardening.IsProductionLikeEnv(runtimeEnv))

	s := &Server{
		DB:        pool,
		Cache:     store.NewCache(ctx, redisClient),
		Redis:     redisClient,
		Metrics:   metrics.NewRegistry(),
		Events:    stream.NewHub(),
		Audit:     &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Directory: directory,
		Routing: tenant.Config{
			PlatformDomain:      env("PLATFORM_DOMAIN", "vayva.shop"),
			ReservedSubdomains:  parseReservedSubdomains(env("RESERVED_SUBDOMAINS", "")),
			StaticAssetPrefixes: parsePrefixList(env("STATIC_ASSET_PREFIXES", "/_assets/,/static/,/favicon.ico")),
			StoreNotFoundPath:   "/store-not-found",
		},
		Sessions:                session.NewAuthenticator(sessionSecret),
		StepUp:                  stepupManager,
		PINs:                    access.NewPINStore(pool),
		RateLimitEnabled:        env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitWindow:         rateLimitWindow,
		APIRequestLimit:         envInt("RATE_LIMIT_API_PER_WINDOW", 120),
		AuthRequestLimit:        envInt("RATE_LIMIT_AUTH_PER_WINDOW", 20),
		RateLimitedPrefixes:     parsePrefixList(env("RATE_LIMITED_PREFIXES", "/v1/,/api/")),
		AuthRateLimitedPrefixes: parsePrefixList(env("AUTH_RATE_LIMITED_PREFIXES", "/v1/auth/,/v1/security/pin")),
		ProtectedRoutePrefixes:  parsePrefixList(env("PROTECTED_ROUTE_PREFIXES", "/admin/,/v1/,/metrics")),
		SignInPath:              env("SIGNIN_PATH", "/signin"),
		TrustedProxyCIDRs:       parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes:     int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	s.Gate = &access.Gate{
		States: &access.PostgresStateLoader{DB: pool},
		StepUp: stepupManager,
		Requirements: access.ParseRequirements(
			env("PIN_SENSITIVE_FEATURES", ""),
			env("KYC_REQUIRED_FEATURES", ""),
			env("SUBSCRIPTION_REQUIRED_FEATURES", ""),
		),
	}
	if upstream := env("UPSTREAM_URL", "http://localhost:3000"); upstream != "" {
		proxy, err := newUpstreamProxy(upstream)
		if err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		s.Upstream = proxy
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("edge"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.gateMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "edge"})
	})
	r.Get("/store-not-found", s.handleStoreNotFound)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/security/pin", s.withTenantSession(s.handleSetPIN))
	r.Post("/v1/security/pin/verify", s.withTenantSession(s.handleVerifyPIN))
	r.Get("/v1/access/{feature}", s.withTenantSession(s.handleCheckAccess))
	r.Post("/v1/wallet/withdrawals", s.withTenantSession(s.handleCreateWithdrawal))
	r.Get("/v1/stream", s.streamEvents)
	r.NotFound(s.handlePassThrough)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("edge listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// newUpstreamProxy builds the reverse proxy that carries gate-passing
// requests to the storefront renderer. The rewritten request path is
// already in place by the time the proxy sees it.
func newUpstreamProxy(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q missing scheme or host", rawURL)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("upstream proxy error for %s: %v", r.URL.Path, err)
		httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}

// redisOptionsFromEnv resolves the Redis connection surface here so the
// store package stays free of environment reads.
func redisOptionsFromEnv() store.RedisOptions {
	return store.RedisOptions{
		Addr:             env("REDIS_ADDR", "localhost:6379"),
		Password:         env("REDIS_PASSWORD", ""),
		DB:               envInt("REDIS_DB", 0),
		RequireTLS:       envBool("REDIS_REQUIRE_TLS"),
		TLS:              envBool("REDIS_TLS"),
		TLSInsecure:      envBool("REDIS_TLS_INSECURE"),
		AllowInsecureTLS: envBool("REDIS_ALLOW_INSECURE_TLS"),
		TLSServerName:    env("REDIS_TLS_SERVER_NAME", ""),
		TLSCACertFile:    env("REDIS_TLS_CA_CERT_FILE", ""),
		TLSCertFile:      env("REDIS_TLS_CERT_FILE", ""),
		TLSKeyFile:       env("REDIS_TLS_KEY_FILE", ""),
	}
}

func startDirectoryBus(ctx context.Context, s *Server) {
	brokers := strings.Split(env("KAFKA_BROKERS", ""), ",")
	if strings.TrimSpace(env("KAFKA_BROKERS", "")) == "" {
		return
	}
	listener, err := directorybus.NewListener(directorybus.Config{
		Brokers: brokers,
		Topic:   env("KAFKA_DIRECTORY_TOPIC", "vayva.directory"),
		GroupID: env("KAFKA_DIRECTORY_GROUP", "edge-directory"),
	}, func(evt directorybus.Event) {
		s.Directory.MarkStale()
	})
	if err != nil {
		log.Printf("directory bus disabled: %v", err)
		return
	}
	go func() {
		defer listener.Close()
		listener.Run(ctx)
	}()
}

func (s *Server) directoryGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("tenant_directory_entries", float64(s.Directory.Snapshot().Len()))
		}
	}
}

func parsePrefixList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		prefix := strings.TrimSpace(p)
		if prefix != "" {
			out = append(out, prefix)
		}
	}
	return out
}

func parseReservedSubdomains(raw string) map[string]struct{} {
	out := tenant.DefaultReservedSubdomains()
	for _, p := range strings.Split(raw, ",") {
		sub := strings.ToLower(strings.TrimSpace(p))
		if sub != "" {
			out[sub] = struct{}{}
		}
	}
	return out
}

func parseCIDRs(raw string) []*net.IPNet {
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, p := range parts {
		cidr := strings.TrimSpace(p)
		if cidr == "" {
			continue
		}
		_, parsed, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Printf("ignoring invalid trusted proxy CIDR %q: %v", cidr, err)
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envBool(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
