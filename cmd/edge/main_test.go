package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func netIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad ip %q", s)
	}
	return ip
}

type fakeCloserDB struct {
	fakeEdgeDB
}

func (f *fakeCloserDB) Close() {}

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func failingRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis offline")
}

func TestRunEdgeWiresAndServes(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("SESSION_SECRET", testSessionSecret)
	t.Setenv("STEPUP_SECRET", testStepUpSecret)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("storefront"))
	}))
	defer upstream.Close()
	t.Setenv("UPSTREAM_URL", upstream.URL)

	var captured *http.Server
	err := runEdge(
		noopTelemetry,
		func(ctx context.Context) (edgeDBCloser, error) { return &fakeCloserDB{fakeEdgeDB{exists: true}}, nil },
		failingRedis,
		func(server *http.Server) error { captured = server; return nil },
		nil,
	)
	if err != nil {
		t.Fatalf("runEdge: %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("missing http server")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", captured.Addr)
	}

	rec := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "edge" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	// Unrouted gate-passing traffic is forwarded to the storefront renderer.
	rec = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/about", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "storefront" {
		t.Fatalf("pass-through: got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRunEdgeFailsWhenTelemetryFails(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	err := runEdge(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("collector unreachable")
		},
		func(ctx context.Context) (edgeDBCloser, error) { return &fakeCloserDB{}, nil },
		failingRedis,
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected telemetry error")
	}
}

func TestRunEdgeFailsWhenDBFails(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	err := runEdge(
		noopTelemetry,
		func(ctx context.Context) (edgeDBCloser, error) { return nil, errors.New("connect refused") },
		failingRedis,
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected db error")
	}
}

func TestRunEdgeEnforcesProductionHardening(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SESSION_SECRET", "short")
	err := runEdge(
		noopTelemetry,
		func(ctx context.Context) (edgeDBCloser, error) { return &fakeCloserDB{}, nil },
		failingRedis,
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected hardening error in production")
	}
}

func TestMainRunsWithInjectedDependencies(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")

	origTelemetry := initTelemetry
	origOpenDB := openDBFn
	origOpenRedis := openRedisFn
	origListen := listenFn
	origLoops := startLoopsFn
	origFatal := logFatalf
	defer func() {
		initTelemetry = origTelemetry
		openDBFn = origOpenDB
		openRedisFn = origOpenRedis
		listenFn = origListen
		startLoopsFn = origLoops
		logFatalf = origFatal
	}()

	initTelemetry = noopTelemetry
	openDBFn = func(ctx context.Context) (edgeDBCloser, error) { return &fakeCloserDB{}, nil }
	openRedisFn = failingRedis
	listenFn = func(server *http.Server) error { return nil }
	startLoopsFn = func(ctx context.Context, s *Server) {}
	fatals := 0
	logFatalf = func(format string, v ...any) { fatals++ }

	main()
	if fatals != 0 {
		t.Fatalf("main should exit cleanly, got %d fatal calls", fatals)
	}
}

func TestParsePrefixList(t *testing.T) {
	got := parsePrefixList(" /v1/ ,,/api/ ")
	if len(got) != 2 || got[0] != "/v1/" || got[1] != "/api/" {
		t.Fatalf("unexpected prefixes: %v", got)
	}
	if got := parsePrefixList(""); len(got) != 0 {
		t.Fatalf("empty input should yield no prefixes: %v", got)
	}
}

func TestParseReservedSubdomains(t *testing.T) {
	got := parseReservedSubdomains("Mail, CDN")
	for _, want := range []string{"www", "admin", "ops", "api", "status", "mail", "cdn"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("missing reserved subdomain %q: %v", want, got)
		}
	}
}

func TestParseCIDRs(t *testing.T) {
	got := parseCIDRs("10.0.0.0/8, not-a-cidr, 192.168.1.0/24")
	if len(got) != 2 {
		t.Fatalf("invalid entries should be skipped: %v", got)
	}
	if !got[0].Contains(netIP(t, "10.1.2.3")) {
		t.Fatal("first CIDR should cover 10.0.0.0/8")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("EDGE_TEST_STR", "value")
	t.Setenv("EDGE_TEST_INT", "42")
	t.Setenv("EDGE_TEST_BAD_INT", "forty")

	if env("EDGE_TEST_STR", "fallback") != "value" {
		t.Fatal("env should read the variable")
	}
	if env("EDGE_TEST_UNSET", "fallback") != "fallback" {
		t.Fatal("env should fall back")
	}
	if envInt("EDGE_TEST_INT", 7) != 42 {
		t.Fatal("envInt should parse")
	}
	if envInt("EDGE_TEST_BAD_INT", 7) != 7 {
		t.Fatal("envInt should fall back on parse errors")
	}
	if envDurationSec("EDGE_TEST_INT", 7) != 42*time.Second {
		t.Fatal("envDurationSec should scale to seconds")
	}
}

func TestEnvBool(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true, " on ": true,
		"false": false, "0": false, "": false, "maybe": false,
	} {
		t.Setenv("EDGE_TEST_BOOL", raw)
		if got := envBool("EDGE_TEST_BOOL"); got != want {
			t.Fatalf("value %q: got %v, want %v", raw, got, want)
		}
	}
}

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "")
	t.Setenv("REDIS_TLS_SERVER_NAME", "cache.internal")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	opts := redisOptionsFromEnv()
	if opts.Addr != "cache.internal:6380" || opts.Password != "hunter2" || opts.DB != 3 {
		t.Fatalf("unexpected connection options %+v", opts)
	}
	if !opts.TLS || !opts.RequireTLS || opts.TLSInsecure || opts.TLSServerName != "cache.internal" {
		t.Fatalf("unexpected TLS options %+v", opts)
	}

	t.Setenv("REDIS_ADDR", "")
	if got := redisOptionsFromEnv().Addr; got != "localhost:6379" {
		t.Fatalf("expected default addr, got %q", got)
	}
}
