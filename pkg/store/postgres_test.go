package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	got := defaultPostgresURL()
	if got != "postgres://vayva@localhost:5432/vayva?sslmode=disable" {
		t.Fatalf("unexpected default url %q", got)
	}

	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("DATABASE_PORT", "not-a-port")
	got = defaultPostgresURL()
	if !strings.Contains(got, "vayva:secret@") || !strings.Contains(got, ":5432/") {
		t.Fatalf("unexpected url with password %q", got)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	for _, mode := range []string{"require", "verify-ca", "verify-full"} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err != nil {
			t.Fatalf("sslmode=%s should pass: %v", mode, err)
		}
	}
	for _, mode := range []string{"disable", "prefer", "allow", ""} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err == nil {
			t.Fatalf("sslmode=%q should fail", mode)
		}
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true, "on": true,
		"false": false, "0": false, "": false, "maybe": false,
	} {
		t.Setenv("SECURE_TEST_KEY", raw)
		if got := requiresSecureTransport("SECURE_TEST_KEY"); got != want {
			t.Fatalf("value %q: got %v, want %v", raw, got, want)
		}
	}
}

func TestNewPostgresPoolExhaustsRetries(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@localhost:5432/db?sslmode=disable")
	t.Setenv("DATABASE_REQUIRE_TLS", "")

	origNew := pgxPoolNewWithConfig
	origRetries := postgresConnectRetries
	origSleep := postgresSleep
	defer func() {
		pgxPoolNewWithConfig = origNew
		postgresConnectRetries = origRetries
		postgresSleep = origSleep
	}()

	attempts := 0
	pgxPoolNewWithConfig = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("connect refused")
	}
	postgresConnectRetries = 3
	postgresSleep = func(time.Duration) {}

	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestNewPostgresPoolEnforcesTLSRequirement(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@localhost:5432/db?sslmode=disable")
	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected TLS validation error")
	}
}
