package access

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxFailedPINAttempts = 5
	pinLockDuration      = 30 * time.Minute
	bcryptCost           = 10
)

var (
	ErrPINNotSet  = errors.New("pin not set")
	ErrPINLocked  = errors.New("pin locked")
	ErrPINInvalid = errors.New("pin invalid")
)

type pinDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PINStore owns the wallet PIN credential: the bcrypt hash, the rotation
// counter that fences step-up tokens, and the failed-attempt lockout.
type PINStore struct {
	DB pinDB

	now func() time.Time
}

func NewPINStore(db pinDB) *PINStore {
	return &PINStore{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

// Set hashes and stores a new PIN and bumps pin_version, invalidating every
// previously issued step-up token for the tenant. Returns the new version.
func (s *PINStore) Set(ctx context.Context, tenantID, pin string) (int, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcryptCost)
	if err != nil {
		return 0, err
	}
	var version int
	row := s.DB.QueryRow(ctx, `
		UPDATE stores
		SET pin_hash = $2,
		    pin_set = TRUE,
		    pin_version = pin_version + 1,
		    pin_failed_attempts = 0,
		    pin_locked_until = NULL
		WHERE id = $1
		RETURNING pin_version
	`, tenantID, string(hash))
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, err
	}
	return version, nil
}

// Verify compares the candidate PIN against the stored hash. Five failures
// lock verification for thirty minutes. On success the attempt counter
// resets and the current pin_version is returned for step-up issuance.
func (s *PINStore) Verify(ctx context.Context, tenantID, pin string) (int, error) {
	var (
		hash        *string
		version     int
		attempts    int
		lockedUntil *time.Time
	)
	row := s.DB.QueryRow(ctx, `
		SELECT pin_hash, pin_version, pin_failed_attempts, pin_locked_until
		FROM stores
		WHERE id = $1
	`, tenantID)
	if err := row.Scan(&hash, &version, &attempts, &lockedUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, err
	}
	if hash == nil || *hash == "" {
		return 0, ErrPINNotSet
	}
	now := s.now()
	if lockedUntil != nil && now.Before(*lockedUntil) {
		return 0, ErrPINLocked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(pin)); err != nil {
		attempts++
		if attempts >= maxFailedPINAttempts {
			until := now.Add(pinLockDuration)
			_, _ = s.DB.Exec(ctx, `
				UPDATE stores SET pin_failed_attempts = $2, pin_locked_until = $3 WHERE id = $1
			`, tenantID, attempts, until)
			return 0, ErrPINLocked
		}
		_, _ = s.DB.Exec(ctx, `
			UPDATE stores SET pin_failed_attempts = $2 WHERE id = $1
		`, tenantID, attempts)
		return 0, ErrPINInvalid
	}
	if attempts != 0 || lockedUntil != nil {
		_, _ = s.DB.Exec(ctx, `
			UPDATE stores SET pin_failed_attempts = 0, pin_locked_until = NULL WHERE id = $1
		`, tenantID)
	}
	return version, nil
}
