package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Gate events worth an audit trail. Plain pass-throughs are not recorded.
const (
	EventRateLimited  = "RATE_LIMITED"
	EventSessionDeny  = "SESSION_DENIED"
	EventAccessDeny   = "ACCESS_DENIED"
	EventStepUpIssued = "STEPUP_ISSUED"
	EventPINRotated   = "PIN_ROTATED"
	EventPINLocked    = "PIN_LOCKED"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Record struct {
	ID         string
	TenantID   string
	CallerHash string
	Event      string
	Feature    string
	Reason     string
	Path       string
	CreatedAt  time.Time
}

// Writer appends gate events. Caller identity is stored as a salted hash so
// the audit trail never holds raw addresses or subjects.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO gate_audit
		(id, tenant_id, caller_hash, event, feature, reason, path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.TenantID, rec.CallerHash, rec.Event, rec.Feature, rec.Reason, rec.Path, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT id, tenant_id, caller_hash, event, feature, reason, path, created_at
		FROM gate_audit WHERE id=$1
	`, id)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.CallerHash, &rec.Event, &rec.Feature, &rec.Reason, &rec.Path, &rec.CreatedAt)
	return rec, err
}

// HashCaller produces the stored fingerprint for a caller identity.
func (w *Writer) HashCaller(identity string) string {
	h := sha256.New()
	h.Write(w.HashSalt)
	h.Write([]byte(strings.TrimSpace(identity)))
	return hex.EncodeToString(h.Sum(nil))
}
