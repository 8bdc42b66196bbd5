package access

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/itsfredrick/vayva-platform-sub012/pkg/stepup"
)

// KYC statuses tracked by the external compliance process.
const (
	KYCVerified = "verified"
	KYCPending  = "pending"
	KYCReview   = "review"
	KYCBlocked  = "blocked"
)

// Subscription statuses consumed from the billing provider.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
	SubscriptionNone     = "none"
)

// RequiredAction is the machine-readable remediation on a denial.
type RequiredAction string

const (
	ActionSetCredential    RequiredAction = "SET_CREDENTIAL"
	ActionVerifyCredential RequiredAction = "VERIFY_CREDENTIAL"
	ActionCompleteKYC      RequiredAction = "COMPLETE_KYC"
	ActionSubscribe        RequiredAction = "SUBSCRIBE"
)

// Result is computed fresh on every call and never persisted: security
// state may change between requests.
type Result struct {
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason,omitempty"`
	RequiredAction RequiredAction `json:"requiredAction,omitempty"`
}

// SecurityState is the read-only per-tenant aggregate owned by the
// persistence layer. PINVersion is the fencing counter: it is bumped once
// per PIN rotation and every step-up token carries a snapshot of it.
type SecurityState struct {
	KYCStatus          string
	SubscriptionStatus string
	PINSet             bool
	PINVersion         int
}

// StateLoader loads the tenant's current security state.
type StateLoader interface {
	Load(ctx context.Context, tenantID string) (SecurityState, error)
}

var ErrTenantNotFound = errors.New("tenant not found")

// Gate composes session identity, step-up credential state, KYC status and
// subscription status into a single decision per named feature.
type Gate struct {
	States       StateLoader
	StepUp       *stepup.Manager
	Requirements Requirements
}

// Check runs the layered gate for one feature. Categories are evaluated in
// a fixed order (PIN, then KYC, then subscription) and the first failing
// category produces the denial; a feature may demand any combination.
// Any unexpected state denies: the gate fails closed.
func (g *Gate) Check(ctx context.Context, r *http.Request, tenantID, feature string) Result {
	state, err := g.States.Load(ctx, tenantID)
	if err != nil {
		return Result{Allowed: false, Reason: "Store not found"}
	}
	req := g.Requirements.For(feature)

	if req.PIN {
		if !state.PINSet {
			return Result{Allowed: false, Reason: "Wallet PIN has not been set", RequiredAction: ActionSetCredential}
		}
		token, ok := stepup.FromRequest(r)
		if !ok {
			return Result{Allowed: false, Reason: "PIN verification required", RequiredAction: ActionVerifyCredential}
		}
		if g.StepUp == nil || !g.StepUp.Validate(token, tenantID, state.PINVersion) {
			return Result{Allowed: false, Reason: "PIN verification required", RequiredAction: ActionVerifyCredential}
		}
	}

	if req.KYC && state.KYCStatus != KYCVerified {
		return Result{Allowed: false, Reason: "Identity verification incomplete", RequiredAction: ActionCompleteKYC}
	}

	if req.Subscription && state.SubscriptionStatus != SubscriptionActive && state.SubscriptionStatus != SubscriptionTrialing {
		return Result{Allowed: false, Reason: "Active subscription required", RequiredAction: ActionSubscribe}
	}

	return Result{Allowed: true}
}

type stateDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStateLoader reads the stores table. The edge never writes
// kyc_status or subscription_status; compliance and billing flows own them.
type PostgresStateLoader struct {
	DB stateDB
}

func (l *PostgresStateLoader) Load(ctx context.Context, tenantID string) (SecurityState, error) {
	var state SecurityState
	row := l.DB.QueryRow(ctx, `
		SELECT kyc_status, subscription_status, pin_set, pin_version
		FROM stores
		WHERE id = $1
	`, tenantID)
	if err := row.Scan(&state.KYCStatus, &state.SubscriptionStatus, &state.PINSet, &state.PINVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SecurityState{}, ErrTenantNotFound
		}
		return SecurityState{}, err
	}
	return state, nil
}
