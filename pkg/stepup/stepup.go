package stepup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// CookieName carries the short-lived PIN session, distinct from the
// long-lived login session.
const CookieName = "vayva_pin_session"

// DefaultTTL matches the product rule: a verified PIN is good for 30 minutes.
const DefaultTTL = 30 * time.Minute

// Manager issues and validates step-up tokens. It is a pure credential
// primitive: it does not know which features demand step-up, only whether a
// given token is currently good for a tenant.
type Manager struct {
	Secret        string
	TTL           time.Duration
	SecureCookies bool

	now func() time.Time
}

func NewManager(secret string, ttl time.Duration, secureCookies bool) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		Secret:        secret,
		TTL:           ttl,
		SecureCookies: secureCookies,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type payload struct {
	TenantID string `json:"tenant"`
	Version  int    `json:"ver"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Issue mints a token bound to the tenant's current credential version.
// The version is a snapshot: rotating the PIN afterwards invalidates every
// token issued before the rotation, regardless of remaining TTL.
func (m *Manager) Issue(tenantID string, version int) (string, error) {
	if m.Secret == "" {
		return "", errors.New("stepup secret is required")
	}
	if strings.TrimSpace(tenantID) == "" {
		return "", errors.New("tenant id required")
	}
	now := m.now()
	body, err := json.Marshal(payload{
		TenantID: tenantID,
		Version:  version,
		IssuedAt: now.Unix(),
		Expires:  now.Add(m.TTL).Unix(),
	})
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + m.sign(encoded), nil
}

// Validate reports whether token is currently good for tenantID at the
// stored credential version. Every decode, signature, or shape error is
// treated as invalid; this function never distinguishes why.
func (m *Manager) Validate(token, tenantID string, currentVersion int) bool {
	if m.Secret == "" || strings.TrimSpace(token) == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	if !hmac.Equal([]byte(m.sign(parts[0])), []byte(parts[1])) {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	if p.TenantID == "" || p.TenantID != tenantID {
		return false
	}
	if p.Version != currentVersion {
		return false
	}
	if p.Expires == 0 || m.now().Unix() >= p.Expires {
		return false
	}
	return true
}

// SetCookie attaches the token as the step-up cookie, scoped to the site root.
func (m *Manager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie drops the step-up session, used when the PIN is rotated.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest extracts the raw step-up token, if any.
func FromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return "", false
	}
	return c.Value, true
}

func (m *Manager) sign(encoded string) string {
	mac := hmac.New(sha256.New, []byte(m.Secret))
	_, _ = mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
