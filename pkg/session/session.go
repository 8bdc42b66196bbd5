package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Session is the caller identity carried by a valid long-lived credential.
// Business-state checks (KYC, subscription, PIN) do not belong here.
type Session struct {
	Subject   string
	TenantID  string
	ExpiresAt time.Time
}

// ErrUnauthenticated covers every failure mode: missing credential, bad
// signature, malformed token, expiry. Callers must not be able to tell
// these apart.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	// CookieName is the current session cookie, owned by the auth service.
	CookieName = "vayva_session"
	// LegacyCookieName predates the session-service rollout. Still accepted
	// during the migration, but only when the current cookie is absent.
	LegacyCookieName = "vayva_token"
)

// Extractor pulls a raw credential out of a request. Extractors are tried
// in priority order and the first hit is authoritative.
type Extractor func(r *http.Request) (string, bool)

func CookieExtractor(name string) Extractor {
	return func(r *http.Request) (string, bool) {
		c, err := r.Cookie(name)
		if err != nil || strings.TrimSpace(c.Value) == "" {
			return "", false
		}
		return c.Value, true
	}
}

func BearerExtractor(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

// DefaultExtractors returns the accepted credential carriers, newest first.
func DefaultExtractors() []Extractor {
	return []Extractor{
		CookieExtractor(CookieName),
		CookieExtractor(LegacyCookieName),
		BearerExtractor,
	}
}

type Authenticator struct {
	Secret     string
	Extractors []Extractor

	now func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		Secret:     secret,
		Extractors: DefaultExtractors(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RequireSession resolves the caller identity or fails with ErrUnauthenticated.
func (a *Authenticator) RequireSession(r *http.Request) (Session, error) {
	extractors := a.Extractors
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	for _, extract := range extractors {
		token, ok := extract(r)
		if !ok {
			continue
		}
		sess, err := a.verify(token)
		if err != nil {
			return Session{}, ErrUnauthenticated
		}
		return sess, nil
	}
	return Session{}, ErrUnauthenticated
}

type claims struct {
	Sub    string `json:"sub"`
	Tenant string `json:"tenant"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat,omitempty"`
}

func (a *Authenticator) verify(token string) (Session, error) {
	if a.Secret == "" {
		return Session{}, errors.New("session secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Session{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Session{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Session{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Session{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Session{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Session{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(a.Secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Session{}, errors.New("signature mismatch")
	}
	var c claims
	if err := json.Unmarshal(payloadRaw, &c); err != nil {
		return Session{}, err
	}
	if c.Sub == "" {
		return Session{}, errors.New("subject required")
	}
	now := a.now()
	if c.Exp == 0 || now.Unix() >= c.Exp {
		return Session{}, errors.New("token expired")
	}
	return Session{
		Subject:   c.Sub,
		TenantID:  c.Tenant,
		ExpiresAt: time.Unix(c.Exp, 0).UTC(),
	}, nil
}

// Sign mints a session token. The edge only verifies sessions in production;
// signing lives here so the auth service and tests share one codec.
func Sign(secret, subject, tenantID string, expiresAt time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("session secret is required")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims{
		Sub:    subject,
		Tenant: tenantID,
		Exp:    expiresAt.Unix(),
		Iat:    time.Now().UTC().Unix(),
	})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig, nil
}

type contextKey string

const sessionContextKey contextKey = "vayva.session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	v := ctx.Value(sessionContextKey)
	if v == nil {
		return Session{}, false
	}
	s, ok := v.(Session)
	return s, ok
}
