package stepup

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "fedcba9876543210fedcba9876543210"

func newTestManager(at time.Time) *Manager {
	m := NewManager(testSecret, 30*time.Minute, false)
	m.now = func() time.Time { return at }
	return m
}

func TestIssueAndValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	token, err := m.Issue("store-1", 3)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !m.Validate(token, "store-1", 3) {
		t.Fatal("freshly issued token should validate")
	}
}

func TestValidateRejectsWrongTenant(t *testing.T) {
	m := newTestManager(time.Now().UTC())
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if m.Validate(token, "store-2", 1) {
		t.Fatal("token must be bound to its tenant")
	}
}

func TestValidateRejectsRotatedVersion(t *testing.T) {
	m := newTestManager(time.Now().UTC())
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if m.Validate(token, "store-1", 2) {
		t.Fatal("rotation must invalidate tokens issued at the old version")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(now)
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m.now = func() time.Time { return now.Add(31 * time.Minute) }
	if m.Validate(token, "store-1", 1) {
		t.Fatal("token past its TTL must not validate")
	}
	m.now = func() time.Time { return now.Add(29 * time.Minute) }
	if !m.Validate(token, "store-1", 1) {
		t.Fatal("token inside its TTL should validate")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := newTestManager(time.Now().UTC())
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.SplitN(token, ".", 2)
	forged := parts[0] + "x." + parts[1]
	if m.Validate(forged, "store-1", 1) {
		t.Fatal("tampered payload must not validate")
	}
	if m.Validate(parts[0]+".AAAA", "store-1", 1) {
		t.Fatal("tampered signature must not validate")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newTestManager(time.Now().UTC())
	for _, tok := range []string{"", "nodot", "a.b.c", "%%%.sig"} {
		if m.Validate(tok, "store-1", 1) {
			t.Fatalf("token %q must not validate", tok)
		}
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	m := newTestManager(now)
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other := NewManager("another-secret-another-secret-yy", 30*time.Minute, false)
	other.now = func() time.Time { return now }
	if other.Validate(token, "store-1", 1) {
		t.Fatal("token signed with a different secret must not validate")
	}
}

func TestIssueRequiresSecretAndTenant(t *testing.T) {
	m := NewManager("", time.Minute, false)
	if _, err := m.Issue("store-1", 1); err == nil {
		t.Fatal("expected error without secret")
	}
	m = newTestManager(time.Now().UTC())
	if _, err := m.Issue("  ", 1); err == nil {
		t.Fatal("expected error without tenant")
	}
}

func TestCookieLifecycle(t *testing.T) {
	m := newTestManager(time.Now().UTC())
	token, err := m.Issue("store-1", 1)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := httptest.NewRecorder()
	m.SetCookie(rec, token)
	res := rec.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != token {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Fatalf("cookie attributes wrong: %+v", c)
	}
	if c.MaxAge != int((30 * time.Minute).Seconds()) {
		t.Fatalf("cookie max age should track the TTL, got %d", c.MaxAge)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	got, ok := FromRequest(r)
	if !ok || got != token {
		t.Fatalf("FromRequest mismatch: %q ok=%v", got, ok)
	}

	rec = httptest.NewRecorder()
	m.ClearCookie(rec)
	cleared := rec.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge != -1 || cleared[0].Value != "" {
		t.Fatalf("clear cookie should expire the credential: %+v", cleared)
	}
}

func TestFromRequestMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := FromRequest(r); ok {
		t.Fatal("no cookie should mean no token")
	}
}

func TestNewManagerDefaultsTTL(t *testing.T) {
	m := NewManager(testSecret, 0, true)
	if m.TTL != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", m.TTL)
	}
	if !m.SecureCookies {
		t.Fatal("secure flag should be preserved")
	}
}
