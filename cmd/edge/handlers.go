package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/itsfredrick/vayva-platform-sub012/pkg/access"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/audit"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/httpx"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/session"
)

var pinFormat = regexp.MustCompile(`^\d{4,6}$`)

// withTenantSession binds an API handler to the authenticated merchant.
// The pipeline normally establishes the session; the handler re-checks so
// these endpoints stay closed even if a deployment narrows the protected
// prefix list.
func (s *Server) withTenantSession(h func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := session.FromContext(r.Context())
		if !ok {
			var err error
			sess, err = s.Sessions.RequireSession(r)
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
		}
		if strings.TrimSpace(sess.TenantID) == "" {
			httpx.Error(w, http.StatusForbidden, "tenant required")
			return
		}
		h(w, r, sess.TenantID)
	}
}

type pinRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) handleSetPIN(w http.ResponseWriter, r *http.Request, tenantID string) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !pinFormat.MatchString(req.PIN) {
		httpx.Error(w, http.StatusBadRequest, "pin must be 4-6 digits")
		return
	}
	if _, err := s.PINs.Set(r.Context(), tenantID, req.PIN); err != nil {
		if errors.Is(err, access.ErrTenantNotFound) {
			httpx.Error(w, http.StatusNotFound, "store not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "could not set pin")
		return
	}
	// Rotation fences out every previously issued step-up token; dropping
	// the cookie just saves the caller one failed validation.
	s.StepUp.ClearCookie(w)
	s.auditGateEvent(r.Context(), audit.Record{
		TenantID:   tenantID,
		CallerHash: s.Audit.HashCaller(s.clientIP(r)),
		Event:      audit.EventPINRotated,
		Path:       r.URL.Path,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request, tenantID string) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	version, err := s.PINs.Verify(r.Context(), tenantID, req.PIN)
	if err != nil {
		switch {
		case errors.Is(err, access.ErrPINNotSet):
			httpx.Error(w, http.StatusBadRequest, "pin not set")
		case errors.Is(err, access.ErrPINLocked):
			s.auditGateEvent(r.Context(), audit.Record{
				TenantID:   tenantID,
				CallerHash: s.Audit.HashCaller(s.clientIP(r)),
				Event:      audit.EventPINLocked,
				Path:       r.URL.Path,
			})
			httpx.Error(w, http.StatusLocked, "pin verification locked")
		case errors.Is(err, access.ErrPINInvalid):
			httpx.Error(w, http.StatusUnauthorized, "invalid pin")
		case errors.Is(err, access.ErrTenantNotFound):
			httpx.Error(w, http.StatusNotFound, "store not found")
		default:
			httpx.Error(w, http.StatusInternalServerError, "pin verification failed")
		}
		return
	}
	token, err := s.StepUp.Issue(tenantID, version)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "pin verification failed")
		return
	}
	s.StepUp.SetCookie(w, token)
	s.auditGateEvent(r.Context(), audit.Record{
		TenantID:   tenantID,
		CallerHash: s.Audit.HashCaller(s.clientIP(r)),
		Event:      audit.EventStepUpIssued,
		Path:       r.URL.Path,
	})
	s.publishGateEvent("stepup_issued", tenantID, nil)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (s *Server) handleCheckAccess(w http.ResponseWriter, r *http.Request, tenantID string) {
	feature := chi.URLParam(r, "feature")
	result := s.Gate.Check(r.Context(), r, tenantID, feature)
	httpx.WriteJSON(w, http.StatusOK, result)
}

type withdrawalRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request, tenantID string) {
	result := s.Gate.Check(r.Context(), r, tenantID, access.FeatureWalletWithdraw)
	if !result.Allowed {
		s.Metrics.IncGateDecision("DENY", string(result.RequiredAction))
		s.auditGateEvent(r.Context(), audit.Record{
			TenantID:   tenantID,
			CallerHash: s.Audit.HashCaller(s.clientIP(r)),
			Event:      audit.EventAccessDeny,
			Feature:    access.FeatureWalletWithdraw,
			Reason:     string(result.RequiredAction),
			Path:       r.URL.Path,
		})
		s.publishGateEvent("access_denied", tenantID, result)
		httpx.WriteJSON(w, http.StatusForbidden, result)
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Amount <= 0 {
		httpx.Error(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	id := uuid.NewString()
	if _, err := s.DB.Exec(r.Context(), `
		INSERT INTO withdrawals (id, store_id, amount, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
	`, id, tenantID, req.Amount); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "could not create withdrawal")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "pending"})
}

const storeNotFoundPage = `<!doctype html>
<html>
<head><title>Store not found</title></head>
<body>
<h1>This store isn&#39;t here anymore</h1>
<p>The store you are looking for does not exist or has moved.</p>
</body>
</html>
`

func (s *Server) renderStoreNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(storeNotFoundPage))
}

func (s *Server) handleStoreNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderStoreNotFound(w)
}

// handlePassThrough forwards gate-passing requests the edge does not serve
// itself to the storefront renderer.
func (s *Server) handlePassThrough(w http.ResponseWriter, r *http.Request) {
	if s.Upstream == nil {
		httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	s.Upstream.ServeHTTP(w, r)
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
