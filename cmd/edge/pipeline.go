package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/itsfredrick/vayva-platform-sub012/pkg/audit"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/httpx"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/ratelimit"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/session"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/stream"
	"github.com/itsfredrick/vayva-platform-sub012/pkg/tenant"
)

type contextKey string

const tenantContextKey contextKey = "edge.tenant"

func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

func tenantFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(tenantContextKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// gateMiddleware is the edge pipeline. It runs synchronously on every
// request and short-circuits on the first terminal stage; no business
// handler executes unless every applicable gate has passed.
func (s *Server) gateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Static assets bypass the whole pipeline.
		if s.isStaticAsset(path) {
			next.ServeHTTP(w, r)
			return
		}

		decision := tenant.Resolve(r.Host, path, s.Directory.Snapshot(), s.Routing)
		ctx := r.Context()
		switch decision.Action {
		case tenant.ActionRedirect:
			s.Metrics.IncGateDecision("REDIRECT", "")
			http.Redirect(w, r, decision.Destination, http.StatusFound)
			return
		case tenant.ActionNotFound:
			s.Metrics.IncGateDecision("NOT_FOUND", "TENANT_UNKNOWN")
			s.publishGateEvent("store_not_found", "", map[string]string{"host": r.Host, "path": path})
			s.renderStoreNotFound(w)
			return
		case tenant.ActionRewrite:
			r.URL.Path = decision.Destination
			path = decision.Destination
		}
		if decision.TenantID != "" {
			ctx = withTenant(ctx, decision.TenantID)
		}

		httpx.SetSecurityHeaders(w.Header())

		if s.RateLimitEnabled && s.RateLimiter != nil {
			if category, limit, limited := s.rateCategory(path); limited {
				caller := s.clientIP(r)
				d := s.RateLimiter.Allow(ratelimit.Key{Caller: caller, Category: category}, limit)
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.Allowed {
					retryAfter := ratelimit.RetryAfter(s.RateLimitWindow)
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					s.Metrics.IncRateLimited(string(category))
					s.Metrics.IncGateDecision("DENY", "RATE_LIMITED")
					s.auditGateEvent(ctx, audit.Record{
						TenantID:   decision.TenantID,
						CallerHash: s.Audit.HashCaller(caller),
						Event:      audit.EventRateLimited,
						Reason:     string(category),
						Path:       path,
					})
					s.publishGateEvent("rate_limited", decision.TenantID, map[string]string{"category": string(category), "path": path})
					httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}
		}

		if s.isProtectedRoute(path) {
			sess, err := s.Sessions.RequireSession(r)
			if err != nil {
				s.Metrics.IncGateDecision("DENY", "UNAUTHENTICATED")
				s.auditGateEvent(ctx, audit.Record{
					TenantID:   decision.TenantID,
					CallerHash: s.Audit.HashCaller(s.clientIP(r)),
					Event:      audit.EventSessionDeny,
					Path:       path,
				})
				httpx.RedirectWithCallback(w, r, s.SignInPath, path)
				return
			}
			ctx = session.WithSession(ctx, sess)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) isStaticAsset(path string) bool {
	for _, prefix := range s.Routing.StaticAssetPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// rateCategory picks the traffic category and its limit. Auth prefixes are
// checked first because they are subsets of the general API prefixes.
func (s *Server) rateCategory(path string) (ratelimit.Category, int, bool) {
	for _, prefix := range s.AuthRateLimitedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ratelimit.CategoryAuth, s.AuthRequestLimit, true
		}
	}
	for _, prefix := range s.RateLimitedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ratelimit.CategoryAPI, s.APIRequestLimit, true
		}
	}
	return "", 0, false
}

func (s *Server) isProtectedRoute(path string) bool {
	for _, prefix := range s.ProtectedRoutePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// auditGateEvent records without blocking the decision: audit failures are
// logged by the writer's caller but never turn a deny into a different
// status or an allow into a deny.
func (s *Server) auditGateEvent(ctx context.Context, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = s.Audit.Append(auditCtx, rec)
}

func (s *Server) publishGateEvent(eventType, tenantID string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, tenantID, data))
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
