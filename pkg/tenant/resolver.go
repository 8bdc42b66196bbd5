package tenant

import (
	"strings"
)

type Action string

const (
	ActionPass     Action = "PASS"
	ActionRewrite  Action = "REWRITE"
	ActionRedirect Action = "REDIRECT"
	ActionNotFound Action = "NOT_FOUND"
)

// Decision is consumed exactly once by the request pipeline.
type Decision struct {
	Action      Action
	Destination string
	TenantID    string
}

// Config is the per-deployment routing environment, injected so Resolve
// stays a pure function of its inputs.
type Config struct {
	// PlatformDomain is the apex under which tenant subdomains live,
	// e.g. "vayva.shop".
	PlatformDomain string
	// ReservedSubdomains are platform words that must never be treated as
	// tenant lookups, whatever the directory says.
	ReservedSubdomains map[string]struct{}
	// StaticAssetPrefixes bypass resolution entirely.
	StaticAssetPrefixes []string
	// StoreNotFoundPath renders the generic "store not found" page.
	StoreNotFoundPath string
}

func DefaultReservedSubdomains() map[string]struct{} {
	return map[string]struct{}{
		"www":    {},
		"admin":  {},
		"ops":    {},
		"api":    {},
		"status": {},
	}
}

const legacyStorePrefix = "/s/"

// Resolve maps an inbound host and path to a routing decision. No I/O, no
// mutation: the directory snapshot and environment are inputs.
func Resolve(host, path string, dir *Directory, cfg Config) Decision {
	for _, prefix := range cfg.StaticAssetPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return Decision{Action: ActionPass}
		}
	}

	host = normalizeHost(host)
	platform := strings.ToLower(strings.TrimSpace(cfg.PlatformDomain))
	notFound := cfg.StoreNotFoundPath
	if notFound == "" {
		notFound = "/store-not-found"
	}

	if host == platform {
		// Legacy vanity URLs on the apex redirect to the canonical
		// tenant-scoped path.
		if slug, ok := legacySlug(path); ok {
			if id, found := dir.LookupSubdomain(slug); found {
				return Decision{Action: ActionRedirect, Destination: "/store/" + id, TenantID: id}
			}
			return Decision{Action: ActionNotFound, Destination: notFound}
		}
		return Decision{Action: ActionPass}
	}

	if platform != "" && strings.HasSuffix(host, "."+platform) {
		sub := strings.TrimSuffix(host, "."+platform)
		if _, reserved := cfg.ReservedSubdomains[sub]; reserved || strings.Contains(sub, ".") {
			return Decision{Action: ActionPass}
		}
		if id, found := dir.LookupSubdomain(sub); found {
			// The tenant is addressable at its natural host.
			return Decision{Action: ActionPass, TenantID: id}
		}
		return Decision{Action: ActionNotFound, Destination: notFound}
	}

	// Custom domains need internal dispatch to the tenant-scoped path.
	if id, found := dir.LookupDomain(host); found {
		return Decision{Action: ActionRewrite, Destination: "/store/" + id + path, TenantID: id}
	}
	return Decision{Action: ActionPass}
}

func legacySlug(path string) (string, bool) {
	if !strings.HasPrefix(path, legacyStorePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, legacyStorePrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}
