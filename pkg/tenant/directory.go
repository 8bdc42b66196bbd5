package tenant

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Directory is an immutable routing snapshot: subdomain and custom domain
// to tenant id. Requests read whichever snapshot is current; they never
// block on a refresh.
type Directory struct {
	bySubdomain map[string]string
	byDomain    map[string]string
}

func NewDirectory(bySubdomain, byDomain map[string]string) *Directory {
	d := &Directory{
		bySubdomain: make(map[string]string, len(bySubdomain)),
		byDomain:    make(map[string]string, len(byDomain)),
	}
	for k, v := range bySubdomain {
		d.bySubdomain[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for k, v := range byDomain {
		d.byDomain[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return d
}

func (d *Directory) LookupSubdomain(sub string) (string, bool) {
	if d == nil {
		return "", false
	}
	id, ok := d.bySubdomain[strings.ToLower(strings.TrimSpace(sub))]
	return id, ok
}

func (d *Directory) LookupDomain(host string) (string, bool) {
	if d == nil {
		return "", false
	}
	id, ok := d.byDomain[strings.ToLower(strings.TrimSpace(host))]
	return id, ok
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.bySubdomain) + len(d.byDomain)
}

type directoryDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Loader reads the live store routing table.
type Loader struct {
	DB directoryDB
}

func (l *Loader) Load(ctx context.Context) (*Directory, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, subdomain, custom_domain
		FROM stores
		WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bySub := map[string]string{}
	byDomain := map[string]string{}
	for rows.Next() {
		var id, subdomain string
		var customDomain *string
		if err := rows.Scan(&id, &subdomain, &customDomain); err != nil {
			return nil, err
		}
		if s := strings.TrimSpace(subdomain); s != "" {
			bySub[s] = id
		}
		if customDomain != nil {
			if d := strings.TrimSpace(*customDomain); d != "" {
				byDomain[d] = id
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewDirectory(bySub, byDomain), nil
}

// CachedDirectory serves a snapshot and refreshes it in the background.
// A stale snapshot beats blocking every request on a live fetch, so load
// errors keep the previous snapshot in place.
type CachedDirectory struct {
	load     func(ctx context.Context) (*Directory, error)
	interval time.Duration

	mu      sync.RWMutex
	current *Directory
	stale   chan struct{}
}

func NewCachedDirectory(load func(ctx context.Context) (*Directory, error), interval time.Duration) *CachedDirectory {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CachedDirectory{
		load:     load,
		interval: interval,
		current:  NewDirectory(nil, nil),
		stale:    make(chan struct{}, 1),
	}
}

func (c *CachedDirectory) Snapshot() *Directory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh loads a fresh snapshot synchronously. Used at startup and by the
// background loop; request handlers never call it.
func (c *CachedDirectory) Refresh(ctx context.Context) error {
	next, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	return nil
}

// MarkStale asks the background loop to refresh ahead of schedule, e.g. when
// a directory-change event arrives on the bus.
func (c *CachedDirectory) MarkStale() {
	select {
	case c.stale <- struct{}{}:
	default:
	}
}

// Run refreshes on the interval and on MarkStale signals until ctx ends.
func (c *CachedDirectory) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.stale:
		}
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.Refresh(refreshCtx); err != nil {
			log.Printf("tenant directory refresh failed, serving stale snapshot: %v", err)
		}
		cancel()
	}
}
