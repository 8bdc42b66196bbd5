package tenant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDirectoryLookups(t *testing.T) {
	d := NewDirectory(
		map[string]string{" Acme ": "store-acme"},
		map[string]string{"Shop.Acme.COM": "store-acme"},
	)
	if id, ok := d.LookupSubdomain("acme"); !ok || id != "store-acme" {
		t.Fatalf("subdomain lookup failed: %q ok=%v", id, ok)
	}
	if id, ok := d.LookupDomain("shop.acme.com"); !ok || id != "store-acme" {
		t.Fatalf("domain lookup failed: %q ok=%v", id, ok)
	}
	if _, ok := d.LookupSubdomain("ghost"); ok {
		t.Fatal("unknown subdomain should miss")
	}
	if d.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", d.Len())
	}
}

func TestNilDirectoryIsSafe(t *testing.T) {
	var d *Directory
	if _, ok := d.LookupSubdomain("acme"); ok {
		t.Fatal("nil directory should miss")
	}
	if _, ok := d.LookupDomain("shop.acme.com"); ok {
		t.Fatal("nil directory should miss")
	}
	if d.Len() != 0 {
		t.Fatal("nil directory has no entries")
	}
}

func TestCachedDirectoryRefreshSwapsSnapshot(t *testing.T) {
	loads := 0
	c := NewCachedDirectory(func(ctx context.Context) (*Directory, error) {
		loads++
		return NewDirectory(map[string]string{"acme": "store-acme"}, nil), nil
	}, time.Minute)

	if c.Snapshot().Len() != 0 {
		t.Fatal("initial snapshot should be empty")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if loads != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}
	if id, ok := c.Snapshot().LookupSubdomain("acme"); !ok || id != "store-acme" {
		t.Fatalf("snapshot not swapped: %q ok=%v", id, ok)
	}
}

func TestCachedDirectoryKeepsStaleSnapshotOnError(t *testing.T) {
	fail := false
	c := NewCachedDirectory(func(ctx context.Context) (*Directory, error) {
		if fail {
			return nil, errors.New("db down")
		}
		return NewDirectory(map[string]string{"acme": "store-acme"}, nil), nil
	}, time.Minute)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	fail = true
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if _, ok := c.Snapshot().LookupSubdomain("acme"); !ok {
		t.Fatal("failed refresh must keep the previous snapshot")
	}
}

func TestCachedDirectoryMarkStaleTriggersRefresh(t *testing.T) {
	loaded := make(chan struct{}, 4)
	c := NewCachedDirectory(func(ctx context.Context) (*Directory, error) {
		loaded <- struct{}{}
		return NewDirectory(map[string]string{"acme": "store-acme"}, nil), nil
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.MarkStale()
	select {
	case <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("MarkStale should trigger a refresh ahead of the interval")
	}
}

func TestCachedDirectoryMarkStaleNeverBlocks(t *testing.T) {
	c := NewCachedDirectory(func(ctx context.Context) (*Directory, error) {
		return NewDirectory(nil, nil), nil
	}, time.Hour)
	for i := 0; i < 10; i++ {
		c.MarkStale()
	}
}
