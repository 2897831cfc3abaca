package tle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const issText = "ISS (ZARYA)\n" + issLine1 + "\n" + issLine2 + "\n"

func TestRefresherFetchInstallsAndCaches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(issText))
	}))
	defer server.Close()

	store := NewStore()
	dir := t.TempDir()
	r := NewRefresher(store, RefreshConfig{EnableFetch: true, SourceURL: server.URL, CacheDir: dir}, testLogger)

	if !r.Stale() {
		t.Error("empty store should be stale")
	}
	cat, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if store.Get() != cat {
		t.Error("fetched catalog not installed")
	}
	if _, ok := cat.Lookup(25544); !ok {
		t.Error("ISS missing from fetched catalog")
	}
	if cat.Source != server.URL {
		t.Errorf("Source = %q, want %q", cat.Source, server.URL)
	}
	if r.Stale() {
		t.Error("fresh catalog reported stale")
	}

	// A second refresher on the same directory starts from the cached copy.
	restarted := NewRefresher(NewStore(), RefreshConfig{CacheDir: dir}, testLogger)
	cached, err := restarted.LoadCache()
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if cached.Source != "cache" || len(cached.Sets) != 1 {
		t.Errorf("cached catalog = %q with %d sets", cached.Source, len(cached.Sets))
	}
	if !cached.FetchedAt.Equal(cat.FetchedAt.Truncate(time.Second)) {
		t.Errorf("cached FetchedAt = %v, want %v", cached.FetchedAt, cat.FetchedAt.Truncate(time.Second))
	}
}

func TestRefresherKeepsCatalogOnFailure(t *testing.T) {
	var body atomic.Value
	body.Store(issText)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := body.Load().(string)
		if b == "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(b))
	}))
	defer server.Close()

	store := NewStore()
	r := NewRefresher(store, RefreshConfig{EnableFetch: true, SourceURL: server.URL, CacheDir: t.TempDir()}, testLogger)
	first, err := r.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	body.Store("this is not element data\nat all\n")
	if _, err := r.Fetch(context.Background()); !errors.Is(err, ErrEmptyCatalog) {
		t.Errorf("garbage body: err = %v, want ErrEmptyCatalog", err)
	}
	body.Store("")
	if _, err := r.Fetch(context.Background()); err == nil {
		t.Error("502 should fail")
	}
	if store.Get() != first {
		t.Error("failed fetch replaced the catalog")
	}
}

func TestRefresherFetchDisabled(t *testing.T) {
	r := NewRefresher(NewStore(), RefreshConfig{CacheDir: t.TempDir()}, testLogger)
	if _, err := r.Fetch(context.Background()); !errors.Is(err, ErrFetchDisabled) {
		t.Errorf("err = %v, want ErrFetchDisabled", err)
	}
	if _, err := r.LoadCache(); !errors.Is(err, ErrCacheEmpty) {
		t.Errorf("LoadCache on empty dir: err = %v, want ErrCacheEmpty", err)
	}

	// Run returns at once when fetching is off.
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with fetching disabled")
	}
}

func TestRefresherRunFetchesWhenStale(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(issText))
	}))
	defer server.Close()

	store := NewStore()
	r := NewRefresher(store, RefreshConfig{EnableFetch: true, SourceURL: server.URL, CacheDir: t.TempDir(), MaxAge: time.Hour}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Get() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Get() == nil {
		t.Fatal("Run did not fetch a stale catalog")
	}

	// Fresh catalog: further ticks must not refetch.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	if n := hits.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}
