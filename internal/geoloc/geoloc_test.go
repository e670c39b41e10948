package geoloc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/subflow-proxy/subflow/internal/model"
)

func fakeProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Provider{
		Name:               "fake",
		URLTemplate:        srv.URL + "/{ip}",
		RateLimitPerMinute: 100,
	}, srv
}

func newTestLocator(t *testing.T, providers ...*Provider) *Locator {
	t.Helper()
	disk, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	loc, err := NewLocator(nil, disk, Options{Providers: providers})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	t.Cleanup(loc.Close)
	return loc
}

func TestLocate_ResolvesAndCaches(t *testing.T) {
	var requests atomic.Int32
	provider, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"countryCode":"HK","country":"Hong Kong","city":"Central","isp":"Example Ltd"}`))
	})

	loc := newTestLocator(t, provider)
	geo, err := loc.Locate(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryCode != "HK" || geo.CountryName != "Hong Kong" {
		t.Fatalf("unexpected geo: %+v", geo)
	}
	if geo.City != "Central" || geo.Org != "Example Ltd" {
		t.Fatalf("city/org not parsed: %+v", geo)
	}

	// Second lookup is served from the memory cache.
	if _, err := loc.Locate(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("cached Locate: %v", err)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("expected 1 provider request, got %d", n)
	}
}

func TestLocate_NonLiteralHostGetsSentinel(t *testing.T) {
	provider, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("domain host must not reach a provider")
	})

	loc := newTestLocator(t, provider)
	geo, err := loc.Locate(context.Background(), "node.example.com")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryName != OthersCountry || geo.CountryCode != "" {
		t.Fatalf("expected Others sentinel, got %+v", geo)
	}
}

func TestLocate_RateLimitedProviderAdvances(t *testing.T) {
	limited, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	backup, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"SG","country_name":"Singapore"}`))
	})
	backup.Name = "backup"

	loc := newTestLocator(t, limited, backup)
	geo, err := loc.Locate(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryCode != "SG" {
		t.Fatalf("expected backup provider result, got %+v", geo)
	}
	if limited.status != StatusLimited {
		t.Fatalf("first provider should be limited, got %s", limited.status)
	}
}

func TestLocate_TextualRateLimitSignal(t *testing.T) {
	limited, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"rate limit exceeded"}`))
	})
	backup, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"JP","country_name":"Japan"}`))
	})

	loc := newTestLocator(t, limited, backup)
	geo, err := loc.Locate(context.Background(), "9.9.9.9")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryCode != "JP" {
		t.Fatalf("expected backup result, got %+v", geo)
	}
}

func TestLocate_AllProvidersDown(t *testing.T) {
	bad, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	loc := newTestLocator(t, bad)
	_, err := loc.Locate(context.Background(), "5.5.5.5")
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if _, ok := err.(*LocateError); !ok {
		t.Fatalf("expected LocateError, got %T", err)
	}
}

func TestLocate_KeylessKeyedProviderSkipped(t *testing.T) {
	keyed, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("keyed provider without key must not be queried")
	})
	keyed.RequiresKey = true
	open, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"US","country_name":"United States"}`))
	})

	loc := newTestLocator(t, keyed, open)
	geo, err := loc.Locate(context.Background(), "4.4.4.4")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryCode != "US" {
		t.Fatalf("unexpected geo: %+v", geo)
	}
	if keyed.status != StatusNoKey {
		t.Fatalf("keyed provider should be noKey, got %s", keyed.status)
	}
}

func TestDiskCache_RoundTripAndShards(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}

	now := time.Now()
	entry := model.GeoCacheEntry{
		IP:        "104.16.1.1",
		Geo:       model.Geo{CountryCode: "US", CountryName: "United States"},
		ExpiresAt: now.Add(time.Hour),
	}
	if err := cache.Put(entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := cache.Get("104.16.1.1", now)
	if !ok || got.Geo.CountryCode != "US" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if _, ok := cache.Get("104.16.1.1", now.Add(2*time.Hour)); ok {
		t.Fatal("expired entry must not be served")
	}

	if got := shardFor("104.16.1.1"); got != "104" {
		t.Fatalf("shardFor v4 = %q", got)
	}
	if got := shardFor("2001:db8::1"); got != v6Shard {
		t.Fatalf("shardFor v6 = %q", got)
	}
}

func TestDiskCache_PurgeRemovesExpired(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}

	now := time.Now()
	cache.Put(model.GeoCacheEntry{IP: "1.1.1.1", ExpiresAt: now.Add(-time.Minute)})
	cache.Put(model.GeoCacheEntry{IP: "1.1.1.2", ExpiresAt: now.Add(time.Hour)})

	removed, err := cache.Purge(now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := cache.Get("1.1.1.2", now); !ok {
		t.Fatal("fresh entry must survive purge")
	}
}

func TestDiskCache_PurgeIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}

	// The store keeps its egress proxy cache in the same directory; purge
	// must leave it alone.
	foreign := filepath.Join(dir, "china_proxies.json")
	body := []byte(`[{"server":"1.2.3.4","port":8080}]`)
	if err := os.WriteFile(foreign, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	now := time.Now()
	cache.Put(model.GeoCacheEntry{IP: "1.1.1.1", ExpiresAt: now.Add(-time.Minute)})

	removed, err := cache.Purge(now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	after, err := os.ReadFile(foreign)
	if err != nil {
		t.Fatalf("foreign file gone: %v", err)
	}
	if string(after) != string(body) {
		t.Fatalf("foreign file rewritten: %q", after)
	}

	for _, name := range []string{"china_proxies", "256", "-1", "01", "1.2"} {
		if isShardName(name) {
			t.Fatalf("%q accepted as shard name", name)
		}
	}
	for _, name := range []string{"0", "255", "v6"} {
		if !isShardName(name) {
			t.Fatalf("%q rejected as shard name", name)
		}
	}
}

func TestLocate_DiskCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	var requests atomic.Int32
	provider, _ := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"country_code":"TW","country_name":"Taiwan"}`))
	})

	disk, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	loc, err := NewLocator(nil, disk, Options{Providers: []*Provider{provider}})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	if _, err := loc.Locate(context.Background(), "7.7.7.7"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	loc.Close()

	// A fresh locator over the same directory hits the disk cache.
	disk2, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	provider.status = StatusReady
	loc2, err := NewLocator(nil, disk2, Options{Providers: []*Provider{provider}})
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	defer loc2.Close()

	geo, err := loc2.Locate(context.Background(), "7.7.7.7")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if geo.CountryCode != "TW" {
		t.Fatalf("unexpected geo: %+v", geo)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("disk cache should prevent a second provider request, got %d", n)
	}
}
