// Package geoloc resolves node server addresses to geolocation records
// through a pool of HTTP providers fronted by memory and disk caches.
package geoloc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/subflow-proxy/subflow/internal/model"
)

// OthersCountry is the sentinel used when no geolocation can be determined.
const OthersCountry = "Others"

// LocateError is returned when every provider in the pool has been tried
// and none produced a usable answer.
type LocateError struct {
	IP  string
	Err error
}

func (e *LocateError) Error() string {
	return fmt.Sprintf("geoloc: locate %s: %v", e.IP, e.Err)
}

func (e *LocateError) Unwrap() error { return e.Err }

// Options configures a Locator.
type Options struct {
	CacheTTL       time.Duration // entry lifetime in both caches (default 7 days)
	MemoryCapacity int           // otter cache capacity (default 4096)
	RequestTimeout time.Duration // per-provider HTTP timeout (default 10s)
	Providers      []*Provider   // pool in priority order (default DefaultProviders)
}

func (o Options) withDefaults() Options {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 7 * 24 * time.Hour
	}
	if o.MemoryCapacity <= 0 {
		o.MemoryCapacity = 4096
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if len(o.Providers) == 0 {
		o.Providers = DefaultProviders()
	}
	return o
}

// Locator resolves IP addresses to Geo records. Lookups go memory cache,
// then disk cache, then the provider pool, writing through both caches on
// success. Safe for concurrent use.
type Locator struct {
	log    *slog.Logger
	opts   Options
	memory otter.Cache[string, model.Geo]
	disk   *DiskCache
	http   *http.Client

	// mu guards provider selection and the per-minute rate windows so that
	// selecting a provider and charging its counter is one critical section.
	mu          sync.Mutex
	cursor      int
	windowStart time.Time
}

// NewLocator builds a Locator backed by the given disk cache. disk may be
// nil, in which case only the memory cache is used.
func NewLocator(log *slog.Logger, disk *DiskCache, opts Options) (*Locator, error) {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	memory, err := otter.MustBuilder[string, model.Geo](opts.MemoryCapacity).
		WithTTL(opts.CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("geoloc: build memory cache: %w", err)
	}

	return &Locator{
		log:         log,
		opts:        opts,
		memory:      memory,
		disk:        disk,
		http:        &http.Client{Timeout: opts.RequestTimeout},
		windowStart: time.Now(),
	}, nil
}

// Close releases the memory cache.
func (l *Locator) Close() {
	l.memory.Close()
}

// Purge drops expired entries from the disk cache. Safe to call while the
// locator is in use.
func (l *Locator) Purge(now time.Time) (int, error) {
	if l.disk == nil {
		return 0, nil
	}
	return l.disk.Purge(now)
}

// Locate resolves host to a Geo record. Non-literal hosts are not resolved;
// they get the Others sentinel without any network or disk I/O so domain
// fronted nodes never burn provider quota.
func (l *Locator) Locate(ctx context.Context, host string) (model.Geo, error) {
	if net.ParseIP(host) == nil {
		return model.Geo{CountryName: OthersCountry}, nil
	}

	if geo, ok := l.memory.Get(host); ok {
		return geo, nil
	}

	now := time.Now()
	if l.disk != nil {
		if entry, ok := l.disk.Get(host, now); ok {
			l.memory.Set(host, entry.Geo)
			return entry.Geo, nil
		}
	}

	geo, err := l.lookup(ctx, host)
	if err != nil {
		return model.Geo{}, err
	}
	geo.ResolvedAt = now

	l.memory.Set(host, geo)
	if l.disk != nil {
		entry := model.GeoCacheEntry{IP: host, Geo: geo, ExpiresAt: now.Add(l.opts.CacheTTL)}
		if err := l.disk.Put(entry); err != nil {
			l.log.Warn("geo disk cache write failed", "ip", host, "error", err)
		}
	}
	return geo, nil
}

// lookup walks the provider pool. A rate-limited provider is marked limited
// and the next one is tried immediately, at most once more per call.
func (l *Locator) lookup(ctx context.Context, ip string) (model.Geo, error) {
	var lastErr error
	for tries := 0; tries < 2; tries++ {
		provider := l.acquireProvider()
		if provider == nil {
			break
		}

		geo, err := l.query(ctx, provider, ip)
		if err == nil {
			return geo, nil
		}
		lastErr = err

		if isRateLimit(err) {
			l.markLimited(provider)
			l.log.Debug("geo provider limited", "provider", provider.Name, "ip", ip)
			continue
		}
		l.markFailed(provider)
		l.log.Debug("geo provider failed", "provider", provider.Name, "ip", ip, "error", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable provider")
	}
	return model.Geo{}, &LocateError{IP: ip, Err: lastErr}
}

// acquireProvider picks the next ready provider and charges one request to
// its window, all under a single lock. Limited providers whose window has
// rolled over are reset to ready.
func (l *Locator) acquireProvider() *Provider {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		for _, p := range l.opts.Providers {
			p.windowCount = 0
			if p.status == StatusLimited {
				p.status = StatusReady
			}
		}
	}

	n := len(l.opts.Providers)
	for i := 0; i < n; i++ {
		p := l.opts.Providers[(l.cursor+i)%n]
		if p.RequiresKey && p.APIKey == "" {
			p.status = StatusNoKey
			continue
		}
		if p.status == StatusLimited || p.status == StatusFailed {
			continue
		}
		if p.RateLimitPerMinute > 0 && p.windowCount >= p.RateLimitPerMinute {
			p.status = StatusLimited
			continue
		}
		p.windowCount++
		l.cursor = (l.cursor + i) % n
		return p
	}
	return nil
}

func (l *Locator) markLimited(p *Provider) {
	l.mu.Lock()
	p.status = StatusLimited
	l.cursor = (l.cursor + 1) % len(l.opts.Providers)
	l.mu.Unlock()
}

func (l *Locator) markFailed(p *Provider) {
	l.mu.Lock()
	p.status = StatusFailed
	l.cursor = (l.cursor + 1) % len(l.opts.Providers)
	l.mu.Unlock()
}

// rateLimitError distinguishes throttle responses from hard failures so the
// pool can retry on the next provider instead of giving up.
type rateLimitError struct{ provider string }

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("provider %s rate limited", e.provider)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (l *Locator) query(ctx context.Context, p *Provider, ip string) (model.Geo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URLFor(ip), nil)
	if err != nil {
		return model.Geo{}, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return model.Geo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return model.Geo{}, &rateLimitError{provider: p.Name}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Geo{}, fmt.Errorf("provider %s: http %d", p.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return model.Geo{}, fmt.Errorf("provider %s: read body: %w", p.Name, err)
	}
	if looksRateLimited(body) {
		return model.Geo{}, &rateLimitError{provider: p.Name}
	}

	parse := p.Parse
	if parse == nil {
		parse = parseGeoPayload
	}
	geo, err := parse(body)
	if err != nil {
		return model.Geo{}, fmt.Errorf("provider %s: parse: %w", p.Name, err)
	}
	return geo, nil
}
