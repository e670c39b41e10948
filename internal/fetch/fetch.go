// Package fetch retrieves raw subscription payloads with retry, user-agent
// rotation, and optional egress-proxy fallback for geo-restricted sources.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// DefaultUserAgents is rotated through when the caller supplies none.
// Subscription gateways commonly whitelist client UAs, so the list leads
// with proxy-client identities before falling back to a browser.
var DefaultUserAgents = []string{
	"clash-verge/v2.0.0",
	"ClashX/1.118.0",
	"v2rayN/6.42",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
}

// EgressProxyProvider hands out egress proxy URLs round-robin. ok=false
// means no proxy is currently available and the attempt dials directly.
type EgressProxyProvider interface {
	Next() (proxyURL string, ok bool)
}

// Options tunes a single Fetch call. Zero values fall back to defaults.
type Options struct {
	MaxRetries              int           // attempts per user agent (default 3)
	UserAgents              []string      // rotation list (default DefaultUserAgents)
	AttemptTimeout          time.Duration // per-attempt timeout (default 15s)
	BackoffBase             time.Duration // exponential backoff base (default 500ms)
	RateLimitPause          time.Duration // extra sleep after HTTP 429 (default 3s)
	EgressFallbackThreshold int           // attempt index from which egress proxies are used (default MaxRetries)
	EgressProxies           EgressProxyProvider
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if len(o.UserAgents) == 0 {
		o.UserAgents = DefaultUserAgents
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.RateLimitPause <= 0 {
		o.RateLimitPause = 3 * time.Second
	}
	if o.EgressFallbackThreshold <= 0 {
		o.EgressFallbackThreshold = o.MaxRetries
	}
	return o
}

// Result is a successful fetch. Plausible is false when the body did not
// look like subscription content; such bodies are still handed to the parser
// for best-effort decoding.
type Result struct {
	Body      []byte
	Status    int
	Headers   http.Header
	FinalURL  string
	Plausible bool
}

// FetchError is returned after every (retry x user-agent) combination has
// been exhausted. It wraps the last underlying error.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client fetches subscription payloads. Safe for concurrent use.
type Client struct {
	log      *slog.Logger
	direct   *http.Client
	defaults Options
}

// NewClient creates a fetch client with the given default options.
func NewClient(log *slog.Logger, defaults Options) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:      log,
		direct:   &http.Client{},
		defaults: defaults.withDefaults(),
	}
}

// Fetch retrieves the URL, looping over (attempt x user-agent) combinations
// with a fresh cache-busting query parameter per attempt. From the egress
// fallback threshold onward, attempts dial through the next egress proxy.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts *Options) (*Result, error) {
	o := c.defaults
	if opts != nil {
		o = opts.withDefaults()
	}

	total := o.MaxRetries * len(o.UserAgents)
	var lastErr error

	for attempt := 0; attempt < total; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		ua := o.UserAgents[(attempt/o.MaxRetries)%len(o.UserAgents)]
		attemptURL := withCacheBuster(rawURL)

		client := c.direct
		if attempt >= o.EgressFallbackThreshold && o.EgressProxies != nil {
			if proxyURL, ok := o.EgressProxies.Next(); ok {
				if proxied, err := clientViaProxy(proxyURL); err == nil {
					client = proxied
				} else {
					c.log.Debug("unusable egress proxy", "proxy", proxyURL, "error", err)
				}
			}
		}

		result, retryAfter, err := c.attempt(ctx, client, attemptURL, rawURL, ua, o.AttemptTimeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.log.Debug("fetch attempt failed",
			"url", rawURL, "attempt", attempt+1, "user_agent", ua, "error", err)

		delay := backoffDelay(o.BackoffBase, attempt%o.MaxRetries)
		if retryAfter {
			delay += o.RateLimitPause
		}
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	return nil, &FetchError{URL: rawURL, Attempts: total, Err: lastErr}
}

// attempt performs one HTTP GET. The second return value signals an HTTP 429
// so the caller can pause longer before the next attempt.
func (c *Client) attempt(
	ctx context.Context,
	client *http.Client,
	attemptURL, originalURL, userAgent string,
	timeout time.Duration,
) (*Result, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, attemptURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("http 429 from %s", originalURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("http %d from %s", resp.StatusCode, originalURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}

	finalURL := originalURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Result{
		Body:      body,
		Status:    resp.StatusCode,
		Headers:   resp.Header,
		FinalURL:  finalURL,
		Plausible: LooksLikeSubscription(body),
	}, false, nil
}

// withCacheBuster appends _t=<epoch-ms> to defeat intermediate caches.
func withCacheBuster(rawURL string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "_t=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// backoffDelay computes base * 1.5^n.
func backoffDelay(base time.Duration, n int) time.Duration {
	delay := float64(base)
	for i := 0; i < n; i++ {
		delay *= 1.5
	}
	return time.Duration(delay)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// clientViaProxy builds an HTTP client that dials through the given egress
// proxy. http(s) proxies use the transport's proxy support; socks5 proxies
// dial through golang.org/x/net/proxy.
func clientViaProxy(proxyURL string) (*http.Client, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		}, nil
	case "socks5", "socks":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
		return &http.Client{Transport: transport}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// LooksLikeSubscription applies the plausibility rules for fetched bodies:
// URI prefixes, base64 of URI prefixes, Clash YAML markers, or a JSON
// document. Implausible bodies are still parsed best-effort.
func LooksLikeSubscription(body []byte) bool {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return false
	}

	lower := strings.ToLower(text)
	for _, prefix := range []string{
		"vmess://", "vless://", "ss://", "ssr://", "trojan://",
		"hysteria2://", "socks5://", "socks://",
	} {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	if strings.Contains(text, "proxies:") || strings.Contains(text, "Proxy:") || strings.Contains(text, "- name:") {
		return true
	}
	if (strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) ||
		(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")) {
		return true
	}
	return base64ContainsURIPrefix(text)
}

func base64ContainsURIPrefix(text string) bool {
	compact := strings.Join(strings.Fields(text), "")
	if len(compact) < 16 || len(compact)%4 == 1 {
		return false
	}
	for _, r := range compact {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	decoded := decodePaddedBase64(compact)
	if decoded == "" {
		return false
	}
	lower := strings.ToLower(decoded)
	for _, prefix := range []string{"vmess://", "vless://", "ss://", "ssr://", "trojan://", "hysteria2://"} {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

func decodePaddedBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(decoded)
	}
	return ""
}
