package geoloc

import (
	"encoding/json"
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// ProviderStatus tracks whether a provider can currently serve lookups.
type ProviderStatus string

const (
	StatusReady   ProviderStatus = "ready"
	StatusLimited ProviderStatus = "limited"
	StatusNoKey   ProviderStatus = "noKey"
	StatusFailed  ProviderStatus = "failed"
)

// Provider is one geolocation HTTP API in the pool. URLTemplate contains
// {ip} and optionally {key} placeholders.
type Provider struct {
	Name               string
	URLTemplate        string
	RequiresKey        bool
	APIKey             string
	RateLimitPerMinute int
	// Parse canonicalises a raw provider response. Nil falls back to the
	// generic key-probing parser.
	Parse func(body []byte) (model.Geo, error)

	status      ProviderStatus
	windowCount int
}

// URLFor substitutes the template placeholders for one lookup.
func (p *Provider) URLFor(ip string) string {
	u := strings.ReplaceAll(p.URLTemplate, "{ip}", ip)
	return strings.ReplaceAll(u, "{key}", p.APIKey)
}

// DefaultProviders returns the built-in provider pool in priority order.
func DefaultProviders() []*Provider {
	return []*Provider{
		{
			Name:               "ip-api",
			URLTemplate:        "http://ip-api.com/json/{ip}",
			RateLimitPerMinute: 45,
		},
		{
			Name:               "ipwho.is",
			URLTemplate:        "https://ipwho.is/{ip}",
			RateLimitPerMinute: 60,
		},
		{
			Name:               "ipinfo.io",
			URLTemplate:        "https://ipinfo.io/{ip}/json",
			RateLimitPerMinute: 30,
		},
	}
}

// CustomProvider builds a keyed provider from IP_API_URL / IP_API_KEY. It is
// prepended to the pool so operator-supplied endpoints win.
func CustomProvider(urlTemplate, apiKey string) *Provider {
	return &Provider{
		Name:               "custom",
		URLTemplate:        urlTemplate,
		RequiresKey:        apiKey != "",
		APIKey:             apiKey,
		RateLimitPerMinute: 120,
	}
}

// countryCodeKeys and countryNameKeys are probed in order by the generic
// parser; providers disagree on field naming but all use one of these.
var (
	countryCodeKeys = []string{"country_code", "countryCode", "country", "country_code2"}
	countryNameKeys = []string{"country_name", "countryName", "country"}
	cityKeys        = []string{"city", "cityName"}
	orgKeys         = []string{"org", "isp", "as", "connection"}
)

// parseGeoPayload extracts a canonical Geo from any of the supported
// provider response shapes. Absent fields fall back to "" / "Others".
func parseGeoPayload(body []byte) (model.Geo, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.Geo{}, err
	}

	geo := model.Geo{CountryName: "Others"}
	for _, key := range countryCodeKeys {
		if code, ok := stringField(doc, key); ok && len(code) == 2 {
			geo.CountryCode = strings.ToUpper(code)
			break
		}
	}
	for _, key := range countryNameKeys {
		if name, ok := stringField(doc, key); ok && len(name) > 2 {
			geo.CountryName = name
			break
		}
	}
	if geo.CountryName == "Others" && geo.CountryCode != "" {
		geo.CountryName = geo.CountryCode
	}
	for _, key := range cityKeys {
		if city, ok := stringField(doc, key); ok {
			geo.City = city
			break
		}
	}
	for _, key := range orgKeys {
		switch v := doc[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				geo.Org = strings.TrimSpace(v)
			}
		case map[string]any:
			if isp, ok := stringField(v, "isp"); ok {
				geo.Org = isp
			}
		}
		if geo.Org != "" {
			break
		}
	}
	return geo, nil
}

func stringField(doc map[string]any, key string) (string, bool) {
	v, ok := doc[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// looksRateLimited detects textual throttle signals from providers that
// answer HTTP 200 even when refusing service.
func looksRateLimited(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "quota")
}
