// Package classify tags nodes with region, protocol, and service labels and
// rewrites display names to a uniform template.
package classify

import (
	"regexp"
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// protocolLabels maps display-name aliases to the canonical protocol label.
// Ordered so that longer aliases are probed before their prefixes.
var protocolLabels = []struct {
	label   string
	aliases []string
}{
	{"VMESS", []string{"vmess", "v2ray"}},
	{"VLESS", []string{"vless"}},
	{"SSR", []string{"ssr", "shadowsocksr"}},
	{"SS", []string{"shadowsocks", "ss"}},
	{"TROJAN", []string{"trojan"}},
	{"HYSTERIA2", []string{"hysteria2", "hy2", "hysteria"}},
	{"HTTP", []string{"https", "http"}},
	{"SOCKS5", []string{"socks5", "socks"}},
}

// canonicalProtocolLabel is the fallback when the name carries no alias.
var canonicalProtocolLabel = map[model.Protocol]string{
	model.ProtocolVmess:        "VMESS",
	model.ProtocolVless:        "VLESS",
	model.ProtocolShadowsocks:  "SS",
	model.ProtocolShadowsocksR: "SSR",
	model.ProtocolTrojan:       "TROJAN",
	model.ProtocolHysteria2:    "HYSTERIA2",
	model.ProtocolHTTP:         "HTTP",
	model.ProtocolHTTPS:        "HTTP",
	model.ProtocolSocks5:       "SOCKS5",
}

// serviceTags maps alias sets to canonical service labels.
var serviceTags = []struct {
	label   string
	aliases []string
}{
	{"Netflix", []string{"netflix", "nflx", "nf"}},
	{"OpenAI", []string{"openai", "chatgpt", "gpt"}},
	{"Disney+", []string{"disney+", "disney"}},
	{"YouTube", []string{"youtube", "ytb"}},
	{"Telegram", []string{"telegram", "tg"}},
	{"TikTok", []string{"tiktok"}},
	{"Spotify", []string{"spotify"}},
	{"Gaming", []string{"game", "gaming", "游戏"}},
	{"Streaming", []string{"流媒体", "解锁", "stream"}},
}

// Classification is the outcome of classifying one node.
type Classification struct {
	CountryCode string
	Protocol    string
	Services    []string
	Number      int // numeric suffix found in the source name, 0 when absent
}

// trailingNumber captures the last integer preceded by a non-alphanumeric.
var trailingNumber = regexp.MustCompile(`[^0-9A-Za-z](\d+)\s*$`)

// Classifier tags nodes using the country, protocol, and service tables.
// Construct once and share; it is immutable after construction.
type Classifier struct {
	countries *countryMatcher
	services  []serviceMatcher
}

type serviceMatcher struct {
	label   string
	pattern *regexp.Regexp
}

// New builds a Classifier with all patterns precompiled.
func New() *Classifier {
	c := &Classifier{countries: newCountryMatcher()}
	for _, s := range serviceTags {
		alts := make([]string, 0, len(s.aliases))
		for _, a := range s.aliases {
			alts = append(alts, regexp.QuoteMeta(a))
		}
		c.services = append(c.services, serviceMatcher{
			label:   s.label,
			pattern: regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`),
		})
	}
	return c
}

// Classify derives the classification for one node and rewrites its tags.
// The country hint comes from the display name first, then from the resolved
// geolocation; a probe-verified mismatch overrides both.
func (c *Classifier) Classify(n *model.Node) Classification {
	name := n.DisplayName

	var result Classification
	result.CountryCode = c.countries.match(name)
	if n.Probe != nil && n.Probe.LocationMismatch && n.Probe.ActualGeo != nil && n.Probe.ActualGeo.CountryCode != "" {
		result.CountryCode = n.Probe.ActualGeo.CountryCode
	} else if result.CountryCode == "" && n.Geo != nil {
		result.CountryCode = n.Geo.CountryCode
	}

	result.Protocol = c.protocolLabel(name, n.Protocol)
	result.Services = c.serviceLabels(name)
	if m := trailingNumber.FindStringSubmatch(name); m != nil {
		result.Number = atoiLoose(m[1])
	}

	n.Tags = combineTags(result)
	return result
}

// CountryHint returns the country code a display name advertises, or "".
// Used for pre-probe classification and for mismatch checks.
func (c *Classifier) CountryHint(name string) string {
	return c.countries.match(name)
}

// CountryName returns the English name for a code, falling back to the code
// itself for countries outside the table.
func (c *Classifier) CountryName(code string) string {
	if country, ok := c.countries.lookup(code); ok {
		return country.NameEN
	}
	return code
}

// KnownCountry reports whether code is in the region table.
func (c *Classifier) KnownCountry(code string) bool {
	_, ok := c.countries.lookup(code)
	return ok
}

// CountryNameZH returns the Chinese name for a code when the table has one.
func (c *Classifier) CountryNameZH(code string) string {
	if country, ok := c.countries.lookup(code); ok {
		return country.NameZH
	}
	return code
}

func (c *Classifier) protocolLabel(name string, fallback model.Protocol) string {
	lower := strings.ToLower(name)
	for _, p := range protocolLabels {
		for _, alias := range p.aliases {
			if containsToken(lower, alias) {
				return p.label
			}
		}
	}
	if label, ok := canonicalProtocolLabel[fallback]; ok {
		return label
	}
	return strings.ToUpper(string(fallback))
}

func (c *Classifier) serviceLabels(name string) []string {
	var labels []string
	for _, s := range c.services {
		if s.pattern.MatchString(name) {
			labels = append(labels, s.label)
		}
	}
	return labels
}

// combineTags builds the deduplicated tag list: country, protocol, services,
// preserving insertion order.
func combineTags(cl Classification) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	add(cl.CountryCode)
	add(cl.Protocol)
	for _, s := range cl.Services {
		add(s)
	}
	return tags
}

// containsToken reports whether token occurs in s bounded by non-alphanumerics.
func containsToken(s, token string) bool {
	for idx := 0; ; {
		i := strings.Index(s[idx:], token)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isAlnum(s[i-1])
		afterIdx := i + len(token)
		after := afterIdx >= len(s) || !isAlnum(s[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(token)
	}
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func atoiLoose(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
