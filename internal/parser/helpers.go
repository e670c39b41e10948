package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// decodeBase64Tolerant decodes standard or URL-safe base64, repairing missing
// padding first. Subscription providers are sloppy about both.
func decodeBase64Tolerant(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

// decodeBase64Text is decodeBase64Tolerant restricted to valid UTF-8 output.
func decodeBase64Text(input string) (string, bool) {
	decoded, ok := decodeBase64Tolerant(input)
	if !ok || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

// looksLikeBase64 reports whether s consists solely of base64 alphabet
// characters and has a plausible length.
func looksLikeBase64(s string) bool {
	if len(s) < 16 || len(s)%4 == 1 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

// cutScheme splits "scheme://rest", lowercasing the scheme.
func cutScheme(s string) (scheme, rest string, ok bool) {
	idx := strings.Index(s, "://")
	if idx <= 0 {
		return "", "", false
	}
	return strings.ToLower(s[:idx]), s[idx+3:], true
}

// splitHostPort parses "host:port" including bracketed IPv6 literals.
func splitHostPort(hostport string) (string, int, bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", 0, false
	}

	if host, port, err := net.SplitHostPort(hostport); err == nil {
		parsed, parseErr := strconv.Atoi(strings.TrimSpace(port))
		if parseErr != nil {
			return "", 0, false
		}
		host = strings.TrimSpace(strings.Trim(host, "[]"))
		if host == "" {
			return "", 0, false
		}
		return host, parsed, true
	}

	idx := strings.LastIndex(hostport, ":")
	if idx <= 0 || idx >= len(hostport)-1 {
		return "", 0, false
	}
	host := strings.TrimSpace(strings.Trim(hostport[:idx], "[]"))
	if host == "" {
		return "", 0, false
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(hostport[idx+1:]))
	if err != nil {
		return "", 0, false
	}
	return host, parsed, true
}

// decodeFragment percent-decodes a URI fragment used as a display name.
func decodeFragment(fragment string) string {
	if fragment == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(decoded)
}

// normalizePayload strips a UTF-8 BOM and zero-width characters that some
// subscription gateways inject into otherwise-valid payloads.
func normalizePayload(data []byte) string {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(data), []byte{0xEF, 0xBB, 0xBF}))

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range string(trimmed) {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- loosely-typed map accessors for Clash records ---

func getString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		case uint64:
			return strconv.FormatUint(t, 10)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func getInt(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			return t, true
		case int64:
			return int(t), true
		case uint64:
			return int(t), true
		case float64:
			return int(t), true
		case string:
			parsed, err := strconv.Atoi(strings.TrimSpace(t))
			if err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func getBool(m map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "1", "true", "yes", "on":
				return true, true
			case "0", "false", "no", "off":
				return false, true
			}
		}
	}
	return false, false
}

func getMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			return t, true
		case map[any]any:
			converted := make(map[string]any, len(t))
			for mk, mv := range t {
				converted[fmt.Sprint(mk)] = mv
			}
			return converted, true
		}
	}
	return nil, false
}

func queryBool(values url.Values, keys ...string) bool {
	for _, key := range keys {
		value := strings.TrimSpace(values.Get(key))
		if value == "" {
			continue
		}
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
