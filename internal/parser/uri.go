package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// DecodeURI dispatches a single proxy advertisement URI to the decoder for
// its scheme. When that decoder fails, every other decoder is attempted in
// deterministic order before a ParseError is surfaced.
func DecodeURI(uri string) (*model.Node, error) {
	uri = strings.TrimSpace(uri)
	scheme, _, ok := cutScheme(uri)
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("no scheme"))
	}

	primary, known := decoderForScheme(scheme)
	if known {
		if node, err := primary(uri); err == nil {
			return node, nil
		}
	}

	// Deterministic fallback chain: some providers mislabel schemes.
	var firstErr error
	for _, dec := range allDecoders() {
		node, err := dec(uri)
		if err == nil {
			return node, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, newParseError(uri, firstErr)
}

type decoderFunc func(string) (*model.Node, error)

func decoderForScheme(scheme string) (decoderFunc, bool) {
	switch scheme {
	case "vmess":
		return DecodeVmess, true
	case "vless":
		return DecodeVless, true
	case "ss":
		return DecodeShadowsocks, true
	case "ssr":
		return DecodeShadowsocksR, true
	case "trojan":
		return DecodeTrojan, true
	case "hysteria2", "hy2":
		return DecodeHysteria2, true
	case "http", "https":
		return DecodeHTTPProxy, true
	case "socks", "socks5":
		return DecodeSocks, true
	default:
		return nil, false
	}
}

// allDecoders returns every decoder in the fixed fallback order.
func allDecoders() []decoderFunc {
	return []decoderFunc{
		DecodeVmess,
		DecodeVless,
		DecodeShadowsocks,
		DecodeShadowsocksR,
		DecodeTrojan,
		DecodeHysteria2,
		DecodeHTTPProxy,
		DecodeSocks,
	}
}

// finishNode assigns the default display name and the stable ID, then runs
// the canonical invariant check.
func finishNode(n *model.Node) (*model.Node, error) {
	if strings.TrimSpace(n.DisplayName) == "" {
		n.DisplayName = fmt.Sprintf("%s %s:%d", strings.ToUpper(string(n.Protocol)), n.Server, n.Port)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	n.ID = model.IDFor(n)
	return n, nil
}

// DecodeVmess decodes a vmess:// URI: base64 (padding-tolerant) of a JSON
// object in the V2RayN share format.
func DecodeVmess(uri string) (*model.Node, error) {
	payload, ok := strings.CutPrefix(uri, "vmess://")
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("not a vmess uri"))
	}
	text, ok := decodeBase64Text(strings.TrimSpace(payload))
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("body is not base64"))
	}

	var v map[string]any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, newParseError(uri, fmt.Errorf("body is not json: %w", err))
	}

	port, _ := getInt(v, "port")
	node := &model.Node{
		Protocol:    model.ProtocolVmess,
		DisplayName: strings.TrimSpace(getString(v, "ps")),
		Server:      strings.TrimSpace(getString(v, "add")),
		Port:        port,
		Raw:         uri,
		Settings: model.Settings{
			UUID:      strings.TrimSpace(getString(v, "id")),
			Transport: strings.ToLower(strings.TrimSpace(getString(v, "net"))),
			WSPath:    strings.TrimSpace(getString(v, "path")),
			WSHost:    strings.TrimSpace(getString(v, "host")),
			SNI:       strings.TrimSpace(getString(v, "sni")),
		},
	}
	if aid, ok := getInt(v, "aid", "alterId"); ok {
		node.Settings.AlterID = aid
	}
	if strings.EqualFold(strings.TrimSpace(getString(v, "tls")), "tls") {
		node.Settings.TLS = true
	}
	return finishNode(node)
}

// DecodeVless decodes a vless:// URL. All query fields are optional; the
// defaults are type=tcp, security=none, encryption=none.
func DecodeVless(uri string) (*model.Node, error) {
	if !strings.HasPrefix(strings.ToLower(uri), "vless://") {
		return nil, newParseError(uri, fmt.Errorf("not a vless uri"))
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, newParseError(uri, err)
	}
	uuid := strings.TrimSpace(u.User.Username())
	if uuid == "" {
		return nil, newParseError(uri, fmt.Errorf("missing uuid"))
	}

	q := u.Query()
	node := &model.Node{
		Protocol:    model.ProtocolVless,
		DisplayName: decodeFragment(u.Fragment),
		Server:      strings.TrimSpace(u.Hostname()),
		Port:        portOrDefault(u, 443),
		Raw:         uri,
		Settings: model.Settings{
			UUID:        uuid,
			Transport:   lowerOrDefault(q.Get("type"), "tcp"),
			Security:    lowerOrDefault(q.Get("security"), "none"),
			Encryption:  lowerOrDefault(q.Get("encryption"), "none"),
			SNI:         strings.TrimSpace(q.Get("sni")),
			Fingerprint: strings.TrimSpace(q.Get("fp")),
			ALPN:        splitCommaList(q.Get("alpn")),
			WSPath:      strings.TrimSpace(q.Get("path")),
			WSHost:      strings.TrimSpace(q.Get("host")),
			Flow:        strings.TrimSpace(q.Get("flow")),
		},
	}
	if node.Settings.Security == "tls" || node.Settings.Security == "reality" {
		node.Settings.TLS = true
	}
	return finishNode(node)
}

// DecodeShadowsocks decodes an ss:// URI. The SIP002 shape
// ss://BASE64(method:password)@host:port#name is attempted first; on failure
// the decoder falls back to the legacy whole-body base64 shape.
func DecodeShadowsocks(uri string) (*model.Node, error) {
	body, ok := strings.CutPrefix(uri, "ss://")
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("not an ss uri"))
	}
	beforeFragment, fragment, _ := strings.Cut(body, "#")
	beforeQuery, _, _ := strings.Cut(beforeFragment, "?")
	name := decodeFragment(fragment)

	if at := strings.LastIndex(beforeQuery, "@"); at > 0 && at < len(beforeQuery)-1 {
		method, password, ok := splitSSUserinfo(beforeQuery[:at])
		if ok {
			server, port, ok := splitHostPort(beforeQuery[at+1:])
			if ok {
				return finishNode(&model.Node{
					Protocol:    model.ProtocolShadowsocks,
					DisplayName: name,
					Server:      server,
					Port:        port,
					Raw:         uri,
					Settings:    model.Settings{Method: method, Password: password},
				})
			}
		}
	}

	// Legacy: ss://BASE64(method:password@host:port)#name
	text, ok := decodeBase64Text(beforeQuery)
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("undecodable ss body"))
	}
	at := strings.LastIndex(text, "@")
	if at <= 0 || at >= len(text)-1 {
		return nil, newParseError(uri, fmt.Errorf("malformed legacy ss body"))
	}
	method, password, ok := splitSSUserinfo(text[:at])
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("malformed ss credentials"))
	}
	server, port, ok := splitHostPort(text[at+1:])
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("malformed ss host:port"))
	}
	return finishNode(&model.Node{
		Protocol:    model.ProtocolShadowsocks,
		DisplayName: name,
		Server:      server,
		Port:        port,
		Raw:         uri,
		Settings:    model.Settings{Method: method, Password: password},
	})
}

// splitSSUserinfo accepts either plain "method:password" or its base64 form.
func splitSSUserinfo(input string) (method, password string, ok bool) {
	if unescaped, err := url.QueryUnescape(input); err == nil {
		input = unescaped
	}
	if m, p, found := strings.Cut(input, ":"); found && m != "" && p != "" {
		return m, p, true
	}
	if text, decoded := decodeBase64Text(strings.TrimSpace(input)); decoded {
		if m, p, found := strings.Cut(text, ":"); found && m != "" && p != "" {
			return m, p, true
		}
	}
	return "", "", false
}

// DecodeShadowsocksR decodes an ssr:// URI: the whole body is base64 of
// host:port:proto:method:obfs:BASE64(pass)/?k=BASE64(v)&...
func DecodeShadowsocksR(uri string) (*model.Node, error) {
	body, ok := strings.CutPrefix(uri, "ssr://")
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("not an ssr uri"))
	}
	text, ok := decodeBase64Text(strings.TrimSpace(body))
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("body is not base64"))
	}

	main, query, _ := strings.Cut(text, "/?")
	parts := strings.Split(main, ":")
	if len(parts) < 6 {
		return nil, newParseError(uri, fmt.Errorf("short ssr body"))
	}
	// Host may itself contain colons (IPv6); the trailing five fields do not.
	tail := parts[len(parts)-5:]
	host := strings.Trim(strings.Join(parts[:len(parts)-5], ":"), "[]")
	port, err := strconv.Atoi(strings.TrimSpace(tail[0]))
	if err != nil {
		return nil, newParseError(uri, fmt.Errorf("bad ssr port: %w", err))
	}
	password, _ := decodeBase64Text(tail[4])

	node := &model.Node{
		Protocol: model.ProtocolShadowsocksR,
		Server:   host,
		Port:     port,
		Raw:      uri,
		Settings: model.Settings{
			SSRProtocol: tail[1],
			Method:      tail[2],
			Obfs:        tail[3],
			Password:    password,
		},
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err == nil {
			if remarks, ok := decodeBase64Text(values.Get("remarks")); ok {
				node.DisplayName = strings.TrimSpace(remarks)
			}
			if obfsParam, ok := decodeBase64Text(values.Get("obfsparam")); ok {
				node.Settings.ObfsParam = obfsParam
			}
			if protoParam, ok := decodeBase64Text(values.Get("protoparam")); ok {
				node.Settings.ProtocolParam = protoParam
			}
		}
	}
	return finishNode(node)
}

// DecodeTrojan decodes a trojan:// URI. The raw password segment is isolated
// before URL parsing so passwords containing '@', ':' or '%' survive; the
// password itself is percent-decoded.
func DecodeTrojan(uri string) (*model.Node, error) {
	body, ok := strings.CutPrefix(uri, "trojan://")
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("not a trojan uri"))
	}
	authority, fragment, query := splitAuthority(body)
	at := strings.LastIndex(authority, "@")
	if at <= 0 {
		return nil, newParseError(uri, fmt.Errorf("missing password"))
	}
	password := authority[:at]
	if unescaped, err := url.QueryUnescape(password); err == nil {
		password = unescaped
	}
	server, port, ok := splitHostPort(authority[at+1:])
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("malformed host:port"))
	}

	values, _ := url.ParseQuery(query)
	return finishNode(&model.Node{
		Protocol:    model.ProtocolTrojan,
		DisplayName: decodeFragment(fragment),
		Server:      server,
		Port:        port,
		Raw:         uri,
		Settings: model.Settings{
			Password:      password,
			TLS:           true,
			SNI:           strings.TrimSpace(values.Get("sni")),
			AllowInsecure: queryBool(values, "allowInsecure", "insecure"),
		},
	})
}

// DecodeHysteria2 decodes a hysteria2:// URI.
func DecodeHysteria2(uri string) (*model.Node, error) {
	lower := strings.ToLower(uri)
	var body string
	switch {
	case strings.HasPrefix(lower, "hysteria2://"):
		body = uri[len("hysteria2://"):]
	case strings.HasPrefix(lower, "hy2://"):
		body = uri[len("hy2://"):]
	default:
		return nil, newParseError(uri, fmt.Errorf("not a hysteria2 uri"))
	}

	authority, fragment, query := splitAuthority(body)
	at := strings.LastIndex(authority, "@")
	if at <= 0 {
		return nil, newParseError(uri, fmt.Errorf("missing auth"))
	}
	auth := authority[:at]
	if unescaped, err := url.QueryUnescape(auth); err == nil {
		auth = unescaped
	}
	server, port, ok := splitHostPort(authority[at+1:])
	if !ok {
		return nil, newParseError(uri, fmt.Errorf("malformed host:port"))
	}

	values, _ := url.ParseQuery(query)
	return finishNode(&model.Node{
		Protocol:    model.ProtocolHysteria2,
		DisplayName: decodeFragment(fragment),
		Server:      server,
		Port:        port,
		Raw:         uri,
		Settings: model.Settings{
			Password:      auth,
			TLS:           true,
			SNI:           strings.TrimSpace(values.Get("sni")),
			AllowInsecure: queryBool(values, "insecure", "allowInsecure"),
			Obfs:          strings.TrimSpace(values.Get("obfs")),
			ObfsPassword:  strings.TrimSpace(values.Get("obfs-password")),
			UpMbps:        strings.TrimSpace(values.Get("up")),
			DownMbps:      strings.TrimSpace(values.Get("down")),
		},
	})
}

// DecodeHTTPProxy decodes a plain http:// or https:// proxy URL with
// optional userinfo authentication.
func DecodeHTTPProxy(uri string) (*model.Node, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, newParseError(uri, err)
	}
	var protocol model.Protocol
	switch strings.ToLower(u.Scheme) {
	case "http":
		protocol = model.ProtocolHTTP
	case "https":
		protocol = model.ProtocolHTTPS
	default:
		return nil, newParseError(uri, fmt.Errorf("not an http proxy uri"))
	}

	fallbackPort := 80
	if protocol == model.ProtocolHTTPS {
		fallbackPort = 443
	}
	password, _ := u.User.Password()
	return finishNode(&model.Node{
		Protocol:    protocol,
		DisplayName: decodeFragment(u.Fragment),
		Server:      strings.TrimSpace(u.Hostname()),
		Port:        portOrDefault(u, fallbackPort),
		Raw:         uri,
		Settings: model.Settings{
			Username: u.User.Username(),
			Password: password,
		},
	})
}

// DecodeSocks decodes a socks:// or socks5:// proxy URL.
func DecodeSocks(uri string) (*model.Node, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, newParseError(uri, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks", "socks5":
	default:
		return nil, newParseError(uri, fmt.Errorf("not a socks uri"))
	}

	password, _ := u.User.Password()
	return finishNode(&model.Node{
		Protocol:    model.ProtocolSocks5,
		DisplayName: decodeFragment(u.Fragment),
		Server:      strings.TrimSpace(u.Hostname()),
		Port:        portOrDefault(u, 1080),
		Raw:         uri,
		Settings: model.Settings{
			Username: u.User.Username(),
			Password: password,
		},
	})
}

// splitAuthority peels the fragment and query off a scheme-less URI body,
// returning the raw authority (userinfo@host:port) untouched.
func splitAuthority(body string) (authority, fragment, query string) {
	authority, fragment, _ = strings.Cut(body, "#")
	authority, query, _ = strings.Cut(authority, "?")
	return authority, fragment, query
}

func portOrDefault(u *url.URL, fallback int) int {
	port := strings.TrimSpace(u.Port())
	if port == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(port)
	if err != nil {
		return fallback
	}
	return parsed
}

func lowerOrDefault(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
