// Package emit materializes group URI lists and per-client configuration
// files from grouped nodes.
package emit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// ConversionError reports one artifact that could not be produced. The run
// is still considered successful while at least one artifact was written.
type ConversionError struct {
	Artifact string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("emit: %s: %v", e.Artifact, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// EncodeURI synthesizes the advertisement URI for a node. It is the inverse
// of the wire-format decoders: security-bearing fields survive a
// decode(encode(n)) round trip.
func EncodeURI(n *model.Node) (string, error) {
	switch n.Protocol {
	case model.ProtocolVmess:
		return encodeVmess(n)
	case model.ProtocolVless:
		return encodeVless(n), nil
	case model.ProtocolShadowsocks:
		return encodeShadowsocks(n), nil
	case model.ProtocolShadowsocksR:
		return encodeShadowsocksR(n), nil
	case model.ProtocolTrojan:
		return encodeTrojan(n), nil
	case model.ProtocolHysteria2:
		return encodeHysteria2(n), nil
	case model.ProtocolHTTP, model.ProtocolHTTPS, model.ProtocolSocks5:
		return encodePlainProxy(n), nil
	default:
		return "", fmt.Errorf("no uri encoder for protocol %q", n.Protocol)
	}
}

func hostPort(n *model.Node) string {
	return net.JoinHostPort(n.Server, strconv.Itoa(n.Port))
}

func encodeVmess(n *model.Node) (string, error) {
	s := n.Settings
	config := map[string]any{
		"v":    "2",
		"ps":   n.DisplayName,
		"add":  n.Server,
		"port": strconv.Itoa(n.Port),
		"id":   s.UUID,
		"aid":  strconv.Itoa(s.AlterID),
		"net":  defaultStr(s.Transport, "tcp"),
		"type": "none",
		"tls":  "",
	}
	if s.TLS {
		config["tls"] = "tls"
	}
	if s.SNI != "" {
		config["sni"] = s.SNI
	}
	if s.WSPath != "" {
		config["path"] = s.WSPath
	}
	if s.WSHost != "" {
		config["host"] = s.WSHost
	}
	if len(s.ALPN) > 0 {
		config["alpn"] = strings.Join(s.ALPN, ",")
	}
	if s.Fingerprint != "" {
		config["fp"] = s.Fingerprint
	}

	body, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(body), nil
}

func encodeVless(n *model.Node) string {
	s := n.Settings
	params := url.Values{}
	params.Set("type", defaultStr(s.Transport, "tcp"))
	params.Set("security", defaultStr(s.Security, "none"))
	if s.Encryption != "" && s.Encryption != "none" {
		params.Set("encryption", s.Encryption)
	}
	if s.SNI != "" {
		params.Set("sni", s.SNI)
	}
	if s.Fingerprint != "" {
		params.Set("fp", s.Fingerprint)
	}
	if len(s.ALPN) > 0 {
		params.Set("alpn", strings.Join(s.ALPN, ","))
	}
	if s.WSPath != "" {
		params.Set("path", s.WSPath)
	}
	if s.WSHost != "" {
		params.Set("host", s.WSHost)
	}
	if s.Flow != "" {
		params.Set("flow", s.Flow)
	}
	return fmt.Sprintf("vless://%s@%s?%s#%s",
		s.UUID, hostPort(n), params.Encode(), url.QueryEscape(n.DisplayName))
}

func encodeShadowsocks(n *model.Node) string {
	userinfo := base64.URLEncoding.EncodeToString(
		[]byte(n.Settings.Method + ":" + n.Settings.Password))
	userinfo = strings.TrimRight(userinfo, "=")
	return fmt.Sprintf("ss://%s@%s#%s",
		userinfo, hostPort(n), url.QueryEscape(n.DisplayName))
}

func encodeShadowsocksR(n *model.Node) string {
	s := n.Settings
	b64 := func(v string) string {
		return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(v)), "=")
	}

	params := url.Values{}
	if s.ObfsParam != "" {
		params.Set("obfsparam", b64(s.ObfsParam))
	}
	if s.ProtocolParam != "" {
		params.Set("protoparam", b64(s.ProtocolParam))
	}
	if n.DisplayName != "" {
		params.Set("remarks", b64(n.DisplayName))
	}

	main := fmt.Sprintf("%s:%d:%s:%s:%s:%s",
		n.Server, n.Port, s.SSRProtocol, s.Method, s.Obfs, b64(s.Password))
	encoded := base64.URLEncoding.EncodeToString([]byte(main + "/?" + params.Encode()))
	return "ssr://" + strings.TrimRight(encoded, "=")
}

func encodeTrojan(n *model.Node) string {
	s := n.Settings
	params := url.Values{}
	params.Set("sni", defaultStr(s.SNI, n.Server))
	if s.AllowInsecure {
		params.Set("allowInsecure", "1")
	}
	if s.Transport != "" && s.Transport != "tcp" {
		params.Set("type", s.Transport)
		if s.WSPath != "" {
			params.Set("path", s.WSPath)
		}
		if s.WSHost != "" {
			params.Set("host", s.WSHost)
		}
	}
	return fmt.Sprintf("trojan://%s@%s?%s#%s",
		url.QueryEscape(s.Password), hostPort(n), params.Encode(),
		url.QueryEscape(n.DisplayName))
}

func encodeHysteria2(n *model.Node) string {
	s := n.Settings
	params := url.Values{}
	if s.SNI != "" {
		params.Set("sni", s.SNI)
	}
	if s.AllowInsecure {
		params.Set("insecure", "1")
	}
	if s.Obfs != "" {
		params.Set("obfs", s.Obfs)
		if s.ObfsPassword != "" {
			params.Set("obfs-password", s.ObfsPassword)
		}
	}
	if s.UpMbps != "" {
		params.Set("up", s.UpMbps)
	}
	if s.DownMbps != "" {
		params.Set("down", s.DownMbps)
	}
	return fmt.Sprintf("hysteria2://%s@%s?%s#%s",
		url.QueryEscape(s.Password), hostPort(n), params.Encode(),
		url.QueryEscape(n.DisplayName))
}

func encodePlainProxy(n *model.Node) string {
	s := n.Settings
	auth := ""
	if s.Username != "" {
		auth = url.QueryEscape(s.Username) + ":" + url.QueryEscape(s.Password) + "@"
	}
	scheme := string(n.Protocol)
	return fmt.Sprintf("%s://%s%s#%s",
		scheme, auth, hostPort(n), url.QueryEscape(n.DisplayName))
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
