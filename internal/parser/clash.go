package parser

import (
	"strings"

	"github.com/subflow-proxy/subflow/internal/model"
)

// decodeClashProxy maps one Clash record onto the canonical node model. No
// URI is synthesized; Raw stays empty and the emitter rebuilds one from the
// settings when needed.
func decodeClashProxy(record map[string]any) (*model.Node, bool) {
	kind := strings.ToLower(strings.TrimSpace(getString(record, "type")))
	server := strings.TrimSpace(getString(record, "server"))
	port, hasPort := getInt(record, "port")
	if server == "" || !hasPort {
		return nil, false
	}

	node := &model.Node{
		DisplayName: strings.TrimSpace(getString(record, "name", "tag")),
		Server:      server,
		Port:        port,
	}

	switch kind {
	case "ss", "shadowsocks":
		node.Protocol = model.ProtocolShadowsocks
		node.Settings.Method = strings.TrimSpace(getString(record, "cipher", "method"))
		node.Settings.Password = getString(record, "password")
		if node.Settings.Method == "" || node.Settings.Password == "" {
			return nil, false
		}
	case "ssr", "shadowsocksr":
		node.Protocol = model.ProtocolShadowsocksR
		node.Settings.Method = strings.TrimSpace(getString(record, "cipher", "method"))
		node.Settings.Password = getString(record, "password")
		node.Settings.SSRProtocol = strings.TrimSpace(getString(record, "protocol"))
		node.Settings.Obfs = strings.TrimSpace(getString(record, "obfs"))
		node.Settings.ObfsParam = getString(record, "obfs-param", "obfsparam")
		node.Settings.ProtocolParam = getString(record, "protocol-param", "protocolparam")
	case "vmess":
		node.Protocol = model.ProtocolVmess
		node.Settings.UUID = strings.TrimSpace(getString(record, "uuid"))
		if node.Settings.UUID == "" {
			return nil, false
		}
		if aid, ok := getInt(record, "alterId", "alter_id", "aid"); ok {
			node.Settings.AlterID = aid
		}
		applyClashTLS(node, record)
		applyClashTransport(node, record)
	case "vless":
		node.Protocol = model.ProtocolVless
		node.Settings.UUID = strings.TrimSpace(getString(record, "uuid"))
		if node.Settings.UUID == "" {
			return nil, false
		}
		node.Settings.Flow = strings.TrimSpace(getString(record, "flow"))
		applyClashTLS(node, record)
		applyClashTransport(node, record)
	case "trojan":
		node.Protocol = model.ProtocolTrojan
		node.Settings.Password = getString(record, "password")
		if node.Settings.Password == "" {
			return nil, false
		}
		node.Settings.TLS = true
		applyClashTLS(node, record)
		applyClashTransport(node, record)
	case "hysteria2", "hy2":
		node.Protocol = model.ProtocolHysteria2
		node.Settings.Password = firstNonEmpty(getString(record, "password"), getString(record, "auth"))
		if node.Settings.Password == "" {
			return nil, false
		}
		node.Settings.TLS = true
		applyClashTLS(node, record)
		node.Settings.Obfs = strings.TrimSpace(getString(record, "obfs"))
		node.Settings.ObfsPassword = getString(record, "obfs-password")
	case "http", "https":
		node.Protocol = model.ProtocolHTTP
		if kind == "https" {
			node.Protocol = model.ProtocolHTTPS
		}
		if tls, ok := getBool(record, "tls"); ok && tls {
			node.Protocol = model.ProtocolHTTPS
		}
		node.Settings.Username = getString(record, "username")
		node.Settings.Password = getString(record, "password")
	case "socks5", "socks":
		node.Protocol = model.ProtocolSocks5
		node.Settings.Username = getString(record, "username")
		node.Settings.Password = getString(record, "password")
	default:
		return nil, false
	}

	finished, err := finishNode(node)
	if err != nil {
		return nil, false
	}
	return finished, true
}

func applyClashTLS(node *model.Node, record map[string]any) {
	if enabled, ok := getBool(record, "tls"); ok {
		node.Settings.TLS = node.Settings.TLS || enabled
	}
	node.Settings.SNI = firstNonEmpty(
		node.Settings.SNI,
		strings.TrimSpace(getString(record, "sni", "servername", "peer")),
	)
	if insecure, ok := getBool(record, "skip-cert-verify", "allowInsecure", "insecure"); ok && insecure {
		node.Settings.AllowInsecure = true
	}
}

func applyClashTransport(node *model.Node, record map[string]any) {
	network := strings.ToLower(strings.TrimSpace(getString(record, "network")))
	if network == "" {
		return
	}
	node.Settings.Transport = network
	if network != "ws" {
		return
	}
	if wsOpts, ok := getMap(record, "ws-opts", "ws_opts"); ok {
		node.Settings.WSPath = strings.TrimSpace(getString(wsOpts, "path"))
		if headers, ok := getMap(wsOpts, "headers"); ok {
			node.Settings.WSHost = strings.TrimSpace(getString(headers, "Host", "host"))
		}
	}
}

// collectClashProxyMaps pulls proxy records out of a decoded Clash document:
// the top-level proxies list plus any proxy-providers with inline proxies.
func collectClashProxyMaps(doc map[string]any) []map[string]any {
	var out []map[string]any
	out = append(out, anySliceToMaps(doc["proxies"])...)

	if providers, ok := getMap(doc, "proxy-providers", "proxy_providers"); ok {
		for _, providerAny := range providers {
			provider, ok := providerAny.(map[string]any)
			if !ok {
				if converted, convOK := toStringKeyed(providerAny); convOK {
					provider = converted
				} else {
					continue
				}
			}
			out = append(out, anySliceToMaps(provider["proxies"])...)
		}
	}
	return out
}

func anySliceToMaps(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if record, ok := toStringKeyed(item); ok {
			out = append(out, record)
		}
	}
	return out
}

func toStringKeyed(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		converted := make(map[string]any, len(t))
		for mk, mv := range t {
			if key, ok := mk.(string); ok {
				converted[key] = mv
			}
		}
		return converted, true
	default:
		return nil, false
	}
}
