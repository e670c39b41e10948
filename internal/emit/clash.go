package emit

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

// defaultClashTemplate is the base Mihomo document. The proxies and
// proxy-groups sections are placeholders replaced at emission time.
const defaultClashTemplate = `mixed-port: 7890
allow-lan: false
mode: rule
log-level: info
proxies: []
proxy-groups: []
rules:
  - GEOIP,CN,DIRECT
  - MATCH,🚀 节点选择
`

// clashProxyMap renders one node as a Clash proxy record.
func clashProxyMap(n *model.Node) (map[string]any, error) {
	s := n.Settings
	m := map[string]any{
		"name":   n.DisplayName,
		"server": n.Server,
		"port":   n.Port,
	}

	switch n.Protocol {
	case model.ProtocolVmess:
		m["type"] = "vmess"
		m["uuid"] = s.UUID
		m["alterId"] = s.AlterID
		m["cipher"] = "auto"
		if s.TLS {
			m["tls"] = true
		}
	case model.ProtocolVless:
		m["type"] = "vless"
		m["uuid"] = s.UUID
		if s.Security == "tls" || s.TLS {
			m["tls"] = true
		}
		if s.Flow != "" {
			m["flow"] = s.Flow
		}
	case model.ProtocolShadowsocks:
		m["type"] = "ss"
		m["cipher"] = s.Method
		m["password"] = s.Password
	case model.ProtocolShadowsocksR:
		m["type"] = "ssr"
		m["cipher"] = s.Method
		m["password"] = s.Password
		m["protocol"] = s.SSRProtocol
		m["obfs"] = s.Obfs
		if s.ObfsParam != "" {
			m["obfs-param"] = s.ObfsParam
		}
		if s.ProtocolParam != "" {
			m["protocol-param"] = s.ProtocolParam
		}
	case model.ProtocolTrojan:
		m["type"] = "trojan"
		m["password"] = s.Password
	case model.ProtocolHysteria2:
		m["type"] = "hysteria2"
		m["password"] = s.Password
		if s.Obfs != "" {
			m["obfs"] = s.Obfs
			m["obfs-password"] = s.ObfsPassword
		}
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		m["type"] = "http"
		if n.Protocol == model.ProtocolHTTPS {
			m["tls"] = true
		}
		if s.Username != "" {
			m["username"] = s.Username
			m["password"] = s.Password
		}
	case model.ProtocolSocks5:
		m["type"] = "socks5"
		if s.Username != "" {
			m["username"] = s.Username
			m["password"] = s.Password
		}
	default:
		return nil, fmt.Errorf("no clash mapping for protocol %q", n.Protocol)
	}

	if s.SNI != "" {
		m["sni"] = s.SNI
	}
	if s.AllowInsecure {
		m["skip-cert-verify"] = true
	}
	if s.Transport == "ws" {
		m["network"] = "ws"
		wsOpts := map[string]any{}
		if s.WSPath != "" {
			wsOpts["path"] = s.WSPath
		}
		if s.WSHost != "" {
			wsOpts["headers"] = map[string]any{"Host": s.WSHost}
		}
		if len(wsOpts) > 0 {
			m["ws-opts"] = wsOpts
		}
	} else if s.Transport != "" && s.Transport != "tcp" {
		m["network"] = s.Transport
	}
	return m, nil
}

// clashGroupMaps renders the proxy-groups section. Meta-groups become
// selectors over the other group names; regional and service groups are
// url-test selectors over their member nodes.
func clashGroupMaps(result *group.Result) []map[string]any {
	var groups []map[string]any

	names := func(members []*model.Node) []string {
		out := make([]string, 0, len(members))
		for _, n := range members {
			out = append(out, n.DisplayName)
		}
		return out
	}

	var selectable []string
	for _, g := range result.All() {
		if g.Kind == model.GroupKindMeta || len(g.Members) == 0 {
			continue
		}
		selectable = append(selectable, g.DisplayName)
		groups = append(groups, map[string]any{
			"name":      g.DisplayName,
			"type":      "url-test",
			"icon":      iconFor(g.Key),
			"url":       group.DefaultTestURL,
			"interval":  group.DefaultInterval,
			"tolerance": group.DefaultTolerance,
			"proxies":   names(g.Members),
		})
	}

	metas := make([]map[string]any, 0, len(result.Meta))
	for _, g := range result.Meta {
		spec := result.MetaSpec(g.DisplayName)
		metas = append(metas, map[string]any{
			"name":    g.DisplayName,
			"type":    "select",
			"icon":    iconFor(g.Key),
			"proxies": metaSelectorOptions(spec, selectable, "DIRECT", "REJECT"),
		})
	}
	// Meta selectors lead the section so clients show them first.
	return append(metas, groups...)
}

// EmitClash renders the Mihomo YAML config. template overrides the built-in
// base document when non-empty; its proxies and proxy-groups sections are
// replaced wholesale.
func (e *Emitter) EmitClash(result *group.Result, template string) ([]byte, error) {
	if template == "" {
		template = defaultClashTemplate
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(template), &doc); err != nil {
		return nil, &ConversionError{Artifact: "clash", Err: fmt.Errorf("template: %w", err)}
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var proxies []map[string]any
	seen := map[string]bool{}
	for _, g := range result.All() {
		if g.Kind != model.GroupKindRegion {
			continue
		}
		for _, n := range g.Members {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			m, err := clashProxyMap(n)
			if err != nil {
				e.log.Debug("node skipped in clash output", "node", n.DisplayName, "error", err)
				continue
			}
			proxies = append(proxies, m)
		}
	}

	doc["proxies"] = proxies
	doc["proxy-groups"] = clashGroupMaps(result)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, &ConversionError{Artifact: "clash", Err: err}
	}
	return out, nil
}
