package emit

import (
	"encoding/json"
	"fmt"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

const defaultSingBoxTemplate = `{
  "log": {"level": "info"},
  "inbounds": [
    {"type": "mixed", "tag": "mixed-in", "listen": "127.0.0.1", "listen_port": 7890}
  ],
  "outbounds": []
}`

// singboxOutbound renders one node as a sing-box outbound object.
func singboxOutbound(n *model.Node) (map[string]any, error) {
	s := n.Settings
	out := map[string]any{
		"tag":         n.DisplayName,
		"server":      n.Server,
		"server_port": n.Port,
	}

	tlsBlock := func(enabled bool) map[string]any {
		if !enabled {
			return nil
		}
		block := map[string]any{"enabled": true}
		if s.SNI != "" {
			block["server_name"] = s.SNI
		}
		if s.AllowInsecure {
			block["insecure"] = true
		}
		return block
	}

	switch n.Protocol {
	case model.ProtocolVmess:
		out["type"] = "vmess"
		out["uuid"] = s.UUID
		out["alter_id"] = s.AlterID
		out["security"] = "auto"
		if tls := tlsBlock(s.TLS); tls != nil {
			out["tls"] = tls
		}
	case model.ProtocolVless:
		out["type"] = "vless"
		out["uuid"] = s.UUID
		if s.Flow != "" {
			out["flow"] = s.Flow
		}
		if tls := tlsBlock(s.Security == "tls" || s.TLS); tls != nil {
			out["tls"] = tls
		}
	case model.ProtocolShadowsocks:
		out["type"] = "shadowsocks"
		out["method"] = s.Method
		out["password"] = s.Password
	case model.ProtocolTrojan:
		out["type"] = "trojan"
		out["password"] = s.Password
		if tls := tlsBlock(true); tls != nil {
			out["tls"] = tls
		}
	case model.ProtocolHysteria2:
		out["type"] = "hysteria2"
		out["password"] = s.Password
		if s.Obfs != "" {
			out["obfs"] = map[string]any{"type": s.Obfs, "password": s.ObfsPassword}
		}
		if tls := tlsBlock(true); tls != nil {
			out["tls"] = tls
		}
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		out["type"] = "http"
		if s.Username != "" {
			out["username"] = s.Username
			out["password"] = s.Password
		}
		if tls := tlsBlock(n.Protocol == model.ProtocolHTTPS); tls != nil {
			out["tls"] = tls
		}
	case model.ProtocolSocks5:
		out["type"] = "socks"
		out["version"] = "5"
		if s.Username != "" {
			out["username"] = s.Username
			out["password"] = s.Password
		}
	default:
		return nil, fmt.Errorf("no sing-box mapping for protocol %q", n.Protocol)
	}

	if s.Transport == "ws" {
		transport := map[string]any{"type": "ws"}
		if s.WSPath != "" {
			transport["path"] = s.WSPath
		}
		if s.WSHost != "" {
			transport["headers"] = map[string]any{"Host": s.WSHost}
		}
		out["transport"] = transport
	}
	return out, nil
}

// EmitSingBox renders the sing-box JSON config. The template's outbounds
// array is replaced with node outbounds plus urltest/selector groups.
func (e *Emitter) EmitSingBox(result *group.Result, template string) ([]byte, error) {
	if template == "" {
		template = defaultSingBoxTemplate
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(template), &doc); err != nil {
		return nil, &ConversionError{Artifact: "singbox", Err: fmt.Errorf("template: %w", err)}
	}

	var outbounds []any
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
			out, err := singboxOutbound(n)
			if err != nil {
				e.log.Debug("node skipped in sing-box output", "node", n.DisplayName, "error", err)
				continue
			}
			outbounds = append(outbounds, out)
		}
	}
	if len(outbounds) == 0 {
		return nil, &ConversionError{Artifact: "singbox", Err: fmt.Errorf("no representable nodes")}
	}

	var selectable []string
	var groupOutbounds []any
	for _, g := range result.All() {
		if g.Kind == model.GroupKindMeta || len(g.Members) == 0 {
			continue
		}
		tags := make([]string, 0, len(g.Members))
		for _, n := range g.Members {
			if seen[n.ID] {
				tags = append(tags, n.DisplayName)
			}
		}
		if len(tags) == 0 {
			continue
		}
		selectable = append(selectable, g.DisplayName)
		groupOutbounds = append(groupOutbounds, map[string]any{
			"type":      "urltest",
			"tag":       g.DisplayName,
			"outbounds": tags,
			"url":       group.DefaultTestURL,
			"interval":  fmt.Sprintf("%ds", group.DefaultInterval),
			"tolerance": group.DefaultTolerance,
		})
	}
	needBlock := false
	for _, g := range result.Meta {
		spec := result.MetaSpec(g.DisplayName)
		needBlock = needBlock || spec.IncludeReject
		groupOutbounds = append([]any{map[string]any{
			"type":      "selector",
			"tag":       g.DisplayName,
			"outbounds": metaSelectorOptions(spec, selectable, "direct", "block"),
		}}, groupOutbounds...)
	}
	groupOutbounds = append(groupOutbounds,
		map[string]any{"type": "direct", "tag": "direct"})
	if needBlock {
		groupOutbounds = append(groupOutbounds,
			map[string]any{"type": "block", "tag": "block"})
	}

	doc["outbounds"] = append(groupOutbounds, outbounds...)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &ConversionError{Artifact: "singbox", Err: err}
	}
	return out, nil
}
