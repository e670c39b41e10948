package emit

import (
	"encoding/json"
	"fmt"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

const defaultV2RayTemplate = `{
  "log": {"loglevel": "warning"},
  "inbounds": [
    {"tag": "socks-in", "port": 1080, "listen": "127.0.0.1", "protocol": "socks"}
  ],
  "outbounds": []
}`

// v2rayOutbound renders one node as a V2Ray outbound object. Protocols
// outside the V2Ray core set are skipped.
func v2rayOutbound(n *model.Node) (map[string]any, error) {
	s := n.Settings

	stream := map[string]any{"network": defaultStr(s.Transport, "tcp")}
	if s.Transport == "ws" {
		wsSettings := map[string]any{}
		if s.WSPath != "" {
			wsSettings["path"] = s.WSPath
		}
		if s.WSHost != "" {
			wsSettings["headers"] = map[string]any{"Host": s.WSHost}
		}
		stream["wsSettings"] = wsSettings
	}
	if s.TLS || s.Security == "tls" || n.Protocol == model.ProtocolTrojan {
		stream["security"] = "tls"
		tlsSettings := map[string]any{}
		if s.SNI != "" {
			tlsSettings["serverName"] = s.SNI
		}
		if s.AllowInsecure {
			tlsSettings["allowInsecure"] = true
		}
		stream["tlsSettings"] = tlsSettings
	}

	out := map[string]any{
		"tag":            n.DisplayName,
		"streamSettings": stream,
	}

	switch n.Protocol {
	case model.ProtocolVmess:
		out["protocol"] = "vmess"
		out["settings"] = map[string]any{
			"vnext": []any{map[string]any{
				"address": n.Server,
				"port":    n.Port,
				"users": []any{map[string]any{
					"id":       s.UUID,
					"alterId":  s.AlterID,
					"security": "auto",
				}},
			}},
		}
	case model.ProtocolVless:
		out["protocol"] = "vless"
		out["settings"] = map[string]any{
			"vnext": []any{map[string]any{
				"address": n.Server,
				"port":    n.Port,
				"users": []any{map[string]any{
					"id":         s.UUID,
					"encryption": defaultStr(s.Encryption, "none"),
					"flow":       s.Flow,
				}},
			}},
		}
	case model.ProtocolShadowsocks:
		out["protocol"] = "shadowsocks"
		out["settings"] = map[string]any{
			"servers": []any{map[string]any{
				"address":  n.Server,
				"port":     n.Port,
				"method":   s.Method,
				"password": s.Password,
			}},
		}
	case model.ProtocolTrojan:
		out["protocol"] = "trojan"
		out["settings"] = map[string]any{
			"servers": []any{map[string]any{
				"address":  n.Server,
				"port":     n.Port,
				"password": s.Password,
			}},
		}
	case model.ProtocolHTTP, model.ProtocolHTTPS, model.ProtocolSocks5:
		protocol := "http"
		if n.Protocol == model.ProtocolSocks5 {
			protocol = "socks"
		}
		server := map[string]any{"address": n.Server, "port": n.Port}
		if s.Username != "" {
			server["users"] = []any{map[string]any{
				"user": s.Username,
				"pass": s.Password,
			}}
		}
		out["protocol"] = protocol
		out["settings"] = map[string]any{"servers": []any{server}}
	default:
		return nil, fmt.Errorf("no v2ray mapping for protocol %q", n.Protocol)
	}
	return out, nil
}

// EmitV2Ray renders the V2Ray JSON config with the template's outbounds
// replaced by node outbounds. V2Ray has no group concept; the first outbound
// is the default route.
func (e *Emitter) EmitV2Ray(result *group.Result, template string) ([]byte, error) {
	if template == "" {
		template = defaultV2RayTemplate
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(template), &doc); err != nil {
		return nil, &ConversionError{Artifact: "v2ray", Err: fmt.Errorf("template: %w", err)}
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
			out, err := v2rayOutbound(n)
			if err != nil {
				e.log.Debug("node skipped in v2ray output", "node", n.DisplayName, "error", err)
				continue
			}
			outbounds = append(outbounds, out)
		}
	}
	if len(outbounds) == 0 {
		return nil, &ConversionError{Artifact: "v2ray", Err: fmt.Errorf("no representable nodes")}
	}
	outbounds = append(outbounds,
		map[string]any{"tag": "direct", "protocol": "freedom", "settings": map[string]any{}})
	doc["outbounds"] = outbounds

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &ConversionError{Artifact: "v2ray", Err: err}
	}
	return out, nil
}
