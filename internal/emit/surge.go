package emit

import (
	"fmt"
	"strings"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

const defaultSurgeTemplate = `[General]
loglevel = notify
dns-server = system

[Proxy]

[Proxy Group]

[Rule]
GEOIP,CN,DIRECT
FINAL,🚀 节点选择
`

// surgeProxyLine renders one node as a Surge proxy declaration. Surge has no
// vless or ssr support; those nodes are skipped.
func surgeProxyLine(n *model.Node) (string, error) {
	s := n.Settings
	var parts []string

	switch n.Protocol {
	case model.ProtocolShadowsocks:
		parts = []string{"ss", n.Server, fmt.Sprintf("%d", n.Port),
			"encrypt-method=" + s.Method, "password=" + s.Password}
	case model.ProtocolVmess:
		parts = []string{"vmess", n.Server, fmt.Sprintf("%d", n.Port),
			"username=" + s.UUID}
		if s.Transport == "ws" {
			parts = append(parts, "ws=true")
			if s.WSPath != "" {
				parts = append(parts, "ws-path="+s.WSPath)
			}
			if s.WSHost != "" {
				parts = append(parts, `ws-headers=Host:"`+s.WSHost+`"`)
			}
		}
		if s.TLS {
			parts = append(parts, "tls=true")
		}
	case model.ProtocolTrojan:
		parts = []string{"trojan", n.Server, fmt.Sprintf("%d", n.Port),
			"password=" + s.Password}
	case model.ProtocolHysteria2:
		parts = []string{"hysteria2", n.Server, fmt.Sprintf("%d", n.Port),
			"password=" + s.Password}
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		scheme := "http"
		if n.Protocol == model.ProtocolHTTPS {
			scheme = "https"
		}
		parts = []string{scheme, n.Server, fmt.Sprintf("%d", n.Port)}
		if s.Username != "" {
			parts = append(parts, s.Username, s.Password)
		}
	case model.ProtocolSocks5:
		parts = []string{"socks5", n.Server, fmt.Sprintf("%d", n.Port)}
		if s.Username != "" {
			parts = append(parts, s.Username, s.Password)
		}
	default:
		return "", fmt.Errorf("no surge mapping for protocol %q", n.Protocol)
	}

	if s.SNI != "" {
		parts = append(parts, "sni="+s.SNI)
	}
	if s.AllowInsecure {
		parts = append(parts, "skip-cert-verify=true")
	}
	return n.DisplayName + " = " + strings.Join(parts, ", "), nil
}

// EmitSurge renders the Surge config by replacing the [Proxy] and
// [Proxy Group] sections of the template.
func (e *Emitter) EmitSurge(result *group.Result, template string) ([]byte, error) {
	if template == "" {
		template = defaultSurgeTemplate
	}

	var proxyLines []string
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
			line, err := surgeProxyLine(n)
			if err != nil {
				continue
			}
			proxyLines = append(proxyLines, line)
		}
	}
	if len(proxyLines) == 0 {
		return nil, &ConversionError{Artifact: "surge", Err: fmt.Errorf("no representable nodes")}
	}

	var groupLines []string
	var selectable []string
	for _, g := range result.All() {
		if g.Kind == model.GroupKindMeta || len(g.Members) == 0 {
			continue
		}
		var members []string
		for _, n := range g.Members {
			if seen[n.ID] {
				members = append(members, n.DisplayName)
			}
		}
		if len(members) == 0 {
			continue
		}
		selectable = append(selectable, g.DisplayName)
		groupLines = append(groupLines, fmt.Sprintf(
			"%s = url-test, %s, url=%s, interval=%d, tolerance=%d",
			g.DisplayName, strings.Join(members, ", "),
			group.DefaultTestURL, group.DefaultInterval, group.DefaultTolerance))
	}
	for _, g := range result.Meta {
		options := metaSelectorOptions(result.MetaSpec(g.DisplayName), selectable, "DIRECT", "REJECT")
		groupLines = append([]string{
			g.DisplayName + " = select, " + strings.Join(options, ", "),
		}, groupLines...)
	}

	out := replaceSurgeSection(template, "[Proxy]", proxyLines)
	out = replaceSurgeSection(out, "[Proxy Group]", groupLines)
	return []byte(out), nil
}

// replaceSurgeSection swaps the body of one ini section for lines, keeping
// everything outside the section untouched.
func replaceSurgeSection(doc, header string, lines []string) string {
	idx := strings.Index(doc, header)
	if idx < 0 {
		return doc + "\n" + header + "\n" + strings.Join(lines, "\n") + "\n"
	}
	bodyStart := idx + len(header)
	if nl := strings.IndexByte(doc[bodyStart:], '\n'); nl >= 0 {
		bodyStart += nl + 1
	} else {
		bodyStart = len(doc)
	}
	bodyEnd := len(doc)
	if next := strings.Index(doc[bodyStart:], "\n["); next >= 0 {
		bodyEnd = bodyStart + next + 1
	}
	return doc[:bodyStart] + strings.Join(lines, "\n") + "\n\n" + doc[bodyEnd:]
}
