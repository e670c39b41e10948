package emit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/subflow-proxy/subflow/internal/classify"
	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
	"github.com/subflow-proxy/subflow/internal/parser"
)

func roundTrip(t *testing.T, n *model.Node) *model.Node {
	t.Helper()
	uri, err := EncodeURI(n)
	if err != nil {
		t.Fatalf("EncodeURI: %v", err)
	}
	decoded, err := parser.DecodeURI(uri)
	if err != nil {
		t.Fatalf("DecodeURI(%q): %v", uri, err)
	}
	return decoded
}

func TestRoundTrip_Vmess(t *testing.T) {
	n := &model.Node{
		Protocol: model.ProtocolVmess, DisplayName: "US 01",
		Server: "1.2.3.4", Port: 443,
		Settings: model.Settings{
			UUID: "11111111-2222-3333-4444-555555555555", AlterID: 2,
			Transport: "ws", WSPath: "/ws", WSHost: "cdn.example", TLS: true, SNI: "cdn.example",
		},
	}
	got := roundTrip(t, n)
	if got.Server != n.Server || got.Port != n.Port || got.Protocol != n.Protocol {
		t.Fatalf("endpoint mismatch: %+v", got)
	}
	if got.Settings.UUID != n.Settings.UUID || got.Settings.AlterID != 2 {
		t.Fatalf("auth mismatch: %+v", got.Settings)
	}
	if !got.Settings.TLS || got.Settings.WSPath != "/ws" {
		t.Fatalf("transport mismatch: %+v", got.Settings)
	}
}

func TestRoundTrip_Shadowsocks(t *testing.T) {
	n := &model.Node{
		Protocol: model.ProtocolShadowsocks, DisplayName: "HK ss",
		Server: "5.6.7.8", Port: 8388,
		Settings: model.Settings{Method: "aes-256-gcm", Password: "p:ss/w0rd"},
	}
	got := roundTrip(t, n)
	if got.Settings.Method != n.Settings.Method || got.Settings.Password != n.Settings.Password {
		t.Fatalf("auth mismatch: %+v", got.Settings)
	}
}

func TestRoundTrip_TrojanSpecialPassword(t *testing.T) {
	n := &model.Node{
		Protocol: model.ProtocolTrojan, DisplayName: "My Node",
		Server: "host.example", Port: 443,
		Settings: model.Settings{Password: "p@ss!", SNI: "h.example"},
	}
	got := roundTrip(t, n)
	if got.Settings.Password != "p@ss!" {
		t.Fatalf("password = %q", got.Settings.Password)
	}
	if got.Settings.SNI != "h.example" || got.DisplayName != "My Node" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestRoundTrip_SSR(t *testing.T) {
	n := &model.Node{
		Protocol: model.ProtocolShadowsocksR, DisplayName: "HK 01",
		Server: "9.9.9.9", Port: 443,
		Settings: model.Settings{
			Method: "chacha20", Password: "secret", SSRProtocol: "auth_aes128_md5",
			Obfs: "tls1.2_ticket_auth", ObfsParam: "o.example",
		},
	}
	got := roundTrip(t, n)
	if got.Settings.Password != "secret" || got.Settings.SSRProtocol != "auth_aes128_md5" {
		t.Fatalf("decoded = %+v", got.Settings)
	}
	if got.DisplayName != "HK 01" || got.Settings.ObfsParam != "o.example" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestRoundTrip_Hysteria2AndVless(t *testing.T) {
	hy := &model.Node{
		Protocol: model.ProtocolHysteria2, DisplayName: "hy",
		Server: "h.example", Port: 443,
		Settings: model.Settings{Password: "auth", Obfs: "salamander", ObfsPassword: "op"},
	}
	got := roundTrip(t, hy)
	if got.Settings.Password != "auth" || got.Settings.Obfs != "salamander" {
		t.Fatalf("hysteria2 = %+v", got.Settings)
	}

	vl := &model.Node{
		Protocol: model.ProtocolVless, DisplayName: "vl",
		Server: "v.example", Port: 443,
		Settings: model.Settings{
			UUID:      "66666666-7777-8888-9999-000000000000",
			Transport: "ws", Security: "tls", SNI: "v.example", WSPath: "/x",
		},
	}
	got = roundTrip(t, vl)
	if got.Settings.UUID != vl.Settings.UUID || got.Settings.Security != "tls" {
		t.Fatalf("vless = %+v", got.Settings)
	}
}

func TestRoundTrip_Socks5WithAuth(t *testing.T) {
	n := &model.Node{
		Protocol: model.ProtocolSocks5, DisplayName: "sk",
		Server: "s.example", Port: 1080,
		Settings: model.Settings{Username: "u", Password: "pw"},
	}
	got := roundTrip(t, n)
	if got.Settings.Username != "u" || got.Settings.Password != "pw" {
		t.Fatalf("socks5 = %+v", got.Settings)
	}
}

func buildResult(t *testing.T) *group.Result {
	t.Helper()
	return buildResultWithSpecs(t, nil)
}

func buildResultWithSpecs(t *testing.T, specs []group.MetaGroupSpec) *group.Result {
	t.Helper()
	c := classify.New()
	nodes := []*model.Node{
		{
			ID: "a", Protocol: model.ProtocolVmess, DisplayName: "🇭🇰 HK VMESS 01",
			Server: "1.1.1.1", Port: 443,
			Settings: model.Settings{UUID: "u-1"},
			Geo:      &model.Geo{CountryCode: "HK", CountryName: "Hong Kong"},
			Raw:      "vmess://original",
		},
		{
			ID: "b", Protocol: model.ProtocolShadowsocks, DisplayName: "🇺🇸 US SS Netflix 01",
			Server: "2.2.2.2", Port: 8388,
			Settings: model.Settings{Method: "aes-256-gcm", Password: "pw"},
			Geo:      &model.Geo{CountryCode: "US", CountryName: "United States"},
		},
	}
	for _, n := range nodes {
		c.Classify(n)
	}
	return group.New(c, specs).Build(nodes)
}

func TestEmitGroups_RawVerbatimAndLayout(t *testing.T) {
	dir := t.TempDir()
	result := buildResult(t)

	written, errs := New(nil, dir).EmitGroups(result.All())
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(written) == 0 {
		t.Fatal("nothing written")
	}

	hk, err := os.ReadFile(filepath.Join(dir, "groups", "HK.txt"))
	if err != nil {
		t.Fatalf("read HK.txt: %v", err)
	}
	if string(hk) != "vmess://original\n" {
		t.Fatalf("raw uri must be reused verbatim, got %q", hk)
	}
	if strings.Contains(string(hk), "\r") {
		t.Fatal("group files must use LF endings")
	}

	// Legacy top-level copies exist for regional and service groups alike.
	for _, name := range []string{"HK.txt", "Netflix.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("legacy top-level file missing: %v", err)
		}
	}

	// Netflix service group synthesizes a URI for the raw-less node.
	nf, err := os.ReadFile(filepath.Join(dir, "groups", "Netflix.txt"))
	if err != nil {
		t.Fatalf("read Netflix.txt: %v", err)
	}
	if !strings.HasPrefix(string(nf), "ss://") {
		t.Fatalf("synthesized uri expected, got %q", nf)
	}

	// The canonical catch-all path is groups/Others.txt; no duplicate
	// variants may appear.
	entries, _ := os.ReadDir(filepath.Join(dir, "groups"))
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "其他") || strings.Contains(entry.Name(), "China") {
			t.Fatalf("duplicate catch-all artifact %q", entry.Name())
		}
	}
}

func TestEmitClash_StructuredYAML(t *testing.T) {
	result := buildResult(t)
	body, err := New(nil, t.TempDir()).EmitClash(result, "")
	if err != nil {
		t.Fatalf("EmitClash: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("output is not valid yaml: %v", err)
	}
	proxies, ok := doc["proxies"].([]any)
	if !ok || len(proxies) != 2 {
		t.Fatalf("proxies = %v", doc["proxies"])
	}
	first, ok := proxies[0].(map[string]any)
	if !ok || first["type"] != "vmess" || first["server"] != "1.1.1.1" {
		t.Fatalf("first proxy = %v", proxies[0])
	}
	groups, ok := doc["proxy-groups"].([]any)
	if !ok || len(groups) == 0 {
		t.Fatalf("proxy-groups = %v", doc["proxy-groups"])
	}
	meta, ok := groups[0].(map[string]any)
	if !ok || meta["type"] != "select" {
		t.Fatalf("first group = %v", groups[0])
	}
}

func TestEmitMetaSelectorPolicyFlags(t *testing.T) {
	specs := []group.MetaGroupSpec{
		{Name: "🚀 节点选择", IncludeGroups: []string{"*"}, IncludeDirect: true},
		{Name: "🛑 拦截策略", IncludeGroups: []string{"*"}, IncludeReject: true, IncludeCustom: []string{"MyPolicy"}},
	}
	result := buildResultWithSpecs(t, specs)
	e := New(nil, t.TempDir())

	findSelector := func(groups []any, name string) map[string]bool {
		for _, raw := range groups {
			m, ok := raw.(map[string]any)
			if !ok || m["name"] != name {
				continue
			}
			options, _ := m["proxies"].([]any)
			set := map[string]bool{}
			for _, o := range options {
				if s, ok := o.(string); ok {
					set[s] = true
				}
			}
			return set
		}
		return nil
	}

	body, err := e.EmitClash(result, "")
	if err != nil {
		t.Fatalf("EmitClash: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("clash yaml: %v", err)
	}
	groups, _ := doc["proxy-groups"].([]any)
	opts := findSelector(groups, "🛑 拦截策略")
	if opts == nil {
		t.Fatal("reject selector missing from clash output")
	}
	if !opts["REJECT"] || !opts["MyPolicy"] || opts["DIRECT"] {
		t.Fatalf("clash reject selector options = %v", opts)
	}
	opts = findSelector(groups, "🚀 节点选择")
	if !opts["DIRECT"] || opts["REJECT"] {
		t.Fatalf("clash default selector options = %v", opts)
	}

	sg, err := e.EmitSurge(result, "")
	if err != nil {
		t.Fatalf("EmitSurge: %v", err)
	}
	var selectLine string
	for _, line := range strings.Split(string(sg), "\n") {
		if strings.HasPrefix(line, "🛑 拦截策略 = select, ") {
			selectLine = line
		}
	}
	if selectLine == "" {
		t.Fatalf("reject selector missing from surge output:\n%s", sg)
	}
	if !strings.Contains(selectLine, "REJECT") || !strings.Contains(selectLine, "MyPolicy") ||
		strings.Contains(selectLine, "DIRECT") {
		t.Fatalf("surge select line = %q", selectLine)
	}

	sb, err := e.EmitSingBox(result, "")
	if err != nil {
		t.Fatalf("EmitSingBox: %v", err)
	}
	var sbDoc map[string]any
	if err := json.Unmarshal(sb, &sbDoc); err != nil {
		t.Fatalf("sing-box json: %v", err)
	}
	outs, _ := sbDoc["outbounds"].([]any)
	var sel map[string]bool
	haveBlock := false
	for _, raw := range outs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if m["tag"] == "🛑 拦截策略" {
			tags, _ := m["outbounds"].([]any)
			sel = map[string]bool{}
			for _, o := range tags {
				if s, ok := o.(string); ok {
					sel[s] = true
				}
			}
		}
		if m["type"] == "block" && m["tag"] == "block" {
			haveBlock = true
		}
	}
	if sel == nil {
		t.Fatal("reject selector missing from sing-box output")
	}
	if !sel["block"] || !sel["MyPolicy"] || sel["direct"] {
		t.Fatalf("sing-box selector outbounds = %v", sel)
	}
	if !haveBlock {
		t.Fatal("block outbound must exist when a selector references it")
	}
}

func TestEmitSurge_SectionsReplaced(t *testing.T) {
	result := buildResult(t)
	body, err := New(nil, t.TempDir()).EmitSurge(result, "")
	if err != nil {
		t.Fatalf("EmitSurge: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "[Proxy]") || !strings.Contains(text, "[Proxy Group]") {
		t.Fatalf("sections missing:\n%s", text)
	}
	if !strings.Contains(text, "= vmess, 1.1.1.1, 443") {
		t.Fatalf("vmess line missing:\n%s", text)
	}
	if !strings.Contains(text, "url-test") || !strings.Contains(text, "interval=300") {
		t.Fatalf("group line missing:\n%s", text)
	}
	if !strings.Contains(text, "GEOIP,CN,DIRECT") {
		t.Fatal("template rules must survive substitution")
	}
}

func TestEmitSingBoxAndV2Ray_ValidJSON(t *testing.T) {
	result := buildResult(t)
	e := New(nil, t.TempDir())

	sb, err := e.EmitSingBox(result, "")
	if err != nil {
		t.Fatalf("EmitSingBox: %v", err)
	}
	var sbDoc map[string]any
	if err := json.Unmarshal(sb, &sbDoc); err != nil {
		t.Fatalf("sing-box output invalid: %v", err)
	}
	if _, ok := sbDoc["outbounds"].([]any); !ok {
		t.Fatal("sing-box outbounds missing")
	}

	v2, err := e.EmitV2Ray(result, "")
	if err != nil {
		t.Fatalf("EmitV2Ray: %v", err)
	}
	var v2Doc map[string]any
	if err := json.Unmarshal(v2, &v2Doc); err != nil {
		t.Fatalf("v2ray output invalid: %v", err)
	}
}

func TestEmitConfigs_WritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	result := buildResult(t)

	written, errs := New(nil, dir).EmitConfigs(result, Templates{})
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	for _, file := range []string{"clash.yaml", "surge.conf", "singbox.json", "v2ray.json"} {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			t.Fatalf("%s missing: %v", file, err)
		}
	}
	if len(written) != 4 {
		t.Fatalf("written = %v", written)
	}
}
