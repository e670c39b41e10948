// Package parser turns raw subscription payloads of unknown encoding into
// canonical nodes. It auto-detects the wire format (Clash YAML, JSON, plain
// URI list, base64 envelope) and dispatches each entry to the per-protocol
// decoders.
package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/subflow-proxy/subflow/internal/model"
)

// Format identifies the detected payload encoding.
type Format string

const (
	FormatYAML    Format = "yaml"
	FormatJSON    Format = "json"
	FormatURIList Format = "uri-list"
	FormatBase64  Format = "base64"
)

// uriPrefixes is every recognizable advertisement scheme prefix.
var uriPrefixes = []string{
	"vmess://", "vless://", "ss://", "ssr://", "trojan://",
	"hysteria2://", "hy2://", "http://", "https://", "socks://", "socks5://",
}

// Result carries the parsed nodes plus bookkeeping for sync statistics.
type Result struct {
	Nodes  []*model.Node
	Format Format
	// Seen counts candidate entries observed before invariant validation,
	// including entries that were dropped.
	Seen int
}

// Parser decodes subscription payloads. Safe for concurrent use.
type Parser struct {
	log *slog.Logger
}

// New creates a Parser that reports dropped entries to the given logger.
func New(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{log: log}
}

// DetectFormat classifies an opaque payload. First match wins, in the fixed
// order: Clash YAML markers, valid JSON, plain URI list, base64 envelope,
// then lenient YAML as the fallback.
func DetectFormat(payload string) Format {
	trimmed := strings.TrimSpace(payload)

	if looksLikeClashYAML(trimmed) {
		return FormatYAML
	}
	if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
		return FormatJSON
	}
	if countURIOccurrences(trimmed) >= 2 {
		return FormatURIList
	}
	if isBase64Envelope(trimmed) {
		return FormatBase64
	}
	return FormatYAML
}

// Parse decodes a payload into canonical nodes. Individual undecodable
// entries are logged and dropped; Parse only fails when the payload yields
// no recognizable nodes at all.
func (p *Parser) Parse(data []byte) (*Result, error) {
	payload := normalizePayload(data)
	if payload == "" {
		return nil, newParseError("", fmt.Errorf("empty payload"))
	}

	format := DetectFormat(payload)
	result := &Result{Format: format}

	switch format {
	case FormatYAML:
		p.parseYAML(payload, result)
	case FormatJSON:
		p.parseJSON(payload, result)
	case FormatURIList:
		p.parseURILines(payload, result)
	case FormatBase64:
		if decoded, ok := decodeEnvelope(payload); ok {
			result.Format = FormatBase64
			p.parseURILines(decoded, result)
		}
	}

	// Progress preservation: a payload that defeated its detected decoder
	// may still be a URI list (single-line sources, mislabelled bodies).
	if len(result.Nodes) == 0 && format != FormatURIList {
		p.parseURILines(payload, result)
	}
	if len(result.Nodes) == 0 {
		if decoded, ok := decodeEnvelope(payload); ok {
			p.parseURILines(decoded, result)
		}
	}

	if len(result.Nodes) == 0 {
		return nil, newParseError(excerpt(payload), fmt.Errorf("no supported nodes found"))
	}
	return result, nil
}

func (p *Parser) parseYAML(payload string, result *Result) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(payload), &doc); err != nil {
		p.log.Debug("yaml unmarshal failed", "error", err)
		return
	}
	p.addClashRecords(collectClashProxyMaps(doc), result)
}

func (p *Parser) parseJSON(payload string, result *Result) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err == nil {
		p.addClashRecords(collectClashProxyMaps(doc), result)
		return
	}

	var records []map[string]any
	if err := json.Unmarshal([]byte(payload), &records); err == nil {
		p.addClashRecords(records, result)
	}
}

func (p *Parser) addClashRecords(records []map[string]any, result *Result) {
	for _, record := range records {
		result.Seen++
		node, ok := decodeClashProxy(record)
		if !ok {
			p.log.Debug("dropping undecodable proxy record", "name", getString(record, "name"))
			continue
		}
		result.Nodes = append(result.Nodes, node)
	}
}

func (p *Parser) parseURILines(payload string, result *Result) {
	for _, rawLine := range strings.Split(payload, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if !hasKnownPrefix(line) {
			continue
		}
		result.Seen++
		node, err := DecodeURI(line)
		if err != nil {
			p.log.Debug("dropping undecodable uri", "error", err)
			continue
		}
		result.Nodes = append(result.Nodes, node)
	}
}

// looksLikeClashYAML applies the YAML detection rule: a proxies section next
// to rules/proxy-groups, or block-sequence proxy entries.
func looksLikeClashYAML(text string) bool {
	lower := strings.ToLower(text)
	hasProxies := strings.HasPrefix(lower, "proxies:") || strings.Contains(lower, "\nproxies:")
	if hasProxies && (strings.Contains(lower, "rules:") || strings.Contains(lower, "proxy-groups:")) {
		return true
	}
	if strings.Contains(lower, "- name:") &&
		strings.Contains(lower, "type:") &&
		strings.Contains(lower, "server:") &&
		strings.Contains(lower, "port:") {
		return true
	}
	return false
}

func countURIOccurrences(text string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, prefix := range uriPrefixes {
		count += strings.Count(lower, prefix)
	}
	return count
}

func hasKnownPrefix(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range uriPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// isBase64Envelope reports whether the payload is a pure base64 body whose
// decoding contains a known URI prefix.
func isBase64Envelope(text string) bool {
	_, ok := decodeEnvelope(text)
	return ok
}

func decodeEnvelope(text string) (string, bool) {
	compact := strings.Join(strings.Fields(text), "")
	if !looksLikeBase64(compact) {
		return "", false
	}
	decoded, ok := decodeBase64Text(compact)
	if !ok {
		return "", false
	}
	lower := strings.ToLower(decoded)
	for _, prefix := range uriPrefixes {
		if strings.Contains(lower, prefix) {
			return decoded, true
		}
	}
	return "", false
}

func excerpt(payload string) string {
	if len(payload) > 32 {
		return payload[:32]
	}
	return payload
}
