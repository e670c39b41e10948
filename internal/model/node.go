// Package model defines the canonical node record and the other domain
// structs shared across the pipeline.
package model

import (
	"fmt"
	"time"
)

// Protocol identifies the proxy protocol a node speaks.
type Protocol string

const (
	ProtocolVmess        Protocol = "vmess"
	ProtocolVless        Protocol = "vless"
	ProtocolShadowsocks  Protocol = "shadowsocks"
	ProtocolShadowsocksR Protocol = "shadowsocksr"
	ProtocolTrojan       Protocol = "trojan"
	ProtocolHysteria2    Protocol = "hysteria2"
	ProtocolHTTP         Protocol = "http"
	ProtocolHTTPS        Protocol = "https"
	ProtocolSocks5       Protocol = "socks5"
)

// KnownProtocols lists every protocol the pipeline accepts, in a stable order
// used for deterministic decoder fallback.
var KnownProtocols = []Protocol{
	ProtocolVmess,
	ProtocolVless,
	ProtocolShadowsocks,
	ProtocolShadowsocksR,
	ProtocolTrojan,
	ProtocolHysteria2,
	ProtocolHTTP,
	ProtocolHTTPS,
	ProtocolSocks5,
}

// Known reports whether p is one of the supported protocols.
func (p Protocol) Known() bool {
	for _, known := range KnownProtocols {
		if p == known {
			return true
		}
	}
	return false
}

// Settings holds the protocol-specific connection parameters. Fields are
// populated per protocol; unused fields stay zero and are omitted from JSON.
type Settings struct {
	// vmess / vless
	UUID        string   `json:"uuid,omitempty"`
	AlterID     int      `json:"alter_id,omitempty"`
	Transport   string   `json:"transport,omitempty"` // tcp, ws, grpc, h2
	WSPath      string   `json:"ws_path,omitempty"`
	WSHost      string   `json:"ws_host,omitempty"`
	Flow        string   `json:"flow,omitempty"`
	Security    string   `json:"security,omitempty"` // vless security= query value
	Encryption  string   `json:"encryption,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`

	// TLS
	TLS           bool   `json:"tls,omitempty"`
	SNI           string `json:"sni,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// shadowsocks / shadowsocksr
	Method   string `json:"method,omitempty"`
	Password string `json:"password,omitempty"`

	// shadowsocksr extras
	SSRProtocol   string `json:"ssr_protocol,omitempty"`
	Obfs          string `json:"obfs,omitempty"`
	ObfsParam     string `json:"obfs_param,omitempty"`
	ProtocolParam string `json:"protocol_param,omitempty"`

	// hysteria2
	ObfsPassword string `json:"obfs_password,omitempty"`
	UpMbps       string `json:"up_mbps,omitempty"`
	DownMbps     string `json:"down_mbps,omitempty"`

	// http(s) / socks5 userinfo
	Username string `json:"username,omitempty"`
}

// Geo is the resolved geolocation of a node's server address.
type Geo struct {
	CountryCode string    `json:"country_code"`
	CountryName string    `json:"country_name"`
	City        string    `json:"city,omitempty"`
	Org         string    `json:"org,omitempty"`
	ASN         string    `json:"asn,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Probe status values.
const (
	ProbeUp   = "up"
	ProbeDown = "down"
)

// ProbeInfo records the outcome of the most recent reachability probe.
type ProbeInfo struct {
	Status           string    `json:"status"`
	LatencyMs        int64     `json:"latency_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
	ProbedAt         time.Time `json:"probed_at"`
	LocationMismatch bool      `json:"location_mismatch,omitempty"`
	ActualGeo        *Geo      `json:"actual_geo,omitempty"`
}

// FingerprintKey is the deduplication key: two nodes advertising the same
// server endpoint over the same protocol are the same node.
type FingerprintKey struct {
	Server   string
	Port     int
	Protocol Protocol
}

// Node is the canonical, protocol-agnostic proxy endpoint record. It is
// immutable after classification except for the display-name rewrite.
type Node struct {
	ID             string     `json:"id"`
	Protocol       Protocol   `json:"protocol"`
	DisplayName    string     `json:"display_name"`
	RawDisplayName string     `json:"raw_display_name,omitempty"`
	Server         string     `json:"server"`
	Port           int        `json:"port"`
	Settings       Settings   `json:"settings"`
	SourceTag      string     `json:"source_tag,omitempty"`
	Geo            *Geo       `json:"geo,omitempty"`
	Probe          *ProbeInfo `json:"probe,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Raw            string     `json:"raw,omitempty"`
}

// Fingerprint projects the deduplication key from the node.
func (n *Node) Fingerprint() FingerprintKey {
	return FingerprintKey{Server: n.Server, Port: n.Port, Protocol: n.Protocol}
}

// ValidationError reports a node that violates the canonical invariant.
// Such nodes are dropped at parse time.
type ValidationError struct {
	Server   string
	Port     int
	Protocol Protocol
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %s:%d (%s): %s", e.Server, e.Port, e.Protocol, e.Reason)
}

// Validate enforces the canonical invariant:
// server non-empty, port in 1..65535, protocol known.
func (n *Node) Validate() error {
	if n.Server == "" {
		return &ValidationError{Server: n.Server, Port: n.Port, Protocol: n.Protocol, Reason: "empty server"}
	}
	if n.Port < 1 || n.Port > 65535 {
		return &ValidationError{Server: n.Server, Port: n.Port, Protocol: n.Protocol, Reason: "port out of range"}
	}
	if !n.Protocol.Known() {
		return &ValidationError{Server: n.Server, Port: n.Port, Protocol: n.Protocol, Reason: "unknown protocol"}
	}
	return nil
}

// LatencyMs returns the probed latency, or -1 when the node has no
// successful probe result.
func (n *Node) LatencyMs() int64 {
	if n.Probe == nil || n.Probe.Status != ProbeUp {
		return -1
	}
	return n.Probe.LatencyMs
}
