package model

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// IDFor computes a stable 128-bit node identity from the fingerprint plus the
// node's auth material. Two advertisements of the same endpoint with the same
// credentials produce the same ID regardless of display name or source.
func IDFor(n *Node) string {
	var b strings.Builder
	b.WriteString(string(n.Protocol))
	b.WriteByte('|')
	b.WriteString(n.Server)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(n.Port))
	b.WriteByte('|')
	b.WriteString(authMaterial(n))

	sum := xxh3.Hash128([]byte(b.String()))
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], sum.Lo)
	binary.LittleEndian.PutUint64(out[8:], sum.Hi)
	return hex.EncodeToString(out[:])
}

// authMaterial extracts the security-bearing fields that distinguish two
// nodes sharing an endpoint.
func authMaterial(n *Node) string {
	s := n.Settings
	switch n.Protocol {
	case ProtocolVmess, ProtocolVless:
		return s.UUID
	case ProtocolShadowsocks:
		return s.Method + ":" + s.Password
	case ProtocolShadowsocksR:
		return s.Method + ":" + s.Password + ":" + s.SSRProtocol + ":" + s.Obfs
	case ProtocolTrojan, ProtocolHysteria2:
		return s.Password
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSocks5:
		return s.Username + ":" + s.Password
	default:
		return ""
	}
}
