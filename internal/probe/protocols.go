package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/subflow-proxy/subflow/internal/model"
)

// connectTarget is what http and socks5 probes ask the proxy to reach. The
// proxy only needs to accept the request; the tunnel itself is not used.
const connectTarget = "www.gstatic.com:80"

// probeNode dispatches to the protocol-specific check. Every check measures
// wall time from first dial to protocol readiness.
func probeNode(ctx context.Context, n *model.Node, timeout time.Duration) (time.Duration, error) {
	addr := net.JoinHostPort(n.Server, strconv.Itoa(n.Port))

	switch n.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		return probeHTTPConnect(ctx, n, addr, timeout)
	case model.ProtocolSocks5:
		return probeSocks5(ctx, n, addr, timeout)
	case model.ProtocolTrojan:
		return probeTLSHandshake(ctx, n, addr, timeout)
	default:
		// vmess, vless, ss, ssr, hysteria2: opaque wire protocols, a TCP
		// accept is the strongest signal available without speaking them.
		return probeTCP(ctx, addr, timeout)
	}
}

func probeTCP(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

// probeTLSHandshake dials and completes a TLS handshake with the node's SNI.
// Certificate verification is skipped; trojan deployments routinely run
// self-signed or mismatched certificates.
func probeTLSHandshake(ctx context.Context, n *model.Node, addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	serverName := n.Settings.SNI
	if serverName == "" {
		serverName = n.Server
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	})
	deadline := time.Now().Add(timeout)
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return 0, fmt.Errorf("tls handshake: %w", err)
	}
	return time.Since(start), nil
}

// probeHTTPConnect issues a CONNECT through the node and accepts any status
// the proxy bothers to answer with. 407 still proves a live proxy when the
// node's credentials are absent or stale.
func probeHTTPConnect(ctx context.Context, n *model.Node, addr string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if n.Protocol == model.ProtocolHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         n.Server,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return 0, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", connectTarget, connectTarget)
	if n.Settings.Username != "" {
		req += "Proxy-Authorization: Basic " + basicAuth(n.Settings.Username, n.Settings.Password) + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, fmt.Errorf("write connect: %w", err)
	}

	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read connect response: %w", err)
	}
	code, err := parseStatusLine(status)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK && code != http.StatusProxyAuthRequired {
		return 0, fmt.Errorf("connect refused: http %d", code)
	}
	return time.Since(start), nil
}

func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed proxy response %q", strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed proxy status %q", fields[1])
	}
	return code, nil
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

// probeSocks5 performs a full SOCKS5 negotiation and CONNECT through the
// node. A completed tunnel establishment proves both reachability and a
// working credential set.
func probeSocks5(ctx context.Context, n *model.Node, addr string, timeout time.Duration) (time.Duration, error) {
	var auth *xproxy.Auth
	if n.Settings.Username != "" {
		auth = &xproxy.Auth{User: n.Settings.Username, Password: n.Settings.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("socks5 dialer: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var conn net.Conn
	if cd, ok := dialer.(xproxy.ContextDialer); ok {
		conn, err = cd.DialContext(probeCtx, "tcp", connectTarget)
	} else {
		conn, err = dialer.Dial("tcp", connectTarget)
	}
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}
