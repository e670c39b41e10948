package probe

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/subflow-proxy/subflow/internal/model"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, host, port
}

func acceptAndClose(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func testNode(host string, port int, protocol model.Protocol) *model.Node {
	n := &model.Node{Server: host, Port: port, Protocol: protocol}
	n.ID = host + ":" + strconv.Itoa(port) + "/" + string(protocol)
	return n
}

func TestProbeAll_TCPUpAndDown(t *testing.T) {
	ln, host, port := listen(t)
	go acceptAndClose(ln)

	// A listener we close immediately gives a refused port.
	dead, _, deadPort := listen(t)
	dead.Close()

	up := testNode(host, port, model.ProtocolVmess)
	down := testNode(host, deadPort, model.ProtocolVmess)

	p := New(nil, Options{Timeout: 2 * time.Second})
	summary := p.ProbeAll(context.Background(), []*model.Node{up, down})

	if summary.Up != 1 || summary.Down != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if up.Probe == nil || up.Probe.Status != model.ProbeUp {
		t.Fatalf("up node probe = %+v", up.Probe)
	}
	if up.Probe.LatencyMs < 0 {
		t.Fatalf("latency = %d", up.Probe.LatencyMs)
	}
	if down.Probe == nil || down.Probe.Status != model.ProbeDown || down.Probe.Error == "" {
		t.Fatalf("down node probe = %+v", down.Probe)
	}
}

func TestProbeAll_HighLatencyDemotion(t *testing.T) {
	n := testNode("10.0.0.1", 443, model.ProtocolTrojan)

	p := New(nil, Options{HighLatencyThreshold: time.Second})
	p.probe = func(ctx context.Context, n *model.Node, timeout time.Duration) (time.Duration, error) {
		return 1500 * time.Millisecond, nil
	}

	summary := p.ProbeAll(context.Background(), []*model.Node{n})
	if summary.Demoted != 1 || summary.Down != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if n.Probe.Status != model.ProbeDown || n.Probe.Error != errLatencyTooHigh {
		t.Fatalf("probe = %+v", n.Probe)
	}
	if n.Probe.LatencyMs != 1500 {
		t.Fatalf("demoted node keeps its measured latency, got %d", n.Probe.LatencyMs)
	}
}

func TestProbeAll_LocationMismatch(t *testing.T) {
	n := testNode("1.2.3.4", 443, model.ProtocolVmess)
	n.RawDisplayName = "HK premium"
	n.Geo = &model.Geo{CountryCode: "US", CountryName: "United States"}

	p := New(nil, Options{
		VerifyLocation: true,
		ClaimedCountry: func(n *model.Node) string {
			if strings.HasPrefix(n.RawDisplayName, "HK") {
				return "HK"
			}
			return ""
		},
	})
	p.probe = func(ctx context.Context, n *model.Node, timeout time.Duration) (time.Duration, error) {
		return 50 * time.Millisecond, nil
	}

	p.ProbeAll(context.Background(), []*model.Node{n})
	if !n.Probe.LocationMismatch {
		t.Fatal("expected location mismatch")
	}
	if n.Probe.ActualGeo == nil || n.Probe.ActualGeo.CountryCode != "US" {
		t.Fatalf("actual geo = %+v", n.Probe.ActualGeo)
	}
}

func TestProbeAll_ContextCancelMarksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := testNode("1.2.3.4", 443, model.ProtocolVmess)
	p := New(nil, Options{})
	summary := p.ProbeAll(ctx, []*model.Node{n})
	if summary.Down != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if n.Probe == nil || n.Probe.Error != "not probed" {
		t.Fatalf("probe = %+v", n.Probe)
	}
}

func TestProbeHTTPConnect(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, _ := reader.ReadString('\n')
				if !strings.HasPrefix(line, "CONNECT ") {
					return
				}
				for {
					h, err := reader.ReadString('\n')
					if err != nil || h == "\r\n" {
						break
					}
				}
				conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
			}(conn)
		}
	}()

	n := testNode(host, port, model.ProtocolHTTP)
	latency, err := probeNode(context.Background(), n, 2*time.Second)
	if err != nil {
		t.Fatalf("probeNode: %v", err)
	}
	if latency <= 0 {
		t.Fatalf("latency = %v", latency)
	}
}

func TestProbeHTTPConnect_Refused(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					h, err := reader.ReadString('\n')
					if err != nil || h == "\r\n" {
						break
					}
				}
				conn.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
			}(conn)
		}
	}()

	n := testNode(host, port, model.ProtocolHTTP)
	if _, err := probeNode(context.Background(), n, 2*time.Second); err == nil {
		t.Fatal("403 from the proxy should fail the probe")
	}
}

func TestParseStatusLine(t *testing.T) {
	code, err := parseStatusLine("HTTP/1.1 200 Connection established\r\n")
	if err != nil || code != 200 {
		t.Fatalf("parseStatusLine = %d, %v", code, err)
	}
	if _, err := parseStatusLine("garbage\r\n"); err == nil {
		t.Fatal("malformed status line should fail")
	}
}
