package syncer

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/subflow-proxy/subflow/internal/config"
	"github.com/subflow-proxy/subflow/internal/events"
	"github.com/subflow-proxy/subflow/internal/geoloc"
	"github.com/subflow-proxy/subflow/internal/model"
	"github.com/subflow-proxy/subflow/internal/store"
)

// listenTCP opens a local listener that accepts and immediately closes
// connections, standing in for a live proxy endpoint.
func listenTCP(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// listenConnectProxy accepts CONNECT requests and replies 200, standing in
// for a live plain http proxy.
func listenConnectProxy(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				if _, err := c.Read(buf); err != nil {
					return
				}
				c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// seedGeo writes an unexpired geolocation entry so the locator never talks
// to a provider during tests.
func seedGeo(t *testing.T, st *store.Store, ip, code, name string) {
	t.Helper()
	disk, err := geoloc.NewDiskCache(st.IPCacheDir())
	if err != nil {
		t.Fatalf("disk cache: %v", err)
	}
	entry := model.GeoCacheEntry{
		IP:        ip,
		Geo:       model.Geo{CountryCode: code, CountryName: name, ResolvedAt: time.Now()},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := disk.Put(entry); err != nil {
		t.Fatalf("seed geo: %v", err)
	}
}

func testConfig(t *testing.T, inline string) (*config.Config, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	cfg.ProbeTimeout = 2 * time.Second
	cfg.MaxLatency = 5 * time.Second
	cfg.Subscriptions = []model.SubscriptionSource{{
		Name:          "inline",
		Kind:          model.SourceKindSingleURI,
		InlineContent: inline,
		Enabled:       true,
	}}
	st, err := store.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return cfg, st
}

func TestRun_EndToEnd(t *testing.T) {
	ip, port := listenTCP(t)
	inline := fmt.Sprintf("ss://YWVzLTI1Ni1nY206cGFzcw@%s:%d#US%%20Node", ip, port)

	cfg, st := testConfig(t, inline)
	seedGeo(t, st, ip, "US", "United States")

	bus := events.NewBus()
	var completed *events.SyncCompleted
	bus.Subscribe(events.TypeSyncCompleted, func(e events.Event) {
		if p, ok := e.Payload.(events.SyncCompleted); ok {
			completed = &p
		}
	})

	s, err := New(nil, cfg, st, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.InputNodes != 1 || result.FinalNodes != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.SourceErrors) != 0 {
		t.Fatalf("unexpected source errors: %v", result.SourceErrors)
	}
	if result.Durations.EmitMs == nil {
		t.Fatal("emit duration must be recorded when artifacts were generated")
	}

	if completed == nil {
		t.Fatal("completion event not published")
	}
	if completed.NodeCount != 1 || completed.RegionsCount != 1 {
		t.Fatalf("completion = %+v", completed)
	}

	status, err := st.LoadSyncStatus()
	if err != nil {
		t.Fatalf("LoadSyncStatus: %v", err)
	}
	if status.FinalNodeCount != 1 {
		t.Fatalf("persisted status = %+v", status)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "clash.yaml")); err != nil {
		t.Fatalf("clash artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "groups", "US.txt")); err != nil {
		t.Fatalf("group file missing: %v", err)
	}
}

func TestRun_ExcludedCountryFiltered(t *testing.T) {
	ip, port := listenTCP(t)
	inline := fmt.Sprintf("ss://YWVzLTI1Ni1nY206cGFzcw@%s:%d#CN%%20Node", ip, port)

	cfg, st := testConfig(t, inline)
	seedGeo(t, st, ip, "CN", "China")

	s, err := New(nil, cfg, st, events.NewBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ValidNodes != 1 || result.FinalNodes != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.Durations.EmitMs != nil {
		t.Fatal("emit duration must be omitted when generation was skipped")
	}
}

func TestRun_DeadSourceDoesNotAbort(t *testing.T) {
	ip, port := listenTCP(t)
	cfg, st := testConfig(t, fmt.Sprintf("ss://YWVzLTI1Ni1nY206cGFzcw@%s:%d#US", ip, port))
	seedGeo(t, st, ip, "US", "United States")

	// A fetch source pointing nowhere fails; the inline source still runs.
	cfg.Subscriptions = append([]model.SubscriptionSource{{
		Name:    "dead",
		Kind:    model.SourceKindURL,
		URL:     "http://127.0.0.1:1/sub",
		Enabled: true,
	}}, cfg.Subscriptions...)

	s, err := New(nil, cfg, st, events.NewBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.SourceErrors) != 1 || result.SourceErrors[0].Source != "dead" {
		t.Fatalf("source errors = %v", result.SourceErrors)
	}
	if result.FinalNodes != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRun_EgressHarvestKeepsExcludedJurisdiction(t *testing.T) {
	ip, port := listenConnectProxy(t)
	// With the defaults the excluded country and the egress jurisdiction are
	// both CN: the proxy must be dropped from the output yet harvested.
	inline := fmt.Sprintf("http://%s:%d#CN", ip, port)

	cfg, st := testConfig(t, inline)
	seedGeo(t, st, ip, "CN", "China")

	s, err := New(nil, cfg, st, events.NewBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalNodes != 0 {
		t.Fatalf("excluded node must not reach the output, result = %+v", result)
	}

	proxies, err := st.LoadEgressProxies()
	if err != nil {
		t.Fatalf("LoadEgressProxies: %v", err)
	}
	if len(proxies) != 1 {
		t.Fatalf("egress proxies = %v", proxies)
	}
}
