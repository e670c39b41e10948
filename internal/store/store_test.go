package store

import (
	"testing"
	"time"

	"github.com/subflow-proxy/subflow/internal/model"
)

func TestSyncStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First run: no history, no error.
	status, err := s.LoadSyncStatus()
	if err != nil {
		t.Fatalf("LoadSyncStatus: %v", err)
	}
	if status.FinalNodeCount != 0 {
		t.Fatalf("fresh status = %+v", status)
	}

	emit := int64(120)
	want := model.SyncStatus{
		LastRunAt:      time.Now().Truncate(time.Second),
		InputNodeCount: 40,
		ValidNodeCount: 30,
		FinalNodeCount: 25,
		Durations:      model.Durations{FetchMs: 900, ProbeMs: 4000, EmitMs: &emit},
	}
	if err := s.SaveSyncStatus(want); err != nil {
		t.Fatalf("SaveSyncStatus: %v", err)
	}

	got, err := s.LoadSyncStatus()
	if err != nil {
		t.Fatalf("LoadSyncStatus: %v", err)
	}
	if got.FinalNodeCount != 25 || got.Durations.EmitMs == nil || *got.Durations.EmitMs != 120 {
		t.Fatalf("got = %+v", got)
	}
}

func TestSyncStatus_OmitsEmitWhenSkipped(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveSyncStatus(model.SyncStatus{FinalNodeCount: 1}); err != nil {
		t.Fatalf("SaveSyncStatus: %v", err)
	}
	got, err := s.LoadSyncStatus()
	if err != nil {
		t.Fatalf("LoadSyncStatus: %v", err)
	}
	if got.Durations.EmitMs != nil {
		t.Fatalf("emit duration should stay absent, got %v", *got.Durations.EmitMs)
	}
}

func TestEgressProxyCache(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	proxies, err := s.LoadEgressProxies()
	if err != nil || proxies != nil {
		t.Fatalf("fresh cache = %v, %v", proxies, err)
	}

	want := []string{"http://1.2.3.4:8080", "socks5://u:p@5.6.7.8:1080"}
	if err := s.SaveEgressProxies(want); err != nil {
		t.Fatalf("SaveEgressProxies: %v", err)
	}
	got, err := s.LoadEgressProxies()
	if err != nil || len(got) != 2 || got[0] != want[0] {
		t.Fatalf("got = %v, %v", got, err)
	}
}

func TestNodeSnapshots(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nodes := []*model.Node{{
		ID: "x", Protocol: model.ProtocolVmess, Server: "1.1.1.1", Port: 443,
	}}
	if err := s.SaveRawNodes(nodes); err != nil {
		t.Fatalf("SaveRawNodes: %v", err)
	}
	if err := s.SaveFinalNodes(nodes); err != nil {
		t.Fatalf("SaveFinalNodes: %v", err)
	}
	if err := s.SaveTestReport(TestReport{Total: 1, Up: 1}); err != nil {
		t.Fatalf("SaveTestReport: %v", err)
	}
}
