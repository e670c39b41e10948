package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.ExcludedCountry != "CN" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
port: 9000
probe_timeout: 3s
subscriptions:
  - name: primary
    kind: url
    url: https://example.com/sub
    enabled: true
`)
	t.Setenv("SUBFLOW_PORT", "9999")
	t.Setenv("BARK_URL", "https://bark.example/key")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("env must win over file, port = %d", cfg.Port)
	}
	if cfg.ProbeTimeout != 3*time.Second {
		t.Fatalf("probe timeout = %v", cfg.ProbeTimeout)
	}
	if cfg.BarkURL != "https://bark.example/key" || cfg.LogLevel != "debug" {
		t.Fatalf("env overrides = %+v", cfg)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].Name != "primary" {
		t.Fatalf("subscriptions = %+v", cfg.Subscriptions)
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
port: 70000
cron_schedule: "not a schedule"
subscriptions:
  - name: ""
    kind: url
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid config must fail")
	}
	msg := err.Error()
	for _, want := range []string{"port", "cron_schedule", "subscriptions[0]"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestLoad_UnknownSourceKind(t *testing.T) {
	path := writeConfig(t, `
subscriptions:
  - name: x
    kind: carrier-pigeon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown source kind must fail validation")
	}
}
