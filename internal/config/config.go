// Package config loads the YAML configuration file and the
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
)

// Config is the full runtime configuration: the YAML file merged with
// environment overrides.
type Config struct {
	// Directories
	DataDir   string `yaml:"data_dir"`
	OutputDir string `yaml:"output_dir"`

	// HTTP facade
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`

	// Sources
	Subscriptions []model.SubscriptionSource `yaml:"subscriptions"`

	// Probe
	ProbeConcurrency   int           `yaml:"probe_concurrency"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	MaxLatency         time.Duration `yaml:"max_latency"`
	MaxNodes           int           `yaml:"max_nodes"`
	VerifyLocation     bool          `yaml:"verify_location"`
	ExcludedCountry    string        `yaml:"excluded_country"`
	EgressJurisdiction string        `yaml:"egress_jurisdiction"`

	// Geolocation
	GeoCacheTTL time.Duration `yaml:"geo_cache_ttl"`

	// Grouping and naming
	NameTemplate string                `yaml:"name_template"`
	MetaGroups   []group.MetaGroupSpec `yaml:"meta_groups"`

	// Client config templates, as paths relative to the config file.
	Templates TemplatePaths `yaml:"templates"`

	// Scheduler
	CronSchedule string `yaml:"cron_schedule"`

	// Environment-only settings
	BarkURL   string `yaml:"-"`
	BarkTitle string `yaml:"-"`
	IPAPIURL  string `yaml:"-"`
	IPAPIKey  string `yaml:"-"`
	LogLevel  string `yaml:"-"`
}

// TemplatePaths points at optional per-client template files.
type TemplatePaths struct {
	Clash   string `yaml:"clash"`
	Surge   string `yaml:"surge"`
	SingBox string `yaml:"singbox"`
	V2Ray   string `yaml:"v2ray"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:            "data",
		OutputDir:          "output",
		ListenAddress:      "0.0.0.0",
		Port:               8080,
		ProbeConcurrency:   16,
		ProbeTimeout:       5 * time.Second,
		MaxLatency:         time.Second,
		MaxNodes:           0, // unlimited
		ExcludedCountry:    "CN",
		EgressJurisdiction: "CN",
		GeoCacheTTL:        7 * 24 * time.Hour,
		CronSchedule:       "0 */6 * * *",
	}
}

// Load reads path (optional; "" means defaults only), applies environment
// overrides, and validates. All validation problems are reported together.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	var errs []string
	cfg.applyEnv(&errs)
	cfg.validate(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// applyEnv layers the recognised environment variables over the file values.
func (c *Config) applyEnv(errs *[]string) {
	c.BarkURL = envStr("BARK_URL", "")
	c.BarkTitle = envStr("BARK_TITLE", "")
	c.IPAPIURL = envStr("IP_API_URL", "")
	c.IPAPIKey = envStr("IP_API_KEY", "")
	c.LogLevel = strings.ToLower(envStr("LOG_LEVEL", "info"))

	c.DataDir = envStr("SUBFLOW_DATA_DIR", c.DataDir)
	c.OutputDir = envStr("SUBFLOW_OUTPUT_DIR", c.OutputDir)
	c.ListenAddress = strings.TrimSpace(envStr("SUBFLOW_LISTEN_ADDRESS", c.ListenAddress))
	c.Port = envInt("SUBFLOW_PORT", c.Port, errs)
	c.ProbeConcurrency = envInt("SUBFLOW_PROBE_CONCURRENCY", c.ProbeConcurrency, errs)
	c.ProbeTimeout = envDuration("SUBFLOW_PROBE_TIMEOUT", c.ProbeTimeout, errs)
	c.CronSchedule = envStr("SUBFLOW_CRON_SCHEDULE", c.CronSchedule)
}

func (c *Config) validate(errs *[]string) {
	validatePort("port", c.Port, errs)
	validatePositive("probe_concurrency", c.ProbeConcurrency, errs)
	if c.ProbeTimeout <= 0 {
		*errs = append(*errs, "probe_timeout must be positive")
	}
	if c.MaxLatency <= 0 {
		*errs = append(*errs, "max_latency must be positive")
	}
	if c.GeoCacheTTL <= 0 {
		*errs = append(*errs, "geo_cache_ttl must be positive")
	}
	if c.ListenAddress == "" {
		*errs = append(*errs, "listen_address must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		*errs = append(*errs, fmt.Sprintf("LOG_LEVEL: unknown level %q", c.LogLevel))
	}
	if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
		*errs = append(*errs, fmt.Sprintf("cron_schedule: invalid cron expression %q: %v", c.CronSchedule, err))
	}
	for i, src := range c.Subscriptions {
		if src.Name == "" {
			*errs = append(*errs, fmt.Sprintf("subscriptions[%d]: name must not be empty", i))
		}
		switch src.Kind {
		case model.SourceKindURL:
			if src.URL == "" {
				*errs = append(*errs, fmt.Sprintf("subscriptions[%d]: url required for kind %q", i, src.Kind))
			}
		case model.SourceKindBase64, model.SourceKindSingleURI:
			if src.URL == "" && src.InlineContent == "" {
				*errs = append(*errs, fmt.Sprintf("subscriptions[%d]: url or inline_content required", i))
			}
		default:
			*errs = append(*errs, fmt.Sprintf("subscriptions[%d]: unknown kind %q", i, src.Kind))
		}
	}
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
