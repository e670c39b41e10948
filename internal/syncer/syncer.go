// Package syncer sequences the pipeline: fetch, parse, dedup, locate, probe,
// classify, group, emit, and persist.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/subflow-proxy/subflow/internal/classify"
	"github.com/subflow-proxy/subflow/internal/config"
	"github.com/subflow-proxy/subflow/internal/dedup"
	"github.com/subflow-proxy/subflow/internal/emit"
	"github.com/subflow-proxy/subflow/internal/events"
	"github.com/subflow-proxy/subflow/internal/fetch"
	"github.com/subflow-proxy/subflow/internal/geoloc"
	"github.com/subflow-proxy/subflow/internal/group"
	"github.com/subflow-proxy/subflow/internal/model"
	"github.com/subflow-proxy/subflow/internal/parser"
	"github.com/subflow-proxy/subflow/internal/probe"
	"github.com/subflow-proxy/subflow/internal/store"
)

// SourceError records a per-subscription failure. Source failures never
// abort the run.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Result summarises one completed run.
type Result struct {
	RunID        string
	InputNodes   int
	ValidNodes   int
	FinalNodes   int
	Regions      int
	Protocols    int
	SourceErrors []*SourceError
	Artifacts    []string
	Durations    model.Durations
}

// Syncer owns the pipeline components for repeated runs.
type Syncer struct {
	log        *slog.Logger
	cfg        *config.Config
	store      *store.Store
	fetcher    *fetch.Client
	parser     *parser.Parser
	locator    *geoloc.Locator
	prober     *probe.Prober
	classifier *classify.Classifier
	namer      *classify.Namer
	grouper    *group.Grouper
	emitter    *emit.Emitter
	bus        *events.Bus
}

// New wires a Syncer from configuration. The locator's disk cache lives
// under the store's data directory.
func New(log *slog.Logger, cfg *config.Config, st *store.Store, bus *events.Bus) (*Syncer, error) {
	if log == nil {
		log = slog.Default()
	}

	disk, err := geoloc.NewDiskCache(st.IPCacheDir())
	if err != nil {
		return nil, err
	}
	providers := geoloc.DefaultProviders()
	if cfg.IPAPIURL != "" {
		providers = append([]*geoloc.Provider{geoloc.CustomProvider(cfg.IPAPIURL, cfg.IPAPIKey)}, providers...)
	}
	locator, err := geoloc.NewLocator(log, disk, geoloc.Options{
		CacheTTL:  cfg.GeoCacheTTL,
		Providers: providers,
	})
	if err != nil {
		return nil, err
	}

	classifier := classify.New()
	return &Syncer{
		log:        log,
		cfg:        cfg,
		store:      st,
		fetcher:    fetch.NewClient(log, fetch.Options{}),
		parser:     parser.New(log),
		locator:    locator,
		classifier: classifier,
		namer:      classify.NewNamer(classifier, cfg.NameTemplate),
		grouper:    group.New(classifier, cfg.MetaGroups),
		emitter:    emit.New(log, cfg.OutputDir),
		prober: probe.New(log, probe.Options{
			Concurrency:          cfg.ProbeConcurrency,
			Timeout:              cfg.ProbeTimeout,
			HighLatencyThreshold: cfg.MaxLatency,
			VerifyLocation:       cfg.VerifyLocation,
			ClaimedCountry: func(n *model.Node) string {
				return classifier.CountryHint(n.RawDisplayName)
			},
		}),
		bus: bus,
	}, nil
}

// Close releases the locator caches.
func (s *Syncer) Close() {
	s.locator.Close()
}

// PurgeGeoCache drops expired geolocation entries. The serve command runs
// this on the maintenance loop.
func (s *Syncer) PurgeGeoCache() (int, error) {
	return s.locator.Purge(time.Now())
}

// Run executes one full sync. Fatal errors are returned after a system-error
// event; per-source and per-artifact problems are collected on the Result.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	log := s.log.With("run_id", result.RunID)
	log.Info("sync started", "sources", len(s.cfg.Subscriptions))

	previous, err := s.store.LoadSyncStatus()
	if err != nil {
		log.Warn("previous sync status unreadable", "error", err)
	}

	// Fetch and parse every enabled source in declaration order.
	fetchStart := time.Now()
	nodes := s.collect(ctx, result)
	result.Durations.FetchMs = time.Since(fetchStart).Milliseconds()
	result.InputNodes = len(nodes)
	if err := s.store.SaveRawNodes(nodes); err != nil {
		log.Warn("raw node snapshot failed", "error", err)
	}

	nodes = dedup.Dedup(nodes, dedup.Options{PreferLowerLatency: true})
	result.ValidNodes = len(nodes)

	// Pass 1 classification gives the prober a country claim per node.
	for _, n := range nodes {
		if n.RawDisplayName == "" {
			n.RawDisplayName = n.DisplayName
		}
		s.classifier.Classify(n)
	}
	s.locate(ctx, nodes)

	probeStart := time.Now()
	summary := s.prober.ProbeAll(ctx, nodes)
	result.Durations.ProbeMs = time.Since(probeStart).Milliseconds()

	if err := s.store.SaveTestReport(buildReport(summary, nodes)); err != nil {
		log.Warn("test report write failed", "error", err)
	}

	healthy := s.healthyNodes(nodes)
	nodes = s.applyCuts(healthy)
	result.FinalNodes = len(nodes)
	if err := s.store.SaveFinalNodes(nodes); err != nil {
		log.Warn("final node snapshot failed", "error", err)
	}

	// Pass 2: corrected countries, uniform names, groups.
	s.namer.Rename(nodes)
	grouped := s.grouper.Build(nodes)
	result.Regions = len(grouped.Regional)
	result.Protocols = countProtocols(nodes)

	var emitMs *int64
	if len(nodes) > 0 {
		emitStart := time.Now()
		written, errs := s.emitter.EmitGroups(grouped.All())
		configs, cfgErrs := s.emitter.EmitConfigs(grouped, s.loadTemplates())
		errs = append(errs, cfgErrs...)
		result.Artifacts = append(written, configs...)
		for _, e := range errs {
			log.Warn("artifact failed", "error", e)
		}
		ms := time.Since(emitStart).Milliseconds()
		emitMs = &ms

		if len(result.Artifacts) == 0 {
			err := fmt.Errorf("no artifacts emitted")
			s.bus.Publish(events.TypeSystemError, events.SystemError{Message: err.Error()})
			return result, err
		}
	} else {
		log.Warn("no usable nodes; artifact generation skipped")
	}
	result.Durations.EmitMs = emitMs

	// Harvest from the healthy set, not the final one: the excluded
	// jurisdiction is exactly where egress proxies live.
	s.harvestEgressProxies(healthy)

	status := model.SyncStatus{
		LastRunAt:      time.Now(),
		InputNodeCount: result.InputNodes,
		ValidNodeCount: result.ValidNodes,
		FinalNodeCount: result.FinalNodes,
		Durations:      result.Durations,
	}
	if err := s.store.SaveSyncStatus(status); err != nil {
		s.bus.Publish(events.TypeSystemError, events.SystemError{Message: err.Error()})
		return result, fmt.Errorf("persist sync status: %w", err)
	}

	s.bus.Publish(events.TypeSyncCompleted, events.SyncCompleted{
		NodeCount:         result.FinalNodes,
		PreviousNodeCount: previous.FinalNodeCount,
		RegionsCount:      result.Regions,
		ProtocolsCount:    result.Protocols,
		FetchMs:           result.Durations.FetchMs,
		ProbeMs:           result.Durations.ProbeMs,
		EmitMs:            result.Durations.EmitMs,
	})
	log.Info("sync finished",
		"input", result.InputNodes, "valid", result.ValidNodes, "final", result.FinalNodes,
		"regions", result.Regions, "source_errors", len(result.SourceErrors))
	return result, nil
}

// collect fetches and parses every enabled source, tagging nodes with their
// origin. Egress proxies from the previous run back geo-restricted sources.
func (s *Syncer) collect(ctx context.Context, result *Result) []*model.Node {
	cached, err := s.store.LoadEgressProxies()
	if err != nil {
		s.log.Warn("egress proxy cache unreadable", "error", err)
	}
	egress := newRoundRobin(cached)

	var nodes []*model.Node
	for _, src := range s.cfg.Subscriptions {
		if !src.Enabled {
			continue
		}
		payload, err := s.payloadFor(ctx, src, egress)
		if err != nil {
			result.SourceErrors = append(result.SourceErrors, &SourceError{Source: src.Name, Err: err})
			s.log.Warn("source skipped", "source", src.Name, "error", err)
			continue
		}
		parsed, err := s.parser.Parse(payload)
		if err != nil {
			result.SourceErrors = append(result.SourceErrors, &SourceError{Source: src.Name, Err: err})
			s.log.Warn("source unparseable", "source", src.Name, "error", err)
			continue
		}
		for _, n := range parsed.Nodes {
			n.SourceTag = src.Name
		}
		nodes = append(nodes, parsed.Nodes...)
		s.log.Info("source parsed", "source", src.Name,
			"format", parsed.Format, "nodes", len(parsed.Nodes), "seen", parsed.Seen)
	}
	return nodes
}

func (s *Syncer) payloadFor(ctx context.Context, src model.SubscriptionSource, egress fetch.EgressProxyProvider) ([]byte, error) {
	if src.InlineContent != "" {
		return []byte(src.InlineContent), nil
	}
	opts := &fetch.Options{}
	if src.RequireRegionalEgress {
		opts.EgressProxies = egress
		opts.EgressFallbackThreshold = 1
	}
	fetched, err := s.fetcher.Fetch(ctx, src.URL, opts)
	if err != nil {
		return nil, err
	}
	if !fetched.Plausible {
		s.log.Warn("payload does not look like a subscription; parsing anyway",
			"source", src.Name)
	}
	return fetched.Body, nil
}

// locate resolves geolocation for every node, tolerating per-IP failures
// with the Others sentinel.
func (s *Syncer) locate(ctx context.Context, nodes []*model.Node) {
	for _, n := range nodes {
		geo, err := s.locator.Locate(ctx, n.Server)
		if err != nil {
			s.log.Debug("geolocation failed", "server", n.Server, "error", err)
			geo = model.Geo{CountryName: geoloc.OthersCountry}
		}
		resolved := geo
		n.Geo = &resolved
	}
}

// healthyNodes keeps nodes that probed up within the latency bound.
func (s *Syncer) healthyNodes(nodes []*model.Node) []*model.Node {
	maxLatency := s.cfg.MaxLatency.Milliseconds()
	kept := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Probe == nil || n.Probe.Status != model.ProbeUp {
			continue
		}
		if maxLatency > 0 && n.Probe.LatencyMs > maxLatency {
			continue
		}
		kept = append(kept, n)
	}
	return kept
}

// applyCuts removes the excluded jurisdiction and enforces the node cap.
func (s *Syncer) applyCuts(nodes []*model.Node) []*model.Node {
	kept := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if s.cfg.ExcludedCountry != "" && resolvedCountry(n) == s.cfg.ExcludedCountry {
			continue
		}
		kept = append(kept, n)
		if s.cfg.MaxNodes > 0 && len(kept) >= s.cfg.MaxNodes {
			break
		}
	}
	return kept
}

// resolvedCountry prefers the probe-verified country over the located one.
func resolvedCountry(n *model.Node) string {
	if n.Probe != nil && n.Probe.ActualGeo != nil && n.Probe.ActualGeo.CountryCode != "" {
		return n.Probe.ActualGeo.CountryCode
	}
	if n.Geo != nil {
		return n.Geo.CountryCode
	}
	return ""
}

// harvestEgressProxies rewrites the egress-proxy cache from the final node
// list: plain-proxy nodes whose post-classification country matches the
// egress jurisdiction. Harvest happens only after the final classification
// pass so corrected countries are honoured.
func (s *Syncer) harvestEgressProxies(nodes []*model.Node) {
	if s.cfg.EgressJurisdiction == "" {
		return
	}
	var proxies []string
	for _, n := range nodes {
		switch n.Protocol {
		case model.ProtocolHTTP, model.ProtocolHTTPS, model.ProtocolSocks5:
		default:
			continue
		}
		if resolvedCountry(n) != s.cfg.EgressJurisdiction {
			continue
		}
		uri, err := emit.EncodeURI(n)
		if err != nil {
			continue
		}
		proxies = append(proxies, uri)
	}
	if err := s.store.SaveEgressProxies(proxies); err != nil {
		s.log.Warn("egress proxy cache write failed", "error", err)
	}
}

func (s *Syncer) loadTemplates() emit.Templates {
	read := func(path string) string {
		if path == "" {
			return ""
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("template unreadable; using built-in", "path", path, "error", err)
			return ""
		}
		return string(data)
	}
	return emit.Templates{
		Clash:   read(s.cfg.Templates.Clash),
		Surge:   read(s.cfg.Templates.Surge),
		SingBox: read(s.cfg.Templates.SingBox),
		V2Ray:   read(s.cfg.Templates.V2Ray),
	}
}

func buildReport(summary probe.Summary, nodes []*model.Node) store.TestReport {
	report := store.TestReport{
		RunAt:    time.Now(),
		Total:    summary.Total,
		Up:       summary.Up,
		Down:     summary.Down,
		Demoted:  summary.Demoted,
		Duration: summary.Duration,
	}
	for _, n := range nodes {
		entry := store.ReportEntry{
			Name:     n.DisplayName,
			Server:   n.Server,
			Port:     n.Port,
			Protocol: string(n.Protocol),
		}
		if n.Probe != nil {
			entry.Status = n.Probe.Status
			entry.LatencyMs = n.Probe.LatencyMs
			entry.Error = n.Probe.Error
		}
		report.Nodes = append(report.Nodes, entry)
	}
	return report
}

func countProtocols(nodes []*model.Node) int {
	seen := map[model.Protocol]bool{}
	for _, n := range nodes {
		seen[n.Protocol] = true
	}
	return len(seen)
}

// roundRobin hands out cached egress proxies in rotation.
type roundRobin struct {
	urls []string
	next atomic.Int64
}

func newRoundRobin(urls []string) *roundRobin {
	return &roundRobin{urls: urls}
}

func (r *roundRobin) Next() (string, bool) {
	if len(r.urls) == 0 {
		return "", false
	}
	n := r.next.Add(1) - 1
	return r.urls[int(n)%len(r.urls)], true
}
