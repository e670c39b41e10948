// Package probe tests node reachability with protocol-aware TCP checks and
// records latency, demoting nodes that respond too slowly to be usable.
package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/subflow-proxy/subflow/internal/model"
)

// probeFunc executes one reachability check against a node, returning the
// measured latency. Injectable for testing.
type probeFunc func(ctx context.Context, n *model.Node, timeout time.Duration) (time.Duration, error)

// Options configures a Prober.
type Options struct {
	Concurrency          int           // max concurrent probes (default 16)
	Timeout              time.Duration // per-probe budget (default 5s; ss/ssr get double)
	HighLatencyThreshold time.Duration // at or above this an up node is demoted (default 1s)

	// ClaimedCountry extracts the country a node advertises in its name.
	// When set alongside VerifyLocation, a disagreement with the resolved
	// geolocation is recorded on the probe result.
	VerifyLocation bool
	ClaimedCountry func(n *model.Node) string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.HighLatencyThreshold <= 0 {
		o.HighLatencyThreshold = time.Second
	}
	return o
}

// Summary aggregates one ProbeAll pass.
type Summary struct {
	Total    int
	Up       int
	Down     int
	Demoted  int // up on the wire but over the latency threshold
	Duration time.Duration
}

// Prober runs reachability checks across a node set with bounded
// concurrency. Safe for concurrent use.
type Prober struct {
	log   *slog.Logger
	opts  Options
	probe probeFunc
}

// New creates a Prober.
func New(log *slog.Logger, opts Options) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{log: log, opts: opts.withDefaults(), probe: probeNode}
}

// ProbeAll checks every node and attaches a ProbeInfo to each. Node order is
// preserved; results are collected concurrently and joined by node ID.
func (p *Prober) ProbeAll(ctx context.Context, nodes []*model.Node) Summary {
	start := time.Now()
	results := xsync.NewMap[string, *model.ProbeInfo]()

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
	for _, n := range nodes {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(n *model.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			results.Store(n.ID, p.probeOne(ctx, n))
		}(n)
	}
	wg.Wait()

	summary := Summary{Total: len(nodes), Duration: time.Since(start)}
	for _, n := range nodes {
		info, ok := results.Load(n.ID)
		if !ok {
			info = &model.ProbeInfo{
				Status:   model.ProbeDown,
				Error:    "not probed",
				ProbedAt: time.Now(),
			}
		}
		n.Probe = info
		if info.Status == model.ProbeUp {
			summary.Up++
		} else {
			summary.Down++
			if info.Error == errLatencyTooHigh {
				summary.Demoted++
			}
		}
	}
	p.log.Info("probe pass finished",
		"total", summary.Total, "up", summary.Up, "down", summary.Down,
		"demoted", summary.Demoted, "duration", summary.Duration)
	return summary
}

const errLatencyTooHigh = "latency too high"

// probeOne runs the protocol check and applies the high-latency demotion and
// location verification rules.
func (p *Prober) probeOne(ctx context.Context, n *model.Node) *model.ProbeInfo {
	timeout := p.opts.Timeout
	switch n.Protocol {
	case model.ProtocolShadowsocks, model.ProtocolShadowsocksR:
		// Cipher setup on these servers is slow to admit a bare TCP dial.
		timeout *= 2
	}

	info := &model.ProbeInfo{ProbedAt: time.Now()}
	latency, err := p.probe(ctx, n, timeout)
	switch {
	case err != nil:
		info.Status = model.ProbeDown
		info.Error = err.Error()
	case latency >= p.opts.HighLatencyThreshold:
		info.Status = model.ProbeDown
		info.LatencyMs = latency.Milliseconds()
		info.Error = errLatencyTooHigh
	default:
		info.Status = model.ProbeUp
		info.LatencyMs = latency.Milliseconds()
	}

	if info.Status == model.ProbeUp && p.opts.VerifyLocation && p.opts.ClaimedCountry != nil && n.Geo != nil {
		claimed := p.opts.ClaimedCountry(n)
		if claimed != "" && n.Geo.CountryCode != "" && claimed != n.Geo.CountryCode {
			info.LocationMismatch = true
			info.ActualGeo = n.Geo
		}
	}
	return info
}
