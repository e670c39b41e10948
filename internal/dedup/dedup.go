// Package dedup collapses nodes that advertise the same endpoint.
package dedup

import "github.com/subflow-proxy/subflow/internal/model"

// Options controls the collapse behaviour.
type Options struct {
	// PreferLowerLatency keeps the lower-latency node on collision when both
	// carry a probe result. Otherwise the earlier arrival wins.
	PreferLowerLatency bool
}

// Dedup collapses nodes sharing a fingerprint (server, port, protocol).
// Output preserves the insertion order of the surviving nodes and is
// deterministic for identical input. Dedup is idempotent.
func Dedup(nodes []*model.Node, opts Options) []*model.Node {
	type slot struct {
		index int
		node  *model.Node
	}
	seen := make(map[model.FingerprintKey]slot, len(nodes))
	out := make([]*model.Node, 0, len(nodes))

	for _, node := range nodes {
		key := node.Fingerprint()
		existing, collision := seen[key]
		if !collision {
			seen[key] = slot{index: len(out), node: node}
			out = append(out, node)
			continue
		}
		if opts.PreferLowerLatency && betterLatency(node, existing.node) {
			out[existing.index] = node
			seen[key] = slot{index: existing.index, node: node}
		}
	}
	return out
}

// betterLatency reports whether candidate should replace incumbent: both
// must carry a successful probe latency and the candidate's must be lower.
func betterLatency(candidate, incumbent *model.Node) bool {
	c, i := candidate.LatencyMs(), incumbent.LatencyMs()
	return c >= 0 && i >= 0 && c < i
}
