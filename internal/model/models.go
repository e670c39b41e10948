package model

import "time"

// SourceKind distinguishes how a subscription source delivers its payload.
type SourceKind string

const (
	SourceKindURL       SourceKind = "url"
	SourceKindBase64    SourceKind = "base64"
	SourceKindSingleURI SourceKind = "singleUri"
)

// SubscriptionSource describes one upstream subscription.
type SubscriptionSource struct {
	Name                  string     `json:"name" yaml:"name"`
	Kind                  SourceKind `json:"kind" yaml:"kind"`
	URL                   string     `json:"url,omitempty" yaml:"url,omitempty"`
	InlineContent         string     `json:"inline_content,omitempty" yaml:"inline_content,omitempty"`
	Enabled               bool       `json:"enabled" yaml:"enabled"`
	RequireRegionalEgress bool       `json:"require_regional_egress,omitempty" yaml:"require_regional_egress,omitempty"`
}

// GroupKind distinguishes how a group's membership is derived.
type GroupKind string

const (
	GroupKindRegion  GroupKind = "region"
	GroupKindService GroupKind = "service"
	GroupKindMeta    GroupKind = "meta"
)

// Group is a named, computed subset of nodes. Membership is always derived,
// never hand-authored; meta-groups reference other group keys.
type Group struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Kind        GroupKind `json:"kind"`
	Members     []*Node   `json:"members"`
}

// GeoCacheEntry is one persisted IP-geolocation result.
type GeoCacheEntry struct {
	IP        string    `json:"ip"`
	Geo       Geo       `json:"geo"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e GeoCacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Durations breaks down where a sync run spent its time. EmitMs is a pointer
// so a run that skipped artifact generation omits the field instead of
// persisting a bogus zero.
type Durations struct {
	FetchMs int64  `json:"fetch_ms"`
	ProbeMs int64  `json:"probe_ms"`
	EmitMs  *int64 `json:"emit_ms,omitempty"`
}

// SyncStatus is the persisted record of the most recent run. FinalNodeCount
// is read on the next run to compute the change-since-last-sync delta.
type SyncStatus struct {
	LastRunAt      time.Time `json:"last_run_at"`
	InputNodeCount int       `json:"input_node_count"`
	ValidNodeCount int       `json:"valid_node_count"`
	FinalNodeCount int       `json:"final_node_count"`
	Durations      Durations `json:"durations"`
}
