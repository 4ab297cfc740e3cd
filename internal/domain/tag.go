package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// PollGroup is a named polling cadence.
type PollGroup struct {
	ID         int64  `json:"group_id"`
	Name       string `json:"name"`
	PollRateMs int    `json:"poll_rate_ms"`
	Active     bool   `json:"is_active"`
}

// Interval returns the poll rate, clamped to at least 1ms.
func (g PollGroup) Interval() time.Duration {
	if g.PollRateMs < 1 {
		return time.Millisecond
	}
	return time.Duration(g.PollRateMs) * time.Millisecond
}

// DeadbandType selects how a write-on-change deadband is measured.
type DeadbandType string

const (
	DeadbandAbsolute DeadbandType = "absolute"
	DeadbandPercent  DeadbandType = "percent"
)

// OnChange is the per-tag write-on-change policy.
type OnChange struct {
	Enabled      bool         `json:"enabled"`
	Deadband     float64      `json:"deadband"`
	DeadbandType DeadbandType `json:"deadband_type"`
	HeartbeatMs  int          `json:"heartbeat_ms"`
}

// Heartbeat returns the heartbeat interval, or zero when disabled.
func (o OnChange) Heartbeat() time.Duration {
	if o.HeartbeatMs <= 0 {
		return 0
	}
	return time.Duration(o.HeartbeatMs) * time.Millisecond
}

// TagSubscription is one catalog tag the driver must poll.
type TagSubscription struct {
	TagID        int64           `json:"tag_id"`
	ConnectionID string          `json:"connection_id"`
	DriverKind   string          `json:"driver_type"`
	TagPath      string          `json:"tag_path"`
	TagName      string          `json:"tag_name"`
	DataType     string          `json:"data_type"`
	PollGroupID  int64           `json:"poll_group_id"`
	OnChange     OnChange        `json:"on_change"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// GroupByPollGroup buckets subscriptions by poll group, each bucket sorted by tag id.
func GroupByPollGroup(tags []TagSubscription) map[int64][]TagSubscription {
	out := make(map[int64][]TagSubscription)
	for _, t := range tags {
		out[t.PollGroupID] = append(out[t.PollGroupID], t)
	}
	for _, bucket := range out {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].TagID < bucket[j].TagID })
	}
	return out
}

// SubscriptionKey addresses a tag across connections.
type SubscriptionKey struct {
	ConnectionID string
	TagID        int64
}
