// Package monitoring derives provider health from the attempt log and alerts
// when failure or degradation rates cross configured thresholds.
package monitoring

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

// maxAttempts caps how many attempts one collection reads.
const maxAttempts = 10000

// ProviderStats summarizes the calls made to one provider for one capability.
type ProviderStats struct {
	Provider      string           `json:"provider"`
	Capability    model.Capability `json:"capability"`
	Calls         int              `json:"calls"`
	Successes     int              `json:"successes"`
	Failures      int              `json:"failures"`
	SuccessRate   float64          `json:"success_rate"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ErrorKinds    map[string]int   `json:"error_kinds,omitempty"`

	totalMs int64
}

// FailureRate is the share of calls that failed.
func (p ProviderStats) FailureRate() float64 {
	if p.Calls == 0 {
		return 0
	}
	return float64(p.Failures) / float64(p.Calls)
}

// MetricsSnapshot holds a point-in-time view of enrichment health.
type MetricsSnapshot struct {
	// Attempt log metrics (within lookback window).
	Attempts  int             `json:"attempts"`
	Providers []ProviderStats `json:"providers"`

	// Capability attempts answered by a local fallback.
	LLMAttempts        int            `json:"llm_attempts"`
	Degraded           int            `json:"degraded"`
	DegradedRate       float64        `json:"degraded_rate"`
	EmergencyFallbacks int            `json:"emergency_fallbacks"`
	LocalResults       map[string]int `json:"local_results,omitempty"`

	GeocodeTotal    int     `json:"geocode_total"`
	GeocodeFailed   int     `json:"geocode_failed"`
	GeocodeFailRate float64 `json:"geocode_fail_rate"`

	// Record status counts (all time).
	StatusCounts     map[model.Status]int `json:"status_counts"`
	RecordsCompleted int                  `json:"records_completed"`
	RecordsFailed    int                  `json:"records_failed"`
	RecordFailRate   float64              `json:"record_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Provider returns the stats for a provider and capability, if any calls
// were recorded.
func (s *MetricsSnapshot) Provider(name string, c model.Capability) (ProviderStats, bool) {
	for _, p := range s.Providers {
		if p.Provider == name && p.Capability == c {
			return p, true
		}
	}
	return ProviderStats{}, false
}

// Source is the part of the store the collector reads.
type Source interface {
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]model.Attempt, error)
	StatusCounts(ctx context.Context) (map[model.Status]int, error)
}

// Collector gathers metrics from the attempt log.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, now: time.Now}
}

// storedOutput is the subset of an attempt's output the collector reads.
type storedOutput struct {
	ProviderAttempts []struct {
		Provider   string `json:"provider"`
		Success    bool   `json:"success"`
		ErrorKind  string `json:"error_kind"`
		DurationMs int64  `json:"duration_ms"`
	} `json:"provider_attempts"`
	Degraded  bool   `json:"degraded"`
	ErrorKind string `json:"error_kind"`
}

// Collect gathers a snapshot of enrichment metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	attempts, err := c.source.ListAttempts(ctx, store.AttemptFilter{
		Since:  cutoff,
		Limit:  maxAttempts,
		Newest: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list attempts")
	}
	if len(attempts) == maxAttempts {
		zap.L().Warn("monitoring: attempt window truncated to the newest attempts", zap.Int("limit", maxAttempts))
	}
	snap.Attempts = len(attempts)

	stats := make(map[string]*ProviderStats)
	record := func(name string, capability model.Capability, ok bool, kind string, ms int64) {
		key := string(capability) + "/" + name
		p, found := stats[key]
		if !found {
			p = &ProviderStats{Provider: name, Capability: capability}
			stats[key] = p
		}
		p.Calls++
		p.totalMs += ms
		if ok {
			p.Successes++
			return
		}
		p.Failures++
		if kind == "" {
			kind = "unknown"
		}
		if p.ErrorKinds == nil {
			p.ErrorKinds = make(map[string]int)
		}
		p.ErrorKinds[kind]++
	}

	for _, a := range attempts {
		var out storedOutput
		if len(a.OutputData) > 0 {
			if err := json.Unmarshal(a.OutputData, &out); err != nil {
				zap.L().Debug("monitoring: skipping unreadable attempt output",
					zap.String("attempt_id", a.ID), zap.Error(err))
			}
		}

		if a.Capability == model.CapabilityGeocoding {
			snap.GeocodeTotal++
			if !a.Success {
				snap.GeocodeFailed++
			}
			record(a.ProviderUsed, a.Capability, a.Success, out.ErrorKind, a.DurationMs)
			continue
		}

		snap.LLMAttempts++
		for _, pa := range out.ProviderAttempts {
			record(pa.Provider, a.Capability, pa.Success, pa.ErrorKind, pa.DurationMs)
		}
		if out.Degraded || model.IsLocalProvider(a.ProviderUsed) {
			snap.Degraded++
		}
		if model.IsLocalProvider(a.ProviderUsed) {
			if snap.LocalResults == nil {
				snap.LocalResults = make(map[string]int)
			}
			snap.LocalResults[a.ProviderUsed]++
		}
		if a.ProviderUsed == model.ProviderEmergencyFallback {
			snap.EmergencyFallbacks++
		}
	}

	for _, p := range stats {
		if p.Calls > 0 {
			p.SuccessRate = float64(p.Successes) / float64(p.Calls)
			p.AvgDurationMs = float64(p.totalMs) / float64(p.Calls)
		}
		snap.Providers = append(snap.Providers, *p)
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		if snap.Providers[i].Capability != snap.Providers[j].Capability {
			return snap.Providers[i].Capability < snap.Providers[j].Capability
		}
		return snap.Providers[i].Provider < snap.Providers[j].Provider
	})

	if snap.LLMAttempts > 0 {
		snap.DegradedRate = float64(snap.Degraded) / float64(snap.LLMAttempts)
	}
	if snap.GeocodeTotal > 0 {
		snap.GeocodeFailRate = float64(snap.GeocodeFailed) / float64(snap.GeocodeTotal)
	}

	counts, err := c.source.StatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: status counts")
	}
	snap.StatusCounts = counts
	snap.RecordsCompleted = counts[model.StatusCompleted]
	snap.RecordsFailed = counts[model.StatusFailed]
	if finished := snap.RecordsCompleted + snap.RecordsFailed; finished > 0 {
		snap.RecordFailRate = float64(snap.RecordsFailed) / float64(finished)
	}

	return snap, nil
}
