package enrich

import (
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Geocode outcomes reported per record.
const (
	GeocodeOK       = "ok"
	GeocodeFailed   = "failed"
	GeocodeSkipped  = "skipped"
	GeocodeDisabled = "disabled"
)

// RecordResult is the per-record line of a batch summary.
type RecordResult struct {
	RecordID string       `json:"record_id"`
	UniqueID string       `json:"unique_id,omitempty"`
	Status   model.Status `json:"status,omitempty"`
	// Skipped is true when another run claimed the record first.
	Skipped bool `json:"skipped,omitempty"`

	// Providers maps each capability that ran to the provider that answered.
	Providers       map[model.Capability]string `json:"providers,omitempty"`
	GeocodeStatus   string                      `json:"geocode_status,omitempty"`
	Degraded        bool                        `json:"degraded,omitempty"`
	FallbackReasons []string                    `json:"fallback_reasons,omitempty"`
	Error           string                      `json:"error,omitempty"`
	DurationMs      int64                       `json:"duration_ms"`
}

// BatchSummary is the aggregate outcome of one batch run.
type BatchSummary struct {
	BatchID        string         `json:"batch_id"`
	Scope          model.Scope    `json:"scope"`
	TotalCount     int            `json:"total_count"`
	ProcessedCount int            `json:"processed_count"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	Degraded       int            `json:"degraded"`
	Canceled       bool           `json:"canceled,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Results        []RecordResult `json:"results"`
}

// Duration returns the wall time of the batch.
func (s *BatchSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// add folds one record result into the counters.
func (s *BatchSummary) add(r RecordResult) {
	s.Results = append(s.Results, r)
	switch {
	case r.Skipped:
		s.Skipped++
		return
	case r.Status == model.StatusCompleted:
		s.Completed++
	default:
		s.Failed++
	}
	s.ProcessedCount++
	if r.Degraded {
		s.Degraded++
	}
}

// Result returns the entry for a record id.
func (s *BatchSummary) Result(recordID string) (RecordResult, bool) {
	for _, r := range s.Results {
		if r.RecordID == recordID {
			return r, true
		}
	}
	return RecordResult{}, false
}
