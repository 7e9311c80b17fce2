// Package store persists enrichment records and the append-only attempt log.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = eris.New("store: not found")

// AttemptFilter specifies criteria for listing attempts. Zero fields are
// ignored.
type AttemptFilter struct {
	RecordID   string           `json:"record_id,omitempty"`
	BatchID    string           `json:"batch_id,omitempty"`
	Capability model.Capability `json:"capability,omitempty"`
	Provider   string           `json:"provider,omitempty"`
	Since      time.Time        `json:"since,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	// Newest returns the most recent attempts first, so a Limit keeps the
	// latest rows instead of the oldest.
	Newest bool `json:"newest,omitempty"`
}

func (f AttemptFilter) orderBy() string {
	if f.Newest {
		return ` ORDER BY seq DESC`
	}
	return ` ORDER BY seq ASC`
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Records
	SelectEligible(ctx context.Context, limit int) ([]model.Record, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next model.Status) (bool, error)
	UpdateFields(ctx context.Context, id string, u model.RecordUpdate) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	InsertRecords(ctx context.Context, recs []model.Record) (int64, error)
	ResetFailed(ctx context.Context, ids []string) (int64, error)
	StatusCounts(ctx context.Context) (map[model.Status]int, error)

	// Attempts are insert-only; there is deliberately no update or delete.
	AppendAttempt(ctx context.Context, a model.Attempt) error
	ListAttempts(ctx context.Context, f AttemptFilter) ([]model.Attempt, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// assignment is one column write produced from a RecordUpdate.
type assignment struct {
	col   string
	val   any
	point *model.Coordinates
}

// assignments flattens a sparse update into column writes. Coordinates are
// returned as a single point assignment; each dialect decides how to store it.
func assignments(u model.RecordUpdate) ([]assignment, error) {
	var out []assignment
	add := func(col string, v any) { out = append(out, assignment{col: col, val: v}) }

	if u.UniqueID != nil {
		add("unique_id", *u.UniqueID)
	}
	if u.IsTargetCategory != nil {
		add("is_target_category", *u.IsTargetCategory)
	}
	if u.Confidence != nil {
		add("confidence", *u.Confidence)
	}
	for _, list := range []struct {
		col  string
		vals []string
	}{
		{"tags", u.Tags},
		{"keywords", u.Keywords},
		{"suggested_tags", u.SuggestedTags},
	} {
		if list.vals == nil {
			continue
		}
		data, err := json.Marshal(list.vals)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal %s", list.col)
		}
		add(list.col, string(data))
	}
	if u.EnhancedDescription != nil {
		add("enhanced_description", *u.EnhancedDescription)
	}
	if u.Coordinates != nil {
		if !u.Coordinates.Valid() {
			return nil, eris.Errorf("store: invalid coordinates %f,%f", u.Coordinates.Lat, u.Coordinates.Lng)
		}
		out = append(out, assignment{point: u.Coordinates})
	}
	if u.Accuracy != nil {
		add("accuracy_tier", string(*u.Accuracy))
	}
	if u.LastError != nil {
		add("last_error", nullIfEmpty(*u.LastError))
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// decodeList unmarshals a JSON string array column; empty input is nil.
func decodeList(data []byte) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "store: decode list column")
	}
	return out, nil
}

func encodeFallbackLog(log []string) (string, error) {
	if log == nil {
		log = []string{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal fallback log")
	}
	return string(data), nil
}

// rawOrNil returns nil for an empty payload so the column stays NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func eligibleStatus(s model.Status) bool {
	return s == model.StatusPending || s == model.StatusUnset
}

func defaultLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
