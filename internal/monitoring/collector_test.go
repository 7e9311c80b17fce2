package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type providerCall struct {
	Provider   string `json:"provider"`
	Success    bool   `json:"success"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func llmAttempt(t *testing.T, recordID string, capability model.Capability, used string, calls ...providerCall) model.Attempt {
	t.Helper()
	out, err := json.Marshal(map[string]any{
		"result":            map[string]any{},
		"provider_attempts": calls,
		"degraded":          model.IsLocalProvider(used),
	})
	require.NoError(t, err)
	return model.Attempt{
		RecordID:     recordID,
		Capability:   capability,
		ProviderUsed: used,
		OutputData:   out,
		Success:      true,
		Timestamp:    time.Now(),
	}
}

func geocodeAttempt(recordID string, ok bool, ms int64) model.Attempt {
	a := model.Attempt{
		RecordID:     recordID,
		Capability:   model.CapabilityGeocoding,
		ProviderUsed: "nominatim",
		Success:      ok,
		DurationMs:   ms,
		Timestamp:    time.Now(),
	}
	if !ok {
		a.ErrorMessage = "geocode: no match"
		a.OutputData = json.RawMessage(`{"error_kind":"unavailable"}`)
	}
	return a
}

func TestCollector_ProviderStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, a := range []model.Attempt{
		llmAttempt(t, "r1", model.CapabilityClassification, "anthropic",
			providerCall{Provider: "anthropic", Success: true, DurationMs: 100}),
		llmAttempt(t, "r2", model.CapabilityClassification, "openai",
			providerCall{Provider: "anthropic", ErrorKind: "timeout", DurationMs: 300},
			providerCall{Provider: "openai", Success: true, DurationMs: 200}),
		llmAttempt(t, "r3", model.CapabilityClassification, model.ProviderRuleEngine,
			providerCall{Provider: "anthropic", ErrorKind: "rate_limited", DurationMs: 50},
			providerCall{Provider: "openai", ErrorKind: "unavailable", DurationMs: 50}),
		llmAttempt(t, "r3", model.CapabilityEnhancement, model.ProviderEmergencyFallback,
			providerCall{Provider: "anthropic", ErrorKind: "circuit_open"}),
		geocodeAttempt("r1", true, 40),
		geocodeAttempt("r2", false, 60),
	} {
		require.NoError(t, st.AppendAttempt(ctx, a))
	}

	snap, err := NewCollector(st).Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.Attempts)
	assert.Equal(t, 4, snap.LLMAttempts)
	assert.Equal(t, 2, snap.Degraded)
	assert.InDelta(t, 0.5, snap.DegradedRate, 0.001)
	assert.Equal(t, 1, snap.EmergencyFallbacks)
	assert.Equal(t, map[string]int{model.ProviderRuleEngine: 1, model.ProviderEmergencyFallback: 1}, snap.LocalResults)

	anth, ok := snap.Provider("anthropic", model.CapabilityClassification)
	require.True(t, ok)
	assert.Equal(t, 3, anth.Calls)
	assert.Equal(t, 1, anth.Successes)
	assert.Equal(t, 2, anth.Failures)
	assert.InDelta(t, 150.0, anth.AvgDurationMs, 0.001)
	assert.Equal(t, map[string]int{"timeout": 1, "rate_limited": 1}, anth.ErrorKinds)
	assert.InDelta(t, 2.0/3.0, anth.FailureRate(), 0.001)

	openai, ok := snap.Provider("openai", model.CapabilityClassification)
	require.True(t, ok)
	assert.Equal(t, 2, openai.Calls)
	assert.InDelta(t, 0.5, openai.SuccessRate, 0.001)

	enh, ok := snap.Provider("anthropic", model.CapabilityEnhancement)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"circuit_open": 1}, enh.ErrorKinds)

	geo, ok := snap.Provider("nominatim", model.CapabilityGeocoding)
	require.True(t, ok)
	assert.Equal(t, 2, geo.Calls)
	assert.Equal(t, map[string]int{"unavailable": 1}, geo.ErrorKinds)
	assert.Equal(t, 2, snap.GeocodeTotal)
	assert.Equal(t, 1, snap.GeocodeFailed)
	assert.InDelta(t, 0.5, snap.GeocodeFailRate, 0.001)

	// Local fallbacks never show up as provider calls.
	_, ok = snap.Provider(model.ProviderRuleEngine, model.CapabilityClassification)
	assert.False(t, ok)
}

func TestCollector_ProvidersSorted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AppendAttempt(ctx, geocodeAttempt("r1", true, 1)))
	require.NoError(t, st.AppendAttempt(ctx, llmAttempt(t, "r1", model.CapabilityEnhancement, "openai",
		providerCall{Provider: "openai", Success: true})))
	require.NoError(t, st.AppendAttempt(ctx, llmAttempt(t, "r1", model.CapabilityClassification, "gemini",
		providerCall{Provider: "gemini", Success: true})))

	snap, err := NewCollector(st).Collect(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Providers, 3)
	assert.Equal(t, model.CapabilityClassification, snap.Providers[0].Capability)
	assert.Equal(t, model.CapabilityEnhancement, snap.Providers[1].Capability)
	assert.Equal(t, model.CapabilityGeocoding, snap.Providers[2].Capability)
}

func TestCollector_LookbackWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := geocodeAttempt("r1", false, 10)
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.AppendAttempt(ctx, old))
	require.NoError(t, st.AppendAttempt(ctx, geocodeAttempt("r2", true, 10)))

	snap, err := NewCollector(st).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, 0, snap.GeocodeFailed)
}

func TestCollector_RecordStatusCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.InsertRecords(ctx, []model.Record{
		{ID: "a", Name: "A", Status: model.StatusCompleted},
		{ID: "b", Name: "B", Status: model.StatusCompleted},
		{ID: "c", Name: "C", Status: model.StatusCompleted},
		{ID: "d", Name: "D", Status: model.StatusFailed},
		{ID: "e", Name: "E", Status: model.StatusPending},
	})
	require.NoError(t, err)

	snap, err := NewCollector(st).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RecordsCompleted)
	assert.Equal(t, 1, snap.RecordsFailed)
	assert.InDelta(t, 0.25, snap.RecordFailRate, 0.001)
	assert.Equal(t, 1, snap.StatusCounts[model.StatusPending])
	assert.Equal(t, 0, snap.Attempts)
	assert.Zero(t, snap.DegradedRate)
}

type errSource struct {
	attemptsErr error
	countsErr   error
}

func (e errSource) ListAttempts(context.Context, store.AttemptFilter) ([]model.Attempt, error) {
	return nil, e.attemptsErr
}

func (e errSource) StatusCounts(context.Context) (map[model.Status]int, error) {
	return map[model.Status]int{}, e.countsErr
}

func TestCollector_Errors(t *testing.T) {
	_, err := NewCollector(errSource{attemptsErr: errors.New("db down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "monitoring: list attempts")

	_, err = NewCollector(errSource{countsErr: errors.New("db down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "monitoring: status counts")
}

type recordingSource struct {
	errSource
	filter store.AttemptFilter
}

func (r *recordingSource) ListAttempts(_ context.Context, f store.AttemptFilter) ([]model.Attempt, error) {
	r.filter = f
	return nil, nil
}

func TestCollector_ReadsNewestAttempts(t *testing.T) {
	src := &recordingSource{}
	_, err := NewCollector(src).Collect(context.Background(), 6)
	require.NoError(t, err)

	assert.True(t, src.filter.Newest)
	assert.Equal(t, maxAttempts, src.filter.Limit)
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), src.filter.Since, time.Minute)
}
