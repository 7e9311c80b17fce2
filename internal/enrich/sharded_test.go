package enrich

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

func TestRunSharded_ProcessesEveryRecordOnce(t *testing.T) {
	st := newTestStore(t, records(7)...)
	c := NewCoordinator(st, healthyOrchestrator(), WithGeocoder(&stubGeocoder{}))

	summary, err := c.RunSharded(context.Background(), model.ScopeAll, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.TotalCount)
	assert.Equal(t, 7, summary.Completed)
	require.Len(t, summary.Results, 7)
	assert.Equal(t, "rec-1", summary.Results[0].RecordID)
	assert.Equal(t, "rec-7", summary.Results[6].RecordID)

	attempts, err := st.ListAttempts(context.Background(), store.AttemptFilter{Capability: model.CapabilityClassification})
	require.NoError(t, err)
	assert.Len(t, attempts, 7)
}

func TestRunSharded_SingleShardFallsBackToRunBatch(t *testing.T) {
	st := newTestStore(t, records(2)...)
	c := NewCoordinator(st, healthyOrchestrator())

	summary, err := c.RunSharded(context.Background(), model.ScopeClassification, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
}

func TestConcurrentBatches_NeverDoubleProcess(t *testing.T) {
	st := newTestStore(t, records(6)...)
	c := NewCoordinator(st, healthyOrchestrator())

	var wg sync.WaitGroup
	summaries := make([]*BatchSummary, 3)
	for i := range summaries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.RunBatch(context.Background(), model.ScopeClassification, 10)
			assert.NoError(t, err)
			summaries[i] = s
		}()
	}
	wg.Wait()

	completed := 0
	for _, s := range summaries {
		require.NotNil(t, s)
		completed += s.Completed
		assert.Equal(t, s.TotalCount, s.ProcessedCount+s.Skipped)
	}
	assert.Equal(t, 6, completed)

	attempts, err := st.ListAttempts(context.Background(), store.AttemptFilter{})
	require.NoError(t, err)
	perRecord := make(map[string]int)
	for _, a := range attempts {
		perRecord[a.RecordID]++
	}
	assert.Len(t, perRecord, 6)
	for id, n := range perRecord {
		assert.Equal(t, 1, n, id)
	}
}
