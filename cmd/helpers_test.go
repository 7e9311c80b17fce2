//go:build !integration

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/enrich"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/rules"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/waterfall"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider/providertest"
)

func init() {
	color.NoColor = true
}

// testConfig returns a config backed by a sqlite file in a temp dir with
// geocoding disabled and no provider keys.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "enrich.db"),
		},
		Log:     config.LogConfig{Level: "error", Format: "json"},
		Geocode: config.GeocodeConfig{Disabled: true},
		Waterfall: waterfall.Config{
			Classification: []string{providerAnthropic, providerOpenAI},
			Enhancement:    []string{providerAnthropic},
		},
		Batch:  config.BatchConfig{Scope: "all", Limit: 10, Shards: 1},
		Server: config.ServerConfig{Port: 8080},
		Monitoring: config.MonitoringConfig{
			LookbackWindowHours: 24,
		},
	}
}

// useConfig swaps the package config for the duration of a test.
func useConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func newTestStore(t *testing.T, recs ...model.Record) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	if len(recs) > 0 {
		_, err = st.InsertRecords(context.Background(), recs)
		require.NoError(t, err)
	}
	return st
}

func testRecords(n int) []model.Record {
	base := time.Now().Add(-time.Hour)
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{
			ID:          fmt.Sprintf("rec-%d", i+1),
			Name:        fmt.Sprintf("Shop %d", i+1),
			Address:     fmt.Sprintf("%d Main St", i+1),
			Description: "phone repair",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

// newTestEnv wires a coordinator over st with scripted providers.
func newTestEnv(t *testing.T, st store.Store, cls, enh []provider.Adapter) *enrichEnv {
	t.Helper()
	orch := waterfall.NewOrchestrator(rules.New(rules.DefaultLexicon()), cls, enh)
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	chains := map[model.Capability][]string{}
	for _, a := range cls {
		breakers.Get(a.Name())
		chains[model.CapabilityClassification] = append(chains[model.CapabilityClassification], a.Name())
	}
	for _, a := range enh {
		chains[model.CapabilityEnhancement] = append(chains[model.CapabilityEnhancement], a.Name())
	}
	return &enrichEnv{
		Store:       st,
		Coordinator: enrich.NewCoordinator(st, orch),
		Breakers:    breakers,
		Chains:      chains,
	}
}

func fakeChains() ([]provider.Adapter, []provider.Adapter) {
	return []provider.Adapter{providertest.New(providerAnthropic, model.CapabilityClassification)},
		[]provider.Adapter{providertest.New(providerAnthropic, model.CapabilityEnhancement)}
}
