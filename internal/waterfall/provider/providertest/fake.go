// Package providertest provides scripted adapters for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider"
)

// Fake is a provider.Adapter whose behavior is decided per record by Respond.
// It counts calls per record id.
type Fake struct {
	ProviderName string
	Cap          model.Capability

	// Respond returns the result for a record. Nil means "always succeed"
	// with a canned payload.
	Respond func(ctx context.Context, rec model.Record) provider.Result

	mu    sync.Mutex
	calls map[string]int
	total int
}

// New returns a Fake that always succeeds.
func New(name string, c model.Capability) *Fake {
	return &Fake{ProviderName: name, Cap: c}
}

// Failing returns a Fake that always fails with msg.
func Failing(name string, c model.Capability, msg string) *Fake {
	f := New(name, c)
	f.Respond = func(context.Context, model.Record) provider.Result {
		return provider.Failed(name, eris.New(msg))
	}
	return f
}

// FailingFor returns a Fake that fails only for the listed record ids.
func FailingFor(name string, c model.Capability, ids ...string) *Fake {
	bad := make(map[string]bool, len(ids))
	for _, id := range ids {
		bad[id] = true
	}
	f := New(name, c)
	f.Respond = func(_ context.Context, rec model.Record) provider.Result {
		if bad[rec.ID] {
			return provider.Failed(name, eris.New("upstream unavailable"))
		}
		return f.success(rec)
	}
	return f
}

// Name implements provider.Adapter.
func (f *Fake) Name() string { return f.ProviderName }

// Capability implements provider.Adapter.
func (f *Fake) Capability() model.Capability { return f.Cap }

// Invoke implements provider.Adapter.
func (f *Fake) Invoke(ctx context.Context, rec model.Record) provider.Result {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[rec.ID]++
	f.total++
	f.mu.Unlock()

	if f.Respond != nil {
		return f.Respond(ctx, rec)
	}
	return f.success(rec)
}

// Calls returns how many times the record was passed to Invoke.
func (f *Fake) Calls(recordID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[recordID]
}

// Total returns the number of Invoke calls.
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *Fake) success(rec model.Record) provider.Result {
	conf := 0.9
	switch f.Cap {
	case model.CapabilityEnhancement:
		return provider.Succeeded(f.ProviderName, &model.EnhancementResult{
			EnhancedDescription: rec.Name + " described by " + f.ProviderName,
			Keywords:            []string{"repair"},
			SuggestedTags:       []string{"phone_repair"},
		}, nil, []byte(`{"enhanced_description":"ok"}`))
	default:
		return provider.Succeeded(f.ProviderName, &model.ClassificationResult{
			IsTargetCategory: true,
			Confidence:       conf,
			Tags:             []string{"phone_repair"},
			Rationale:        "classified by " + f.ProviderName,
		}, &conf, []byte(`{"is_target_category":true,"confidence":0.9}`))
	}
}
