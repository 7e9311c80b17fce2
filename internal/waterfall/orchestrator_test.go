package waterfall

import (
	"context"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/rules"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider/providertest"
)

var fix4Phone = model.Record{
	ID:          "rec-fix4phone",
	Name:        "Fix4Phone",
	Address:     "12 Main St",
	Description: "we fix broken screens",
}

type panickingFallback struct{}

func (panickingFallback) Classify(model.Record) model.ClassificationResult { panic("lexicon corrupted") }
func (panickingFallback) Enhance(model.Record) model.EnhancementResult     { panic("lexicon corrupted") }

func engine() *rules.Engine { return rules.New(rules.DefaultLexicon()) }

func TestClassify_FirstSuccessShortCircuits(t *testing.T) {
	t.Parallel()

	p1 := providertest.New("p1", model.CapabilityClassification)
	p2 := providertest.New("p2", model.CapabilityClassification)
	o := NewOrchestrator(engine(), []provider.Adapter{p1, p2}, nil)

	out := o.Classify(context.Background(), fix4Phone)

	assert.Equal(t, "p1", out.ProviderUsed)
	assert.Equal(t, 1, p1.Calls(fix4Phone.ID))
	assert.Equal(t, 0, p2.Calls(fix4Phone.ID), "p2 must not run after p1 succeeded")
	assert.Empty(t, out.FallbackLog)
	assert.False(t, out.Degraded)
	require.Len(t, out.Attempts, 1)
	assert.True(t, out.Attempts[0].Success)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, 0.9, *out.Confidence)
	assert.NotEmpty(t, out.Raw)
}

func TestClassify_FallsThroughInOrder(t *testing.T) {
	t.Parallel()

	p1 := providertest.Failing("p1", model.CapabilityClassification, "p1: http 503")
	p2 := providertest.New("p2", model.CapabilityClassification)
	p3 := providertest.New("p3", model.CapabilityClassification)
	o := NewOrchestrator(engine(), []provider.Adapter{p1, p2, p3}, nil)

	out := o.Classify(context.Background(), fix4Phone)

	assert.Equal(t, "p2", out.ProviderUsed)
	assert.Equal(t, []string{"p1: http 503"}, out.FallbackLog)
	assert.Equal(t, 0, p3.Total())
	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Success)
	assert.Equal(t, "p2", out.Attempts[1].Provider)
}

func TestClassify_AllProvidersDown(t *testing.T) {
	t.Parallel()

	chain := []provider.Adapter{
		providertest.Failing("anthropic", model.CapabilityClassification, "connection refused"),
		providertest.Failing("openai", model.CapabilityClassification, "timeout"),
	}
	o := NewOrchestrator(engine(), chain, nil)

	out := o.Classify(context.Background(), fix4Phone)

	assert.Equal(t, model.ProviderRuleEngine, out.ProviderUsed)
	assert.True(t, out.Degraded)
	assert.True(t, out.Data.IsTargetCategory)
	require.NotNil(t, out.Confidence)
	assert.GreaterOrEqual(t, *out.Confidence, 0.33)
	assert.LessOrEqual(t, *out.Confidence, 1.0)
	assert.Equal(t, []string{"anthropic: connection refused", "openai: timeout"}, out.FallbackLog)
}

func TestEnhance_AllProvidersDown(t *testing.T) {
	t.Parallel()

	chain := []provider.Adapter{providertest.Failing("gemini", model.CapabilityEnhancement, "quota")}
	o := NewOrchestrator(engine(), nil, chain)

	out := o.Enhance(context.Background(), fix4Phone)

	assert.Equal(t, model.ProviderRuleEngine, out.ProviderUsed)
	assert.NotEmpty(t, out.Data.EnhancedDescription)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, 1.0, *out.Confidence)
	assert.Equal(t, []string{"gemini: quota"}, out.FallbackLog)
}

func TestEnhance_Success(t *testing.T) {
	t.Parallel()

	p := providertest.New("openai", model.CapabilityEnhancement)
	o := NewOrchestrator(engine(), nil, []provider.Adapter{p})

	out := o.Enhance(context.Background(), fix4Phone)
	assert.Equal(t, "openai", out.ProviderUsed)
	assert.Equal(t, "Fix4Phone described by openai", out.Data.EnhancedDescription)
	assert.Nil(t, out.Confidence)
}

func TestRun_EmptyChainUsesRuleEngine(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(engine(), nil, nil)
	out := o.Classify(context.Background(), model.Record{ID: "x", Name: "Corner Bakery"})
	assert.Equal(t, model.ProviderRuleEngine, out.ProviderUsed)
	assert.Empty(t, out.FallbackLog)
	assert.False(t, out.Data.IsTargetCategory)
}

func TestRun_SuccessWithoutPayloadIsFailure(t *testing.T) {
	t.Parallel()

	liar := providertest.New("liar", model.CapabilityClassification)
	liar.Respond = func(context.Context, model.Record) provider.Result {
		return provider.Result{Provider: "liar", Success: true}
	}
	o := NewOrchestrator(engine(), []provider.Adapter{liar}, nil)

	out := o.Classify(context.Background(), fix4Phone)
	assert.Equal(t, model.ProviderRuleEngine, out.ProviderUsed)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, resilience.KindMalformed, out.Attempts[0].ErrorKind)
}

func TestRun_AdapterPanicIsAbsorbed(t *testing.T) {
	t.Parallel()

	boom := providertest.New("boom", model.CapabilityEnhancement)
	boom.Respond = func(context.Context, model.Record) provider.Result { panic("bad") }
	ok := providertest.New("ok", model.CapabilityEnhancement)
	o := NewOrchestrator(engine(), nil, []provider.Adapter{boom, ok})

	out := o.Enhance(context.Background(), fix4Phone)
	assert.Equal(t, "ok", out.ProviderUsed)
	require.Len(t, out.FallbackLog, 1)
	assert.Contains(t, out.FallbackLog[0], "boom: panic: bad")
}

func TestRun_EmergencyFallback(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(panickingFallback{},
		[]provider.Adapter{providertest.Failing("p1", model.CapabilityClassification, "down")},
		[]provider.Adapter{providertest.Failing("p1", model.CapabilityEnhancement, "down")},
	)

	c := o.Classify(context.Background(), fix4Phone)
	assert.Equal(t, model.ProviderEmergencyFallback, c.ProviderUsed)
	require.NotNil(t, c.Confidence)
	assert.Equal(t, 0.0, *c.Confidence)
	assert.False(t, c.Data.IsTargetCategory)
	assert.Equal(t, []string{"p1: down", "rule_engine: lexicon corrupted"}, c.FallbackLog)

	e := o.Enhance(context.Background(), fix4Phone)
	assert.Equal(t, model.ProviderEmergencyFallback, e.ProviderUsed)
	assert.Equal(t, "Fix4Phone is a local business located at 12 Main St.", e.Data.EnhancedDescription)
}

func TestRun_CanceledContextStillReturnsResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := providertest.New("p1", model.CapabilityClassification)
	p.Respond = func(ctx context.Context, _ model.Record) provider.Result {
		return provider.Failed("p1", eris.Wrap(ctx.Err(), "p1"))
	}
	o := NewOrchestrator(engine(), []provider.Adapter{p}, nil)

	out := o.Classify(ctx, fix4Phone)
	assert.Equal(t, model.ProviderRuleEngine, out.ProviderUsed)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, resilience.KindCanceled, out.Attempts[0].ErrorKind)
}

// Five records, P1 down for record #3 only: #3 falls to P2, the rest stay on P1.
func TestClassify_BatchOfFiveWithSelectiveFailure(t *testing.T) {
	t.Parallel()

	p1 := providertest.FailingFor("p1", model.CapabilityClassification, "rec-3")
	p2 := providertest.New("p2", model.CapabilityClassification)
	o := NewOrchestrator(engine(), []provider.Adapter{p1, p2}, nil)

	for i := 1; i <= 5; i++ {
		rec := model.Record{ID: fmt.Sprintf("rec-%d", i), Name: fmt.Sprintf("Shop %d", i)}
		out := o.Classify(context.Background(), rec)
		if i == 3 {
			assert.Equal(t, "p2", out.ProviderUsed, rec.ID)
			assert.Equal(t, 1, p2.Calls(rec.ID))
			continue
		}
		assert.Equal(t, "p1", out.ProviderUsed, rec.ID)
		assert.Equal(t, 0, p2.Calls(rec.ID), rec.ID)
	}
	assert.Equal(t, 5, p1.Total())
	assert.Equal(t, 1, p2.Total())
}

func TestConcurrentUseKeepsLogsSeparate(t *testing.T) {
	t.Parallel()

	p1 := providertest.FailingFor("p1", model.CapabilityClassification, "bad")
	o := NewOrchestrator(engine(), []provider.Adapter{p1}, nil)

	done := make(chan Outcome[model.ClassificationResult], 20)
	for i := 0; i < 20; i++ {
		id := "good"
		if i%2 == 0 {
			id = "bad"
		}
		go func(id string) {
			done <- o.Classify(context.Background(), model.Record{ID: id, Name: "x"})
		}(id)
	}
	for i := 0; i < 20; i++ {
		out := <-done
		if out.ProviderUsed == "p1" {
			assert.Empty(t, out.FallbackLog)
		} else {
			assert.Len(t, out.FallbackLog, 1)
		}
	}
}

func TestProviders(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(engine(),
		[]provider.Adapter{providertest.New("a", model.CapabilityClassification), providertest.New("b", model.CapabilityClassification)},
		nil,
	)
	assert.Equal(t, []string{"a", "b", model.ProviderRuleEngine}, o.Providers(model.CapabilityClassification))
	assert.Equal(t, []string{model.ProviderRuleEngine}, o.Providers(model.CapabilityEnhancement))
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http 503", failureMessage("openai", eris.New("openai: http 503")))
	assert.Equal(t, "timeout", failureMessage("openai", eris.New("timeout")))
}
