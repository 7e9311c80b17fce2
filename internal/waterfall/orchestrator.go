// Package waterfall runs ordered provider chains per capability with the
// rule engine as the terminal fallback.
package waterfall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/waterfall/provider"
)

// Fallback is the local engine that runs after every external provider failed.
// *rules.Engine satisfies it.
type Fallback interface {
	Classify(rec model.Record) model.ClassificationResult
	Enhance(rec model.Record) model.EnhancementResult
}

// ProviderAttempt is one adapter call made while resolving a capability.
type ProviderAttempt struct {
	Provider   string               `json:"provider"`
	Success    bool                 `json:"success"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  resilience.ErrorKind `json:"error_kind,omitempty"`
	DurationMs int64                `json:"duration_ms"`
}

// Outcome is the result of running one capability chain. It is always
// populated; degradation is reported through ProviderUsed, FallbackLog and
// Degraded rather than an error.
type Outcome[T any] struct {
	Data         T                 `json:"data"`
	Confidence   *float64          `json:"confidence,omitempty"`
	ProviderUsed string            `json:"provider_used"`
	FallbackLog  []string          `json:"fallback_log,omitempty"`
	Attempts     []ProviderAttempt `json:"attempts,omitempty"`
	Raw          json.RawMessage   `json:"raw,omitempty"`
	// Degraded is true when a local fallback produced the result.
	Degraded bool `json:"degraded"`
}

// Orchestrator executes provider chains in fixed rank order.
type Orchestrator struct {
	fallback       Fallback
	classification []provider.Adapter
	enhancement    []provider.Adapter
}

// NewOrchestrator creates an Orchestrator. Either chain may be empty, in
// which case the fallback answers directly.
func NewOrchestrator(fallback Fallback, classification, enhancement []provider.Adapter) *Orchestrator {
	return &Orchestrator{
		fallback:       fallback,
		classification: classification,
		enhancement:    enhancement,
	}
}

// Providers returns the configured chain for a capability, in rank order,
// followed by the rule engine.
func (o *Orchestrator) Providers(c model.Capability) []string {
	var chain []provider.Adapter
	switch c {
	case model.CapabilityClassification:
		chain = o.classification
	case model.CapabilityEnhancement:
		chain = o.enhancement
	}
	names := make([]string, 0, len(chain)+1)
	for _, a := range chain {
		names = append(names, a.Name())
	}
	return append(names, model.ProviderRuleEngine)
}

// Classify resolves the classification capability for rec.
func (o *Orchestrator) Classify(ctx context.Context, rec model.Record) Outcome[model.ClassificationResult] {
	return run(ctx, o.classification, model.CapabilityClassification, rec,
		func(r provider.Result) (model.ClassificationResult, bool) {
			c, ok := r.Classification()
			if !ok {
				return model.ClassificationResult{}, false
			}
			return *c, true
		},
		func() (model.ClassificationResult, float64) {
			res := o.fallback.Classify(rec)
			return res, res.Confidence
		},
		func(cause any) model.ClassificationResult {
			return model.ClassificationResult{
				Tags:      []string{},
				Rationale: fmt.Sprintf("emergency fallback: rule engine failed: %v", cause),
			}
		},
	)
}

// Enhance resolves the enhancement capability for rec.
func (o *Orchestrator) Enhance(ctx context.Context, rec model.Record) Outcome[model.EnhancementResult] {
	return run(ctx, o.enhancement, model.CapabilityEnhancement, rec,
		func(r provider.Result) (model.EnhancementResult, bool) {
			e, ok := r.Enhancement()
			if !ok || strings.TrimSpace(e.EnhancedDescription) == "" {
				return model.EnhancementResult{}, false
			}
			return *e, true
		},
		func() (model.EnhancementResult, float64) {
			return o.fallback.Enhance(rec), o.fallback.Classify(rec).Confidence
		},
		func(any) model.EnhancementResult {
			return model.EnhancementResult{
				EnhancedDescription: emergencyDescription(rec),
				Keywords:            []string{},
				SuggestedTags:       []string{},
			}
		},
	)
}

func run[T any](
	ctx context.Context,
	chain []provider.Adapter,
	c model.Capability,
	rec model.Record,
	extract func(provider.Result) (T, bool),
	local func() (T, float64),
	emergency func(cause any) T,
) Outcome[T] {
	var out Outcome[T]
	log := zap.L().With(
		zap.String("record_id", rec.ID),
		zap.String("capability", string(c)),
	)

	for _, a := range chain {
		start := time.Now()
		res := provider.Guard(a).Invoke(ctx, rec)
		elapsed := time.Since(start).Milliseconds()

		var data T
		ok := res.Success
		if ok {
			data, ok = extract(res)
			if !ok {
				res.Err = resilience.Malformed(eris.Errorf("%s returned success without a %s payload", a.Name(), c))
			}
		}

		if ok {
			out.Attempts = append(out.Attempts, ProviderAttempt{Provider: a.Name(), Success: true, DurationMs: elapsed})
			out.Data = data
			out.Confidence = res.Confidence
			out.ProviderUsed = a.Name()
			out.Raw = res.Raw
			return out
		}

		if res.Err == nil {
			res.Err = eris.New("failed without an error")
		}
		msg := failureMessage(a.Name(), res.Err)
		out.Attempts = append(out.Attempts, ProviderAttempt{
			Provider:   a.Name(),
			Error:      msg,
			ErrorKind:  resilience.Classify(res.Err),
			DurationMs: elapsed,
		})
		out.FallbackLog = append(out.FallbackLog, a.Name()+": "+msg)
		log.Debug("waterfall: provider failed, trying next",
			zap.String("provider", a.Name()),
			zap.Int64("duration_ms", elapsed),
			zap.Error(res.Err),
		)
	}

	out.Degraded = true
	data, conf, cause := runLocal(local)
	if cause != nil {
		log.Error("waterfall: rule engine failed, using emergency fallback", zap.Any("panic", cause))
		out.Data = emergency(cause)
		zero := 0.0
		out.Confidence = &zero
		out.ProviderUsed = model.ProviderEmergencyFallback
		out.FallbackLog = append(out.FallbackLog, fmt.Sprintf("%s: %v", model.ProviderRuleEngine, cause))
		return out
	}

	if len(chain) > 0 {
		log.Warn("waterfall: all providers failed, using rule engine",
			zap.Strings("fallback_log", out.FallbackLog),
		)
	}
	out.Data = data
	out.Confidence = &conf
	out.ProviderUsed = model.ProviderRuleEngine
	return out
}

// runLocal calls the fallback, converting a panic into a non-nil cause.
func runLocal[T any](local func() (T, float64)) (data T, conf float64, cause any) {
	defer func() {
		if r := recover(); r != nil {
			cause = r
		}
	}()
	data, conf = local()
	return data, conf, nil
}

// failureMessage strips a leading "<provider>: " so log entries read
// "<provider>: <error>" exactly once.
func failureMessage(name string, err error) string {
	msg := err.Error()
	for strings.HasPrefix(msg, name+": ") {
		msg = strings.TrimPrefix(msg, name+": ")
	}
	return msg
}

func emergencyDescription(rec model.Record) string {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = "This business"
	}
	if addr := strings.TrimSpace(rec.Address); addr != "" {
		return fmt.Sprintf("%s is a local business located at %s.", name, addr)
	}
	return fmt.Sprintf("%s is a local business.", name)
}
