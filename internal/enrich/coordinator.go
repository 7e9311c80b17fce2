// Package enrich drives batches of eligible records through classification,
// enhancement and geocoding, recording every capability call in the attempt log.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/waterfall"
)

// Geocoder resolves an address. *geocode.Integrator satisfies it.
type Geocoder interface {
	Provider() string
	Geocode(ctx context.Context, address string) (*model.GeocodingResult, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGeocoder enables the geocoding capability.
func WithGeocoder(g Geocoder) Option {
	return func(c *Coordinator) { c.geocoder = g }
}

// WithClock overrides the time source used for unique ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTokenSource overrides the random part of synthesized unique ids.
func WithTokenSource(token func() string) Option {
	return func(c *Coordinator) {
		if token != nil {
			c.token = token
		}
	}
}

// Coordinator processes records one at a time. It holds no per-batch state
// and may be shared by concurrent runs.
type Coordinator struct {
	store    store.Store
	orch     *waterfall.Orchestrator
	geocoder Geocoder
	now      func() time.Time
	token    func() string
}

// NewCoordinator creates a Coordinator. Without WithGeocoder the geocoding
// capability reports "disabled" and writes no attempt.
func NewCoordinator(st store.Store, orch *waterfall.Orchestrator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: st,
		orch:  orch,
		now:   time.Now,
		token: randomToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunBatch selects up to limit eligible records and processes them
// sequentially. A failing record never aborts the batch; the only error
// returned is a failure to select records. When ctx is canceled no further
// records are claimed and the record in flight is still finalized.
func (c *Coordinator) RunBatch(ctx context.Context, scope model.Scope, limit int) (*BatchSummary, error) {
	summary := c.newSummary(scope)

	recs, err := c.store.SelectEligible(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: select eligible")
	}
	summary.TotalCount = len(recs)

	log := zap.L().With(zap.String("batch_id", summary.BatchID), zap.String("scope", string(scope)))
	log.Info("enrich: batch started", zap.Int("eligible", len(recs)))

	for _, rec := range recs {
		if ctx.Err() != nil {
			summary.Canceled = true
			log.Warn("enrich: batch canceled, stopping before next claim",
				zap.Int("processed", summary.ProcessedCount),
				zap.Int("remaining", len(recs)-len(summary.Results)),
			)
			break
		}
		summary.add(c.ProcessRecord(ctx, summary.BatchID, scope, rec))
	}

	c.finish(summary)
	return summary, nil
}

func (c *Coordinator) newSummary(scope model.Scope) *BatchSummary {
	return &BatchSummary{
		BatchID:   uuid.New().String(),
		Scope:     scope,
		StartedAt: c.now(),
		Results:   []RecordResult{},
	}
}

func (c *Coordinator) finish(s *BatchSummary) {
	s.FinishedAt = c.now()
	zap.L().Info("enrich: batch complete",
		zap.String("batch_id", s.BatchID),
		zap.Int("total", s.TotalCount),
		zap.Int("processed", s.ProcessedCount),
		zap.Int("completed", s.Completed),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("degraded", s.Degraded),
		zap.Duration("duration", s.Duration()),
	)
}

// recordRun carries the state of one record through its steps. Once a
// record is claimed its steps run on ctx, which ignores cancellation of the
// batch: provider calls are bounded by their own timeouts, and the record
// always leaves processing with its real results.
type recordRun struct {
	c       *Coordinator
	ctx     context.Context
	batchID string
	rec     model.Record
	res     RecordResult
	log     *zap.Logger
}

// ProcessRecord claims and enriches a single record.
func (c *Coordinator) ProcessRecord(ctx context.Context, batchID string, scope model.Scope, rec model.Record) RecordResult {
	start := c.now()
	r := &recordRun{
		c:       c,
		ctx:     context.WithoutCancel(ctx),
		batchID: batchID,
		rec:     rec,
		res:     RecordResult{RecordID: rec.ID, UniqueID: rec.UniqueID},
		log:     zap.L().With(zap.String("batch_id", batchID), zap.String("record_id", rec.ID)),
	}
	defer func() { r.res.DurationMs = c.now().Sub(start).Milliseconds() }()

	ok, err := c.store.CompareAndSwapStatus(ctx, rec.ID, model.StatusPending, model.StatusProcessing)
	if err != nil {
		// Not claimed, so the stored status is left alone.
		r.res.Status = model.StatusFailed
		r.res.Error = eris.Wrap(err, "claim").Error()
		r.log.Error("enrich: claim failed", zap.Error(err))
		return r.res
	}
	if !ok {
		r.res.Skipped = true
		r.log.Debug("enrich: record claimed elsewhere, skipping")
		return r.res
	}

	if err := r.steps(scope); err != nil {
		r.fail(err)
		return r.res
	}
	r.complete()
	return r.res
}

func (r *recordRun) steps(scope model.Scope) error {
	if err := r.ensureUniqueID(); err != nil {
		return err
	}
	if scope.Includes(model.CapabilityClassification) {
		if err := r.classify(); err != nil {
			return err
		}
	}
	if scope.Includes(model.CapabilityEnhancement) {
		if err := r.enhance(); err != nil {
			return err
		}
	}
	if scope.Includes(model.CapabilityGeocoding) {
		if err := r.geocode(); err != nil {
			return err
		}
	}
	return nil
}

func (r *recordRun) ensureUniqueID() error {
	if r.rec.UniqueID != "" {
		return nil
	}
	id := fmt.Sprintf("%s-%d", r.c.token(), r.c.now().UnixMilli())
	if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, model.RecordUpdate{UniqueID: &id}); err != nil {
		return eris.Wrap(err, "persist unique id")
	}
	r.rec.UniqueID = id
	r.res.UniqueID = id
	return nil
}

func (r *recordRun) classify() error {
	start := r.c.now()
	out := r.c.orch.Classify(r.ctx, r.rec)
	elapsed := r.c.now().Sub(start)

	conf := out.Confidence
	if conf == nil {
		v := out.Data.Confidence
		conf = &v
	}
	target := out.Data.IsTargetCategory
	tags := out.Data.Tags
	if tags == nil {
		tags = []string{}
	}
	if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, model.RecordUpdate{
		IsTargetCategory: &target,
		Confidence:       conf,
		Tags:             tags,
	}); err != nil {
		return eris.Wrap(err, "persist classification")
	}
	r.rec.IsTargetCategory = &target
	r.rec.Confidence = conf
	r.rec.Tags = tags

	r.note(model.CapabilityClassification, out.ProviderUsed, out.Degraded, out.FallbackLog)
	return r.appendOutcome(model.CapabilityClassification, out.Data, conf, outcomeMeta(out), elapsed)
}

func (r *recordRun) enhance() error {
	start := r.c.now()
	out := r.c.orch.Enhance(r.ctx, r.rec)
	elapsed := r.c.now().Sub(start)

	var u model.RecordUpdate
	if desc := strings.TrimSpace(out.Data.EnhancedDescription); desc != "" {
		u.EnhancedDescription = &desc
	}
	if out.Data.Keywords != nil {
		u.Keywords = out.Data.Keywords
	}
	if out.Data.SuggestedTags != nil {
		u.SuggestedTags = out.Data.SuggestedTags
	}
	if !u.Empty() {
		if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, u); err != nil {
			return eris.Wrap(err, "persist enhancement")
		}
	}

	r.note(model.CapabilityEnhancement, out.ProviderUsed, out.Degraded, out.FallbackLog)
	return r.appendOutcome(model.CapabilityEnhancement, out.Data, out.Confidence, outcomeMeta(out), elapsed)
}

// geocode runs only for records without coordinates. A lookup failure is
// recorded and logged but does not fail the record.
func (r *recordRun) geocode() error {
	if r.rec.HasCoordinates() {
		r.res.GeocodeStatus = GeocodeSkipped
		return nil
	}
	if r.c.geocoder == nil {
		r.res.GeocodeStatus = GeocodeDisabled
		return nil
	}

	name := r.c.geocoder.Provider()
	input := mustJSON(map[string]string{"address": r.rec.Address})
	start := r.c.now()
	res, err := r.c.geocoder.Geocode(r.ctx, r.rec.Address)
	elapsed := r.c.now().Sub(start)

	a := r.attempt(model.CapabilityGeocoding, name, input, elapsed)
	if r.res.Providers == nil {
		r.res.Providers = make(map[model.Capability]string)
	}
	r.res.Providers[model.CapabilityGeocoding] = name

	if err != nil {
		r.res.GeocodeStatus = GeocodeFailed
		a.ErrorMessage = err.Error()
		a.OutputData = mustJSON(map[string]string{"error_kind": string(resilience.Classify(err))})
		r.log.Warn("enrich: geocoding failed, leaving coordinates empty",
			zap.String("provider", name), zap.Error(err))
		if err := r.c.store.AppendAttempt(r.ctx, a); err != nil {
			return eris.Wrap(err, "append geocoding attempt")
		}
		return nil
	}

	coords := model.Coordinates{Lat: res.Lat, Lng: res.Lng}
	tier := res.AccuracyTier
	if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, model.RecordUpdate{
		Coordinates: &coords,
		Accuracy:    &tier,
	}); err != nil {
		return eris.Wrap(err, "persist coordinates")
	}
	r.rec.Coordinates = &coords
	r.res.GeocodeStatus = GeocodeOK

	a.Success = true
	a.OutputData = mustJSON(res)
	if err := r.c.store.AppendAttempt(r.ctx, a); err != nil {
		return eris.Wrap(err, "append geocoding attempt")
	}
	return nil
}

// complete finalizes a processed record.
func (r *recordRun) complete() {
	if r.rec.LastError != "" {
		empty := ""
		if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, model.RecordUpdate{LastError: &empty}); err != nil {
			r.fail(eris.Wrap(err, "clear last error"))
			return
		}
	}
	ok, err := r.c.store.CompareAndSwapStatus(r.ctx, r.rec.ID, model.StatusProcessing, model.StatusCompleted)
	if err != nil {
		r.fail(eris.Wrap(err, "finalize"))
		return
	}
	if !ok {
		r.res.Status = model.StatusFailed
		r.res.Error = "finalize: record no longer in processing"
		r.log.Error("enrich: record left processing while claimed")
		return
	}
	r.res.Status = model.StatusCompleted
	r.log.Debug("enrich: record completed", zap.Bool("degraded", r.res.Degraded))
}

// fail records a storage-level error on the record and moves it to failed.
func (r *recordRun) fail(cause error) {
	msg := cause.Error()
	r.res.Status = model.StatusFailed
	r.res.Error = msg
	r.log.Error("enrich: record failed", zap.Error(cause))

	if err := r.c.store.UpdateFields(r.ctx, r.rec.ID, model.RecordUpdate{LastError: &msg}); err != nil {
		r.log.Error("enrich: could not persist last error", zap.Error(err))
	}
	if _, err := r.c.store.CompareAndSwapStatus(r.ctx, r.rec.ID, model.StatusProcessing, model.StatusFailed); err != nil {
		r.log.Error("enrich: could not mark record failed", zap.Error(err))
	}
}

func (r *recordRun) note(c model.Capability, providerUsed string, degraded bool, fallbackLog []string) {
	if r.res.Providers == nil {
		r.res.Providers = make(map[model.Capability]string)
	}
	r.res.Providers[c] = providerUsed
	if degraded {
		r.res.Degraded = true
	}
	r.res.FallbackReasons = append(r.res.FallbackReasons, fallbackLog...)
}

func (r *recordRun) attempt(c model.Capability, providerUsed string, input json.RawMessage, elapsed time.Duration) model.Attempt {
	return model.Attempt{
		ID:            uuid.New().String(),
		BatchID:       r.batchID,
		RecordID:      r.rec.ID,
		Capability:    c,
		ProviderUsed:  providerUsed,
		InputSnapshot: input,
		DurationMs:    elapsed.Milliseconds(),
		Timestamp:     r.c.now(),
	}
}

// meta is the orchestrator bookkeeping attached to an attempt.
type meta struct {
	providerUsed string
	fallbackLog  []string
	attempts     []waterfall.ProviderAttempt
	raw          json.RawMessage
	degraded     bool
}

func outcomeMeta[T any](o waterfall.Outcome[T]) meta {
	return meta{
		providerUsed: o.ProviderUsed,
		fallbackLog:  o.FallbackLog,
		attempts:     o.Attempts,
		raw:          o.Raw,
		degraded:     o.Degraded,
	}
}

// attemptOutput is the stored output of a classification or enhancement attempt.
type attemptOutput struct {
	Result           any                         `json:"result"`
	ProviderAttempts []waterfall.ProviderAttempt `json:"provider_attempts,omitempty"`
	Degraded         bool                        `json:"degraded"`
	Raw              json.RawMessage             `json:"raw,omitempty"`
}

func (r *recordRun) appendOutcome(c model.Capability, data any, conf *float64, m meta, elapsed time.Duration) error {
	a := r.attempt(c, m.providerUsed, snapshot(r.rec), elapsed)
	a.Success = true
	a.Confidence = conf
	a.FallbackLog = m.fallbackLog
	raw := m.raw
	if !json.Valid(raw) {
		raw = nil
	}
	a.OutputData = mustJSON(attemptOutput{
		Result:           data,
		ProviderAttempts: m.attempts,
		Degraded:         m.degraded,
		Raw:              raw,
	})
	if err := r.c.store.AppendAttempt(r.ctx, a); err != nil {
		return eris.Wrapf(err, "append %s attempt", c)
	}
	return nil
}

// snapshot is the record input as the providers saw it.
func snapshot(rec model.Record) json.RawMessage {
	return mustJSON(map[string]string{
		"id":          rec.ID,
		"unique_id":   rec.UniqueID,
		"name":        rec.Name,
		"address":     rec.Address,
		"description": rec.Description,
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("enrich: marshal attempt payload", zap.Error(err))
		return nil
	}
	return data
}

// randomToken returns eight upper-case hex characters.
func randomToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}
