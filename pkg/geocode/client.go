// Package geocode resolves free-text addresses to coordinates through a single
// rate-limited provider.
package geocode

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sells-group/enrich-cli/internal/model"
)

const (
	// DefaultInterval is the minimum spacing between outbound provider calls.
	DefaultInterval = time.Second
	// DefaultLookupTimeout bounds a shared lookup, including its rate limit wait.
	DefaultLookupTimeout = time.Minute
)

// ErrNoMatch is returned when the provider has no candidate for an address.
var ErrNoMatch = eris.New("geocode: no match")

// Client geocodes a single address.
type Client interface {
	Geocode(ctx context.Context, address string) (*model.GeocodingResult, error)
}

// Option configures the Integrator.
type Option func(*Integrator)

// WithInterval sets the minimum spacing between provider calls.
func WithInterval(d time.Duration) Option {
	return func(g *Integrator) {
		if d > 0 {
			g.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLimiter shares an existing limiter, e.g. between concurrent batch shards.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *Integrator) {
		if l != nil {
			g.limiter = l
		}
	}
}

// WithLookupTimeout bounds each shared lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(g *Integrator) {
		if d > 0 {
			g.lookupTimeout = d
		}
	}
}

// Integrator wraps one Provider with a global rate limit. There is no
// fallback provider: a failed lookup is returned to the caller.
type Integrator struct {
	provider      Provider
	limiter       *rate.Limiter
	lookupTimeout time.Duration
	group         singleflight.Group
}

// NewIntegrator creates an Integrator that calls p at most once per
// DefaultInterval unless overridden.
func NewIntegrator(p Provider, opts ...Option) *Integrator {
	g := &Integrator{
		provider:      p,
		limiter:       rate.NewLimiter(rate.Every(DefaultInterval), 1),
		lookupTimeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the configured provider's name.
func (g *Integrator) Provider() string { return g.provider.Name() }

// Limiter returns the limiter gating provider calls.
func (g *Integrator) Limiter() *rate.Limiter { return g.limiter }

// Geocode resolves address using the provider's top-ranked candidate.
// Concurrent calls for the same address share one provider request. The
// shared request runs detached from any single caller and is bounded by the
// lookup timeout; a caller whose ctx ends stops waiting without failing the
// others.
func (g *Integrator) Geocode(ctx context.Context, address string) (*model.GeocodingResult, error) {
	address = strings.Join(strings.Fields(address), " ")
	if address == "" {
		return nil, eris.New("geocode: empty address")
	}

	ch := g.group.DoChan(strings.ToLower(address), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.lookupTimeout)
		defer cancel()
		return g.lookup(lctx, address)
	})

	select {
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "geocode: caller gave up")
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*model.GeocodingResult)
		if r.Shared {
			cp := *res
			return &cp, nil
		}
		return res, nil
	}
}

func (g *Integrator) lookup(ctx context.Context, address string) (*model.GeocodingResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit wait")
	}

	start := time.Now()
	candidates, raw, err := g.provider.Lookup(ctx, address)
	log := zap.L().With(
		zap.String("provider", g.provider.Name()),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		log.Debug("geocode: lookup failed", zap.Error(err))
		return nil, err
	}
	if len(candidates) == 0 {
		log.Debug("geocode: no candidates")
		return nil, ErrNoMatch
	}

	top := candidates[0]
	if !(model.Coordinates{Lat: top.Lat, Lng: top.Lng}).Valid() {
		return nil, eris.Errorf("geocode: %s returned out-of-range coordinates %f,%f", g.provider.Name(), top.Lat, top.Lng)
	}

	normalized := top.FormattedAddress
	if normalized == "" {
		normalized = address
	}
	return &model.GeocodingResult{
		Lat:                top.Lat,
		Lng:                top.Lng,
		AccuracyTier:       AccuracyTier(top.Quality),
		NormalizedAddress:  normalized,
		RawProviderPayload: raw,
	}, nil
}

// AccuracyTier maps a provider quality to the stored tier: rooftop matches
// are high, everything else medium.
func AccuracyTier(quality string) model.AccuracyTier {
	if quality == QualityRooftop {
		return model.AccuracyHigh
	}
	return model.AccuracyMedium
}
