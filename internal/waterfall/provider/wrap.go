package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// DefaultTimeout bounds a single adapter call when none is configured.
const DefaultTimeout = 30 * time.Second

type timeoutAdapter struct {
	Adapter
	timeout time.Duration
}

// WithTimeout bounds every Invoke to d. The inner call runs in its own
// goroutine so an adapter that ignores its context still cannot stall the
// caller past the deadline.
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutAdapter{Adapter: a, timeout: d}
}

func (t *timeoutAdapter) Invoke(ctx context.Context, rec model.Record) Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- Guard(t.Adapter).Invoke(ctx, rec)
	}()

	select {
	case res := <-done:
		if !res.Success && ctx.Err() == context.DeadlineExceeded {
			res.Err = eris.Wrapf(context.DeadlineExceeded, "timed out after %s", t.timeout)
		}
		return res
	case <-ctx.Done():
		return Failed(t.Name(), eris.Wrapf(ctx.Err(), "timed out after %s", t.timeout))
	}
}

type breakerAdapter struct {
	Adapter
	breaker *resilience.CircuitBreaker
}

// WithBreaker short-circuits calls while the provider's breaker is open.
func WithBreaker(a Adapter, cb *resilience.CircuitBreaker) Adapter {
	if cb == nil {
		return a
	}
	return &breakerAdapter{Adapter: a, breaker: cb}
}

func (b *breakerAdapter) Invoke(ctx context.Context, rec model.Record) Result {
	if err := b.breaker.Allow(); err != nil {
		return Failed(b.Name(), err)
	}
	res := b.Adapter.Invoke(ctx, rec)
	if res.Success {
		b.breaker.Record(nil)
	} else {
		b.breaker.Record(res.Err)
	}
	return res
}

type guardAdapter struct {
	Adapter
}

// Guard converts a panic inside Invoke into a failed Result.
func Guard(a Adapter) Adapter {
	if g, ok := a.(*guardAdapter); ok {
		return g
	}
	return &guardAdapter{Adapter: a}
}

func (g *guardAdapter) Invoke(ctx context.Context, rec model.Record) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("provider: adapter panicked",
				zap.String("provider", g.Name()),
				zap.String("record_id", rec.ID),
				zap.Any("panic", r),
			)
			res = Failed(g.Name(), eris.Errorf("panic: %v", r))
		}
	}()
	return g.Adapter.Invoke(ctx, rec)
}

// Wrap applies the standard wrappers: a panic guard around a breaker around
// a per-call timeout.
func Wrap(a Adapter, timeout time.Duration, cb *resilience.CircuitBreaker) Adapter {
	return Guard(WithBreaker(WithTimeout(a, timeout), cb))
}
