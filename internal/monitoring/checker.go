package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultAlertCooldown = time.Hour
)

// Checker evaluates provider and pipeline health on an interval and sends
// alerts. An alert that already fired is held back until its cooldown
// expires, so a sustained outage pages once per cooldown instead of on
// every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	fired map[string]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		cooldown:  time.Duration(cfg.AlertCooldownMins) * time.Minute,
		now:       time.Now,
		fired:     make(map[string]time.Time),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.cooldown <= 0 {
		c.cooldown = defaultAlertCooldown
	}
	return c
}

// Run checks once immediately and then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Duration("cooldown", c.cooldown),
		zap.Int("lookback_hours", c.lookback),
	)

	if ctx.Err() == nil {
		c.Check(ctx)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and sends the alerts that are not cooling
// down. It returns the alerts that were due.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	triggered := c.alerter.Evaluate(snap)
	due := c.due(triggered)
	if len(due) == 0 {
		log.Debug("monitoring: nothing to send",
			zap.Int("triggered", len(triggered)),
			zap.Int("attempts", snap.Attempts),
			zap.Float64("degraded_rate", snap.DegradedRate),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(triggered)),
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return due
}

// due filters out alerts whose key fired within the cooldown and marks the
// rest as fired.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Alert
	for _, a := range alerts {
		key := alertKey(a)
		if last, ok := c.fired[key]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		c.fired[key] = now
		out = append(out, a)
	}
	return out
}

// alertKey separates provider alerts per provider and capability.
func alertKey(a Alert) string {
	key := string(a.Type)
	if a.Type == AlertProviderFailureRate {
		p, _ := a.Details["provider"].(string)
		cp, _ := a.Details["capability"].(string)
		key += "/" + p + "/" + cp
	}
	return key
}
