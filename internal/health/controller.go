// Package health tracks backend reachability and flips the engine between
// Normal and Degraded. While Degraded, writes fail fast and reads are
// served stale from cache; the engine never fabricates domain data to
// paper over a failing backend.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Mode int

const (
	Normal Mode = iota
	Degraded
)

func (m Mode) String() string {
	if m == Degraded {
		return "degraded"
	}
	return "normal"
}

// Options tunes the failure window. Zero values select the defaults:
// 3 consecutive failures within 30 seconds.
type Options struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Logger           *slog.Logger
}

type Controller struct {
	opts  Options
	clock func() time.Time

	mu       sync.Mutex
	mode     Mode
	failures []time.Time
}

func NewController(opts Options) *Controller {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{opts: opts, clock: time.Now}
	modeGauge.Set(0)
	return c
}

// Do runs fn and records the outcome. Failures of the "entity does not
// exist" kind should not be routed through Do; only transport/backend
// availability failures count against the window.
func (c *Controller) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		c.RecordFailure(op)
		return err
	}
	c.RecordSuccess()
	return nil
}

// RecordFailure counts one backend failure; crossing the threshold within
// the rolling window flips the controller to Degraded.
func (c *Controller) RecordFailure(op string) {
	now := c.clock()

	c.mu.Lock()
	cutoff := now.Add(-c.opts.FailureWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	flipped := false
	if c.mode == Normal && len(c.failures) >= c.opts.FailureThreshold {
		c.mode = Degraded
		flipped = true
	}
	c.mu.Unlock()

	failureCounter.Inc()
	if flipped {
		transitionCounter.WithLabelValues("degraded").Inc()
		modeGauge.Set(1)
		c.opts.Logger.Warn("backend degraded",
			slog.String("op", op),
			slog.Int("threshold", c.opts.FailureThreshold))
	}
}

// RecordSuccess resets the window; one success restores Normal.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	c.failures = c.failures[:0]
	flipped := c.mode == Degraded
	c.mode = Normal
	c.mu.Unlock()

	if flipped {
		transitionCounter.WithLabelValues("normal").Inc()
		modeGauge.Set(0)
		c.opts.Logger.Info("backend recovered")
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Degraded reports whether writes should fail fast and reads be flagged
// stale.
func (c *Controller) Degraded() bool {
	return c.Mode() == Degraded
}
