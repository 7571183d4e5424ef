package backlog

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Default protocol parameters.
const (
	// DefaultBound is the backlog upper bound (16 MiB).
	DefaultBound = 16 * 1024 * 1024
	// DefaultWakeFraction is the fraction of the bound below which a debit
	// wakes the producer.
	DefaultWakeFraction = 0.25
)

// ErrInvalidConfig is returned for out-of-range controller settings.
var ErrInvalidConfig = errors.New("invalid backlog config")

// Config configures a Controller.
type Config struct {
	// Bound is the upper bound in bytes. The producer blocks at or above it.
	Bound int32
	// WakeFraction is in (0, 1]; the wake threshold is Bound*WakeFraction.
	WakeFraction float64
}

// DefaultConfig returns the reference protocol parameters.
func DefaultConfig() Config {
	return Config{Bound: DefaultBound, WakeFraction: DefaultWakeFraction}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Bound <= 0 {
		return fmt.Errorf("%w: bound must be > 0, got %d", ErrInvalidConfig, c.Bound)
	}
	if c.WakeFraction <= 0 || c.WakeFraction > 1 || math.IsNaN(c.WakeFraction) {
		return fmt.Errorf("%w: wake fraction must be in (0, 1], got %v", ErrInvalidConfig, c.WakeFraction)
	}
	return nil
}

// Controller applies the backpressure protocol to one shared counter.
//
// Consumer side: Debit on every received chunk, Hold before a flush is
// queued, Release when the queued flush runs. The consumer never blocks.
// Producer side: Acquire before sending each chunk.
type Controller struct {
	counter   *Counter
	bound     int32
	threshold int32
}

// NewController binds the protocol to counter.
func NewController(counter *Counter, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold := int32(float64(cfg.Bound) * cfg.WakeFraction)
	if threshold < 1 {
		threshold = 1
	}
	return &Controller{
		counter:   counter,
		bound:     cfg.Bound,
		threshold: threshold,
	}, nil
}

// Counter returns the shared counter.
func (c *Controller) Counter() *Counter { return c.counter }

// Bound returns the upper bound.
func (c *Controller) Bound() int32 { return c.bound }

// Threshold returns the wake threshold.
func (c *Controller) Threshold() int32 { return c.threshold }

// Debit subtracts n received bytes. A notification is issued exactly when
// the debit moves the counter from at-or-above the wake threshold to below it.
func (c *Controller) Debit(n int) (value int32, woke bool) {
	delta := int32(n)
	value = c.counter.Sub(delta)
	before := value + delta
	if before >= c.threshold && value < c.threshold {
		c.counter.Notify()
		return value, true
	}
	return value, false
}

// Hold adds a full bound of artificial debt, pausing the producer until
// the matching Release.
func (c *Controller) Hold() int32 {
	return c.counter.Add(c.bound)
}

// Release reverses one Hold and wakes the producer.
func (c *Controller) Release() int32 {
	value := c.counter.Sub(c.bound)
	c.counter.Notify()
	return value
}

// Acquire is the producer half of the protocol: it blocks while the
// counter is at or above the bound, then accounts n bytes as outstanding.
func (c *Controller) Acquire(ctx context.Context, n int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := c.counter.Load()
		if v < c.bound {
			c.counter.Add(int32(n))
			return nil
		}
		if c.counter.Wait(ctx, v, 0) == WaitCanceled {
			return ctx.Err()
		}
	}
}
