// Package resilience guards outbound handler calls (the HTTP handler's
// requests to a downstream system, §4.8) with an adaptive circuit breaker,
// adapted from the teacher's libs/go/core/resilience.CircuitBreaker: a
// rolling failure-rate window that opens the circuit, cools down, and
// admits a bounded number of half-open probes before closing again. The
// per-attempt retry policy already lives in the coordinator's use of
// cenkalti/backoff; this package is the complementary "stop calling a
// downstream that's already down" half.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker opens once a rolling window of outcomes exceeds a
// failure-rate threshold, and admits a bounded number of half-open probes
// before fully closing again.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker evaluating outcomes over a rolling
// window of windowSize split into buckets buckets, opening once at least
// minSamples outcomes have been seen and the failure rate reaches
// failureRateOpen, cooling down for halfOpenAfter before admitting up to
// maxHalfOpenProbes probe requests.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow reports whether a call may proceed right now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records the outcome of a call that Allow permitted.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		if total, failures := c.window.stats(); total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		if total, failures := c.window.stats(); total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	meter := otel.GetMeterProvider().Meter("tasker-resilience")
	counter, _ := meter.Int64Counter("tasker_circuit_breaker_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	meter := otel.GetMeterProvider().Meter("tasker-resilience")
	counter, _ := meter.Int64Counter("tasker_circuit_breaker_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow buckets outcomes into fixed time slices so RecordResult can
// compute a recent (not all-time) failure rate.
type slidingWindow struct {
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

// bucket tallies one time slot's outcomes. slot is the slot number (unix
// time divided by the window's interval) the tally belongs to, so add can
// tell a reused array index apart from an actual rollover into a new slot.
type bucket struct {
	slot          int64
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentSlot(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

// add records one outcome into the bucket for the current time slot. The
// bucket is reset only when its stored slot number differs from the current
// one (the slot has actually rolled over); multiple calls landing in the
// same slot accumulate instead of each clobbering the last, so concurrent
// traffic within one interval isn't undercounted.
func (w *slidingWindow) add(success bool) {
	slot := w.currentSlot(w.nowFn())
	idx := int(slot % int64(len(w.data)))
	if w.data[idx].slot != slot {
		w.data[idx] = bucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
