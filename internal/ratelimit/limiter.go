// Package ratelimit provides the sliding-window limiter that bounds
// outbound Telegram sends across all concurrently running broadcasts
// sharing one bot token.
package ratelimit

import (
	"context"
	"time"
)

// SlidingWindow permits at most rate acquisitions within any rolling
// interval of length period. Acquire blocks (it never rejects), so
// callers always eventually proceed. One instance is shared by every
// broadcast executor; the timestamp history is the only shared mutable
// state and is guarded by the semaphore channel below.
type SlidingWindow struct {
	rate   int
	period time.Duration

	// sem serializes access to history. A buffered channel instead of
	// a mutex keeps the wait cancellable by context.
	sem     chan struct{}
	history []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewSlidingWindow(rate int, period time.Duration) *SlidingWindow {
	if rate <= 0 {
		rate = 25
	}
	if period <= 0 {
		period = time.Second
	}
	sw := &SlidingWindow{
		rate:    rate,
		period:  period,
		sem:     make(chan struct{}, 1),
		history: make([]time.Time, 0, rate+1),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	return sw
}

// Acquire blocks until a send is permitted, then records it and
// returns. It returns early only when ctx is done.
func (sw *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		select {
		case sw.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		now := sw.now()
		sw.prune(now)

		if len(sw.history) < sw.rate {
			sw.history = append(sw.history, now)
			<-sw.sem
			return nil
		}

		// Window full: wait until the oldest entry leaves it, then
		// re-check. Another goroutine may have slipped in meanwhile,
		// hence the loop.
		wait := sw.history[0].Add(sw.period).Sub(now)
		<-sw.sem

		if wait > 0 {
			if err := sw.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// prune drops history entries that have left the window. Caller holds sem.
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.period)
	i := 0
	for i < len(sw.history) && !sw.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.history = append(sw.history[:0], sw.history[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
