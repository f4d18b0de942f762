package scheduler

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/dispatch"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
)

// Store is the slice of the message store the sweeper needs.
type Store interface {
	DueForDelivery(ctx context.Context, now time.Time, limit int) ([]core.Message, error)
}

// Deliverer hands a due message to the delivery path.
type Deliverer interface {
	Deliver(ctx context.Context, msg core.Message) (dispatch.Outcome, error)
}

type Options struct {
	Interval     time.Duration // sweep cadence; precision finer than this is not promised
	BatchSize    int           // due messages per sweep
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

// Sweeper periodically drains the due set into the dispatcher. A message
// that stays Queued is simply picked up again next sweep; the store-level
// CAS makes racing attempts harmless.
type Sweeper struct {
	Store     Store
	Deliverer Deliverer
	Opt       Options

	// Now is swappable for tests; nil means time.Now.
	Now func() time.Time

	flight sync.Mutex
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run ticks until ctx is canceled. time.Ticker drops ticks that fire while
// the loop body is busy, and SweepOnce itself refuses to overlap, so sweeps
// are strictly single-flight.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Opt.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	dbBackoff := s.Opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				// Backoff on store errors (exponential + jitter), then
				// let the next tick retry rather than crashing. Shutdown
				// must not wait out the backoff.
				sleep := jitter(dbBackoff, 0.20)
				log.Printf("scheduler: sweep error: %v; backing off %s", err, sleep)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
				}
				dbBackoff = minDur(s.Opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
				continue
			}
			dbBackoff = s.Opt.DBBackoffMin // reset on success
		}
	}
}

// SweepOnce fetches the due set and attempts delivery for each message. It
// returns the number of messages that reached a live channel. If a previous
// sweep is still in flight the call is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (delivered int, err error) {
	if !s.flight.TryLock() {
		return 0, nil
	}
	defer s.flight.Unlock()

	start := time.Now()
	batch := s.Opt.BatchSize
	if batch <= 0 {
		batch = 100
	}

	msgs, err := s.Store.DueForDelivery(ctx, s.now(), batch)
	if err != nil {
		metrics.SweepTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.SweepBatchSize.Observe(float64(len(msgs)))
	if len(msgs) == 0 {
		metrics.SweepTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}

	for _, m := range msgs {
		out, err := s.Deliverer.Deliver(ctx, m)
		if err != nil {
			// Premature here would be a bug in the due query; log loudly.
			log.Printf("scheduler: deliver %d: %v", m.ID, err)
			continue
		}
		if out == dispatch.OutcomeDelivered {
			delivered++
		}
	}

	metrics.SweepTotal.WithLabelValues("ok").Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	return delivered, nil
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
