package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/presence"
)

// Store is the slice of the message store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, id int64) (core.Message, error)
	MarkDelivered(ctx context.Context, id int64) error
}

// Presence resolves a recipient to its live channels.
type Presence interface {
	ActiveChannelsFor(userID string) []presence.Channel
}

type Outcome string

const (
	// OutcomeDelivered: at least one live channel accepted the push.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeQueued: recipient offline or every push failed; the message
	// stays pending and the next sweep retries.
	OutcomeQueued Outcome = "queued"
	// OutcomeDropped: the message was tombstoned before the push fired;
	// deleted content is never delivered.
	OutcomeDropped Outcome = "dropped"
)

// Dispatcher bridges a persisted message to a live recipient, or leaves it
// correctly pending. Push failures are store-and-forward noise, never
// user-facing errors.
type Dispatcher struct {
	Store    Store
	Presence Presence

	// PushTimeout bounds each channel push; a hung device must not stall
	// fan-out to the rest.
	PushTimeout time.Duration

	// Limiter is a global push rate limit for this process (optional).
	Limiter *rate.Limiter

	// Now is swappable for tests; nil means time.Now.
	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) pushTimeout() time.Duration {
	if d.PushTimeout > 0 {
		return d.PushTimeout
	}
	return 3 * time.Second
}

// Deliver runs the push-or-mark-pending algorithm for a message that is
// already due. Callers holding a future-dated message have a bug, not a
// retryable condition.
func (d *Dispatcher) Deliver(ctx context.Context, msg core.Message) (Outcome, error) {
	if !msg.Due(d.now()) {
		return "", core.Premature("message is not due yet")
	}

	// Re-read right before pushing: a delete racing the sweep must win.
	fresh, err := d.Store.Get(ctx, msg.ID)
	if err != nil {
		metrics.DeliverTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if fresh.Deleted() {
		metrics.DeliverTotal.WithLabelValues(string(OutcomeDropped)).Inc()
		return OutcomeDropped, nil
	}
	if fresh.DeliveryState == core.StateDelivered {
		// A racing attempt already won; nothing to do.
		metrics.DeliverTotal.WithLabelValues(string(OutcomeDelivered)).Inc()
		return OutcomeDelivered, nil
	}

	channels := d.Presence.ActiveChannelsFor(fresh.ReceiverID)
	if len(channels) == 0 {
		metrics.DeliverTotal.WithLabelValues(string(OutcomeQueued)).Inc()
		return OutcomeQueued, nil
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	ev := core.Event{Type: core.EventNewMessage, Message: &fresh}
	if d.fanOut(ctx, fresh.ReceiverID, channels, ev, func() {
		if err := d.Store.MarkDelivered(ctx, fresh.ID); err != nil {
			log.Printf("dispatch: mark delivered %d: %v", fresh.ID, err)
		}
	}) {
		metrics.DeliverTotal.WithLabelValues(string(OutcomeDelivered)).Inc()
		return OutcomeDelivered, nil
	}

	// Every channel was stale or hung. Same as offline: stay pending.
	metrics.DeliverTotal.WithLabelValues(string(OutcomeQueued)).Inc()
	return OutcomeQueued, nil
}

// NotifyEdited fans an edit event out to the receiver's live channels.
// Best-effort: no delivery-state change, failures are dropped.
func (d *Dispatcher) NotifyEdited(ctx context.Context, msg core.Message) {
	ev := core.Event{Type: core.EventMessageEdited, Message: &msg}
	d.fanOut(ctx, msg.ReceiverID, d.Presence.ActiveChannelsFor(msg.ReceiverID), ev, nil)
}

// NotifyDeleted fans a tombstone event out to the receiver's live channels.
func (d *Dispatcher) NotifyDeleted(ctx context.Context, msg core.Message) {
	ev := core.Event{Type: core.EventMessageDeleted, MessageID: msg.ID}
	d.fanOut(ctx, msg.ReceiverID, d.Presence.ActiveChannelsFor(msg.ReceiverID), ev, nil)
}

// fanOut pushes ev to every channel concurrently, each bounded by the push
// timeout. onFirstSuccess (if set) runs as soon as one push lands; remaining
// pushes continue best-effort for multi-device delivery. Reports whether any
// push succeeded.
func (d *Dispatcher) fanOut(ctx context.Context, userID string, channels []presence.Channel, ev core.Event, onFirstSuccess func()) bool {
	if len(channels) == 0 {
		return false
	}

	succ := make(chan struct{}, len(channels))
	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		go func(ch presence.Channel) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, d.pushTimeout())
			defer cancel()

			start := time.Now()
			err := ch.Push(cctx, ev)
			metrics.PushDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				log.Printf("dispatch: push %s to %s channel %s: %v", ev.Type, userID, ch.ID(), err)
				return
			}
			succ <- struct{}{}
		}(ch)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-succ:
		if onFirstSuccess != nil {
			onFirstSuccess()
		}
		<-done
		return true
	case <-done:
		// A success may have landed in the same instant done closed.
		select {
		case <-succ:
			if onFirstSuccess != nil {
				onFirstSuccess()
			}
			return true
		default:
			return false
		}
	}
}
