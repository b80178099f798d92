package notify

import (
	"context"
	"sync"
	"time"

	"fanvault.io/internal/obs"
)

// Event kinds published after financial operations commit.
const (
	KindItemSold            = "item.sold"
	KindCallSettled         = "call.settled"
	KindWithdrawalCompleted = "withdrawal.completed"
	KindOfferAccepted       = "offer.accepted"
	KindAuctionClosed       = "auction.closed"
)

// Event describes one post-commit notification for an account. Delivery is
// best-effort: a dropped event must never surface as a financial failure.
type Event struct {
	Kind      string            `json:"kind"`
	AccountID string            `json:"account_id"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Outbox fan-outs events to all active subscribers (the external email/SMS
// dispatcher, admin dashboards, tests).
type Outbox struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewOutbox initialises an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (o *Outbox) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = ch
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subs, id)
		close(ch)
		o.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (o *Outbox) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	obs.RecordNotifyEvent(evt.Kind)

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// StartLogDispatcher drains the outbox into the structured log until ctx ends.
// It stands in for the external notification collaborator.
func (o *Outbox) StartLogDispatcher(ctx context.Context) {
	ch := o.Subscribe(ctx)
	go func() {
		for evt := range ch {
			obs.Emit(map[string]any{
				"ts":         evt.Timestamp.Format(time.RFC3339Nano),
				"type":       "notify",
				"kind":       evt.Kind,
				"account_id": evt.AccountID,
				"fields":     evt.Fields,
			})
		}
	}()
}
