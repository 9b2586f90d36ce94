// Package bus provides the in-process event bus: typed subscriptions with a
// wildcard channel, await-all and fire-and-forget publishing, a bounded
// in-memory history ring, and a best-effort persistence hook. For events
// older than the ring, query the conversation log in pkg/persistence.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/logger"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// HistorySize is the capacity of the in-memory event ring.
const HistorySize = 1000

// Handler processes a published event. An error (or panic) in one handler is
// logged and does not affect sibling handlers or the publisher.
type Handler func(ctx context.Context, evt events.Event) error

// Persister receives every published event for durable storage. Persistence
// is best-effort: a failure is recorded as evt_not_persisted in history and
// never fails the publish.
type Persister interface {
	PersistEvent(evt events.Event) error
}

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	id        uint64
	eventType string
}

type subscriber struct {
	id      uint64
	handler Handler
}

// EventBus dispatches events to subscribers in publish order.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[string][]subscriber
	nextSubID uint64
	closed    bool

	historyMu sync.RWMutex
	history   []events.Event // ring, newest appended

	persister Persister

	// publishMu serialises dispatch so each subscriber observes events from
	// all publishers in sequence order.
	publishMu sync.Mutex
}

// New creates an event bus. persister may be nil.
func New(persister Persister) *EventBus {
	return &EventBus{
		handlers:  make(map[string][]subscriber),
		history:   make([]events.Event, 0, HistorySize),
		persister: persister,
	}
}

// Subscribe registers a handler for an event type, or all events when
// eventType is Wildcard.
func (b *EventBus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := subscriber{id: b.nextSubID, handler: handler}
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	return Subscription{id: sub.id, eventType: eventType}
}

// Unsubscribe removes a previously registered handler.
func (b *EventBus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[s.eventType]
	for i, sub := range subs {
		if sub.id == s.id {
			b.handlers[s.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish builds an event, delivers it to every matching handler, and
// returns once all handlers complete. Handler failures are logged and do not
// affect siblings. The fully-formed event is returned so callers can reuse
// its ID (e.g. for the conversation log).
func (b *EventBus) Publish(ctx context.Context, eventType, source string, data map[string]interface{}) events.Event {
	evt := events.New(eventType, source, data)
	b.Dispatch(ctx, evt)
	return evt
}

// PublishEvent delivers a pre-built event (used when the caller needs to set
// correlation keys or metadata before dispatch).
func (b *EventBus) PublishEvent(ctx context.Context, evt events.Event) {
	b.Dispatch(ctx, evt)
}

// PublishNowait schedules delivery on a separate goroutine and returns
// immediately. The event still enters history and persistence in order.
func (b *EventBus) PublishNowait(eventType, source string, data map[string]interface{}) events.Event {
	evt := events.New(eventType, source, data)
	go b.Dispatch(context.Background(), evt)
	return evt
}

// Dispatch records the event in history, persists it, and invokes handlers.
func (b *EventBus) Dispatch(ctx context.Context, evt events.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := append([]subscriber(nil), b.handlers[evt.Type]...)
	wild := append([]subscriber(nil), b.handlers[Wildcard]...)
	b.mu.RUnlock()

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.appendHistory(evt)

	if b.persister != nil {
		if err := b.persister.PersistEvent(evt); err != nil {
			logger.WarnCF("bus", "Event not persisted", map[string]interface{}{
				"event_id": evt.EventID,
				"type":     evt.Type,
				"error":    err.Error(),
			})
			b.appendHistory(events.New(events.EventNotPersisted, "bus", map[string]interface{}{
				"event_id": evt.EventID,
				"error":    err.Error(),
			}))
		}
	}

	for _, sub := range typed {
		b.invoke(ctx, sub, evt)
	}
	for _, sub := range wild {
		b.invoke(ctx, sub, evt)
	}
}

func (b *EventBus) invoke(ctx context.Context, sub subscriber, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bus", "Handler panicked", map[string]interface{}{
				"event_id": evt.EventID,
				"type":     evt.Type,
				"panic":    fmt.Sprint(r),
			})
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		logger.WarnCF("bus", "Handler error", map[string]interface{}{
			"event_id": evt.EventID,
			"type":     evt.Type,
			"error":    err.Error(),
		})
	}
}

func (b *EventBus) appendHistory(evt events.Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if len(b.history) == HistorySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:HistorySize-1]
	}
	b.history = append(b.history, evt)
}

// HistoryFilter selects events from the ring. Zero values match everything.
type HistoryFilter struct {
	Type      string
	Source    string
	TaskID    string
	ProjectID string
}

func (f HistoryFilter) matches(evt events.Event) bool {
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.Source != "" && evt.Source != f.Source {
		return false
	}
	if f.TaskID != "" && evt.TaskID != f.TaskID {
		return false
	}
	if f.ProjectID != "" && evt.ProjectID != f.ProjectID {
		return false
	}
	return true
}

// History returns the most recent matching events, oldest first. limit is
// clamped to HistorySize; limit <= 0 means HistorySize.
func (b *EventBus) History(filter HistoryFilter, limit int) []events.Event {
	if limit <= 0 || limit > HistorySize {
		limit = HistorySize
	}

	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var out []events.Event
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(b.history[i]) {
			out = append(out, b.history[i])
		}
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// WaitFor blocks until an event of the given type matching the predicate is
// published, or the timeout elapses. predicate may be nil.
func (b *EventBus) WaitFor(ctx context.Context, eventType string, predicate func(events.Event) bool, timeout time.Duration) (events.Event, error) {
	ch := make(chan events.Event, 1)
	sub := b.Subscribe(eventType, func(_ context.Context, evt events.Event) error {
		if predicate == nil || predicate(evt) {
			select {
			case ch <- evt:
			default:
			}
		}
		return nil
	})
	defer b.Unsubscribe(sub)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-ch:
		return evt, nil
	case <-timer.C:
		return events.Event{}, fmt.Errorf("timeout waiting for %q after %s", eventType, timeout)
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// Close stops dispatching. Subsequent publishes are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
