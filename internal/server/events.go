package server

import (
	"context"
	"sync"

	"github.com/shinnkura/donezo/internal/engine"
)

// EventDispatcher fans engine events out to connected event-stream
// subscribers. Slow subscribers drop events rather than block a pass.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan engine.Event
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream that is torn down when ctx is done or
// when the returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan engine.Event, func()) {
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan engine.Event, d.bufferSize),
	}
	d.register(subscriber)
	cleanup := func() {
		d.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber without blocking.
func (d *EventDispatcher) Publish(event engine.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) register(subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *EventDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
