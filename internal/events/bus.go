/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Playlist events, published by the playlist model.
	EventPlaylistChanged EventType = "playlist.changed"
	EventItemSkipped     EventType = "playlist.item_skipped"

	// Source lifecycle events, published by prefetch workers and pumps.
	EventSourceReady   EventType = "source.ready"
	EventSourceFailed  EventType = "source.failed"
	EventSourceStalled EventType = "source.stalled"

	// Playback events.
	EventItemStarted EventType = "playback.item_started"
	EventItemNearEnd EventType = "playback.item_near_end"
	EventItemEnded   EventType = "playback.item_ended"
	EventNowPlaying  EventType = "playback.now_playing"

	// Scheduler lifecycle events.
	EventStateChanged EventType = "scheduler.state_changed"
	EventStalled      EventType = "scheduler.stalled"

	// Output sink events.
	EventSinkDown    EventType = "sink.down"
	EventSinkUp      EventType = "sink.up"
	EventSinkDropped EventType = "sink.dropped_frames"
	EventSinkFatal   EventType = "sink.fatal"
)

// Payload generic event payload.
type Payload map[string]any

// Event pairs a type with its payload so that several event types can share
// one subscriber channel in arrival order.
type Event struct {
	Type    EventType
	Payload Payload
}

// Subscriber receives event payloads for a single event type.
type Subscriber chan Payload

// QueueSubscriber receives events of several types in arrival order.
type QueueSubscriber chan Event

// queueBuffer backs one queue subscriber with an elastic buffer: a
// publish appends and never blocks, and the consumer never loses an
// event. A forwarder goroutine owns the outbound channel.
type queueBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool

	ch   QueueSubscriber
	done chan struct{}
}

func newQueueBuffer(capacity int) *queueBuffer {
	q := &queueBuffer{
		ch:   make(QueueSubscriber, capacity),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queueBuffer) push(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.pending = append(q.pending, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

func (q *queueBuffer) forward() {
	defer close(q.ch)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.ch <- ev:
		case <-q.done:
			return
		}
	}
}

func (q *queueBuffer) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	close(q.done)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu    sync.RWMutex
	subs  map[EventType][]Subscriber
	queue map[EventType][]*queueBuffer
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[EventType][]Subscriber),
		queue: make(map[EventType][]*queueBuffer),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeQueue registers one channel for several event types. Events are
// delivered in publish order across all the requested types, and none are
// dropped: a consumer that falls behind buffers events instead of losing
// them. The scheduler's reactor loop depends on both properties — a lost
// end-of-item event would strand playout.
func (b *Bus) SubscribeQueue(capacity int, types ...EventType) QueueSubscriber {
	if capacity <= 0 {
		capacity = 64
	}
	q := newQueueBuffer(capacity)
	b.mu.Lock()
	for _, t := range types {
		b.queue[t] = append(b.queue[t], q)
	}
	b.mu.Unlock()
	go q.forward()
	return q.ch
}

// Publish sends payload to subscribers. Per-type subscribers are
// best-effort: delivery is non-blocking and a full subscriber misses the
// event. Queue subscribers always receive it.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	qsubs := append([]*queueBuffer(nil), b.queue[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
	for _, q := range qsubs {
		q.push(Event{Type: eventType, Payload: payload})
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

// UnsubscribeQueue removes a queue subscriber from all types it was
// registered for. Its channel is closed by the forwarder.
func (b *Bus) UnsubscribeQueue(sub QueueSubscriber) {
	b.mu.Lock()
	var q *queueBuffer
	for t, subs := range b.queue {
		for i, candidate := range subs {
			if candidate.ch == sub {
				q = candidate
				b.queue[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if q != nil {
		q.close()
	}
}
