// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (generation pipeline,
// queue worker, Discord bridge) to subscribers (metrics collectors,
// test harnesses). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePipeline identifies events from the generation pipeline.
	SourcePipeline = "pipeline"
	// SourceWorker identifies events from the queue worker.
	SourceWorker = "worker"
	// SourceDiscord identifies events from the Discord bridge.
	SourceDiscord = "discord"
)

// Kind constants describe the type of event within a source.
const (
	// KindJobStart signals the beginning of a generation job.
	// Data: job_id, personality_id, channel_id.
	KindJobStart = "job_start"
	// KindAttempt signals one LLM invocation within a job.
	// Data: job_id, attempt, model.
	KindAttempt = "attempt"
	// KindDuplicate signals a generated response was flagged as a repeat.
	// Data: job_id, attempt, method, match_index, max_similarity.
	KindDuplicate = "duplicate"
	// KindStrip signals formatting artifacts were removed from a response.
	// Data: job_id, attempt, removed_chars.
	KindStrip = "strip"
	// KindJobComplete signals the end of a generation job.
	// Data: job_id, success, attempts, elapsed_ms.
	KindJobComplete = "job_complete"

	// KindMessageReceived signals an incoming Discord message.
	// Data: channel_id, author, message_len.
	KindMessageReceived = "message_received"
	// KindReplySent signals a reply was delivered to Discord.
	// Data: channel_id, chunks, reply_len.
	KindReplySent = "reply_sent"

	// KindJobDequeued signals the worker picked up a queued job.
	// Data: job_id, queue_wait_ms.
	KindJobDequeued = "job_dequeued"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
