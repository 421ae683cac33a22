// Package telemetry implements C8: non-blocking structured event emission
// for the gateway's decision/observability stream, plus a CloudEvents-1.0
// envelope shape (spec.md §6's telemetry WebSocket). Grounded on the
// teacher's internal/events/bus.go in-process pub/sub bus: subscriber
// channels per event type plus a catch-all, delivery via non-blocking
// select/default so a slow subscriber never stalls the hot path.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event names emitted across the pipeline (spec.md §4.8).
const (
	EventCASILClassification = "casil.classification"
	EventCASILPolicyAction   = "casil.policy_action"
	EventSessionOpened       = "session.opened"
	EventSessionClosed       = "session.closed"
	EventEnvelopeAccepted    = "envelope.accepted"
	EventEnvelopeRejected    = "envelope.rejected"
	EventRoutingDelivered    = "routing.delivered"
	EventRoutingSkipped      = "routing.skipped"
	EventHistoryAppend       = "history.append"
	EventHistoryRead         = "history.read"
	EventStorageDegraded     = "storage.degraded"
	EventPolicyReloaded      = "policy.reloaded"
	EventTierOmega           = "tier_omega.event"
	EventSlowConsumer        = "slow_consumer"
)

// CloudEvent is the CNCF CloudEvents 1.0 envelope used for every
// telemetry emission (SPEC_FULL.md §3).
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) { return json.Marshal(ce) }

// DropCounter is satisfied by internal/metrics.Metrics.TelemetryDropped; kept as a narrow
// interface so telemetry never imports the metrics package's full surface.
type DropCounter interface {
	Inc()
}

// Bus is an in-process, non-blocking pub/sub telemetry bus. Publish never
// blocks the caller: a subscriber at capacity simply misses the event
// (spec.md P10, "No component blocks the ingress path on telemetry").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	bufferSize  int
	source      string
	seq         atomic.Uint64
	dropped     DropCounter
}

// New creates a telemetry bus. source identifies this process in emitted
// CloudEvents (e.g. "arqonbus-gateway"). dropped, if non-nil, is
// incremented every time an event is dropped for backpressure.
func New(source string, bufferSize int, dropped DropCounter) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		bufferSize:  bufferSize,
		source:      source,
		dropped:     dropped,
	}
}

// Subscribe returns a channel receiving events of the given types. Pass no
// types to receive everything (used by the telemetry WebSocket broadcaster).
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *CloudEvent, target chan *CloudEvent) []chan *CloudEvent {
	filtered := make([]chan *CloudEvent, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Emit builds a CloudEvent and publishes it without blocking.
func (b *Bus) Emit(eventType, subject, tenantID string, data map[string]interface{}) {
	seq := b.seq.Add(1)
	event := &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      b.source,
		ID:          fmt.Sprintf("tel_%d", seq),
		Time:        time.Now().UTC(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
	b.publish(event)
}

func (b *Bus) publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.drop()
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.drop()
		}
	}
}

func (b *Bus) drop() {
	if b.dropped != nil {
		b.dropped.Inc()
	}
}

// SubscriberCount reports the total number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
