// Package eventbus implements the cross-run event distribution fabric: an
// in-process typed publish/subscribe bus over models.AgentEvent, with
// per-subscriber two-lane backpressure so one slow subscriber (a dashboard
// stream, an audit-log writer) can never stall publishers or other
// subscribers.
//
// This is a sibling of, not a replacement for, internal/engine's
// per-run EventEmitter/EventSink: the engine emits events scoped to a
// single run, this bus fans them out to every subscriber interested in
// runs/workflows/threads in general (run-store writers, audit logs,
// dashboard streams). An engine.EventSink can be backed by a Bus
// subscription via Publish.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexuscore/agentruntime/pkg/models"
)

// BackpressureConfig configures a subscriber's buffer sizes for the
// high-priority (never dropped) and low-priority (dropped under load)
// lanes. Grounded on the teacher's two-lane BackpressureSink.
type BackpressureConfig struct {
	HighPriBuffer int
	LowPriBuffer  int
}

// DefaultBackpressureConfig returns sensible defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// Filter narrows a subscription to events matching specific run IDs and/or
// event types. A zero-value Filter matches everything.
type Filter struct {
	RunIDs []string
	Types  []models.AgentEventType
}

func (f Filter) matches(e models.AgentEvent) bool {
	if len(f.RunIDs) > 0 {
		found := false
		for _, id := range f.RunIDs {
			if id == e.RunID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// subscriber is one subscription's two-lane backpressure buffer, matching
// internal/engine's BackpressureSink shape but owned by the bus rather
// than a single run.
type subscriber struct {
	id      string
	filter  Filter
	highPri chan models.AgentEvent
	lowPri  chan models.AgentEvent
	merged  chan models.AgentEvent
	dropped uint64
	closed  uint32
}

func newSubscriber(id string, filter Filter, cfg BackpressureConfig) *subscriber {
	if cfg.HighPriBuffer <= 0 {
		cfg.HighPriBuffer = 32
	}
	if cfg.LowPriBuffer <= 0 {
		cfg.LowPriBuffer = 256
	}
	s := &subscriber{
		id:      id,
		filter:  filter,
		highPri: make(chan models.AgentEvent, cfg.HighPriBuffer),
		lowPri:  make(chan models.AgentEvent, cfg.LowPriBuffer),
		merged:  make(chan models.AgentEvent, cfg.HighPriBuffer),
	}
	go s.mergeLoop()
	return s
}

func (s *subscriber) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
				continue
			}
			for e := range s.lowPri {
				s.merged <- e
			}
			return
		default:
		}

		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
			} else {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
		case e, ok := <-s.lowPri:
			if ok {
				s.merged <- e
			}
		}
	}
}

// deliver routes e to the correct lane, dropping low-priority events when
// their buffer is full rather than blocking the publisher.
func (s *subscriber) deliver(ctx context.Context, e models.AgentEvent) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if isDroppable(e.Type) {
		select {
		case s.lowPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func (s *subscriber) close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.highPri)
	close(s.lowPri)
}

// isDroppable mirrors internal/engine's isDroppableEvent: only
// high-frequency streaming events may be dropped under backpressure.
func isDroppable(t models.AgentEventType) bool {
	switch t {
	case models.AgentEventModelDelta, models.AgentEventToolStdout, models.AgentEventToolStderr:
		return true
	default:
		return false
	}
}

// Bus is the cross-run typed publish/subscribe event fabric (C2).
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	nextID uint64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Emit satisfies internal/engine's EventSink interface so a run's
// EventEmitter can publish straight onto the bus without eventbus
// importing engine (Go interfaces are structural).
func (b *Bus) Emit(ctx context.Context, e models.AgentEvent) {
	b.Publish(ctx, e)
}

// Publish fans e out to every subscriber whose Filter matches it. Publish
// never blocks on a slow low-priority subscriber; it may briefly block on
// a slow high-priority one, bounded by ctx.
func (b *Bus) Publish(ctx context.Context, e models.AgentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matches(e) {
			sub.deliver(ctx, e)
		}
	}
}

// Subscribe registers a new subscriber matching filter and returns its ID
// (for Unsubscribe) and a receive-only channel of matching events.
func (b *Bus) Subscribe(filter Filter, cfg BackpressureConfig) (string, <-chan models.AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := subscriberID(b.nextID)
	sub := newSubscriber(id, filter, cfg)
	b.subs[id] = sub
	return id, sub.merged
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// DroppedCount returns the number of low-priority events dropped for a
// given subscriber, or 0 if the subscriber is unknown.
func (b *Bus) DroppedCount(id string) uint64 {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&sub.dropped)
}

// Close unsubscribes and closes every live subscriber. The bus can still
// accept new Subscribe calls afterward; it is not itself torn down.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func subscriberID(n uint64) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "sub_0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hex[n%16]}, buf...)
		n /= 16
	}
	return "sub_" + string(buf)
}
