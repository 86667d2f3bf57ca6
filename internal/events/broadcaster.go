// Package events implements the typed event broadcast: best-effort,
// at-least-once delivery to in-process subscribers plus coordination-store
// pub/sub fan-out across nodes. Ordering is FIFO per session; nothing is
// promised across sessions.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeplane/internal/coord"
	"codeplane/internal/logging"

	"github.com/google/uuid"
)

// Type enumerates the broadcast event types.
type Type string

const (
	SessionCreated       Type = "SessionCreated"
	SessionStatusChanged Type = "SessionStatusChanged"
	SessionCompleted     Type = "SessionCompleted"
	SessionFailed        Type = "SessionFailed"
	TaskStatusChanged    Type = "TaskStatusChanged"
	AgentRegistered      Type = "AgentRegistered"
	AgentHeartbeatLost   Type = "AgentHeartbeatLost"
)

// Event is one broadcast message.
type Event struct {
	EventType Type                   `json:"event_type"`
	TenantID  uuid.UUID              `json:"tenant_id"`
	SessionID uuid.UUID              `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Subscription receives events for one subscriber. Slow subscribers drop
// events rather than block the publisher; fan-out is best-effort.
type Subscription struct {
	C      chan Event
	id     uuid.UUID
	cancel func()
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.cancel() }

// filter limits a subscription's events.
type filter struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID // Nil = all sessions of the tenant
}

func (f filter) matches(e Event) bool {
	if f.tenantID != uuid.Nil && e.TenantID != f.tenantID {
		return false
	}
	if f.sessionID != uuid.Nil && e.SessionID != f.sessionID {
		return false
	}
	return true
}

// Broadcaster publishes events in-process and mirrors them to the
// coordination store channel events:{tenant} for other nodes.
type Broadcaster struct {
	store *coord.Store // nil disables cross-node fan-out
	log   *logging.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*subscriber
}

type subscriber struct {
	sub    *Subscription
	filter filter
}

// NewBroadcaster builds a broadcaster. store may be nil for single-node or
// test setups.
func NewBroadcaster(store *coord.Store) *Broadcaster {
	return &Broadcaster{
		store: store,
		log:   logging.Get(logging.CategoryEvents),
		subs:  make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe attaches a subscriber for every session of a tenant.
func (b *Broadcaster) Subscribe(tenantID uuid.UUID) *Subscription {
	return b.subscribe(filter{tenantID: tenantID})
}

// SubscribeSession attaches a subscriber for a single session.
func (b *Broadcaster) SubscribeSession(tenantID, sessionID uuid.UUID) *Subscription {
	return b.subscribe(filter{tenantID: tenantID, sessionID: sessionID})
}

func (b *Broadcaster) subscribe(f filter) *Subscription {
	id := uuid.New()
	sub := &Subscription{
		C:  make(chan Event, 64),
		id: id,
	}
	sub.cancel = func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.sub.C)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[id] = &subscriber{sub: sub, filter: f}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to matching in-process subscribers and mirrors
// it cross-node. Publish never blocks on a slow subscriber.
func (b *Broadcaster) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.sub.C <- e:
		default:
			b.log.Warn("dropping %s event for slow subscriber %s", e.EventType, s.sub.id)
		}
	}
	b.mu.RUnlock()

	if b.store != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			b.log.Error("failed to encode event %s: %v", e.EventType, err)
			return
		}
		channel := coord.PrefixEvents + e.TenantID.String()
		if err := b.store.Publish(ctx, channel, payload); err != nil {
			b.log.Warn("cross-node publish of %s failed: %v", e.EventType, err)
		}
	}
}

// RunRelay consumes the tenant's coordination channel and re-publishes
// remote events to local subscribers. Run one relay per subscribed tenant
// per node.
func (b *Broadcaster) RunRelay(ctx context.Context, tenantID uuid.UUID) {
	if b.store == nil {
		return
	}
	channel := coord.PrefixEvents + tenantID.String()
	pubsub := b.store.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.log.Warn("dropping undecodable relayed event: %v", err)
				continue
			}
			b.mu.RLock()
			for _, s := range b.subs {
				if !s.filter.matches(e) {
					continue
				}
				select {
				case s.sub.C <- e:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}
