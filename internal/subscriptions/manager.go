// Package subscriptions implements C9: versioned change notifications
// for Identity/Trust/Score mutations, delivered to local in-process
// subscribers in commit order (spec §4.9). Grounded on the teacher's
// in-process pub/sub conventions (a mutex-guarded subscriber list with
// buffered per-subscriber channels, dropped rather than blocking a slow
// reader), using google/uuid for subscription handles the way the pack
// uses it for request/session identifiers elsewhere.
package subscriptions

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/wlog"
)

// EntityType distinguishes which part of the model changed.
type EntityType int

const (
	EntityIdentity EntityType = iota
	EntityTrust
	EntityScore
)

func (e EntityType) String() string {
	switch e {
	case EntityIdentity:
		return "Identity"
	case EntityTrust:
		return "Trust"
	case EntityScore:
		return "Score"
	default:
		return "Unknown"
	}
}

// Notification is one change event (spec §4.9): "{type, oldVersion,
// newVersion}", with the entity's composite id so subscribers can tell
// which row changed.
type Notification struct {
	Type       EntityType
	EntityID   string
	OldVersion int64
	NewVersion int64
}

// notificationBufferSize bounds each subscriber's channel; a
// notification is dropped for a subscriber whose channel is full
// rather than blocking the committing transaction (spec §5
// "Suspension points" names bounded backpressure as the general
// pattern for this kind of fan-out).
const notificationBufferSize = 256

type subscriber struct {
	id uuid.UUID
	ch chan Notification
}

// Manager is C9.
type Manager struct {
	log *wlog.Logger

	mu      sync.Mutex
	subs    map[uuid.UUID]*subscriber
	version map[string]int64 // per-entity-id monotonic version counter
}

// New creates an empty subscription manager.
func New() *Manager {
	return &Manager{
		log:     wlog.New("subscriptions", wlog.LevelInfo),
		subs:    make(map[uuid.UUID]*subscriber),
		version: make(map[string]int64),
	}
}

// Subscribe registers a new local subscriber and returns its handle id
// and receive channel. Callers must eventually call Unsubscribe.
func (m *Manager) Subscribe() (uuid.UUID, <-chan Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	sub := &subscriber{id: id, ch: make(chan Notification, notificationBufferSize)}
	m.subs[id] = sub
	metrics.Subscribers.Set(float64(len(m.subs)))
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. A no-op for
// an unknown id (spec §8 idempotence).
func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return
	}
	delete(m.subs, id)
	metrics.Subscribers.Set(float64(len(m.subs)))
	close(sub.ch)
}

// NextVersion allocates the next monotonic version for entityID, for
// the mutating transaction to stamp onto the row it is about to write
// (spec §4.9 "a monotonically increasing version id per entity").
func (m *Manager) NextVersion(entityID string) (oldVersion, newVersion int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.version[entityID]
	m.version[entityID] = old + 1
	return old, old + 1
}

// Notify delivers one notification to every current subscriber,
// dropping it for any subscriber whose buffer is full (spec §5
// bounded backpressure) rather than blocking the caller, which is
// always running after the mutating transaction has committed (spec
// §4.9, §5 ordering guarantee (iii): "delivered in commit order").
func (m *Manager) Notify(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub.ch <- n:
		default:
			metrics.NotificationsDropped.Inc()
			m.log.Warn("dropping notification for slow subscriber", wlog.Fields{
				"subscriber_id": sub.id.String(), "entity_type": n.Type.String(), "entity_id": n.EntityID,
			})
		}
	}
}

// Batch accumulates notifications produced within a single mutating
// transaction, for the caller to hand to Manager.Notify one at a time
// after commit — preserving the "enqueued within the mutating
// transaction, delivered after commit" ordering spec §4.9 requires
// without letting the store package depend on subscriptions.
type Batch struct {
	notifications []Notification
}

// Add stages one notification; call Flush after the owning transaction
// commits.
func (b *Batch) Add(n Notification) {
	b.notifications = append(b.notifications, n)
}

// Flush delivers every staged notification, in the order staged, and
// clears the batch.
func (b *Batch) Flush(m *Manager) {
	for _, n := range b.notifications {
		m.Notify(n)
	}
	b.notifications = b.notifications[:0]
}
