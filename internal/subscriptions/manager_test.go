package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextVersionIsMonotonicPerEntity(t *testing.T) {
	m := New()
	old, newV := m.NextVersion("alice")
	require.Equal(t, int64(0), old)
	require.Equal(t, int64(1), newV)

	old, newV = m.NextVersion("alice")
	require.Equal(t, int64(1), old)
	require.Equal(t, int64(2), newV)

	// A different entity has its own independent counter.
	old, newV = m.NextVersion("bob")
	require.Equal(t, int64(0), old)
	require.Equal(t, int64(1), newV)
}

func TestSubscribeReceivesNotify(t *testing.T) {
	m := New()
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	m.Notify(Notification{Type: EntityIdentity, EntityID: "alice", OldVersion: 0, NewVersion: 1})

	select {
	case n := <-ch:
		require.Equal(t, EntityIdentity, n.Type)
		require.Equal(t, "alice", n.EntityID)
		require.Equal(t, int64(1), n.NewVersion)
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestUnsubscribeIsIdempotentAndClosesChannel(t *testing.T) {
	m := New()
	id, ch := m.Subscribe()
	m.Unsubscribe(id)
	m.Unsubscribe(id) // no-op, must not panic (spec §8 idempotence)

	_, ok := <-ch
	require.False(t, ok, "channel must be closed after unsubscribe")
}

func TestNotifyDropsForFullSubscriberBuffer(t *testing.T) {
	m := New()
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	for i := 0; i < notificationBufferSize+10; i++ {
		m.Notify(Notification{Type: EntityScore, EntityID: "alice", OldVersion: int64(i), NewVersion: int64(i + 1)})
	}

	require.Len(t, ch, notificationBufferSize, "buffer must not grow past its bound; excess notifications are dropped")
}

func TestBatchFlushDeliversInStagedOrder(t *testing.T) {
	m := New()
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	batch := &Batch{}
	batch.Add(Notification{Type: EntityTrust, EntityID: "a->b", OldVersion: 0, NewVersion: 1})
	batch.Add(Notification{Type: EntityScore, EntityID: "a->c", OldVersion: 0, NewVersion: 1})
	batch.Flush(m)

	first := <-ch
	require.Equal(t, EntityTrust, first.Type)
	second := <-ch
	require.Equal(t, EntityScore, second.Type)

	require.Empty(t, batch.notifications, "Flush must clear the batch")
}

func TestEntityTypeString(t *testing.T) {
	require.Equal(t, "Identity", EntityIdentity.String())
	require.Equal(t, "Trust", EntityTrust.String())
	require.Equal(t, "Score", EntityScore.String())
}
