package slowdownload

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
)

type fakeLookup struct {
	mu   sync.Mutex
	data map[string][]byte // key -> payload, present means fetchable
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{data: make(map[string][]byte)}
}

func (f *fakeLookup) set(identityID string, edition int64, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[netprimitives.EditionKey(identityID, edition)] = payload
}

func (f *fakeLookup) Get(ctx context.Context, identityID string, edition int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[netprimitives.EditionKey(identityID, edition)]
	if !ok {
		return nil, netprimitives.ErrEditionNotFound
	}
	return v, nil
}

func (f *fakeLookup) Put(ctx context.Context, identityID string, edition int64, data []byte) error {
	f.set(identityID, edition, data)
	return nil
}

func testStoreForSlowdownload(t *testing.T) *graphstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "slowdownload-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := graphstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testQueueForSlowdownload(t *testing.T) *identityqueue.Queue {
	t.Helper()
	dir, err := os.MkdirTemp("", "slowdownload-queue-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	q, err := identityqueue.Open(dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPriorityQueueOrdersByDateThenCapacityThenScoreThenEdition(t *testing.T) {
	pq := newPriorityQueue()
	now := time.Now()

	// Later-created hint should come after an earlier one regardless
	// of capacity.
	pq.add(graphstore.EditionHintRow{ID: 1, TargetID: "a", SourceCapacity: 1, CreatedAt: now})
	pq.add(graphstore.EditionHintRow{ID: 2, TargetID: "b", SourceCapacity: 100, CreatedAt: now.Add(time.Second)})

	row, ok := pq.popNextFor(nil)
	require.True(t, ok)
	require.Equal(t, "a", row.TargetID)

	row, ok = pq.popNextFor(nil)
	require.True(t, ok)
	require.Equal(t, "b", row.TargetID)

	_, ok = pq.popNextFor(nil)
	require.False(t, ok)

	// Equal creation dates fall back to descending capacity, then
	// descending score, then descending edition.
	pq.add(graphstore.EditionHintRow{ID: 3, TargetID: "c", SourceCapacity: 40, SourceScore: 10, Edition: 1, CreatedAt: now})
	pq.add(graphstore.EditionHintRow{ID: 4, TargetID: "d", SourceCapacity: 100, SourceScore: 0, Edition: 1, CreatedAt: now})
	pq.add(graphstore.EditionHintRow{ID: 5, TargetID: "e", SourceCapacity: 40, SourceScore: 50, Edition: 1, CreatedAt: now})
	pq.add(graphstore.EditionHintRow{ID: 6, TargetID: "f", SourceCapacity: 40, SourceScore: 50, Edition: 7, CreatedAt: now})
	for _, want := range []string{"d", "f", "e", "c"} {
		row, ok = pq.popNextFor(nil)
		require.True(t, ok)
		require.Equal(t, want, row.TargetID)
	}
}

func TestPriorityQueueSkipsExcludedTargets(t *testing.T) {
	pq := newPriorityQueue()
	now := time.Now()
	pq.add(graphstore.EditionHintRow{ID: 1, TargetID: "a", CreatedAt: now})
	pq.add(graphstore.EditionHintRow{ID: 2, TargetID: "b", CreatedAt: now.Add(time.Second)})

	row, ok := pq.popNextFor(map[string]bool{"a": true})
	require.True(t, ok)
	require.Equal(t, "b", row.TargetID)

	// "a" is still pending behind the exclusion.
	row, ok = pq.popNextFor(nil)
	require.True(t, ok)
	require.Equal(t, "a", row.TargetID)
}

func TestDownloaderFetchesAndCleansUpHintOnSuccess(t *testing.T) {
	store := testStoreForSlowdownload(t)
	queue := testQueueForSlowdownload(t)
	net := newFakeLookup()
	net.set("bob", 3, []byte("xml-data"))

	ctx := context.Background()
	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.EnqueueEditionHint(ctx, graphstore.EditionHintRow{
		SourceID: "alice", TargetID: "bob", Edition: 3, SourceCapacity: 40, CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit())

	d := New(net, queue, store)
	require.NoError(t, d.LoadPending(ctx))
	require.Equal(t, 1, d.pq.len())

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go d.Run(runCtx)

	require.Eventually(t, func() bool { return d.Snapshot().Succeeded == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, 5*time.Millisecond)

	rtx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	hints, err := rtx.ListEditionHints(ctx)
	rtx.Rollback()
	require.NoError(t, err)
	require.Empty(t, hints)
}
