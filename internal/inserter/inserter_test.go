package inserter

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

var errPutFailed = errors.New("put failed")

type fakeNet struct {
	mu        sync.Mutex
	published map[string][]byte
	put       map[string][]byte
	failPut   bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{published: make(map[string][]byte), put: make(map[string][]byte)}
}

func (f *fakeNet) Subscribe(ctx context.Context, identityID string) (<-chan netprimitives.Update, error) {
	return make(chan netprimitives.Update), nil
}
func (f *fakeNet) Unsubscribe(identityID string) error { return nil }
func (f *fakeNet) Publish(ctx context.Context, identityID string, edition int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[identityID] = data
	return nil
}
func (f *fakeNet) Get(ctx context.Context, identityID string, edition int64) ([]byte, error) {
	return nil, netprimitives.ErrEditionNotFound
}
func (f *fakeNet) Put(ctx context.Context, identityID string, edition int64, data []byte) error {
	if f.failPut {
		return errPutFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put[identityID] = data
	return nil
}

func testStore(t *testing.T) *graphstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "inserter-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := graphstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInserterPublishesWhenChangedAndReady(t *testing.T) {
	store := testStore(t)
	mockClock := clock.NewMock()
	mockClock.Set(time.Now())
	graph := trustgraph.New(store, mockClock, false)
	net := newFakeNet()
	ins := New(graph, graph, net, net, mockClock)

	ctx := context.Background()
	rk, err := wotmodel.NewRoutingKey([]byte("own-seed"))
	require.NoError(t, err)
	uri := wotmodel.RequestURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}
	own, err := graph.CreateOwnIdentity(ctx, uri, wotmodel.InsertURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}, "alice", false)
	require.NoError(t, err)

	// A freshly created OwnIdentity has lastInsertDate at the zero
	// value, so it is both changed-since-insert and already past
	// MAX_DELAY_BEFORE_INSERT: it qualifies for an immediate insert.
	ins.ScanOnce(ctx)

	require.Equal(t, int64(1), ins.Snapshot().Inserted)
	require.Contains(t, net.put, own.ID)
	require.Contains(t, net.published, own.ID)
}

// TestInserterDefersRightAfterAnInsert exercises needsInsert's
// "unchanged since last publish" branch: immediately after a
// successful insert, a second scan must not republish again until
// either new data arrives or MaxUnchangedTimeBeforeReinsert elapses.
func TestInserterDefersRightAfterAnInsert(t *testing.T) {
	store := testStore(t)
	mockClock := clock.NewMock()
	mockClock.Set(time.Now())
	graph := trustgraph.New(store, mockClock, false)
	net := newFakeNet()
	ins := New(graph, graph, net, net, mockClock)

	ctx := context.Background()
	rk, err := wotmodel.NewRoutingKey([]byte("own-seed-2"))
	require.NoError(t, err)
	uri := wotmodel.RequestURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}
	_, err = graph.CreateOwnIdentity(ctx, uri, wotmodel.InsertURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}, "bob", false)
	require.NoError(t, err)

	ins.ScanOnce(ctx)
	require.Equal(t, int64(1), ins.Snapshot().Inserted)

	mockClock.Add(time.Minute)
	ins.ScanOnce(ctx)
	require.Equal(t, int64(1), ins.Snapshot().Inserted, "no new data and no elapsed liveness window: must not reinsert")
	require.Equal(t, int64(1), ins.Snapshot().Deferred)
}
