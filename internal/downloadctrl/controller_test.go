package downloadctrl

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/credence/internal/fastdownload"
	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/slowdownload"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

type fakeNet struct {
	mu   sync.Mutex
	subs map[string]chan netprimitives.Update
}

func newFakeNet() *fakeNet { return &fakeNet{subs: make(map[string]chan netprimitives.Update)} }

func (f *fakeNet) Subscribe(ctx context.Context, identityID string) (<-chan netprimitives.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[identityID]
	if !ok {
		ch = make(chan netprimitives.Update, 4)
		f.subs[identityID] = ch
	}
	return ch, nil
}

func (f *fakeNet) Unsubscribe(identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[identityID]; ok {
		close(ch)
		delete(f.subs, identityID)
	}
	return nil
}

func (f *fakeNet) Publish(ctx context.Context, identityID string, edition int64, data []byte) error {
	return nil
}

func (f *fakeNet) isSubscribed(identityID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[identityID]
	return ok
}

type fakeLookup struct{}

func (fakeLookup) Get(ctx context.Context, identityID string, edition int64) ([]byte, error) {
	return nil, netprimitives.ErrEditionNotFound
}
func (fakeLookup) Put(ctx context.Context, identityID string, edition int64, data []byte) error {
	return nil
}

func testStore(t *testing.T) *graphstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "downloadctrl-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := graphstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testQueue(t *testing.T) *identityqueue.Queue {
	t.Helper()
	dir, err := os.MkdirTemp("", "downloadctrl-queue-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	q, err := identityqueue.Open(dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// TestControllerDispatchesStartCommandToFastDownloader exercises the
// full C2 -> C7 -> C5 path: a SetTrust call writes a download command
// within trustgraph's own transaction, and the controller's drain loop
// picks it up and opens the corresponding subscription.
func TestControllerDispatchesStartCommandToFastDownloader(t *testing.T) {
	store := testStore(t)
	graph := trustgraph.New(store, clock.NewMock(), false)
	queue := testQueue(t)
	net := newFakeNet()
	fast := fastdownload.New(net, queue, graph)
	slow := slowdownload.New(fakeLookup{}, queue, store)

	ctrl := New(store, graph, fast, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ctrl.Run(ctx)

	rk, err := wotmodel.NewRoutingKey([]byte("target-seed"))
	require.NoError(t, err)
	targetURI := wotmodel.RequestURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}
	targetID, err := targetURI.ID()
	require.NoError(t, err)

	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutIdentity(ctx, &wotmodel.Identity{ID: targetID, RequestURI: targetURI, Properties: map[string]string{}}))
	require.NoError(t, tx.Commit())

	ownRK, err := wotmodel.NewRoutingKey([]byte("alice-seed"))
	require.NoError(t, err)
	ownURI := wotmodel.RequestURI{RoutingKey: ownRK, CryptoKey: "ownck", Settings: "s"}
	_, err = graph.CreateOwnIdentity(ctx, ownURI, wotmodel.InsertURI{RoutingKey: ownRK, CryptoKey: "ownck", Settings: "s"}, "alice", false)
	require.NoError(t, err)
	ownID, err := ownURI.ID()
	require.NoError(t, err)

	// A positive-value trust raises the target's score above zero,
	// which recomputeAffectedOwners/applyDownloadPolicy turns into a
	// StartDownload command for C7 to drain.
	require.NoError(t, graph.SetTrust(ctx, ownID, targetID, 100, ""))
	ctrl.Wake()

	require.Eventually(t, func() bool { return net.isSubscribed(targetID) }, time.Second, 5*time.Millisecond)
}

func TestControllerForwardsOnlyNewEditionHints(t *testing.T) {
	store := testStore(t)
	graph := trustgraph.New(store, clock.NewMock(), false)
	queue := testQueue(t)
	net := newFakeNet()
	fast := fastdownload.New(net, queue, graph)
	slow := slowdownload.New(fakeLookup{}, queue, store)
	ctrl := New(store, graph, fast, slow)

	ctx := context.Background()
	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.EnqueueEditionHint(ctx, graphstore.EditionHintRow{
		SourceID: "alice", TargetID: "bob", Edition: 1, CreatedAt: time.Now(),
	}))
	require.NoError(t, tx.Commit())

	ctrl.drain(ctx)
	require.Equal(t, 1, slow.Snapshot().Queued)

	// A second drain with no new hints must not re-add the same row.
	ctrl.drain(ctx)
	require.Equal(t, 1, slow.Snapshot().Queued)
}
