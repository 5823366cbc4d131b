package fastdownload

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// fakeNet is an in-memory ContinuousUpdates double used to exercise
// Downloader without a real libp2p host.
type fakeNet struct {
	mu   sync.Mutex
	subs map[string]chan netprimitives.Update
}

func newFakeNet() *fakeNet {
	return &fakeNet{subs: make(map[string]chan netprimitives.Update)}
}

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
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[identityID]; ok {
		ch <- netprimitives.Update{IdentityID: identityID, Edition: edition, Data: data}
	}
	return nil
}

func (f *fakeNet) push(t *testing.T, identityID string, u netprimitives.Update) {
	t.Helper()
	f.mu.Lock()
	ch, ok := f.subs[identityID]
	f.mu.Unlock()
	require.True(t, ok, "no subscription open for %s", identityID)
	ch <- u
}

func testGraph(t *testing.T) (*trustgraph.Graph, string, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fastdownload-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := graphstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g := trustgraph.New(store, clock.NewMock(), false)
	rk, err := wotmodel.NewRoutingKey([]byte("bob-seed"))
	require.NoError(t, err)
	uri := wotmodel.RequestURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}
	bobID, err := uri.ID()
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutIdentity(ctx, &wotmodel.Identity{ID: bobID, RequestURI: uri, Properties: map[string]string{}}))
	require.NoError(t, tx.Commit())

	ownRK, err := wotmodel.NewRoutingKey([]byte("alice-seed"))
	require.NoError(t, err)
	_, err = g.CreateOwnIdentity(ctx, wotmodel.RequestURI{RoutingKey: ownRK, CryptoKey: "ownck", Settings: "s"}, wotmodel.InsertURI{RoutingKey: ownRK, CryptoKey: "ownck", Settings: "s"}, "alice", false)
	require.NoError(t, err)
	ownURI := wotmodel.RequestURI{RoutingKey: ownRK, CryptoKey: "ownck", Settings: "s"}
	ownID, err := ownURI.ID()
	require.NoError(t, err)

	require.NoError(t, g.SetTrust(ctx, ownID, bobID, 100, ""))
	return g, ownID, bobID
}

func testQueue(t *testing.T) *identityqueue.Queue {
	t.Helper()
	dir, err := os.MkdirTemp("", "fastdownload-queue-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	q, err := identityqueue.Open(dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestDownloaderStartEnqueuesUpdateWhenFetchWorthy(t *testing.T) {
	g, _, targetID := testGraph(t)
	queue := testQueue(t)
	net := newFakeNet()
	d := New(net, queue, g)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx, targetID))
	net.push(t, targetID, netprimitives.Update{IdentityID: targetID, Edition: 1, Data: []byte("xml")})

	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, 5*time.Millisecond)

	file, found, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, targetID, file.IdentityID)
	require.EqualValues(t, 1, file.Edition)
}

func TestDownloaderStopIsIdempotent(t *testing.T) {
	g, _, targetID := testGraph(t)
	queue := testQueue(t)
	net := newFakeNet()
	d := New(net, queue, g)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx, targetID))
	require.NoError(t, d.Stop(targetID))
	require.NoError(t, d.Stop(targetID)) // no-op the second time
}

func TestDownloaderDiscardsUpdateOnceNoLongerFetchWorthy(t *testing.T) {
	g, ownID, targetID := testGraph(t)
	queue := testQueue(t)
	net := newFakeNet()
	d := New(net, queue, g)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx, targetID))

	// Simulate the owner removing trust between subscription and
	// delivery: the identity is no longer fetch-worthy by the time the
	// update lands (spec §9 open question (c)).
	require.NoError(t, g.RemoveTrust(ctx, ownID, targetID))

	net.push(t, targetID, netprimitives.Update{IdentityID: targetID, Edition: 1, Data: []byte("xml")})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, queue.Len())
}
