package trustgraph

import (
	"context"
	"os"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

func testStore(t *testing.T) *graphstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "trustgraph-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := graphstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testURI(t *testing.T, seed string) wotmodel.RequestURI {
	t.Helper()
	rk, err := wotmodel.NewRoutingKey([]byte(seed))
	require.NoError(t, err)
	return wotmodel.RequestURI{RoutingKey: rk, CryptoKey: "ck", Settings: "s"}
}

func putPlainIdentity(t *testing.T, ctx context.Context, store *graphstore.Store, seed string) string {
	t.Helper()
	uri := testURI(t, seed)
	id, err := uri.ID()
	require.NoError(t, err)
	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutIdentity(ctx, &wotmodel.Identity{
		ID: id, RequestURI: uri, FetchState: wotmodel.Fetched, Properties: map[string]string{},
	}))
	require.NoError(t, tx.Commit())
	return id
}

func TestRecomputeOwnerScoresFromScratch_SelfAndDirect(t *testing.T) {
	alice := &wotmodel.Trust{TrusterID: "alice", TrusteeID: "bob", Value: 100}
	scores := recomputeOwnerScoresFromScratch([]*wotmodel.Trust{alice}, "alice")

	byTarget := make(map[string]*wotmodel.Score)
	for _, s := range scores {
		byTarget[s.TargetID] = s
	}
	require.Equal(t, wotmodel.MaxScoreValue, byTarget["alice"].Value)
	require.EqualValues(t, 0, byTarget["alice"].Rank)

	bob := byTarget["bob"]
	require.NotNil(t, bob)
	require.EqualValues(t, 1, bob.Rank)
	require.Equal(t, 40, bob.Capacity)     // ValidCapacities[1]
	require.EqualValues(t, 100, bob.Value) // 100 (alice's capacity) * 100 / 100
}

func TestRecomputeOwnerScoresFromScratch_RankViaMultiplePaths(t *testing.T) {
	// alice -> bob -> carol, alice -> dave -> carol: carol's rank is the
	// shortest of the two, 2.
	trusts := []*wotmodel.Trust{
		{TrusterID: "alice", TrusteeID: "bob", Value: 100},
		{TrusterID: "alice", TrusteeID: "dave", Value: 50},
		{TrusterID: "bob", TrusteeID: "carol", Value: 100},
		{TrusterID: "dave", TrusteeID: "carol", Value: 100},
	}
	scores := recomputeOwnerScoresFromScratch(trusts, "alice")
	byTarget := make(map[string]*wotmodel.Score)
	for _, s := range scores {
		byTarget[s.TargetID] = s
	}
	require.EqualValues(t, 2, byTarget["carol"].Rank)
	require.Equal(t, 16, byTarget["carol"].Capacity) // ValidCapacities[2]

	// value = bob.capacity(40)*100/100 + dave.capacity(40)*100/100 = 80
	require.EqualValues(t, 80, byTarget["carol"].Value)
}

func TestRecomputeOwnerScoresFromScratch_DirectDistrustForcesZeroCapacity(t *testing.T) {
	// alice directly distrusts carol even though carol is also reachable
	// at rank 2 via bob: a direct edge, of either sign, always wins over
	// any indirect path (spec §8 scenarios 3 and 6), so carol's rank is 1
	// and the override forces her capacity to 0.
	trusts := []*wotmodel.Trust{
		{TrusterID: "alice", TrusteeID: "bob", Value: 100},
		{TrusterID: "bob", TrusteeID: "carol", Value: 100},
		{TrusterID: "alice", TrusteeID: "carol", Value: -10},
	}
	scores := recomputeOwnerScoresFromScratch(trusts, "alice")
	byTarget := make(map[string]*wotmodel.Score)
	for _, s := range scores {
		byTarget[s.TargetID] = s
	}
	carol := byTarget["carol"]
	require.EqualValues(t, 1, carol.Rank) // alice's own direct edge to carol
	require.Equal(t, 0, carol.Capacity)   // direct distrust forces capacity to 0
}

func TestRecomputeOwnerScoresFromScratch_DirectDistrustWithNoOtherPathIsRankOne(t *testing.T) {
	// alice directly distrusts mallory and has no other path to her: the
	// direct edge still seeds rank 1 (spec §8 scenario 6), not MaxRank.
	trusts := []*wotmodel.Trust{
		{TrusterID: "alice", TrusteeID: "mallory", Value: -50},
	}
	scores := recomputeOwnerScoresFromScratch(trusts, "alice")
	byTarget := make(map[string]*wotmodel.Score)
	for _, s := range scores {
		byTarget[s.TargetID] = s
	}
	mallory := byTarget["mallory"]
	require.NotNil(t, mallory)
	require.EqualValues(t, 1, mallory.Rank)
	require.Equal(t, 0, mallory.Capacity)
}

func TestRecomputeOwnerScoresFromScratch_HostileOnlyIndirectTargetGetsNoScore(t *testing.T) {
	// mallory is reachable from alice only through bob's negative edge,
	// never through a non-negative path and never directly: she gets no
	// Score row at all, rather than a MaxRank placeholder.
	trusts := []*wotmodel.Trust{
		{TrusterID: "alice", TrusteeID: "bob", Value: 100},
		{TrusterID: "bob", TrusteeID: "mallory", Value: -50},
	}
	scores := recomputeOwnerScoresFromScratch(trusts, "alice")
	for _, s := range scores {
		require.NotEqual(t, "mallory", s.TargetID)
	}
}

func TestGraph_SetTrustAndComputeScores(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	clk := clock.NewMock()
	g := New(store, clk, false)

	aliceURI := testURI(t, "alice-seed")
	own, err := g.CreateOwnIdentity(ctx, aliceURI, wotmodel.InsertURI{RoutingKey: aliceURI.RoutingKey}, "alice", true)
	require.NoError(t, err)

	bobID := putPlainIdentity(t, ctx, store, "bob-seed")

	require.NoError(t, g.SetTrust(ctx, own.ID, bobID, 100, "trusted colleague"))

	tx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	score, err := tx.GetScore(ctx, own.ID, bobID)
	require.NoError(t, err)
	require.EqualValues(t, 1, score.Rank)
	require.Equal(t, 40, score.Capacity)
	require.EqualValues(t, 100, score.Value)
}

func TestGraph_RemoveTrustRecomputes(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	clk := clock.NewMock()
	g := New(store, clk, false)

	aliceURI := testURI(t, "alice-seed-2")
	own, err := g.CreateOwnIdentity(ctx, aliceURI, wotmodel.InsertURI{RoutingKey: aliceURI.RoutingKey}, "alice", true)
	require.NoError(t, err)
	bobID := putPlainIdentity(t, ctx, store, "bob-seed-2")

	require.NoError(t, g.SetTrust(ctx, own.ID, bobID, 100, ""))
	require.NoError(t, g.RemoveTrust(ctx, own.ID, bobID))

	tx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.GetScore(ctx, own.ID, bobID)
	require.ErrorIs(t, err, graphstore.ErrNotFound)
}

func TestGraph_ImportOneTrustList_EditionGating(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	clk := clock.NewMock()
	g := New(store, clk, false)

	aliceURI := testURI(t, "alice-seed-3")
	own, err := g.CreateOwnIdentity(ctx, aliceURI, wotmodel.InsertURI{RoutingKey: aliceURI.RoutingKey}, "alice", true)
	require.NoError(t, err)
	bobID := putPlainIdentity(t, ctx, store, "bob-seed-3")
	bobURI := testURI(t, "bob-seed-3")

	carolURI := testURI(t, "carol-seed-3")
	edges := []TrustEdgeImport{{Trustee: carolURI, Value: 80, Comment: "met at a conf"}}

	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 5, edges, IdentityMetadata{}))

	// Re-importing the same edition is a no-op (spec §8 idempotence).
	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 5, nil, IdentityMetadata{}))

	tx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	carolID, err := carolURI.ID()
	require.NoError(t, err)
	trust, err := tx.GetTrust(ctx, bobID, carolID)
	require.NoError(t, err)
	require.Equal(t, 80, trust.Value)
	tx.Rollback()

	// An older edition than the one already applied is silently dropped.
	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 3, []TrustEdgeImport{{Trustee: carolURI, Value: -90}}, IdentityMetadata{}))
	tx, err = store.BeginRead(ctx)
	require.NoError(t, err)
	trust, err = tx.GetTrust(ctx, bobID, carolID)
	require.NoError(t, err)
	require.Equal(t, 80, trust.Value) // unchanged
	tx.Rollback()

	_ = own
}

func TestGraph_ImportOneTrustList_AppliesIdentityMetadata(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	clk := clock.NewMock()
	g := New(store, clk, false)

	bobID := putPlainIdentity(t, ctx, store, "bob-seed-meta")
	meta := IdentityMetadata{
		Name:               "bob",
		PublishesTrustList: true,
		Contexts:           []string{"friends"},
		Properties:         map[string]string{"homepage": "https://example.test"},
	}
	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 1, nil, meta))

	tx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	bob, err := tx.GetIdentity(ctx, bobID)
	require.NoError(t, err)
	require.NotNil(t, bob.Nickname)
	require.Equal(t, "bob", *bob.Nickname)
	require.True(t, bob.PublishesTrustList)
	require.Equal(t, []string{"friends"}, bob.Contexts)
	require.Equal(t, "https://example.test", bob.Properties["homepage"])

	// A later edition claiming a different name does not overwrite the
	// nickname already set (spec §3 immutable-once-set).
	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 2, nil, IdentityMetadata{Name: "someone-else"}))
	tx2, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer tx2.Rollback()
	bob2, err := tx2.GetIdentity(ctx, bobID)
	require.NoError(t, err)
	require.Equal(t, "bob", *bob2.Nickname)
}

func TestGraph_DownloadPolicy_FastPathGatedByRank(t *testing.T) {
	// alice -> bob (rank 1) -> carol (rank 2): scenario 2 of spec §8
	// expects bob on the fast path and carol left for C6 only.
	ctx := context.Background()
	store := testStore(t)
	clk := clock.NewMock()
	g := New(store, clk, false)

	aliceURI := testURI(t, "alice-seed-rank")
	own, err := g.CreateOwnIdentity(ctx, aliceURI, wotmodel.InsertURI{RoutingKey: aliceURI.RoutingKey}, "alice", true)
	require.NoError(t, err)

	bobID := putPlainIdentity(t, ctx, store, "bob-seed-rank")
	carolID := putPlainIdentity(t, ctx, store, "carol-seed-rank")

	require.NoError(t, g.SetTrust(ctx, own.ID, bobID, 100, ""))
	// bob is not an OwnIdentity, so his edge to carol arrives the way any
	// remote trust list does: through an imported edition.
	carolURI := testURI(t, "carol-seed-rank")
	require.NoError(t, g.ImportOneTrustList(ctx, bobID, 1, []TrustEdgeImport{{Trustee: carolURI, Value: 100}}, IdentityMetadata{}))

	tx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	cmds, err := tx.DrainDownloadCommands(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	byID := make(map[string]graphstore.DownloadCommand)
	for _, c := range cmds {
		byID[c.IdentityID] = c
	}
	bobCmd, ok := byID[bobID]
	require.True(t, ok, "rank-1 target should get a fast-path command")
	require.Equal(t, graphstore.StartDownload, bobCmd.Kind)
	_, ok = byID[carolID]
	require.False(t, ok, "rank-2 target must not get a fast-path subscription")
}
