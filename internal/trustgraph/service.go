package trustgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityxml"
	"github.com/ParichayaHQ/credence/internal/subscriptions"
	"github.com/ParichayaHQ/credence/internal/wlog"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// Graph is C2: it owns every mutation of the (Identity, Trust, Score)
// model and the single C2 writer lock named in spec §5 as the top of the
// canonical lock order. Every exported method that mutates state takes
// that lock for its entire duration, so callers never need their own
// serialization around it.
type Graph struct {
	store            *graphstore.Store
	clock            clock.Clock
	log              *wlog.Logger
	writerLock       chan struct{} // 1-buffered: acts as the C2 "WoT lock" (spec §5)
	debugIncremental bool          // DEBUG_INCREMENTAL_SCORE_COMPUTATION (spec §9)
	notifier         *subscriptions.Manager
}

// New creates the trust graph engine over an already-opened store.
func New(store *graphstore.Store, clk clock.Clock, debugIncremental bool) *Graph {
	g := &Graph{
		store:            store,
		clock:            clk,
		log:              wlog.New("trustgraph", wlog.LevelInfo),
		writerLock:       make(chan struct{}, 1),
		debugIncremental: debugIncremental,
	}
	g.writerLock <- struct{}{}
	return g
}

// SetNotifier wires C9 into C2: every mutator below stages its
// notifications into a per-call Batch and flushes them only after its
// transaction commits (spec §4.9 "enqueued within the mutating
// transaction, delivered after commit"). A Graph with no notifier set
// behaves exactly as before — notification emission is strictly
// additive.
func (g *Graph) SetNotifier(m *subscriptions.Manager) { g.notifier = m }

// notify stages one notification for entityID if a notifier is wired;
// a no-op otherwise. Must be called while still holding the writer
// lock (i.e. from inside a withWriteTx closure) so NextVersion
// allocation stays ordered with the mutation it describes.
func (g *Graph) notify(batch *subscriptions.Batch, entityType subscriptions.EntityType, entityID string) {
	if g.notifier == nil {
		return
	}
	old, new := g.notifier.NextVersion(entityID)
	batch.Add(subscriptions.Notification{Type: entityType, EntityID: entityID, OldVersion: old, NewVersion: new})
}

// lock acquires the C2 writer lock (spec §5 canonical order position 1);
// callers of any exported mutator already hold it for the call's
// duration via withWriteTx.
func (g *Graph) lock(ctx context.Context) error {
	select {
	case <-g.writerLock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Graph) unlock() { g.writerLock <- struct{}{} }

// withWriteTx runs fn inside the C2 writer lock and a single C1
// transaction, committing on success and rolling back (and re-throwing)
// on any error (spec §4.2 "Failure semantics"). Notifications fn stages
// into the batch (via g.notify) are only delivered to C9 subscribers
// after the transaction commits (spec §4.9 ordering guarantee (iii)).
func (g *Graph) withWriteTx(ctx context.Context, fn func(tx *graphstore.Tx, batch *subscriptions.Batch) error) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()

	tx, err := g.store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	batch := &subscriptions.Batch{}
	if err := fn(tx, batch); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if g.notifier != nil {
		batch.Flush(g.notifier)
	}
	return nil
}

// SetTrust implements spec §4.2 setTrust: mutate one edge originating
// from an OwnIdentity, with incremental recomputation of its downstream
// closure.
func (g *Graph) SetTrust(ctx context.Context, ownerID, trusteeID string, value int, comment string) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		isOwn, err := tx.IsOwnIdentity(ctx, ownerID)
		if err != nil {
			return err
		}
		if !isOwn {
			return fmt.Errorf("%w: setTrust owner %s is not an OwnIdentity", wotmodel.ErrInvalidInput, ownerID)
		}
		if _, err := tx.GetIdentity(ctx, trusteeID); err != nil {
			return err
		}
		trust := &wotmodel.Trust{TrusterID: ownerID, TrusteeID: trusteeID, Value: value, Comment: comment}
		if err := trust.Validate(); err != nil {
			return err
		}
		// Manual trust edits are not tagged with an imported trust-list
		// edition; keep whatever edition the truster's list last
		// established, or 0 if this is the first edge ever set.
		if existing, err := tx.GetTrust(ctx, ownerID, trusteeID); err == nil {
			trust.TrusterTrustListEdition = existing.TrusterTrustListEdition
		} else if !errors.Is(err, wotmodel.ErrNotTrusted) {
			return err
		}
		if err := tx.PutTrust(ctx, trust); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityTrust, trustEntityID(ownerID, trusteeID))
		return g.recomputeAffectedOwners(ctx, tx, ownerID, batch)
	})
}

// RemoveTrust implements spec §4.2 removeTrust.
func (g *Graph) RemoveTrust(ctx context.Context, ownerID, trusteeID string) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		isOwn, err := tx.IsOwnIdentity(ctx, ownerID)
		if err != nil {
			return err
		}
		if !isOwn {
			return fmt.Errorf("%w: removeTrust owner %s is not an OwnIdentity", wotmodel.ErrInvalidInput, ownerID)
		}
		if err := tx.DeleteTrust(ctx, ownerID, trusteeID); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityTrust, trustEntityID(ownerID, trusteeID))
		return g.recomputeAffectedOwners(ctx, tx, ownerID, batch)
	})
}

// trustEntityID forms the composite id C9 notifications use to name a
// Trust edge, since (trusterID, trusteeID) is its natural key.
func trustEntityID(trusterID, trusteeID string) string {
	return trusterID + "->" + trusteeID
}

// CreateOwnIdentity implements spec §4.2 createOwnIdentity: allocate an
// OwnIdentity, seed its self-Score (value=MAX, rank=0, capacity=100),
// fetch state Fetched so the inserter may publish immediately (spec §3).
func (g *Graph) CreateOwnIdentity(ctx context.Context, requestURI wotmodel.RequestURI, insertURI wotmodel.InsertURI, nickname string, publishTrustList bool) (*wotmodel.OwnIdentity, error) {
	id, err := requestURI.ID()
	if err != nil {
		return nil, err
	}
	if err := wotmodel.ValidateNickname(nickname); err != nil {
		return nil, err
	}
	now := g.clock.Now().UTC()
	own := &wotmodel.OwnIdentity{
		Identity: wotmodel.Identity{
			ID:                 id,
			RequestURI:         requestURI,
			FetchState:         wotmodel.Fetched,
			Nickname:           &nickname,
			PublishesTrustList: publishTrustList,
			Properties:         map[string]string{},
			LastFetchedDate:    now,
			LastChangedDate:    now,
		},
		InsertURI:      insertURI,
		LastInsertDate: time.Time{},
	}
	err = g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		if err := tx.PutOwnIdentity(ctx, own); err != nil {
			return err
		}
		self := &wotmodel.Score{OwnerID: id, TargetID: id, Value: wotmodel.MaxScoreValue, Rank: 0, Capacity: 100}
		if err := tx.PutScore(ctx, self); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, id)
		g.notify(batch, subscriptions.EntityScore, scoreEntityID(id, id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return own, nil
}

// scoreEntityID forms the composite id C9 notifications use to name a
// Score row, since (ownerID, targetID) is its natural key.
func scoreEntityID(ownerID, targetID string) string {
	return ownerID + "->" + targetID
}

// DeleteOwnIdentity implements spec §4.2 deleteOwnIdentity: downgrade to
// a plain Identity, preserving id and adjacent trusts, then fully
// recompute every owner's tree since any owner may have held scores
// through the now-demoted identity's self-capacity-100 status.
func (g *Graph) DeleteOwnIdentity(ctx context.Context, id string) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		identity, err := tx.GetIdentity(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteScoresByOwner(ctx, id); err != nil {
			return err
		}
		// PutIdentity keeps the own-identity columns of an existing row,
		// so the row is removed and re-inserted as a plain identity.
		if err := tx.DeleteIdentity(ctx, id); err != nil {
			return err
		}
		if err := tx.PutIdentity(ctx, identity); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, id)
		return g.recomputeAllOwners(ctx, tx, batch)
	})
}

// RestoreOwnIdentity implements spec §4.2 restoreOwnIdentity: upgrade an
// Identity back to OwnIdentity from its keypair, reverting fetch state
// to NotFetched ("own-identity restore", spec GLOSSARY) and enqueueing a
// StartDownload command so C7 subscribes C5 to it.
func (g *Graph) RestoreOwnIdentity(ctx context.Context, insertURI wotmodel.InsertURI) (*wotmodel.OwnIdentity, error) {
	requestURI := wotmodel.RequestURI{RoutingKey: insertURI.RoutingKey, CryptoKey: insertURI.CryptoKey, Settings: insertURI.Settings, Edition: insertURI.Edition}
	id, err := requestURI.ID()
	if err != nil {
		return nil, err
	}
	var own *wotmodel.OwnIdentity
	err = g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		existing, err := tx.GetIdentity(ctx, id)
		if err != nil && !errors.Is(err, graphstore.ErrNotFound) {
			return err
		}
		base := wotmodel.Identity{ID: id, RequestURI: requestURI, FetchState: wotmodel.NotFetched, Properties: map[string]string{}}
		if existing != nil {
			base = *existing
			base.FetchState = wotmodel.NotFetched
		}
		own = &wotmodel.OwnIdentity{Identity: base, InsertURI: insertURI}
		if err := tx.PutOwnIdentity(ctx, own); err != nil {
			return err
		}
		if err := tx.EnqueueDownloadCommand(ctx, id, graphstore.StartDownload, own.RequestURI.String(), g.clock.Now().UTC()); err != nil {
			return err
		}
		self := &wotmodel.Score{OwnerID: id, TargetID: id, Value: wotmodel.MaxScoreValue, Rank: 0, Capacity: 100}
		if err := tx.PutScore(ctx, self); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, id)
		g.notify(batch, subscriptions.EntityScore, scoreEntityID(id, id))
		return g.recomputeAllOwners(ctx, tx, batch)
	})
	if err != nil {
		return nil, err
	}
	return own, nil
}

// applyRefetchTransition implements the fetchState transition of spec
// §4.2: Fetched/ParsingFailed -> NotFetched, used when an identity becomes
// newly eligible for download (score crossed 0 from below). If the state
// was already Fetched, the request edition is decremented by one (floor
// 0) to force at least one re-download. Reports whether it changed
// anything; a no-op if already NotFetched (spec §8 Idempotence).
func applyRefetchTransition(identity *wotmodel.Identity) bool {
	if identity.FetchState == wotmodel.NotFetched {
		return false
	}
	wasFetched := identity.FetchState == wotmodel.Fetched
	identity.FetchState = wotmodel.NotFetched
	if wasFetched && identity.RequestURI.Edition > 0 {
		identity.RequestURI.Edition--
	}
	return true
}

// MarkForRefetch applies applyRefetchTransition to id in its own
// transaction, enqueueing a StartDownload command for C7 to drain.
func (g *Graph) MarkForRefetch(ctx context.Context, id string) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		identity, err := tx.GetIdentity(ctx, id)
		if err != nil {
			return err
		}
		if !applyRefetchTransition(identity) {
			return nil
		}
		if err := tx.PutIdentity(ctx, identity); err != nil {
			return err
		}
		if err := tx.EnqueueDownloadCommand(ctx, id, graphstore.StartDownload, identity.RequestURI.String(), g.clock.Now().UTC()); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, id)
		return nil
	})
}

// ShouldFetchIdentity implements spec I5 / §4.2 shouldFetchIdentity:
// true iff some Score targeting id has value>=0 or capacity>0.
func (g *Graph) ShouldFetchIdentity(ctx context.Context, id string) (bool, error) {
	tx, err := g.store.BeginRead(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	scores, err := tx.ScoresByTarget(ctx, id)
	if err != nil {
		return false, err
	}
	for _, s := range scores {
		if s.ShouldFetch() {
			return true, nil
		}
	}
	return false, nil
}

// MarkParsingFailed implements spec §7's ParseFailure handling: the
// target identity's edition is still advanced to the edition of the
// unparsable file, so C4 does not loop retrying the same broken
// document, but fetch state becomes ParsingFailed rather than Fetched
// so a later edition at the same number may still be reprocessed (spec
// §4.2 edition gating: "an equal edition previously ParsingFailed may be
// reprocessed").
func (g *Graph) MarkParsingFailed(ctx context.Context, identityID string, edition int64) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		identity, err := tx.GetIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		if edition < identity.RequestURI.Edition {
			return nil // a newer edition was already applied; don't regress
		}
		identity.RequestURI.Edition = edition
		identity.FetchState = wotmodel.ParsingFailed
		identity.LastFetchedDate = g.clock.Now().UTC()
		if err := tx.PutIdentity(ctx, identity); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, identityID)
		return nil
	})
}

// OwnTrustList returns ownerID's current outgoing trust edges rendered
// as the trustee's claimed RequestURI (spec §4.8, implements
// inserter.TrustListSource so C8 can re-encode the owner's trust list
// into the published identity document).
func (g *Graph) OwnTrustList(ctx context.Context, ownerID string) ([]identityxml.ParsedTrust, error) {
	tx, err := g.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	trusts, err := tx.TrustsByTruster(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]identityxml.ParsedTrust, 0, len(trusts))
	for _, t := range trusts {
		trustee, err := tx.GetIdentity(ctx, t.TrusteeID)
		if err != nil {
			return nil, err
		}
		out = append(out, identityxml.ParsedTrust{TrusteeURI: trustee.RequestURI, Value: t.Value, Comment: t.Comment})
	}
	return out, nil
}

// ListOwnIdentities returns every OwnIdentity, for C8 to scan on each
// insert-policy pass (spec §4.8).
func (g *Graph) ListOwnIdentities(ctx context.Context) ([]*wotmodel.OwnIdentity, error) {
	tx, err := g.store.BeginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.ListOwnIdentities(ctx)
}

// MarkInserted implements spec §4.8's post-publish bookkeeping: on a
// successful insert, the identity's request-URI edition advances and
// its fetch state becomes Fetched, so C5/C6 never loop back and
// re-download the owner's own freshly-published data.
func (g *Graph) MarkInserted(ctx context.Context, id string, newEdition int64, at time.Time) error {
	return g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		identity, err := tx.GetIdentity(ctx, id)
		if err != nil {
			return err
		}
		identity.RequestURI.Edition = newEdition
		if err := tx.MarkOwnIdentityInserted(ctx, id, identity.RequestURI.String(), int(wotmodel.Fetched), at); err != nil {
			return err
		}
		g.notify(batch, subscriptions.EntityIdentity, id)
		return nil
	})
}

// ShouldMaybeFetchIdentity is the looser policy predicate of spec §4.2,
// exported for C7 but not called by it: true for any non-nil score with
// value >= 0, capacity > 0, or a rank other than MaxRank. Since every
// stored Score has a finite rank, that is every stored Score.
func (g *Graph) ShouldMaybeFetchIdentity(score *wotmodel.Score) bool {
	return score != nil && (score.Value >= 0 || score.Capacity > 0 || score.Rank != wotmodel.MaxRank)
}
