package trustgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/subscriptions"
	"github.com/ParichayaHQ/credence/internal/wlog"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// notifyOwnerScores stages one Score notification per target whose
// value/rank/capacity actually changed, so C9 subscribers only see
// real deltas rather than a notification for every row a recompute
// pass happens to rewrite (spec §4.9).
func (g *Graph) notifyOwnerScores(batch *subscriptions.Batch, ownerID string, oldScores, newScores []*wotmodel.Score) {
	old := make(map[string]*wotmodel.Score, len(oldScores))
	for _, s := range oldScores {
		old[s.TargetID] = s
	}
	for _, s := range newScores {
		prev, existed := old[s.TargetID]
		if !existed || prev.Value != s.Value || prev.Rank != s.Rank || prev.Capacity != s.Capacity {
			g.notify(batch, subscriptions.EntityScore, scoreEntityID(ownerID, s.TargetID))
		}
		delete(old, s.TargetID)
	}
	for targetID := range old {
		g.notify(batch, subscriptions.EntityScore, scoreEntityID(ownerID, targetID))
	}
}

// recomputeAllOwners implements spec §4.2 computeAllScoresFromScratch:
// every OwnIdentity's Score set is rebuilt from the current trust graph.
// Used after a structural change that could affect any owner (demoting
// or restoring an OwnIdentity), by recomputeAffectedOwners when
// debugIncremental is set, and by ComputeAllScoresFromScratch.
func (g *Graph) recomputeAllOwners(ctx context.Context, tx *graphstore.Tx, batch *subscriptions.Batch) error {
	metrics.ScoreRecomputations.WithLabelValues("full").Inc()
	owners, err := tx.ListOwnIdentities(ctx)
	if err != nil {
		return err
	}
	allTrusts, err := tx.AllTrusts(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		oldScores, err := tx.ScoresByOwner(ctx, owner.ID)
		if err != nil {
			return err
		}
		scores := recomputeOwnerScoresFromScratch(allTrusts, owner.ID)
		if err := rewriteOwnerScores(ctx, tx, owner.ID, scores); err != nil {
			return err
		}
		g.notifyOwnerScores(batch, owner.ID, oldScores, scores)
		if err := g.applyDownloadPolicy(ctx, tx, owner.ID, oldScores, scores); err != nil {
			return err
		}
	}
	return nil
}

// recomputeAffectedOwners implements the incremental path of spec §4.2:
// rather than the narrative's surgical delta propagation, it bounds a
// full from-scratch recompute to the set of owners whose tree can
// possibly have changed as a result of a mutation at changedTrusterID.
// That set is exactly the owners who already hold a Score for
// changedTrusterID (any such owner's rank/capacity computation walks
// through it) plus changedTrusterID itself when it is an OwnIdentity.
// Every owner outside that set has capacity 0 toward changedTrusterID in
// every reachable path, so no edge leaving it can alter their scores.
// This trivially satisfies I7 (incremental == full) by construction,
// since each affected owner's tree is rebuilt with the exact same
// reference algorithm computeAllScoresFromScratch uses.
func (g *Graph) recomputeAffectedOwners(ctx context.Context, tx *graphstore.Tx, changedTrusterID string, batch *subscriptions.Batch) error {
	if g.debugIncremental {
		return g.recomputeAllOwners(ctx, tx, batch)
	}

	affected := make(map[string]bool)
	holders, err := tx.ScoresByTarget(ctx, changedTrusterID)
	if err != nil {
		return err
	}
	for _, s := range holders {
		affected[s.OwnerID] = true
	}
	if isOwn, err := tx.IsOwnIdentity(ctx, changedTrusterID); err == nil && isOwn {
		affected[changedTrusterID] = true
	} else if err != nil && err != graphstore.ErrNotFound {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	metrics.ScoreRecomputations.WithLabelValues("incremental").Inc()

	allTrusts, err := tx.AllTrusts(ctx)
	if err != nil {
		return err
	}
	for ownerID := range affected {
		oldScores, err := tx.ScoresByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		scores := recomputeOwnerScoresFromScratch(allTrusts, ownerID)
		if err := rewriteOwnerScores(ctx, tx, ownerID, scores); err != nil {
			return err
		}
		g.notifyOwnerScores(batch, ownerID, oldScores, scores)
		if err := g.applyDownloadPolicy(ctx, tx, ownerID, oldScores, scores); err != nil {
			return err
		}
	}
	return nil
}

// ComputeAllScoresFromScratch is the exported entry point for spec §4.2
// computeAllScoresFromScratch. wotctl testAndRepair uses
// VerifyAndCorrectStoredScores instead.
func (g *Graph) ComputeAllScoresFromScratch(ctx context.Context) error {
	return g.withWriteTx(ctx, g.recomputeAllOwners)
}

// VerifyAndCorrectStoredScores implements the supplemented score
// check (SPEC_FULL "Supplemented features"): recompute every owner's tree from
// scratch in memory, diff against the stored rows, and report + correct
// any mismatch. Returns the number of Score rows that were wrong.
func (g *Graph) VerifyAndCorrectStoredScores(ctx context.Context) (int, error) {
	mismatches := 0
	err := g.withWriteTx(ctx, func(tx *graphstore.Tx, batch *subscriptions.Batch) error {
		owners, err := tx.ListOwnIdentities(ctx)
		if err != nil {
			return err
		}
		allTrusts, err := tx.AllTrusts(ctx)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			want := recomputeOwnerScoresFromScratch(allTrusts, owner.ID)
			have, err := tx.ScoresByOwner(ctx, owner.ID)
			if err != nil {
				return err
			}
			haveByTarget := make(map[string]*wotmodel.Score, len(have))
			for _, s := range have {
				haveByTarget[s.TargetID] = s
			}
			dirty := false
			for _, w := range want {
				h, ok := haveByTarget[w.TargetID]
				if !ok || h.Value != w.Value || h.Rank != w.Rank || h.Capacity != w.Capacity {
					dirty = true
					mismatches++
				}
				delete(haveByTarget, w.TargetID)
			}
			mismatches += len(haveByTarget) // stale rows with no counterpart in want
			if dirty || len(haveByTarget) > 0 {
				g.log.Warn("correcting stored scores", wlog.Fields{"owner_id": owner.ID, "score_count": len(want)})
				if err := rewriteOwnerScores(ctx, tx, owner.ID, want); err != nil {
					return err
				}
				g.notifyOwnerScores(batch, owner.ID, have, want)
			}
		}
		return nil
	})
	return mismatches, err
}

// TrustEdgeImport is one edge parsed out of a fetched identity's trust
// list (spec §4.3), carrying the trustee's claimed RequestURI so C2 can
// seed C6's edition-hint queue from it (spec §4.6).
type TrustEdgeImport struct {
	Trustee wotmodel.RequestURI
	Value   int
	Comment string
}

// IdentityMetadata is the non-trust-list part of a fetched identity
// document (spec §6): the claimed nickname, context membership, free-form
// properties, and whether the identity publishes a trust list at all.
type IdentityMetadata struct {
	Name               string
	PublishesTrustList bool
	Contexts           []string
	Properties         map[string]string
}

// applyMetadata copies meta onto identity. The nickname is immutable once
// set (spec §3): a later document claiming a different name does not
// overwrite it, it is just ignored.
func applyMetadata(identity *wotmodel.Identity, meta IdentityMetadata) error {
	if meta.Name != "" {
		if err := identity.SetNickname(meta.Name); err != nil && !errors.Is(err, wotmodel.ErrNicknameImmutable) {
			return err
		}
	}
	identity.PublishesTrustList = meta.PublishesTrustList
	identity.Contexts = meta.Contexts
	identity.Properties = meta.Properties
	if identity.Properties == nil {
		identity.Properties = map[string]string{}
	}
	return nil
}

// ImportSession batches one or more importTrustList calls under a single
// deferred recomputation pass, per spec §4.2's
// beginTrustListImport/finishTrustListImport contract: "recomputation is
// deferred and batched so that at most one propagation pass per affected
// subtree occurs" across the whole session.
type ImportSession struct {
	g     *Graph
	tx    *graphstore.Tx
	batch *subscriptions.Batch
	dirty map[string]bool
	done  bool
}

// BeginTrustListImport opens a session. The caller must call Finish or
// Abort exactly once.
func (g *Graph) BeginTrustListImport(ctx context.Context) (*ImportSession, error) {
	if err := g.lock(ctx); err != nil {
		return nil, err
	}
	tx, err := g.store.BeginWrite(ctx)
	if err != nil {
		g.unlock()
		return nil, err
	}
	return &ImportSession{g: g, tx: tx, batch: &subscriptions.Batch{}, dirty: make(map[string]bool)}, nil
}

// ImportTrustList applies one identity's trust list within the session,
// per spec §4.2/§4.3/I6 edition gating:
//
//   - edition < identity's current RequestURI.Edition: stale, discarded.
//   - edition == current edition and fetch state is not ParsingFailed:
//     already processed, no-op (spec §8 idempotence).
//   - otherwise: supersedes. Outgoing edges tagged with an older edition
//     are deleted, newEdges are written tagged with this edition, the
//     identity's edition/fetch state advance, and an edition hint is
//     recorded for each edge whose trustee URI carries an edition > 0
//     (spec §4.6).
func (s *ImportSession) ImportTrustList(ctx context.Context, trusterID string, edition int64, newEdges []TrustEdgeImport, meta IdentityMetadata) error {
	if s.done {
		return fmt.Errorf("trustgraph: import session already finished")
	}
	identity, err := s.tx.GetIdentity(ctx, trusterID)
	if err != nil {
		return err
	}
	if edition < identity.RequestURI.Edition {
		return nil
	}
	if edition == identity.RequestURI.Edition && identity.FetchState != wotmodel.ParsingFailed {
		return nil
	}
	if err := applyMetadata(identity, meta); err != nil {
		return err
	}

	stale, err := s.tx.TrustsByTrusterBelowEdition(ctx, trusterID, edition)
	if err != nil {
		return err
	}
	for _, t := range stale {
		if err := s.tx.DeleteTrust(ctx, t.TrusterID, t.TrusteeID); err != nil {
			return err
		}
		s.g.notify(s.batch, subscriptions.EntityTrust, trustEntityID(t.TrusterID, t.TrusteeID))
	}

	now := s.g.clock.Now().UTC()
	for _, e := range newEdges {
		trusteeID, err := e.Trustee.ID()
		if err != nil {
			return err
		}
		if _, err := s.tx.GetIdentity(ctx, trusteeID); err != nil {
			placeholder := &wotmodel.Identity{
				ID: trusteeID, RequestURI: e.Trustee, FetchState: wotmodel.NotFetched,
				Properties: map[string]string{}, LastChangedDate: now,
			}
			if err := s.tx.PutIdentity(ctx, placeholder); err != nil {
				return err
			}
			s.g.notify(s.batch, subscriptions.EntityIdentity, trusteeID)
		}
		trust := &wotmodel.Trust{
			TrusterID: trusterID, TrusteeID: trusteeID, Value: e.Value,
			Comment: e.Comment, TrusterTrustListEdition: edition,
		}
		if err := trust.Validate(); err != nil {
			return err
		}
		if err := s.tx.PutTrust(ctx, trust); err != nil {
			return err
		}
		s.g.notify(s.batch, subscriptions.EntityTrust, trustEntityID(trusterID, trusteeID))
		if e.Trustee.Edition > 0 {
			if err := s.tx.EnqueueEditionHint(ctx, graphstore.EditionHintRow{
				SourceID: trusterID, TargetID: trusteeID, Edition: e.Trustee.Edition, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
	}

	identity.RequestURI.Edition = edition
	identity.FetchState = wotmodel.Fetched
	identity.LastFetchedDate = now
	identity.LastChangedDate = now
	if err := s.tx.PutIdentity(ctx, identity); err != nil {
		return err
	}
	s.g.notify(s.batch, subscriptions.EntityIdentity, trusterID)
	s.dirty[trusterID] = true
	return nil
}

// Finish recomputes every owner affected by any import in the session,
// exactly once per owner regardless of how many trusters touched it,
// then commits, delivering every notification staged during the session
// only once the commit has succeeded (spec §4.9 ordering guarantee (iii)).
func (s *ImportSession) Finish(ctx context.Context) error {
	if s.done {
		return fmt.Errorf("trustgraph: import session already finished")
	}
	s.done = true
	defer s.g.unlock()

	for trusterID := range s.dirty {
		if err := s.g.recomputeAffectedOwners(ctx, s.tx, trusterID, s.batch); err != nil {
			s.tx.Rollback()
			return err
		}
	}
	if err := s.tx.Commit(); err != nil {
		return err
	}
	if s.g.notifier != nil {
		s.batch.Flush(s.g.notifier)
	}
	return nil
}

// Abort discards every change made within the session.
func (s *ImportSession) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	defer s.g.unlock()
	return s.tx.Rollback()
}

// ImportOneTrustList is the single-file convenience wrapper C4 (the
// identity file processor) uses: one fetched file, one transaction, one
// recompute pass (spec §4.3's per-file transaction boundary).
func (g *Graph) ImportOneTrustList(ctx context.Context, trusterID string, edition int64, newEdges []TrustEdgeImport, meta IdentityMetadata) error {
	session, err := g.BeginTrustListImport(ctx)
	if err != nil {
		return err
	}
	if err := session.ImportTrustList(ctx, trusterID, edition, newEdges, meta); err != nil {
		session.Abort()
		return err
	}
	return session.Finish(ctx)
}
