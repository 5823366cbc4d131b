package trustgraph

import (
	"context"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// applyDownloadPolicy implements the C2 side of spec §9's "deferred side
// effects from callbacks": rather than calling into C7 directly (whose
// effects might need to be rolled back if this transaction aborts), it
// writes command rows within the same transaction for C7 to drain once
// the commit has actually landed.
//
// A target crossing from !shouldFetch to shouldFetch for this owner has
// its fetch state reset to NotFetched; a rank<=1 target (or another
// local identity) also gets a StartDownload command, which C7 hands to
// the fast downloader for a persistent subscription (spec §8 scenario
// 2). Rank 2+ targets are left for C6, whose edition-hint queue
// ImportTrustList already seeded — they are never given a fast
// subscription. The reverse crossing gets a StopDownload command, but
// only when no stored Score from any owner still makes the target
// fetch-worthy (spec I5), so a target another owner still wants fetched
// keeps its subscription.
func (g *Graph) applyDownloadPolicy(ctx context.Context, tx *graphstore.Tx, ownerID string, oldScores, newScores []*wotmodel.Score) error {
	oldByTarget := make(map[string]*wotmodel.Score, len(oldScores))
	for _, s := range oldScores {
		oldByTarget[s.TargetID] = s
	}
	newByTarget := make(map[string]*wotmodel.Score, len(newScores))
	for _, s := range newScores {
		newByTarget[s.TargetID] = s
	}

	stillWanted := func(target string) (bool, error) {
		scores, err := tx.ScoresByTarget(ctx, target)
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

	now := g.clock.Now().UTC()
	for target, newScore := range newByTarget {
		if target == ownerID {
			continue
		}
		oldFetch := false
		if old, ok := oldByTarget[target]; ok {
			oldFetch = old.ShouldFetch()
		}
		newFetch := newScore.ShouldFetch()
		if oldFetch == newFetch {
			continue
		}
		identity, err := tx.GetIdentity(ctx, target)
		if err != nil {
			return err
		}
		if newFetch {
			if !applyRefetchTransition(identity) {
				continue // already queued for fetch
			}
			if err := tx.PutIdentity(ctx, identity); err != nil {
				return err
			}
			isOwn, err := tx.IsOwnIdentity(ctx, target)
			if err != nil {
				return err
			}
			// Only rank<=1 (or another local identity) gets a persistent
			// fast-downloader subscription (spec §8 scenario 2); higher
			// ranks are left to C6's edition-hint queue, already seeded
			// by ImportTrustList, so they are not also subscribed here.
			if newScore.Rank <= 1 || isOwn {
				if err := tx.EnqueueDownloadCommand(ctx, target, graphstore.StartDownload, identity.RequestURI.String(), now); err != nil {
					return err
				}
			}
		} else {
			if wanted, err := stillWanted(target); err != nil {
				return err
			} else if wanted {
				continue
			}
			if err := tx.EnqueueDownloadCommand(ctx, target, graphstore.StopDownload, "", now); err != nil {
				return err
			}
		}
	}
	// A target present in oldScores but absent from newScores lost all
	// reachability from this owner outright (e.g. the owner itself was
	// demoted): treat as a fetch-eligibility loss too.
	for target, old := range oldByTarget {
		if target == ownerID {
			continue
		}
		if _, stillThere := newByTarget[target]; stillThere {
			continue
		}
		if old.ShouldFetch() {
			if wanted, err := stillWanted(target); err != nil {
				return err
			} else if wanted {
				continue
			}
			if err := tx.EnqueueDownloadCommand(ctx, target, graphstore.StopDownload, "", now); err != nil {
				return err
			}
		}
	}
	return nil
}
