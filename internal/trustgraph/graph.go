// Package trustgraph implements C2, the trust graph state machine and
// score engine (spec §4.2). It is grounded on the teacher's
// internal/score package: DeterministicEngine's component-by-component,
// cache-aware computation style is generalized here from the five-factor
// reputation formula to the rank/capacity/value triple of spec §3, and
// internal/score/graph.go's graph-analysis shape becomes the BFS rank
// walk below.
package trustgraph

import (
	"context"
	"fmt"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// edge is the in-memory adjacency representation used while walking the
// non-negative subgraph for one owner's BFS (spec §3 Rank).
type edge struct {
	to    string
	value int
}

// buildNonNegativeAdjacency indexes every trust edge with value >= 0 by
// truster id, for BFS rank derivation. Negative edges are excluded: "rank
// through a negative edge is undefined" (spec §3).
func buildNonNegativeAdjacency(trusts []*wotmodel.Trust) map[string][]edge {
	adj := make(map[string][]edge)
	for _, t := range trusts {
		if t.Value < 0 {
			continue
		}
		adj[t.TrusterID] = append(adj[t.TrusterID], edge{to: t.TrusteeID, value: t.Value})
	}
	return adj
}

// bfsRanks computes the shortest distance from ownerID to every identity
// reachable from it (spec I2). The owner itself has rank 0. An owner's
// own direct trustees always seed rank 1 regardless of trust sign (spec
// §8 scenarios 3 and 6: a directly-(dis)trusted target is always rank
// 1) — only a non-negative direct edge continues the walk outward,
// since a directly distrusted target's capacity collapses to 0 by the
// override below and so cannot propagate rank to anything beyond it.
// From rank 1 onward, expansion walks only the non-negative-edge
// adjacency. Identities absent from the result are unreachable from
// ownerID by any edge, direct or indirect, and get no Score row at all.
func bfsRanks(adj map[string][]edge, trusts []*wotmodel.Trust, ownerID string) map[string]uint32 {
	ranks := map[string]uint32{ownerID: 0}
	var queue []string
	for _, t := range trusts {
		if t.TrusterID != ownerID || t.TrusteeID == ownerID {
			continue
		}
		if _, seen := ranks[t.TrusteeID]; seen {
			continue
		}
		ranks[t.TrusteeID] = 1
		if t.Value >= 0 {
			queue = append(queue, t.TrusteeID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curRank := ranks[cur]
		for _, e := range adj[cur] {
			if _, seen := ranks[e.to]; seen {
				continue
			}
			ranks[e.to] = curRank + 1
			queue = append(queue, e.to)
		}
	}
	return ranks
}

// directDistrust indexes, for a single owner, every target it directly
// distrusts (value < 0), which forces capacity to 0 regardless of rank
// (spec §3 Capacity, §4.2 "Capacity override").
func directDistrust(trusts []*wotmodel.Trust, ownerID string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range trusts {
		if t.TrusterID == ownerID && t.Value < 0 {
			out[t.TrusteeID] = true
		}
	}
	return out
}

// recomputeOwnerScoresFromScratch is the reference algorithm of spec
// §4.2 computeAllScoresFromScratch, scoped to one owner: BFS over
// non-negative edges to derive rank, then capacity from the table (with
// the direct-distrust override), then value as a single summation pass
// over incoming edges weighted by each truster's already-known capacity
// (spec I4 — value depends only on capacity, never on value
// recursively, so this needs no fixed-point iteration).
func recomputeOwnerScoresFromScratch(allTrusts []*wotmodel.Trust, ownerID string) []*wotmodel.Score {
	adj := buildNonNegativeAdjacency(allTrusts)
	ranks := bfsRanks(adj, allTrusts, ownerID)
	distrust := directDistrust(allTrusts, ownerID)

	incoming := make(map[string][]*wotmodel.Trust)
	for _, t := range allTrusts {
		incoming[t.TrusteeID] = append(incoming[t.TrusteeID], t)
	}

	capacity := make(map[string]int, len(ranks))
	for target, rank := range ranks {
		if target == ownerID {
			capacity[target] = 100
			continue
		}
		c := wotmodel.CapacityForRank(rank)
		if distrust[target] {
			c = 0
		}
		capacity[target] = c
	}

	scores := make([]*wotmodel.Score, 0, len(ranks))
	for target, rank := range ranks {
		if target == ownerID {
			scores = append(scores, &wotmodel.Score{
				OwnerID: ownerID, TargetID: ownerID,
				Value: wotmodel.MaxScoreValue, Rank: 0, Capacity: 100,
			})
			continue
		}
		var value int64
		for _, t := range incoming[target] {
			trusterCap, ok := capacity[t.TrusterID]
			if !ok || trusterCap <= 0 {
				continue
			}
			value += int64(trusterCap*t.Value) / 100
		}
		scores = append(scores, &wotmodel.Score{
			OwnerID: ownerID, TargetID: target,
			Value: value, Rank: rank, Capacity: capacity[target],
		})
	}
	return scores
}

// rewriteOwnerScores replaces every stored Score for ownerID with the
// freshly computed set in one pass: deletes first, then inserts, so a
// verifier diffing old-vs-new sees a clean transition (used by both
// computeAllScoresFromScratch and the incremental path's bounded
// recompute, spec §4.2).
func rewriteOwnerScores(ctx context.Context, tx *graphstore.Tx, ownerID string, scores []*wotmodel.Score) error {
	if err := tx.DeleteScoresByOwner(ctx, ownerID); err != nil {
		return fmt.Errorf("trustgraph: clear scores for owner %s: %w", ownerID, err)
	}
	for _, s := range scores {
		if err := tx.PutScore(ctx, s); err != nil {
			return fmt.Errorf("trustgraph: write score %s: %w", s.ID(), err)
		}
	}
	return nil
}
