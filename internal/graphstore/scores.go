package graphstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// PutScore inserts or replaces a Score. The row is keyed by the Score's
// composite id, so a second write for the same (owner,target) pair
// updates the existing row instead of adding another (spec I1).
func (t *Tx) PutScore(ctx context.Context, score *wotmodel.Score) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO scores (id, owner_id, target_id, value, rank, capacity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value=excluded.value, rank=excluded.rank, capacity=excluded.capacity
	`, score.ID(), score.OwnerID, score.TargetID, score.Value, score.Rank, score.Capacity)
	if err != nil {
		return fmt.Errorf("graphstore: put score %s: %w", score.ID(), err)
	}
	return nil
}

// GetScore looks up one score.
func (t *Tx) GetScore(ctx context.Context, ownerID, targetID string) (*wotmodel.Score, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT owner_id, target_id, value, rank, capacity FROM scores WHERE owner_id = ? AND target_id = ?`,
		ownerID, targetID)
	score := &wotmodel.Score{}
	if err := row.Scan(&score.OwnerID, &score.TargetID, &score.Value, &score.Rank, &score.Capacity); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphstore: get score %s->%s: %w", ownerID, targetID, err)
	}
	return score, nil
}

// DeleteScore removes a score.
func (t *Tx) DeleteScore(ctx context.Context, ownerID, targetID string) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM scores WHERE owner_id = ? AND target_id = ?`, ownerID, targetID)
	if err != nil {
		return fmt.Errorf("graphstore: delete score %s->%s: %w", ownerID, targetID, err)
	}
	return nil
}

func scanScores(rows *sql.Rows) ([]*wotmodel.Score, error) {
	defer rows.Close()
	var out []*wotmodel.Score
	for rows.Next() {
		score := &wotmodel.Score{}
		if err := rows.Scan(&score.OwnerID, &score.TargetID, &score.Value, &score.Rank, &score.Capacity); err != nil {
			return nil, fmt.Errorf("graphstore: scan score: %w", err)
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

// ScoresByOwner returns every score in one owner's tree.
func (t *Tx) ScoresByOwner(ctx context.Context, ownerID string) ([]*wotmodel.Score, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT owner_id, target_id, value, rank, capacity FROM scores WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: scores by owner %s: %w", ownerID, err)
	}
	return scanScores(rows)
}

// ScoresByTarget returns every owner's score of one target identity, used
// to decide shouldFetchIdentity (spec I5) across all own identities.
func (t *Tx) ScoresByTarget(ctx context.Context, targetID string) ([]*wotmodel.Score, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT owner_id, target_id, value, rank, capacity FROM scores WHERE target_id = ?`, targetID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: scores by target %s: %w", targetID, err)
	}
	return scanScores(rows)
}

// AllScores returns every Score in the store.
func (t *Tx) AllScores(ctx context.Context) ([]*wotmodel.Score, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT owner_id, target_id, value, rank, capacity FROM scores`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: all scores: %w", err)
	}
	return scanScores(rows)
}

// DeleteScoresByOwner removes every score belonging to one owner, used
// before a full from-scratch recomputation rewrites that owner's tree.
func (t *Tx) DeleteScoresByOwner(ctx context.Context, ownerID string) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM scores WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("graphstore: delete scores by owner %s: %w", ownerID, err)
	}
	return nil
}
