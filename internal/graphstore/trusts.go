package graphstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// PutTrust inserts or replaces an edge.
func (t *Tx) PutTrust(ctx context.Context, trust *wotmodel.Trust) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO trusts (id, truster_id, trustee_id, value, comment, truster_edition)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value=excluded.value, comment=excluded.comment,
			truster_edition=excluded.truster_edition
	`, trust.ID(), trust.TrusterID, trust.TrusteeID, trust.Value, trust.Comment, trust.TrusterTrustListEdition)
	if err != nil {
		return fmt.Errorf("graphstore: put trust %s: %w", trust.ID(), err)
	}
	return nil
}

// GetTrust looks up one edge.
func (t *Tx) GetTrust(ctx context.Context, trusterID, trusteeID string) (*wotmodel.Trust, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT truster_id, trustee_id, value, comment, truster_edition
		FROM trusts WHERE truster_id = ? AND trustee_id = ?`, trusterID, trusteeID)
	trust := &wotmodel.Trust{}
	if err := row.Scan(&trust.TrusterID, &trust.TrusteeID, &trust.Value, &trust.Comment, &trust.TrusterTrustListEdition); err != nil {
		if err == sql.ErrNoRows {
			return nil, wotmodel.ErrNotTrusted
		}
		return nil, fmt.Errorf("graphstore: get trust %s->%s: %w", trusterID, trusteeID, err)
	}
	return trust, nil
}

// DeleteTrust removes one edge.
func (t *Tx) DeleteTrust(ctx context.Context, trusterID, trusteeID string) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM trusts WHERE truster_id = ? AND trustee_id = ?`, trusterID, trusteeID)
	if err != nil {
		return fmt.Errorf("graphstore: delete trust %s->%s: %w", trusterID, trusteeID, err)
	}
	return nil
}

func scanTrusts(rows *sql.Rows) ([]*wotmodel.Trust, error) {
	defer rows.Close()
	var out []*wotmodel.Trust
	for rows.Next() {
		trust := &wotmodel.Trust{}
		if err := rows.Scan(&trust.TrusterID, &trust.TrusteeID, &trust.Value, &trust.Comment, &trust.TrusterTrustListEdition); err != nil {
			return nil, fmt.Errorf("graphstore: scan trust: %w", err)
		}
		out = append(out, trust)
	}
	return out, rows.Err()
}

// TrustsByTruster returns every outgoing edge of an identity.
func (t *Tx) TrustsByTruster(ctx context.Context, trusterID string) ([]*wotmodel.Trust, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT truster_id, trustee_id, value, comment, truster_edition FROM trusts WHERE truster_id = ?`, trusterID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: trusts by truster %s: %w", trusterID, err)
	}
	return scanTrusts(rows)
}

// TrustsByTrustee returns every incoming edge of an identity, the set C2's
// value-propagation formula (spec I4) sums over.
func (t *Tx) TrustsByTrustee(ctx context.Context, trusteeID string) ([]*wotmodel.Trust, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT truster_id, trustee_id, value, comment, truster_edition FROM trusts WHERE trustee_id = ?`, trusteeID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: trusts by trustee %s: %w", trusteeID, err)
	}
	return scanTrusts(rows)
}

// TrustsByTrusterBelowEdition returns a truster's outgoing edges tagged
// with an edition older than maxEdition: the set importTrustList deletes
// when a newer edition supersedes them (spec §4.2 "edition gating").
func (t *Tx) TrustsByTrusterBelowEdition(ctx context.Context, trusterID string, maxEdition int64) ([]*wotmodel.Trust, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT truster_id, trustee_id, value, comment, truster_edition FROM trusts
		WHERE truster_id = ? AND truster_edition < ?`, trusterID, maxEdition)
	if err != nil {
		return nil, fmt.Errorf("graphstore: stale trusts by truster %s: %w", trusterID, err)
	}
	return scanTrusts(rows)
}

// AllTrusts returns every edge in the graph, used by
// computeAllScoresFromScratch (spec §4.2).
func (t *Tx) AllTrusts(ctx context.Context) ([]*wotmodel.Trust, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `SELECT truster_id, trustee_id, value, comment, truster_edition FROM trusts`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: all trusts: %w", err)
	}
	return scanTrusts(rows)
}
