package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CommandKind distinguishes the two fetch-scheduler command rows C2
// writes within its transaction for C5 to drain afterward (spec §4.5,
// §9 "Deferred side effects from callbacks").
type CommandKind int

const (
	StartDownload CommandKind = iota
	StopDownload
)

// DownloadCommand is one queued instruction for the fast-downloader
// scheduler thread.
type DownloadCommand struct {
	Seq        int64
	IdentityID string
	Kind       CommandKind
	RequestURI string // populated for StartDownload
	CreatedAt  time.Time
}

// EnqueueDownloadCommand appends a command row within the current
// transaction. Per spec §5 ordering guarantee (ii), a Start enqueued
// before a Stop for the same identity in the same transaction collapses
// to the net effect; DrainDownloadCommands performs that collapse.
func (t *Tx) EnqueueDownloadCommand(ctx context.Context, identityID string, kind CommandKind, requestURI string, at time.Time) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO download_commands (identity_id, kind, request_uri, created_at) VALUES (?, ?, ?, ?)
	`, identityID, int(kind), requestURI, at)
	if err != nil {
		return fmt.Errorf("graphstore: enqueue download command: %w", err)
	}
	return nil
}

// DrainDownloadCommands pops every pending command in insertion order and
// deletes them, collapsing same-identity Start+Stop pairs to their net
// effect (spec §5 ordering guarantee (ii)).
func (t *Tx) DrainDownloadCommands(ctx context.Context) ([]DownloadCommand, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT seq, identity_id, kind, request_uri, created_at FROM download_commands ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: drain download commands: %w", err)
	}
	var raw []DownloadCommand
	for rows.Next() {
		var c DownloadCommand
		var kind int
		var uri sql.NullString
		var createdAt timeOrZero
		if err := rows.Scan(&c.Seq, &c.IdentityID, &kind, &uri, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("graphstore: scan download command: %w", err)
		}
		c.Kind = CommandKind(kind)
		c.RequestURI = uri.String
		c.CreatedAt = time.Time(createdAt)
		raw = append(raw, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM download_commands`); err != nil {
		return nil, fmt.Errorf("graphstore: clear download commands: %w", err)
	}
	return collapseDownloadCommands(raw), nil
}

// collapseDownloadCommands keeps only the last command per identity,
// since a later command always supersedes an earlier one for the same
// identity within one drained batch.
func collapseDownloadCommands(cmds []DownloadCommand) []DownloadCommand {
	order := make([]string, 0, len(cmds))
	latest := make(map[string]DownloadCommand, len(cmds))
	for _, c := range cmds {
		if _, seen := latest[c.IdentityID]; !seen {
			order = append(order, c.IdentityID)
		}
		latest[c.IdentityID] = c
	}
	out := make([]DownloadCommand, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// EditionHintRow is a persisted claim that a target identity has reached
// at least a given edition, sourced from another identity's trust list
// (spec §3 "edition hint", §4.6).
type EditionHintRow struct {
	ID             int64
	SourceID       string
	TargetID       string
	Edition        int64
	SourceCapacity int
	SourceScore    float64
	CreatedAt      time.Time
}

// EnqueueEditionHint persists a hint for the slow downloader's priority
// queue to pick up (spec §4.6).
func (t *Tx) EnqueueEditionHint(ctx context.Context, h EditionHintRow) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO edition_hints (source_id, target_id, edition, source_capacity, source_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.SourceID, h.TargetID, h.Edition, h.SourceCapacity, h.SourceScore, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("graphstore: enqueue edition hint: %w", err)
	}
	return nil
}

// ListEditionHints returns every pending hint, for rebuilding the
// in-memory priority queue on restart.
func (t *Tx) ListEditionHints(ctx context.Context) ([]EditionHintRow, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT id, source_id, target_id, edition, source_capacity, source_score, created_at FROM edition_hints`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: list edition hints: %w", err)
	}
	defer rows.Close()
	var out []EditionHintRow
	for rows.Next() {
		var h EditionHintRow
		var createdAt timeOrZero
		if err := rows.Scan(&h.ID, &h.SourceID, &h.TargetID, &h.Edition, &h.SourceCapacity, &h.SourceScore, &createdAt); err != nil {
			return nil, fmt.Errorf("graphstore: scan edition hint: %w", err)
		}
		h.CreatedAt = time.Time(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteEditionHintsFor removes every hint for target with edition <=
// downloaded, the cleanup step after a successful slow download (spec §4.6).
func (t *Tx) DeleteEditionHintsFor(ctx context.Context, targetID string, downloaded int64) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM edition_hints WHERE target_id = ? AND edition <= ?`, targetID, downloaded)
	if err != nil {
		return fmt.Errorf("graphstore: delete edition hints for %s: %w", targetID, err)
	}
	return nil
}

// DeleteEditionHint removes a single hint row by id, used to drop hints
// that refer only to a permanently-failed edition (spec §4.6).
func (t *Tx) DeleteEditionHint(ctx context.Context, id int64) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM edition_hints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("graphstore: delete edition hint %d: %w", id, err)
	}
	return nil
}
