package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// GetConfiguration returns the singleton configuration row (spec §3).
func (t *Tx) GetConfiguration(ctx context.Context) (*wotmodel.Configuration, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT strings, ints, database_format_version, last_defrag_date, last_verification_of_scores_date
		FROM configuration WHERE singleton = 0`)
	var strs, ints string
	var defrag, verify timeOrZero
	cfg := wotmodel.NewConfiguration()
	if err := row.Scan(&strs, &ints, &cfg.DatabaseFormatVersion, &defrag, &verify); err != nil {
		return nil, fmt.Errorf("graphstore: get configuration: %w", err)
	}
	if err := json.Unmarshal([]byte(strs), &cfg.Strings); err != nil {
		return nil, fmt.Errorf("graphstore: decode configuration strings: %w", err)
	}
	if err := json.Unmarshal([]byte(ints), &cfg.Ints); err != nil {
		return nil, fmt.Errorf("graphstore: decode configuration ints: %w", err)
	}
	cfg.LastDefragDate = time.Time(defrag)
	cfg.LastVerificationOfScoresDate = time.Time(verify)
	return cfg, nil
}

// PutConfiguration replaces the singleton configuration row. Callers
// commit explicitly, as spec §3 requires for batched mutations.
func (t *Tx) PutConfiguration(ctx context.Context, cfg *wotmodel.Configuration) error {
	strs, err := json.Marshal(cfg.Strings)
	if err != nil {
		return err
	}
	ints, err := json.Marshal(cfg.Ints)
	if err != nil {
		return err
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		UPDATE configuration SET strings = ?, ints = ?, database_format_version = ?,
			last_defrag_date = ?, last_verification_of_scores_date = ?
		WHERE singleton = 0
	`, string(strs), string(ints), cfg.DatabaseFormatVersion, cfg.LastDefragDate, cfg.LastVerificationOfScoresDate)
	if err != nil {
		return fmt.Errorf("graphstore: put configuration: %w", err)
	}
	return nil
}
