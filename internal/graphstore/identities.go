package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

func encodeIdentity(id *wotmodel.Identity) (contexts, props string, err error) {
	cb, err := json.Marshal(id.Contexts)
	if err != nil {
		return "", "", err
	}
	pb, err := json.Marshal(id.Properties)
	if err != nil {
		return "", "", err
	}
	return string(cb), string(pb), nil
}

func decodeIdentity(row identityRow) (*wotmodel.Identity, error) {
	uri, err := wotmodel.ParseRequestURI(row.requestURI)
	if err != nil {
		return nil, err
	}
	var contexts []string
	if err := json.Unmarshal([]byte(row.contexts), &contexts); err != nil {
		return nil, fmt.Errorf("graphstore: decode contexts: %w", err)
	}
	props := make(map[string]string)
	if err := json.Unmarshal([]byte(row.properties), &props); err != nil {
		return nil, fmt.Errorf("graphstore: decode properties: %w", err)
	}
	id := &wotmodel.Identity{
		ID:                 row.id,
		RequestURI:         uri,
		FetchState:         wotmodel.FetchState(row.fetchState),
		LatestEditionHint:  row.latestEditionHint,
		Nickname:           row.nickname,
		PublishesTrustList: row.publishesTrustList,
		Contexts:           contexts,
		Properties:         props,
		LastFetchedDate:    time.Time(row.lastFetchedDate),
		LastChangedDate:    time.Time(row.lastChangedDate),
	}
	return id, nil
}

type identityRow struct {
	id                 string
	requestURI         string
	fetchState         int
	latestEditionHint  int64
	nickname           *string
	publishesTrustList bool
	contexts           string
	properties         string
	lastFetchedDate    timeOrZero
	lastChangedDate    timeOrZero
	isOwn              bool
	insertURI          sql.NullString
	lastInsertDate     timeOrZero
}

// PutIdentity inserts a plain (non-own) identity, or updates the shared
// columns of an existing row; an existing row's is_own, insert_uri and
// last_insert_date are left as they are.
func (t *Tx) PutIdentity(ctx context.Context, id *wotmodel.Identity) error {
	contexts, props, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO identities (id, request_uri, fetch_state, latest_edition_hint, nickname,
			publishes_trust_list, contexts, properties, last_fetched_date, last_changed_date, is_own)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			request_uri=excluded.request_uri, fetch_state=excluded.fetch_state,
			latest_edition_hint=excluded.latest_edition_hint, nickname=excluded.nickname,
			publishes_trust_list=excluded.publishes_trust_list, contexts=excluded.contexts,
			properties=excluded.properties, last_fetched_date=excluded.last_fetched_date,
			last_changed_date=excluded.last_changed_date
	`, id.ID, id.RequestURI.String(), int(id.FetchState), id.LatestEditionHint, id.Nickname,
		id.PublishesTrustList, contexts, props, id.LastFetchedDate, id.LastChangedDate)
	if err != nil {
		return fmt.Errorf("graphstore: put identity %s: %w", id.ID, err)
	}
	return nil
}

// PutOwnIdentity inserts or replaces an own identity, preserving the
// is_own/insert-URI columns that distinguish it from a plain Identity.
func (t *Tx) PutOwnIdentity(ctx context.Context, own *wotmodel.OwnIdentity) error {
	contexts, props, err := encodeIdentity(&own.Identity)
	if err != nil {
		return err
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO identities (id, request_uri, fetch_state, latest_edition_hint, nickname,
			publishes_trust_list, contexts, properties, last_fetched_date, last_changed_date,
			is_own, insert_uri, last_insert_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_uri=excluded.request_uri, fetch_state=excluded.fetch_state,
			latest_edition_hint=excluded.latest_edition_hint, nickname=excluded.nickname,
			publishes_trust_list=excluded.publishes_trust_list, contexts=excluded.contexts,
			properties=excluded.properties, last_fetched_date=excluded.last_fetched_date,
			last_changed_date=excluded.last_changed_date, is_own=1,
			insert_uri=excluded.insert_uri, last_insert_date=excluded.last_insert_date
	`, own.ID, own.RequestURI.String(), int(own.FetchState), own.LatestEditionHint, own.Nickname,
		own.PublishesTrustList, contexts, props, own.LastFetchedDate, own.LastChangedDate,
		insertURIString(own.InsertURI), own.LastInsertDate)
	if err != nil {
		return fmt.Errorf("graphstore: put own identity %s: %w", own.ID, err)
	}
	return nil
}

func insertURIString(u wotmodel.InsertURI) string {
	return fmt.Sprintf("K@%s,%s,%s,%s/%s/%d", u.RoutingKey.String(), u.CryptoKey, u.Settings, u.SigningKey, wotmodel.WOTName, u.Edition)
}

// GetIdentity looks up any identity (own or not) by id.
func (t *Tx) GetIdentity(ctx context.Context, id string) (*wotmodel.Identity, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT id, request_uri, fetch_state, latest_edition_hint, nickname, publishes_trust_list,
			contexts, properties, last_fetched_date, last_changed_date
		FROM identities WHERE id = ?`, id)
	var r identityRow
	if err := row.Scan(&r.id, &r.requestURI, &r.fetchState, &r.latestEditionHint, &r.nickname,
		&r.publishesTrustList, &r.contexts, &r.properties, &r.lastFetchedDate, &r.lastChangedDate); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphstore: get identity %s: %w", id, err)
	}
	return decodeIdentity(r)
}

// IsOwnIdentity reports whether id names an OwnIdentity.
func (t *Tx) IsOwnIdentity(ctx context.Context, id string) (bool, error) {
	var isOwn bool
	err := t.sqlTx.QueryRowContext(ctx, `SELECT is_own FROM identities WHERE id = ?`, id).Scan(&isOwn)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("graphstore: is own identity %s: %w", id, err)
	}
	return isOwn, nil
}

// MarkOwnIdentityInserted updates only the columns C8's successful
// publish affects, without requiring the caller to reconstruct the
// InsertURI (which is otherwise left untouched) (spec §4.8).
func (t *Tx) MarkOwnIdentityInserted(ctx context.Context, id string, newRequestURI string, fetchState int, at time.Time) error {
	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE identities SET request_uri = ?, fetch_state = ?, last_fetched_date = ?, last_insert_date = ?
		WHERE id = ? AND is_own = 1`, newRequestURI, fetchState, at, at, id)
	if err != nil {
		return fmt.Errorf("graphstore: mark own identity inserted %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("graphstore: mark own identity inserted %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: own identity %s", ErrNotFound, id)
	}
	return nil
}

// DeleteIdentity removes an identity entirely (spec §3 lifecycle).
func (t *Tx) DeleteIdentity(ctx context.Context, id string) error {
	_, err := t.sqlTx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("graphstore: delete identity %s: %w", id, err)
	}
	return nil
}

// ListIdentities returns every known identity (own and not).
func (t *Tx) ListIdentities(ctx context.Context) ([]*wotmodel.Identity, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT id, request_uri, fetch_state, latest_edition_hint, nickname, publishes_trust_list,
			contexts, properties, last_fetched_date, last_changed_date
		FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: list identities: %w", err)
	}
	defer rows.Close()
	var out []*wotmodel.Identity
	for rows.Next() {
		var r identityRow
		if err := rows.Scan(&r.id, &r.requestURI, &r.fetchState, &r.latestEditionHint, &r.nickname,
			&r.publishesTrustList, &r.contexts, &r.properties, &r.lastFetchedDate, &r.lastChangedDate); err != nil {
			return nil, fmt.Errorf("graphstore: scan identity: %w", err)
		}
		id, err := decodeIdentity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListOwnIdentities returns every OwnIdentity.
func (t *Tx) ListOwnIdentities(ctx context.Context) ([]*wotmodel.OwnIdentity, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT id, request_uri, fetch_state, latest_edition_hint, nickname, publishes_trust_list,
			contexts, properties, last_fetched_date, last_changed_date, insert_uri, last_insert_date
		FROM identities WHERE is_own = 1`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: list own identities: %w", err)
	}
	defer rows.Close()
	var out []*wotmodel.OwnIdentity
	for rows.Next() {
		var r identityRow
		if err := rows.Scan(&r.id, &r.requestURI, &r.fetchState, &r.latestEditionHint, &r.nickname,
			&r.publishesTrustList, &r.contexts, &r.properties, &r.lastFetchedDate, &r.lastChangedDate,
			&r.insertURI, &r.lastInsertDate); err != nil {
			return nil, fmt.Errorf("graphstore: scan own identity: %w", err)
		}
		base, err := decodeIdentity(r)
		if err != nil {
			return nil, err
		}
		own := &wotmodel.OwnIdentity{Identity: *base, LastInsertDate: time.Time(r.lastInsertDate)}
		out = append(out, own)
	}
	return out, rows.Err()
}
