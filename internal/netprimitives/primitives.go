package netprimitives

import "context"

// Update is one message delivered on an identity's continuous-update
// topic: the raw identity file bytes plus the edition the publisher
// claims for it (spec §4.5).
type Update struct {
	IdentityID string
	Edition    int64
	Data       []byte
}

// ContinuousUpdates is the subscription primitive C5 (the fast
// downloader) consumes: a long-lived subscribe/unsubscribe surface over
// per-identity pubsub topics (spec §4.5 "rank<=1 identities ... kept
// under continuous subscription").
type ContinuousUpdates interface {
	// Subscribe opens (or returns the existing) subscription for
	// identityID. Updates arrive on the returned channel until
	// Unsubscribe is called, which closes it; ctx is not watched once
	// Subscribe has returned.
	Subscribe(ctx context.Context, identityID string) (<-chan Update, error)
	// Unsubscribe tears down a previously-opened subscription. A
	// no-op if identityID has no active subscription (spec §8
	// idempotence).
	Unsubscribe(identityID string) error
	// Publish broadcasts data at edition on identityID's topic, used
	// by C8 (the inserter) to announce a freshly republished identity
	// file to any currently-subscribed peers.
	Publish(ctx context.Context, identityID string, edition int64, data []byte) error
}

// EditionLookup is the polling primitive C6 (the slow downloader)
// consumes: a point lookup keyed by (identity id, edition) over the
// DHT, plus the matching announce side C8 uses after a republish
// (spec §4.6).
type EditionLookup interface {
	// Get fetches the identity file published at exactly this edition.
	// Returns ErrEditionNotFound if no provider currently has it.
	Get(ctx context.Context, identityID string, edition int64) ([]byte, error)
	// Put announces that this node holds identityID at edition,
	// making it discoverable to EditionLookup.Get callers on other
	// nodes.
	Put(ctx context.Context, identityID string, edition int64, data []byte) error
}
