package netprimitives

import "errors"

// ErrEditionNotFound is returned by EditionLookup.Get when no provider
// currently advertises the requested (identity id, edition) pair.
var ErrEditionNotFound = errors.New("netprimitives: edition not found")

// ErrNotSubscribed is returned by operations that require an active
// subscription for an identity that has none.
var ErrNotSubscribed = errors.New("netprimitives: not subscribed")
