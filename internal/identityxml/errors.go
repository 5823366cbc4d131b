package identityxml

import "errors"

// ErrUnsupportedVersion is returned for a document whose Version attribute
// names a protocol generation this codec does not know; spec §6 requires
// these to be discarded silently rather than treated as a parse failure.
var ErrUnsupportedVersion = errors.New("identityxml: unsupported document version")
