package wotmodel

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// WOTName is the namespace segment carried by every request/insert URI,
// allowing multiple independent webs of trust to coexist (spec §6).
const WOTName = "WebOfTrust"

// RequestURI is the public, fetchable half of an identity's keypair:
// K@<routingKey>,<cryptoKey>,<settings>/<WOT_NAME>/<edition> (spec §6).
type RequestURI struct {
	RoutingKey cid.Cid
	CryptoKey  string
	Settings   string
	Edition    int64
}

// InsertURI is the private, signing half of the same keypair. Only
// OwnIdentity carries one.
type InsertURI struct {
	RoutingKey   cid.Cid
	CryptoKey    string
	Settings     string
	SigningKey   string
	Edition      int64
}

// IdentityID derives the stable identity id from a routing key: the
// base64 encoding of the routing key's raw digest (spec §3 invariant
// "id == base64(routingKey(requestURI))").
func IdentityID(routingKey cid.Cid) (string, error) {
	decoded, err := multihash.Decode(routingKey.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: decode routing key multihash: %v", ErrInvalidInput, err)
	}
	return base64.RawURLEncoding.EncodeToString(decoded.Digest), nil
}

// NewRoutingKey builds a CIDv1/raw multihash routing key from raw bytes,
// the same construction the teacher's content-addressing stack uses for
// blob CIDs, repurposed here to identify a keypair rather than a blob.
func NewRoutingKey(raw []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: hash routing key: %v", ErrInvalidInput, err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ID returns the stable identity id for this request URI.
func (r RequestURI) ID() (string, error) { return IdentityID(r.RoutingKey) }

// String renders the canonical URI form.
func (r RequestURI) String() string {
	return fmt.Sprintf("K@%s,%s,%s/%s/%d", r.RoutingKey.String(), r.CryptoKey, r.Settings, WOTName, r.Edition)
}

// WithEdition returns a copy of the URI at a different edition.
func (r RequestURI) WithEdition(edition int64) RequestURI {
	r.Edition = edition
	return r
}

// ParseRequestURI parses the canonical request URI form.
func ParseRequestURI(s string) (RequestURI, error) {
	if !strings.HasPrefix(s, "K@") {
		return RequestURI{}, fmt.Errorf("%w: request URI must start with K@: %q", ErrInvalidInput, s)
	}
	rest := strings.TrimPrefix(s, "K@")

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return RequestURI{}, fmt.Errorf("%w: request URI missing namespace/edition segments: %q", ErrInvalidInput, s)
	}
	keyParts := strings.Split(parts[0], ",")
	if len(keyParts) != 3 {
		return RequestURI{}, fmt.Errorf("%w: request URI key segment must be routingKey,cryptoKey,settings: %q", ErrInvalidInput, s)
	}
	if parts[1] != WOTName {
		return RequestURI{}, fmt.Errorf("%w: unexpected namespace %q, want %q", ErrInvalidInput, parts[1], WOTName)
	}
	routingKey, err := cid.Decode(keyParts[0])
	if err != nil {
		return RequestURI{}, fmt.Errorf("%w: invalid routing key: %v", ErrInvalidInput, err)
	}
	edition, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || edition < 0 {
		return RequestURI{}, fmt.Errorf("%w: invalid edition %q", ErrInvalidInput, parts[2])
	}
	return RequestURI{RoutingKey: routingKey, CryptoKey: keyParts[1], Settings: keyParts[2], Edition: edition}, nil
}
