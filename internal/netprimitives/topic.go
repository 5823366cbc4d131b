// Package netprimitives supplies C5 and C6 with the two network
// primitives spec §9 names as external collaborators rather than part
// of the graph engine's hard engineering: a continuous-update
// subscription stream and an edition-addressed lookup. It is grounded
// on the teacher's internal/p2p package (TopicManager, P2PHost), with
// the topic scheme generalized from the teacher's fixed event/blob
// topics to one topic per identity, and a DHT GetValue/PutValue keyed
// by (identity id, edition) in place of the teacher's content-addressed
// blob provide/retrieve.
package netprimitives

import (
	"fmt"
	"regexp"
)

const identityTopicPrefix = "/wot/identity/"

var identityTopicRegex = regexp.MustCompile(`^/wot/identity/[a-zA-Z0-9_-]+$`)

// IdentityTopic returns the continuous-update pubsub topic for the
// given identity id (spec §4.5, fast downloader subscriptions).
func IdentityTopic(identityID string) string {
	return identityTopicPrefix + identityID
}

// IsValidIdentityTopic reports whether topic matches the per-identity
// continuous-update scheme.
func IsValidIdentityTopic(topic string) bool {
	return identityTopicRegex.MatchString(topic)
}

// IdentityFromTopic extracts the identity id from a topic string
// produced by IdentityTopic, for inbound-message dispatch.
func IdentityFromTopic(topic string) (string, error) {
	if !IsValidIdentityTopic(topic) {
		return "", fmt.Errorf("netprimitives: not an identity topic: %q", topic)
	}
	return topic[len(identityTopicPrefix):], nil
}

// editionKeyPrefix namespaces DHT keys used for edition lookups so they
// cannot collide with any other key class sharing the same DHT.
const editionKeyPrefix = "/wot/edition/"

// EditionKey builds the DHT key identifying a specific
// (identity id, edition) pair (spec §4.6, slow downloader polling).
func EditionKey(identityID string, edition int64) string {
	return fmt.Sprintf("%s%s/%d", editionKeyPrefix, identityID, edition)
}
