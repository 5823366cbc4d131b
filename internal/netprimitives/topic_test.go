package netprimitives

import "testing"

func TestIdentityTopicRoundTrip(t *testing.T) {
	topic := IdentityTopic("abc123")
	if !IsValidIdentityTopic(topic) {
		t.Fatalf("expected %q to be a valid identity topic", topic)
	}
	id, err := IdentityFromTopic(topic)
	if err != nil {
		t.Fatalf("IdentityFromTopic: %v", err)
	}
	if id != "abc123" {
		t.Fatalf("got id %q, want abc123", id)
	}
}

func TestIdentityFromTopicRejectsForeignTopics(t *testing.T) {
	if _, err := IdentityFromTopic("events/vouch"); err == nil {
		t.Fatal("expected error for a non-identity topic")
	}
}

func TestEditionKeyIsStableAndDistinguishesEditions(t *testing.T) {
	a := EditionKey("id1", 3)
	b := EditionKey("id1", 4)
	if a == b {
		t.Fatal("expected distinct keys for distinct editions")
	}
	if EditionKey("id1", 3) != a {
		t.Fatal("expected EditionKey to be deterministic")
	}
}

func TestUpdateWireRoundTrip(t *testing.T) {
	payload := encodeUpdate(42, []byte("hello"))
	u, err := decodeUpdate("id1", payload)
	if err != nil {
		t.Fatalf("decodeUpdate: %v", err)
	}
	if u.Edition != 42 || string(u.Data) != "hello" || u.IdentityID != "id1" {
		t.Fatalf("unexpected decoded update: %+v", u)
	}
}

func TestDecodeUpdateRejectsShortFrames(t *testing.T) {
	if _, err := decodeUpdate("id1", []byte("short")); err == nil {
		t.Fatal("expected error for a frame shorter than the edition header")
	}
}
