package wotmodel

// seedIdentities is the list of well-connected public request URIs
// newcomers use to bootstrap their graph (spec §6). It is empty by
// default, so tests never accidentally dial out, and is only filled by
// RegisterSeedIdentities.
var seedIdentities []RequestURI

// SeedIdentityList returns a copy of the registered seed list.
func SeedIdentityList() []RequestURI {
	out := make([]RequestURI, len(seedIdentities))
	copy(out, seedIdentities)
	return out
}

// RegisterSeedIdentities replaces the bootstrap list. Nothing in this
// module calls it, so the list stays empty unless an embedding program
// registers one.
func RegisterSeedIdentities(uris []RequestURI) {
	seedIdentities = uris
}
