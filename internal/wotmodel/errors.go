package wotmodel

import "errors"

// Error taxonomy per spec §7. Each is a distinguishable sentinel so callers
// branch with errors.Is, never string matching.
var (
	// ErrInvalidInput: user or remote data violates a stated precondition.
	ErrInvalidInput = errors.New("wotmodel: invalid input")

	// ErrNotFound: entity lookup by id failed.
	ErrNotFound = errors.New("wotmodel: not found")

	// ErrNotTrusted: no trust edge exists between the given identities.
	ErrNotTrusted = errors.New("wotmodel: not trusted")

	// ErrDuplicate: invariant violation, e.g. two Scores for the same pair.
	ErrDuplicate = errors.New("wotmodel: duplicate object")

	// ErrParseFailure: identity XML could not be decoded per spec §6.
	ErrParseFailure = errors.New("wotmodel: parse failure")

	// ErrSelfTrust: an identity may not trust itself.
	ErrSelfTrust = errors.New("wotmodel: self trust forbidden")

	// ErrNicknameImmutable: nickname was already set and cannot change.
	ErrNicknameImmutable = errors.New("wotmodel: nickname is immutable once set")
)

// FatalError wraps an unexpected invariant violation detected by
// startupDatabaseIntegrityTest or verifyAndCorrectStoredScores. It aborts
// startup; the operator must run repair (spec §7, §6 CLI utility).
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "wotmodel: fatal: " + e.Op + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as a FatalError tagged with the operation that detected it.
func NewFatalError(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}
