package graphstore

import "errors"

var (
	// ErrNotFound indicates an id-indexed lookup found nothing.
	ErrNotFound = errors.New("graphstore: not found")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("graphstore: closed")

	// ErrWriterBusy indicates a second writer tried to begin while one
	// transaction is already open; violates the single-writer contract
	// (spec §4.1).
	ErrWriterBusy = errors.New("graphstore: another write transaction is in progress")

	// ErrTxDone indicates Commit/Rollback was called twice, or a method
	// was called on a transaction that already ended.
	ErrTxDone = errors.New("graphstore: transaction already committed or rolled back")
)
