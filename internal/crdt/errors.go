package crdt

import "errors"

var (
	// ErrMalformedUpdate is returned when update bytes cannot be decoded.
	// The document content is left untouched.
	ErrMalformedUpdate = errors.New("crdt: malformed update")

	// ErrMalformedStateVector is returned when state vector bytes cannot
	// be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")

	// ErrDocumentDestroyed is returned by operations on a destroyed
	// document. Destroyed documents are never reused.
	ErrDocumentDestroyed = errors.New("crdt: document destroyed")
)
