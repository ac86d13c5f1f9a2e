package core

import "errors"

var (
	// ErrSessionNotFound is returned by lookups against an id that is not
	// live in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreClosed is returned once the store has been torn down.
	ErrStoreClosed = errors.New("session store closed")
)
