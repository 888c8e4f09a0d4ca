package models

import "errors"

// Error taxonomy shared by the store, the ingestion engine and the handlers.
// Callers wrap these with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrNotFound: a referenced page, session or goal does not exist or is inactive.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput: the request cannot be attributed or its structured data is unparseable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict: a derived-uniqueness violation. Absorbed inside the store.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable: transient storage failure, safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)
