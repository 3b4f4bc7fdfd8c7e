package domain

import "errors"

var (
	// ErrStorageUnavailable is returned when the backing store could not be
	// reached or a write failed.
	ErrStorageUnavailable = errors.New("reqorder: storage unavailable")

	// ErrClassificationFailure is returned when not even the fallback route
	// template could be determined.
	ErrClassificationFailure = errors.New("reqorder: route classification failed")

	// ErrSourceUnavailable is returned when a source file could not be read
	// for a snippet. It is never fatal.
	ErrSourceUnavailable = errors.New("reqorder: source unavailable")

	// ErrMalformedRequestBody is returned when a request body is not valid
	// text. The body is recorded as empty.
	ErrMalformedRequestBody = errors.New("reqorder: malformed request body")

	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("reqorder: not found")
)
