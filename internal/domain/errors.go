// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Cache error taxonomy. Store operations wrap the underlying cause with one of
// these so callers can branch with errors.Is while still seeing the cause.
var (
	// ErrStorage reports that the key file or data blob could not be read or written.
	ErrStorage = errors.New("cache storage error")
	// ErrDecryption reports a blob that fails authentication against the current key.
	ErrDecryption = errors.New("cache decryption failed")
	// ErrFormat reports decrypted content that is not a JSON object.
	ErrFormat = errors.New("cache content is not a json object")
	// ErrKeyNotFound is returned by Delete for a key absent from the mapping.
	ErrKeyNotFound = errors.New("cache key not found")
)

// OAuth flow errors used by the delivery and application layers.
var (
	ErrInvalidState     = errors.New("invalid oauth state")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoRefreshToken   = errors.New("token record has no refresh token")
)

// Resource API errors.
var (
	// ErrAPIPath reports a request path outside the configured API base URL.
	ErrAPIPath = errors.New("api path not allowed")
	// ErrUpstream reports that the resource API could not be reached.
	ErrUpstream = errors.New("api unreachable")
)
