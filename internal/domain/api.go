// Package domain api.go describes calls to the resource API the cached
// access tokens are issued for.
package domain

import "io"

// APIRequest is a GET against the resource API. Path is relative to the API
// base URL, may carry a query and may contain the {userid} placeholder.
type APIRequest struct {
	Path string
	Sim  bool // use the simulation API instead of the live one
}

// APIResponse is the resource API answer. Body streams (snapshot and bar
// streams never end on their own) and must be closed by the caller.
type APIResponse struct {
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// UserIDPlaceholder is replaced with the caller's user id in APIRequest.Path.
const UserIDPlaceholder = "{userid}"
