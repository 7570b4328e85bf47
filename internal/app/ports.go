// Package app defines the application layer "ports" (interfaces) that the
// token use-cases of tokencache depend upon. It follows a hexagonal (ports &
// adapters) design: this package declares what the core needs, while adapter
// packages (the encrypted store, the OAuth client, the HTTP layer, the
// refresher) provide or consume concrete implementations. No I/O, logging,
// SQL, or network concerns belong here.
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haukened/tokencache/internal/domain"
)

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// TokenCache is the consumer contract of the encrypted cache. Values are
// opaque JSON; *store.Store satisfies it.
type TokenCache interface {
	// Get returns the value under key, or def when absent.
	Get(key string, def json.RawMessage) (json.RawMessage, error)
	// Set marshals value and persists it under key.
	Set(key string, value any) error
	// Delete removes key; an absent key yields domain.ErrKeyNotFound.
	Delete(key string) error
	// Keys lists cached keys in sorted order.
	Keys() ([]string, error)
}

// TokenExchanger is the token endpoint collaborator (*auth.Client).
type TokenExchanger interface {
	// Exchange trades an authorization code for a token record whose UserID
	// is set.
	Exchange(ctx context.Context, code string) (domain.TokenRecord, error)
	// Refresh runs the refresh_token grant.
	Refresh(ctx context.Context, refreshToken string) (domain.TokenRecord, error)
}

// ResourceAPI is the market data API collaborator (*marketdata.Client).
type ResourceAPI interface {
	// Get sends req with accessToken. Non-2xx statuses are responses, not
	// errors.
	Get(ctx context.Context, accessToken string, req domain.APIRequest) (domain.APIResponse, error)
}
