package identity

import (
	"context"
	"errors"
)

var (
	// ErrAccountNotFound indicates no account matched the lookup.
	ErrAccountNotFound = errors.New("identity_store.not_found")
	// ErrAccountConflict indicates a unique constraint (email, provider id or username) rejected a write.
	ErrAccountConflict = errors.New("identity_store.conflict")
	// ErrStoreUnavailable wraps driver failures; it is never retried silently.
	ErrStoreUnavailable = errors.New("identity_store.unavailable")
)

// Store persists accounts. Implementations must enforce uniqueness of email,
// google id, apple id and username, reporting violations as ErrAccountConflict.
type Store interface {
	FindByID(ctx context.Context, accountID string) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByProviderID(ctx context.Context, provider Provider, externalID string) (Account, error)
	Create(ctx context.Context, fields AccountFields) (Account, error)
	Update(ctx context.Context, accountID string, patch AccountPatch) (Account, error)
}
