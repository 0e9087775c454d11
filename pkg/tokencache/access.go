package tokencache

import (
	"time"
)

// Access is the outcome of a gated-content lookup. Each variant maps to one
// user-facing next step; transport failures are reported as errors instead.
type Access interface {
	access()
}

// AccessGranted carries the entitlement token to present to the content CDN.
type AccessGranted struct {
	ProviderID string
	SeriesID   string
	Token      string
	Items      []string
	ExpiresAt  time.Time
}

// Allows reports whether contentID is listed in the entitlement.
func (granted AccessGranted) Allows(contentID string) bool {
	for _, item := range granted.Items {
		if item == contentID {
			return true
		}
	}
	return false
}

func (AccessGranted) access() {}

// AccessNotEntitled means the provider is connected but the account does not
// back the series.
type AccessNotEntitled struct {
	ProviderID string
	SeriesID   string
}

func (AccessNotEntitled) access() {}

// AccessNotConnected means no provider link exists for the account.
type AccessNotConnected struct {
	ProviderID string
}

func (AccessNotConnected) access() {}
