package hosting

import (
	"time"
)

// Entitlement is the outcome of an entitlement exchange: either Entitled or
// NotEntitled. Failures are reported as errors, never as an Entitlement.
type Entitlement interface {
	// Allows reports whether contentID may be unlocked.
	Allows(contentID string) bool
	entitlement()
}

// Entitled carries a verified entitlement token for one series.
type Entitled struct {
	Token     string
	Items     []string
	ExpiresAt time.Time
}

// Allows reports whether contentID is listed in the token's items.
func (entitled Entitled) Allows(contentID string) bool {
	for _, item := range entitled.Items {
		if item == contentID {
			return true
		}
	}
	return false
}

// ExpiresWithin reports whether the token lapses before now+margin.
func (entitled Entitled) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(entitled.ExpiresAt)
}

func (Entitled) entitlement() {}

// NotEntitled means the account is connected but does not back the series.
type NotEntitled struct{}

// Allows always reports false.
func (NotEntitled) Allows(string) bool { return false }

func (NotEntitled) entitlement() {}
