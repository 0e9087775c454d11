package events

import (
	"context"
	"time"

	"github.com/tyemirov/backerauth/internal/identity"
)

// IdentityNotifier turns identity side effects into published events.
type IdentityNotifier struct {
	publisher Publisher
	now       func() time.Time
}

var _ identity.ContactNotifier = (*IdentityNotifier)(nil)

// NewIdentityNotifier wraps publisher.
func NewIdentityNotifier(publisher Publisher) *IdentityNotifier {
	return &IdentityNotifier{publisher: publisher, now: func() time.Time { return time.Now().UTC() }}
}

// PublishSignupContact announces a newly verified email.
func (notifier *IdentityNotifier) PublishSignupContact(ctx context.Context, account identity.Account) error {
	return notifier.publisher.Publish(ctx, Event{
		Kind:       KindSignupContact,
		AccountID:  account.ID,
		Email:      account.Email,
		OccurredAt: notifier.now(),
	})
}

// SendLoginCode hands a login code to the mailer.
func (notifier *IdentityNotifier) SendLoginCode(ctx context.Context, email string, code string) error {
	return notifier.publisher.Publish(ctx, Event{
		Kind:       KindLoginCode,
		Email:      email,
		Code:       code,
		OccurredAt: notifier.now(),
	})
}
