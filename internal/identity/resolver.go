package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAssertion indicates a federated assertion without a supported provider or external id.
	ErrInvalidAssertion = errors.New("identity.invalid_assertion")
	// ErrIdentityConflict indicates the email-matched account is already linked to another external id.
	ErrIdentityConflict = errors.New("identity.identity_conflict")
	// ErrInvalidEmail indicates an email-link request with a malformed address.
	ErrInvalidEmail = errors.New("identity.invalid_email")
)

// Assertion is a verified external identity handed over by a provider verifier.
type Assertion struct {
	Provider      Provider
	ExternalID    string
	Email         string
	EmailVerified bool
}

// Outcome describes how an assertion mapped onto an account.
type Outcome string

const (
	OutcomeExisting Outcome = "existing"
	OutcomeMerged   Outcome = "merged"
	OutcomeCreated  Outcome = "created"
)

// Resolution is the account an assertion resolved to.
type Resolution struct {
	Account Account
	Outcome Outcome
}

// ResolverConfig wires the collaborators of a Resolver.
type ResolverConfig struct {
	Store      Store
	LoginCodes LoginCodeStore
	Notifier   ContactNotifier
	// Queue runs notifier calls off the request path. When nil they run inline.
	Queue  *ContactQueue
	Logger *zap.Logger
}

// Resolver maps sign-in attempts onto exactly one canonical account.
type Resolver struct {
	store      Store
	loginCodes LoginCodeStore
	notifier   ContactNotifier
	queue      *ContactQueue
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Store == nil {
		return nil, errors.New("identity.resolver.missing_store")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:      config.Store,
		loginCodes: config.LoginCodes,
		notifier:   config.Notifier,
		queue:      config.Queue,
		validate:   validator.New(),
		logger:     logger,
	}, nil
}

// ResolveFederated links, merges, or creates the account for a federated
// assertion: provider id first, then email, then a new account. A unique
// constraint rejection is retried once as a lookup.
func (resolver *Resolver) ResolveFederated(ctx context.Context, assertion Assertion) (Resolution, error) {
	if !assertion.Provider.Federated() || strings.TrimSpace(assertion.ExternalID) == "" {
		return Resolution{}, fmt.Errorf("identity.resolve: %w", ErrInvalidAssertion)
	}
	assertion.Email = NormalizeEmail(assertion.Email)

	resolution, err := resolver.resolveOnce(ctx, assertion)
	if errors.Is(err, ErrAccountConflict) {
		resolver.logger.Info("account write raced, retrying as lookup",
			zap.String("code", "identity.resolve.conflict_retry"),
			zap.String("provider", string(assertion.Provider)),
		)
		resolution, err = resolver.resolveOnce(ctx, assertion)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("identity.resolve: %w", err)
	}
	return resolution, nil
}

func (resolver *Resolver) resolveOnce(ctx context.Context, assertion Assertion) (Resolution, error) {
	linked, err := resolver.store.FindByProviderID(ctx, assertion.Provider, assertion.ExternalID)
	switch {
	case err == nil:
		account, err := resolver.upgradeVerification(ctx, linked, assertion, AccountPatch{})
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Account: account, Outcome: OutcomeExisting}, nil
	case !errors.Is(err, ErrAccountNotFound):
		return Resolution{}, err
	}

	if assertion.Email != "" {
		owner, err := resolver.store.FindByEmail(ctx, assertion.Email)
		switch {
		case err == nil:
			if existing := owner.ExternalID(assertion.Provider); existing != "" && existing != assertion.ExternalID {
				return Resolution{}, ErrIdentityConflict
			}
			patch := patchWithExternalID(AccountPatch{}, assertion.Provider, assertion.ExternalID)
			account, err := resolver.upgradeVerification(ctx, owner, assertion, patch)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Account: account, Outcome: OutcomeMerged}, nil
		case !errors.Is(err, ErrAccountNotFound):
			return Resolution{}, err
		}
	}

	fields := fieldsWithExternalID(AccountFields{
		Email:         assertion.Email,
		EmailVerified: assertion.EmailVerified && assertion.Email != "",
	}, assertion.Provider, assertion.ExternalID)
	created, err := resolver.store.Create(ctx, fields)
	if err != nil {
		return Resolution{}, err
	}
	if created.EmailVerified {
		resolver.announceSignup(created)
	}
	return Resolution{Account: created, Outcome: OutcomeCreated}, nil
}

// upgradeVerification applies patch plus any verified-email upgrade carried by
// the assertion. An empty resulting patch performs no write.
func (resolver *Resolver) upgradeVerification(ctx context.Context, account Account, assertion Assertion, patch AccountPatch) (Account, error) {
	upgraded := false
	if assertion.EmailVerified && assertion.Email != "" && !account.EmailVerified {
		if account.Email == "" || account.Email == assertion.Email {
			email := assertion.Email
			verified := true
			patch.Email = &email
			patch.EmailVerified = &verified
			upgraded = true
		}
	}
	if patch.IsEmpty() {
		return account, nil
	}
	updated, err := resolver.store.Update(ctx, account.ID, patch)
	if err != nil {
		return Account{}, err
	}
	if upgraded {
		resolver.announceSignup(updated)
	}
	return updated, nil
}

// RequestEmailLogin ensures an account exists for email and delivers a
// one-time login code to it. The result never reveals whether the account
// already existed.
func (resolver *Resolver) RequestEmailLogin(ctx context.Context, email string) error {
	normalized := NormalizeEmail(email)
	if err := resolver.validate.Var(normalized, "required,email"); err != nil {
		return fmt.Errorf("identity.email_login.request: %w", ErrInvalidEmail)
	}
	if resolver.loginCodes == nil {
		return errors.New("identity.email_login.request: login codes unavailable")
	}
	if _, err := resolver.accountForEmail(ctx, normalized); err != nil {
		return fmt.Errorf("identity.email_login.request: %w", err)
	}
	code, err := resolver.loginCodes.Issue(ctx, normalized)
	if err != nil {
		return fmt.Errorf("identity.email_login.issue_code: %w", err)
	}
	if resolver.notifier != nil {
		notifier := resolver.notifier
		resolver.dispatch("login_code", func(taskCtx context.Context) error {
			return notifier.SendLoginCode(taskCtx, normalized, code)
		})
	}
	return nil
}

// CompleteEmailLogin redeems a login code and marks the bound email verified.
func (resolver *Resolver) CompleteEmailLogin(ctx context.Context, code string) (Account, error) {
	if resolver.loginCodes == nil {
		return Account{}, errors.New("identity.email_login.complete: login codes unavailable")
	}
	email, err := resolver.loginCodes.Consume(ctx, strings.TrimSpace(code))
	if err != nil {
		return Account{}, fmt.Errorf("identity.email_login.complete: %w", err)
	}
	account, err := resolver.accountForEmail(ctx, email)
	if err != nil {
		return Account{}, fmt.Errorf("identity.email_login.complete: %w", err)
	}
	account, err = resolver.upgradeVerification(ctx, account, Assertion{Provider: ProviderEmail, Email: email, EmailVerified: true}, AccountPatch{})
	if err != nil {
		return Account{}, fmt.Errorf("identity.email_login.complete: %w", err)
	}
	return account, nil
}

func (resolver *Resolver) accountForEmail(ctx context.Context, email string) (Account, error) {
	account, err := resolver.store.FindByEmail(ctx, email)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	account, err = resolver.store.Create(ctx, AccountFields{Email: email})
	if errors.Is(err, ErrAccountConflict) {
		return resolver.store.FindByEmail(ctx, email)
	}
	return account, err
}

func (resolver *Resolver) announceSignup(account Account) {
	if resolver.notifier == nil {
		return
	}
	notifier := resolver.notifier
	resolver.dispatch("signup_contact", func(taskCtx context.Context) error {
		return notifier.PublishSignupContact(taskCtx, account)
	})
}

func (resolver *Resolver) dispatch(name string, task ContactTask) {
	if resolver.queue != nil {
		resolver.queue.Enqueue(name, task)
		return
	}
	if err := task(context.Background()); err != nil {
		resolver.logger.Warn("contact task failed", zap.String("code", "identity.contact.failed"), zap.String("task", name), zap.Error(err))
	}
}
