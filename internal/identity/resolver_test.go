package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	mutex      sync.Mutex
	signups    []Account
	loginCodes map[string]string
	failWith   error
}

func (notifier *recordingNotifier) PublishSignupContact(ctx context.Context, account Account) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.signups = append(notifier.signups, account)
	return notifier.failWith
}

func (notifier *recordingNotifier) SendLoginCode(ctx context.Context, email string, code string) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if notifier.loginCodes == nil {
		notifier.loginCodes = make(map[string]string)
	}
	notifier.loginCodes[email] = code
	return notifier.failWith
}

func (notifier *recordingNotifier) signupCount() int {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return len(notifier.signups)
}

func (notifier *recordingNotifier) codeFor(email string) string {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return notifier.loginCodes[email]
}

// countingStore wraps a Store and counts writes.
type countingStore struct {
	Store
	creates int
	updates int

	createHook func(fields AccountFields) error
}

func (store *countingStore) Create(ctx context.Context, fields AccountFields) (Account, error) {
	store.creates++
	if store.createHook != nil {
		if err := store.createHook(fields); err != nil {
			return Account{}, err
		}
	}
	return store.Store.Create(ctx, fields)
}

func (store *countingStore) Update(ctx context.Context, accountID string, patch AccountPatch) (Account, error) {
	store.updates++
	return store.Store.Update(ctx, accountID, patch)
}

type failingStore struct {
	Store
}

func (failingStore) FindByProviderID(ctx context.Context, provider Provider, externalID string) (Account, error) {
	return Account{}, ErrStoreUnavailable
}

func (failingStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	return Account{}, ErrStoreUnavailable
}

func newTestResolver(t *testing.T, store Store, notifier *recordingNotifier) *Resolver {
	t.Helper()
	config := ResolverConfig{
		Store:      store,
		LoginCodes: NewMemoryLoginCodeStore(10 * time.Minute),
		Logger:     zaptest.NewLogger(t),
	}
	if notifier != nil {
		config.Notifier = notifier
	}
	resolver, err := NewResolver(config)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func TestNewResolverRequiresStore(t *testing.T) {
	if _, err := NewResolver(ResolverConfig{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestResolveFederatedIsIdempotent(t *testing.T) {
	t.Parallel()
	store := &countingStore{Store: NewMemoryStore()}
	resolver := newTestResolver(t, store, &recordingNotifier{})
	assertion := Assertion{Provider: ProviderGoogle, ExternalID: "g-1", Email: "reader@example.com", EmailVerified: true}

	first, err := resolver.ResolveFederated(context.Background(), assertion)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.ResolveFederated(context.Background(), assertion)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("expected same account, got %s and %s", first.Account.ID, second.Account.ID)
	}
	if first.Outcome != OutcomeCreated || second.Outcome != OutcomeExisting {
		t.Fatalf("unexpected outcomes %s, %s", first.Outcome, second.Outcome)
	}
	if store.creates != 1 {
		t.Fatalf("expected exactly one create, got %d", store.creates)
	}
	if store.updates != 0 {
		t.Fatalf("expected no-op second resolution, got %d updates", store.updates)
	}
}

func TestResolveFederatedMergesByEmail(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	existing, err := store.Create(context.Background(), AccountFields{Email: "reader@example.com"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	resolver := newTestResolver(t, store, &recordingNotifier{})

	resolution, err := resolver.ResolveFederated(context.Background(), Assertion{
		Provider:   ProviderApple,
		ExternalID: "apple-7",
		Email:      "Reader@Example.com",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Account.ID != existing.ID {
		t.Fatalf("expected merge into %s, got %s", existing.ID, resolution.Account.ID)
	}
	if resolution.Outcome != OutcomeMerged {
		t.Fatalf("expected merged outcome, got %s", resolution.Outcome)
	}
	if resolution.Account.AppleID != "apple-7" {
		t.Fatalf("expected apple id linked, got %+v", resolution.Account)
	}
	if resolution.Account.EmailVerified {
		t.Fatalf("unverified assertion must not verify the email")
	}
}

func TestResolveFederatedRefusesToOverwriteLink(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	if _, err := store.Create(context.Background(), AccountFields{Email: "reader@example.com", GoogleID: "g-old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resolver := newTestResolver(t, store, &recordingNotifier{})

	_, err := resolver.ResolveFederated(context.Background(), Assertion{
		Provider:      ProviderGoogle,
		ExternalID:    "g-new",
		Email:         "reader@example.com",
		EmailVerified: true,
	})
	if !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected ErrIdentityConflict, got %v", err)
	}
}

func TestResolveFederatedEmailThenGoogleScenario(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	store := &countingStore{Store: NewMemoryStore()}
	resolver := newTestResolver(t, store, notifier)
	ctx := context.Background()

	if err := resolver.RequestEmailLogin(ctx, "a@x.com"); err != nil {
		t.Fatalf("email login: %v", err)
	}
	accountA, err := store.FindByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("expected account created by email request: %v", err)
	}
	if accountA.EmailVerified {
		t.Fatalf("expected unverified account after email request")
	}

	google := Assertion{Provider: ProviderGoogle, ExternalID: "g-a", Email: "a@x.com", EmailVerified: true}
	linked, err := resolver.ResolveFederated(ctx, google)
	if err != nil {
		t.Fatalf("google sign-in: %v", err)
	}
	if linked.Account.ID != accountA.ID {
		t.Fatalf("expected account A, got %s", linked.Account.ID)
	}
	if !linked.Account.EmailVerified || linked.Account.GoogleID != "g-a" {
		t.Fatalf("expected verified account with google link, got %+v", linked.Account)
	}
	if notifier.signupCount() != 1 {
		t.Fatalf("expected one signup contact on verification, got %d", notifier.signupCount())
	}

	again, err := resolver.ResolveFederated(ctx, google)
	if err != nil {
		t.Fatalf("repeat google sign-in: %v", err)
	}
	if again.Account.ID != accountA.ID || again.Outcome != OutcomeExisting {
		t.Fatalf("expected existing account A, got %+v", again)
	}
	if store.creates != 1 {
		t.Fatalf("expected no duplicate account, got %d creates", store.creates)
	}
	if notifier.signupCount() != 1 {
		t.Fatalf("signup contact must fire once, got %d", notifier.signupCount())
	}
}

func TestResolveFederatedUpgradesVerificationOnLinkedAccount(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{failWith: errors.New("mailing list down")}
	store := NewMemoryStore()
	resolver := newTestResolver(t, store, notifier)
	ctx := context.Background()

	first, err := resolver.ResolveFederated(ctx, Assertion{Provider: ProviderApple, ExternalID: "apple-1", Email: "x@y.com"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Account.EmailVerified {
		t.Fatalf("expected unverified account")
	}
	second, err := resolver.ResolveFederated(ctx, Assertion{Provider: ProviderApple, ExternalID: "apple-1", Email: "x@y.com", EmailVerified: true})
	if err != nil {
		t.Fatalf("signup contact failure must be swallowed: %v", err)
	}
	if !second.Account.EmailVerified {
		t.Fatalf("expected verified flag upgraded")
	}
	if notifier.signupCount() != 1 {
		t.Fatalf("expected signup contact attempt, got %d", notifier.signupCount())
	}
}

func TestResolveFederatedRetriesConflictAsLookup(t *testing.T) {
	t.Parallel()
	memory := NewMemoryStore()
	store := &countingStore{Store: memory}
	store.createHook = func(fields AccountFields) error {
		// A concurrent sign-in wins the race for the same identity.
		if _, err := memory.Create(context.Background(), fields); err != nil {
			t.Fatalf("racing create: %v", err)
		}
		store.createHook = nil
		return nil
	}
	resolver := newTestResolver(t, store, &recordingNotifier{})

	resolution, err := resolver.ResolveFederated(context.Background(), Assertion{Provider: ProviderGoogle, ExternalID: "g-race", Email: "race@x.com", EmailVerified: true})
	if err != nil {
		t.Fatalf("expected conflict to resolve via lookup: %v", err)
	}
	if resolution.Outcome != OutcomeExisting {
		t.Fatalf("expected existing outcome after retry, got %s", resolution.Outcome)
	}
	if resolution.Account.GoogleID != "g-race" {
		t.Fatalf("unexpected account %+v", resolution.Account)
	}
}

func TestResolveFederatedRejectsInvalidAssertion(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(t, NewMemoryStore(), nil)
	testCases := []Assertion{
		{Provider: ProviderEmail, ExternalID: "x", Email: "a@x.com"},
		{Provider: ProviderGoogle, ExternalID: "  "},
		{Provider: Provider("github"), ExternalID: "x"},
	}
	for _, assertion := range testCases {
		if _, err := resolver.ResolveFederated(context.Background(), assertion); !errors.Is(err, ErrInvalidAssertion) {
			t.Fatalf("expected ErrInvalidAssertion for %+v, got %v", assertion, err)
		}
	}
}

func TestResolveFederatedSurfacesStoreUnavailable(t *testing.T) {
	t.Parallel()
	resolver := newTestResolver(t, failingStore{Store: NewMemoryStore()}, nil)
	_, err := resolver.ResolveFederated(context.Background(), Assertion{Provider: ProviderGoogle, ExternalID: "g"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestEmailLoginRoundTrip(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	store := NewMemoryStore()
	resolver := newTestResolver(t, store, notifier)
	ctx := context.Background()

	if err := resolver.RequestEmailLogin(ctx, "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if err := resolver.RequestEmailLogin(ctx, " New@Reader.com "); err != nil {
		t.Fatalf("request: %v", err)
	}
	code := notifier.codeFor("new@reader.com")
	if code == "" {
		t.Fatalf("expected login code delivered")
	}

	account, err := resolver.CompleteEmailLogin(ctx, code)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if account.Email != "new@reader.com" || !account.EmailVerified {
		t.Fatalf("expected verified account, got %+v", account)
	}
	if notifier.signupCount() != 1 {
		t.Fatalf("expected signup contact after first verification, got %d", notifier.signupCount())
	}
	if _, err := resolver.CompleteEmailLogin(ctx, code); !errors.Is(err, ErrLoginCodeNotFound) {
		t.Fatalf("expected single-use code, got %v", err)
	}

	if err := resolver.RequestEmailLogin(ctx, "new@reader.com"); err != nil {
		t.Fatalf("repeat request for existing account: %v", err)
	}
	repeat, err := resolver.CompleteEmailLogin(ctx, notifier.codeFor("new@reader.com"))
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if repeat.ID != account.ID {
		t.Fatalf("expected same account, got %s", repeat.ID)
	}
	if notifier.signupCount() != 1 {
		t.Fatalf("signup contact must not repeat, got %d", notifier.signupCount())
	}
}

func TestEmailLoginUsesQueue(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	queue := NewContactQueue(8, zaptest.NewLogger(t))
	resolver, err := NewResolver(ResolverConfig{
		Store:      NewMemoryStore(),
		LoginCodes: NewMemoryLoginCodeStore(time.Minute),
		Notifier:   notifier,
		Queue:      queue,
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if err := resolver.RequestEmailLogin(context.Background(), "queued@x.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := queue.Close(context.Background()); err != nil {
		t.Fatalf("close queue: %v", err)
	}
	if notifier.codeFor("queued@x.com") == "" {
		t.Fatalf("expected queued login code delivery")
	}
}
