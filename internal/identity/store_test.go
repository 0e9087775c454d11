package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newSQLiteStore(t *testing.T) *DatabaseStore {
	t.Helper()
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "accounts.db")
	store, err := NewDatabaseStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("open database store: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	factories := []struct {
		name  string
		build func(t *testing.T) Store
	}{
		{name: "memory", build: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", build: func(t *testing.T) Store { return newSQLiteStore(t) }},
	}
	for _, factory := range factories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := factory.build(t)

			created, err := store.Create(ctx, AccountFields{Email: "  A@X.com ", GoogleID: "g-1"})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if created.ID == "" {
				t.Fatalf("expected generated id")
			}
			if created.Email != "a@x.com" {
				t.Fatalf("expected normalized email, got %q", created.Email)
			}

			byEmail, err := store.FindByEmail(ctx, "a@X.COM")
			if err != nil || byEmail.ID != created.ID {
				t.Fatalf("find by email: %v %+v", err, byEmail)
			}
			byGoogle, err := store.FindByProviderID(ctx, ProviderGoogle, "g-1")
			if err != nil || byGoogle.ID != created.ID {
				t.Fatalf("find by google id: %v %+v", err, byGoogle)
			}
			if _, err := store.FindByProviderID(ctx, ProviderApple, "g-1"); !errors.Is(err, ErrAccountNotFound) {
				t.Fatalf("expected not found for apple lookup, got %v", err)
			}
			if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
				t.Fatalf("expected not found for unknown id, got %v", err)
			}
			if _, err := store.FindByProviderID(ctx, ProviderEmail, "x"); !errors.Is(err, ErrUnsupportedProvider) {
				t.Fatalf("expected unsupported provider, got %v", err)
			}

			appleID := "apple-1"
			verified := true
			updated, err := store.Update(ctx, created.ID, AccountPatch{AppleID: &appleID, EmailVerified: &verified})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.AppleID != appleID || !updated.EmailVerified || updated.GoogleID != "g-1" {
				t.Fatalf("unexpected updated account %+v", updated)
			}
			byApple, err := store.FindByProviderID(ctx, ProviderApple, appleID)
			if err != nil || byApple.ID != created.ID {
				t.Fatalf("find by apple id: %v %+v", err, byApple)
			}

			if _, err := store.Create(ctx, AccountFields{Email: "a@x.com"}); !errors.Is(err, ErrAccountConflict) {
				t.Fatalf("expected conflict on duplicate email, got %v", err)
			}
			if _, err := store.Create(ctx, AccountFields{Email: "b@x.com", GoogleID: "g-1"}); !errors.Is(err, ErrAccountConflict) {
				t.Fatalf("expected conflict on duplicate google id, got %v", err)
			}

			other, err := store.Create(ctx, AccountFields{Email: "c@x.com"})
			if err != nil {
				t.Fatalf("create second account: %v", err)
			}
			if _, err := store.Update(ctx, other.ID, AccountPatch{AppleID: &appleID}); !errors.Is(err, ErrAccountConflict) {
				t.Fatalf("expected conflict linking a taken apple id, got %v", err)
			}
			username := "reader"
			if _, err := store.Update(ctx, created.ID, AccountPatch{Username: &username}); err != nil {
				t.Fatalf("set username: %v", err)
			}
			if _, err := store.Update(ctx, other.ID, AccountPatch{Username: &username}); !errors.Is(err, ErrAccountConflict) {
				t.Fatalf("expected conflict on duplicate username, got %v", err)
			}
			renamed := "reader-2"
			if _, err := store.Update(ctx, created.ID, AccountPatch{Username: &renamed}); err != nil {
				t.Fatalf("rename: %v", err)
			}
			if claimed, err := store.Update(ctx, other.ID, AccountPatch{Username: &username}); err != nil || claimed.Username != username {
				t.Fatalf("released username must be claimable, got %+v %v", claimed, err)
			}
			if _, err := store.Update(ctx, "missing", AccountPatch{AppleID: &appleID}); !errors.Is(err, ErrAccountNotFound) {
				t.Fatalf("expected not found updating unknown id, got %v", err)
			}

			emptyEmail, err := store.Create(ctx, AccountFields{AppleID: "apple-2"})
			if err != nil {
				t.Fatalf("create account without email: %v", err)
			}
			if emptyEmail.Email != "" {
				t.Fatalf("expected empty email, got %q", emptyEmail.Email)
			}
			if _, err := store.Create(ctx, AccountFields{AppleID: "apple-3"}); err != nil {
				t.Fatalf("second account without email must not conflict: %v", err)
			}
		})
	}
}

func TestNewDatabaseStoreRejectsUnsupportedURL(t *testing.T) {
	if _, err := NewDatabaseStore(context.Background(), "mysql://localhost/db"); err == nil {
		t.Fatalf("expected error for unsupported dialect")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "sqlite message", err: errors.New("constraint failed: UNIQUE constraint failed: accounts.email (2067)"), want: true},
		{name: "other", err: errors.New("connection refused"), want: false},
	}
	for _, testCase := range testCases {
		if got := isUniqueViolation(testCase.err); got != testCase.want {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, got)
		}
	}
}
