package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store intended for tests and dev.
type MemoryStore struct {
	mutex      sync.Mutex
	byID       map[string]*Account
	byEmail    map[string]string
	byGoogleID map[string]string
	byAppleID  map[string]string
	byUsername map[string]string
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Account),
		byEmail:    make(map[string]string),
		byGoogleID: make(map[string]string),
		byAppleID:  make(map[string]string),
		byUsername: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FindByID returns the account with the given id.
func (store *MemoryStore) FindByID(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(accountID, true)
}

// FindByEmail returns the account owning the normalized email.
func (store *MemoryStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accountID, ok := store.byEmail[NormalizeEmail(email)]
	return store.lookupLocked(accountID, ok)
}

// FindByProviderID returns the account linked to (provider, externalID).
func (store *MemoryStore) FindByProviderID(ctx context.Context, provider Provider, externalID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	index, err := store.indexFor(provider)
	if err != nil {
		return Account{}, err
	}
	accountID, ok := index[externalID]
	return store.lookupLocked(accountID, ok)
}

// Create inserts a new account, rejecting duplicate email or provider ids.
func (store *MemoryStore) Create(ctx context.Context, fields AccountFields) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.now()
	account := Account{
		ID:            uuid.NewString(),
		Email:         NormalizeEmail(fields.Email),
		EmailVerified: fields.EmailVerified,
		GoogleID:      fields.GoogleID,
		AppleID:       fields.AppleID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.checkUniqueLocked(account); err != nil {
		return Account{}, fmt.Errorf("identity_store.create.memory: %w", err)
	}
	store.indexLocked(account)
	return account, nil
}

// Update applies patch to the account with the given id.
func (store *MemoryStore) Update(ctx context.Context, accountID string, patch AccountPatch) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current, err := store.lookupLocked(accountID, true)
	if err != nil {
		return Account{}, err
	}
	updated := applyPatch(current, patch)
	updated.UpdatedAt = store.now()
	if err := store.checkUniqueLocked(updated); err != nil {
		return Account{}, fmt.Errorf("identity_store.update.memory: %w", err)
	}
	store.unindexLocked(current)
	store.indexLocked(updated)
	return updated, nil
}

func (store *MemoryStore) lookupLocked(accountID string, found bool) (Account, error) {
	if !found {
		return Account{}, ErrAccountNotFound
	}
	record := store.byID[accountID]
	if record == nil {
		return Account{}, ErrAccountNotFound
	}
	return *record, nil
}

func (store *MemoryStore) indexFor(provider Provider) (map[string]string, error) {
	switch provider {
	case ProviderGoogle:
		return store.byGoogleID, nil
	case ProviderApple:
		return store.byAppleID, nil
	default:
		return nil, fmt.Errorf("identity_store.memory %q: %w", provider, ErrUnsupportedProvider)
	}
}

func (store *MemoryStore) checkUniqueLocked(account Account) error {
	claims := []struct {
		index map[string]string
		value string
	}{
		{index: store.byEmail, value: account.Email},
		{index: store.byGoogleID, value: account.GoogleID},
		{index: store.byAppleID, value: account.AppleID},
		{index: store.byUsername, value: account.Username},
	}
	for _, claim := range claims {
		if claim.value == "" {
			continue
		}
		if ownerID, taken := claim.index[claim.value]; taken && ownerID != account.ID {
			return ErrAccountConflict
		}
	}
	return nil
}

func (store *MemoryStore) indexLocked(account Account) {
	record := account
	store.byID[account.ID] = &record
	if account.Email != "" {
		store.byEmail[account.Email] = account.ID
	}
	if account.GoogleID != "" {
		store.byGoogleID[account.GoogleID] = account.ID
	}
	if account.AppleID != "" {
		store.byAppleID[account.AppleID] = account.ID
	}
	if account.Username != "" {
		store.byUsername[account.Username] = account.ID
	}
}

func (store *MemoryStore) unindexLocked(account Account) {
	delete(store.byEmail, account.Email)
	delete(store.byGoogleID, account.GoogleID)
	delete(store.byAppleID, account.AppleID)
	delete(store.byUsername, account.Username)
}
