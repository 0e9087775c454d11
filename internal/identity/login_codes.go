package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLoginCodeNotFound indicates the code was never issued or was already consumed.
	ErrLoginCodeNotFound = errors.New("login_code.not_found")
	// ErrLoginCodeExpired indicates the code outlived its TTL before consumption.
	ErrLoginCodeExpired = errors.New("login_code.expired")
)

// LoginCodeStore issues single-use codes that prove possession of an email address.
type LoginCodeStore interface {
	// Issue creates a code bound to email.
	Issue(ctx context.Context, email string) (string, error)
	// Consume invalidates the code and returns the email it was bound to.
	Consume(ctx context.Context, code string) (string, error)
}

const loginCodeSize = 24

type loginCodeEntry struct {
	email     string
	expiresAt time.Time
}

type memoryLoginCodeStore struct {
	mutex    sync.Mutex
	entries  map[string]loginCodeEntry
	ttl      time.Duration
	now      func() time.Time
	codeSize int
}

// NewMemoryLoginCodeStore constructs an in-memory LoginCodeStore with the provided TTL.
func NewMemoryLoginCodeStore(ttl time.Duration) LoginCodeStore {
	return &memoryLoginCodeStore{
		entries:  make(map[string]loginCodeEntry),
		ttl:      ttl,
		now:      time.Now,
		codeSize: loginCodeSize,
	}
}

func (store *memoryLoginCodeStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := randomLoginCode(store.codeSize)
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[code] = loginCodeEntry{email: NormalizeEmail(email), expiresAt: store.now().Add(store.ttl)}
	return code, nil
}

func (store *memoryLoginCodeStore) Consume(ctx context.Context, code string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[code]
	if !ok {
		store.purgeExpiredLocked()
		return "", ErrLoginCodeNotFound
	}
	delete(store.entries, code)
	if store.now().After(entry.expiresAt) {
		store.purgeExpiredLocked()
		return "", ErrLoginCodeExpired
	}
	store.purgeExpiredLocked()
	return entry.email, nil
}

func (store *memoryLoginCodeStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for code, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, code)
		}
	}
}

func randomLoginCode(size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
