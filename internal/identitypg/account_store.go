package identitypg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tyemirov/backerauth/internal/identity"
)

const accountColumns = "id, email, email_verified, google_id, apple_id, username, created_at, updated_at"

var _ identity.Store = (*AccountStore)(nil)

// AccountStore implements identity.Store on PostgreSQL.
type AccountStore struct {
	db  *DB
	now func() time.Time
}

// NewAccountStore constructs a Postgres account store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// FindByID selects an account by id.
func (store *AccountStore) FindByID(ctx context.Context, accountID string) (identity.Account, error) {
	return store.selectOne(ctx, "find_by_id", "id", accountID)
}

// FindByEmail selects an account by normalized email.
func (store *AccountStore) FindByEmail(ctx context.Context, email string) (identity.Account, error) {
	normalized := identity.NormalizeEmail(email)
	if normalized == "" {
		return identity.Account{}, identity.ErrAccountNotFound
	}
	return store.selectOne(ctx, "find_by_email", "email", normalized)
}

// FindByProviderID selects the account linked to (provider, externalID).
func (store *AccountStore) FindByProviderID(ctx context.Context, provider identity.Provider, externalID string) (identity.Account, error) {
	var column string
	switch provider {
	case identity.ProviderGoogle:
		column = "google_id"
	case identity.ProviderApple:
		column = "apple_id"
	default:
		return identity.Account{}, fmt.Errorf("identity_store.find_by_provider.postgres %q: %w", provider, identity.ErrUnsupportedProvider)
	}
	if strings.TrimSpace(externalID) == "" {
		return identity.Account{}, identity.ErrAccountNotFound
	}
	return store.selectOne(ctx, "find_by_provider", column, externalID)
}

// Create inserts a new account row.
func (store *AccountStore) Create(ctx context.Context, fields identity.AccountFields) (identity.Account, error) {
	now := store.now()
	account := identity.Account{
		ID:            uuid.NewString(),
		Email:         identity.NormalizeEmail(fields.Email),
		EmailVerified: fields.EmailVerified,
		GoogleID:      fields.GoogleID,
		AppleID:       fields.AppleID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	const query = `
INSERT INTO accounts (id, email, email_verified, google_id, apple_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := store.db.Pool.Exec(ctx, query,
		account.ID, nullable(account.Email), account.EmailVerified,
		nullable(account.GoogleID), nullable(account.AppleID), now, now)
	if err != nil {
		return identity.Account{}, wrap("create", err)
	}
	return account, nil
}

// Update writes the patched columns and returns the stored row.
func (store *AccountStore) Update(ctx context.Context, accountID string, patch identity.AccountPatch) (identity.Account, error) {
	assignments := make([]string, 0, 6)
	arguments := []any{accountID}
	assign := func(column string, value any) {
		arguments = append(arguments, value)
		assignments = append(assignments, column+" = $"+strconv.Itoa(len(arguments)))
	}
	if patch.Email != nil {
		assign("email", nullable(identity.NormalizeEmail(*patch.Email)))
	}
	if patch.EmailVerified != nil {
		assign("email_verified", *patch.EmailVerified)
	}
	if patch.GoogleID != nil {
		assign("google_id", nullable(*patch.GoogleID))
	}
	if patch.AppleID != nil {
		assign("apple_id", nullable(*patch.AppleID))
	}
	if patch.Username != nil {
		assign("username", nullable(*patch.Username))
	}
	assign("updated_at", store.now())

	query := "UPDATE accounts SET " + strings.Join(assignments, ", ") + " WHERE id = $1 RETURNING " + accountColumns
	account, err := scanAccount(store.db.Pool.QueryRow(ctx, query, arguments...))
	if err != nil {
		return identity.Account{}, wrap("update", err)
	}
	return account, nil
}

func (store *AccountStore) selectOne(ctx context.Context, operation string, column string, value string) (identity.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts WHERE " + column + " = $1"
	account, err := scanAccount(store.db.Pool.QueryRow(ctx, query, value))
	if err != nil {
		return identity.Account{}, wrap(operation, err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (identity.Account, error) {
	var (
		account                            identity.Account
		email, googleID, appleID, username *string
	)
	if err := row.Scan(&account.ID, &email, &account.EmailVerified, &googleID, &appleID, &username, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return identity.Account{}, err
	}
	account.Email = valueOf(email)
	account.GoogleID = valueOf(googleID)
	account.AppleID = valueOf(appleID)
	account.Username = valueOf(username)
	return account, nil
}

func wrap(operation string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("identity_store.%s.postgres: %w", operation, identity.ErrAccountNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("identity_store.%s.postgres: %w", operation, identity.ErrAccountConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("identity_store.%s.postgres: %w", operation, err)
	default:
		return fmt.Errorf("identity_store.%s.postgres: %w: %w", operation, identity.ErrStoreUnavailable, err)
	}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func valueOf(pointer *string) string {
	if pointer == nil {
		return ""
	}
	return *pointer
}
