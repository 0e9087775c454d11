package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/backerauth/internal/dbconn"
	"gorm.io/gorm"
)

// DatabaseStore persists accounts using GORM (postgres or sqlite).
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type accountRecord struct {
	ID            string    `gorm:"column:id;primaryKey"`
	Email         *string   `gorm:"column:email;uniqueIndex"`
	EmailVerified bool      `gorm:"column:email_verified;not null;default:false"`
	GoogleID      *string   `gorm:"column:google_id;uniqueIndex"`
	AppleID       *string   `gorm:"column:apple_id;uniqueIndex"`
	Username      *string   `gorm:"column:username;uniqueIndex"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

// NewDatabaseStore opens the database and migrates the accounts table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	connection, err := dbconn.Open(ctx, databaseURL, &accountRecord{})
	if err != nil {
		return nil, fmt.Errorf("identity_store.open: %w", err)
	}
	return &DatabaseStore{db: connection.DB, driverLabel: connection.Driver}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// FindByID returns the account with the given id.
func (store *DatabaseStore) FindByID(ctx context.Context, accountID string) (Account, error) {
	return store.findWhere(ctx, "find_by_id", "id = ?", accountID)
}

// FindByEmail returns the account owning the normalized email.
func (store *DatabaseStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return Account{}, ErrAccountNotFound
	}
	return store.findWhere(ctx, "find_by_email", "email = ?", normalized)
}

// FindByProviderID returns the account linked to (provider, externalID).
func (store *DatabaseStore) FindByProviderID(ctx context.Context, provider Provider, externalID string) (Account, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(externalID) == "" {
		return Account{}, ErrAccountNotFound
	}
	return store.findWhere(ctx, "find_by_provider", column+" = ?", externalID)
}

// Create inserts a new account row.
func (store *DatabaseStore) Create(ctx context.Context, fields AccountFields) (Account, error) {
	now := time.Now().UTC()
	record := accountRecord{
		ID:            uuid.NewString(),
		Email:         nullable(NormalizeEmail(fields.Email)),
		EmailVerified: fields.EmailVerified,
		GoogleID:      nullable(fields.GoogleID),
		AppleID:       nullable(fields.AppleID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Account{}, store.wrap("create", err)
	}
	return record.toAccount(), nil
}

// Update applies patch to the account with the given id.
func (store *DatabaseStore) Update(ctx context.Context, accountID string, patch AccountPatch) (Account, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Email != nil {
		updates["email"] = nullable(NormalizeEmail(*patch.Email))
	}
	if patch.EmailVerified != nil {
		updates["email_verified"] = *patch.EmailVerified
	}
	if patch.GoogleID != nil {
		updates["google_id"] = nullable(*patch.GoogleID)
	}
	if patch.AppleID != nil {
		updates["apple_id"] = nullable(*patch.AppleID)
	}
	if patch.Username != nil {
		updates["username"] = nullable(*patch.Username)
	}
	result := store.db.WithContext(ctx).Model(&accountRecord{}).Where("id = ?", accountID).Updates(updates)
	if result.Error != nil {
		return Account{}, store.wrap("update", result.Error)
	}
	if result.RowsAffected == 0 {
		return Account{}, fmt.Errorf("identity_store.update.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return store.FindByID(ctx, accountID)
}

func (store *DatabaseStore) findWhere(ctx context.Context, operation string, query string, argument string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("identity_store.%s.%s: %w", operation, store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, store.wrap(operation, err)
	}
	return record.toAccount(), nil
}

func (store *DatabaseStore) wrap(operation string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("identity_store.%s.%s: %w", operation, store.driverLabel, ErrAccountConflict)
	}
	return fmt.Errorf("identity_store.%s.%s: %w: %w", operation, store.driverLabel, ErrStoreUnavailable, err)
}

func (record accountRecord) toAccount() Account {
	return Account{
		ID:            record.ID,
		Email:         valueOf(record.Email),
		EmailVerified: record.EmailVerified,
		GoogleID:      valueOf(record.GoogleID),
		AppleID:       valueOf(record.AppleID),
		Username:      valueOf(record.Username),
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func providerColumn(provider Provider) (string, error) {
	switch provider {
	case ProviderGoogle:
		return "google_id", nil
	case ProviderApple:
		return "apple_id", nil
	default:
		return "", fmt.Errorf("identity_store.provider_column %q: %w", provider, ErrUnsupportedProvider)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) && pgError.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
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
