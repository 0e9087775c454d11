package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/backerauth/internal/dbconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrEmptyTokenID indicates a revocation call without a token id.
	ErrEmptyTokenID = errors.New("revocation_ledger.empty_token_id")
	// ErrAlreadyRevoked indicates the token id was revoked by an earlier call.
	ErrAlreadyRevoked = errors.New("revocation_ledger.already_revoked")
)

// RevocationLedger remembers refresh token ids that must no longer be honored.
// Entries only need to outlive the token they revoke. Revoke reports
// ErrAlreadyRevoked when another caller recorded the id first, which makes it
// usable as a compare-and-set on the token id.
type RevocationLedger interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationLedger is an in-memory ledger intended for tests and dev.
type MemoryRevocationLedger struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocationLedger creates an empty ledger.
func NewMemoryRevocationLedger() *MemoryRevocationLedger {
	return &MemoryRevocationLedger{
		entries: make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Revoke records tokenID until expiresAt.
func (ledger *MemoryRevocationLedger) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("revocation_ledger.revoke.memory: %w", ErrEmptyTokenID)
	}
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	ledger.purgeExpiredLocked()
	if _, exists := ledger.entries[tokenID]; exists {
		return fmt.Errorf("revocation_ledger.revoke.memory: %w", ErrAlreadyRevoked)
	}
	ledger.entries[tokenID] = expiresAt
	return nil
}

// IsRevoked reports whether tokenID was revoked.
func (ledger *MemoryRevocationLedger) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()
	_, ok := ledger.entries[tokenID]
	return ok, nil
}

func (ledger *MemoryRevocationLedger) purgeExpiredLocked() {
	now := ledger.now()
	for tokenID, expiresAt := range ledger.entries {
		if now.After(expiresAt) {
			delete(ledger.entries, tokenID)
		}
	}
}

// DatabaseRevocationLedger persists revoked token ids using GORM.
type DatabaseRevocationLedger struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type revokedTokenRecord struct {
	TokenID   string    `gorm:"column:token_id;primaryKey"`
	ExpiresAt time.Time `gorm:"column:expires_at;index;not null"`
	RevokedAt time.Time `gorm:"column:revoked_at;not null"`
}

func (revokedTokenRecord) TableName() string {
	return "revoked_refresh_tokens"
}

// NewDatabaseRevocationLedger opens the database and migrates the ledger table.
func NewDatabaseRevocationLedger(ctx context.Context, databaseURL string) (*DatabaseRevocationLedger, error) {
	connection, err := dbconn.Open(ctx, databaseURL, &revokedTokenRecord{})
	if err != nil {
		return nil, fmt.Errorf("revocation_ledger.open: %w", err)
	}
	return &DatabaseRevocationLedger{
		db:          connection.DB,
		driverLabel: connection.Driver,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Driver exposes the selected database driver label.
func (ledger *DatabaseRevocationLedger) Driver() string {
	return ledger.driverLabel
}

// Revoke records tokenID until expiresAt and purges lapsed rows. The insert
// that loses a race on the primary key affects no rows.
func (ledger *DatabaseRevocationLedger) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("revocation_ledger.revoke.%s: %w", ledger.driverLabel, ErrEmptyTokenID)
	}
	now := ledger.now()
	if err := ledger.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&revokedTokenRecord{}).Error; err != nil {
		return fmt.Errorf("revocation_ledger.purge.%s: %w", ledger.driverLabel, err)
	}
	record := revokedTokenRecord{TokenID: tokenID, ExpiresAt: expiresAt.UTC(), RevokedAt: now}
	result := ledger.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("revocation_ledger.revoke.%s: %w", ledger.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("revocation_ledger.revoke.%s: %w", ledger.driverLabel, ErrAlreadyRevoked)
	}
	return nil
}

// IsRevoked reports whether tokenID was revoked.
func (ledger *DatabaseRevocationLedger) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	err := ledger.db.WithContext(ctx).Model(&revokedTokenRecord{}).Where("token_id = ?", tokenID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("revocation_ledger.lookup.%s: %w", ledger.driverLabel, err)
	}
	return count > 0, nil
}
