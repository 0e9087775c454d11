package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/backerauth/internal/dbconn"
	"gorm.io/gorm"
)

// DatabaseLoginCodeStore persists login codes using GORM so that a code issued
// by one replica can be consumed by another.
type DatabaseLoginCodeStore struct {
	db          *gorm.DB
	driverLabel string
	ttl         time.Duration
	now         func() time.Time
}

type loginCodeRecord struct {
	Code      string    `gorm:"column:code;primaryKey"`
	Email     string    `gorm:"column:email;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;index;not null"`
}

func (loginCodeRecord) TableName() string {
	return "login_codes"
}

// NewDatabaseLoginCodeStore opens the database and migrates the login code table.
func NewDatabaseLoginCodeStore(ctx context.Context, databaseURL string, ttl time.Duration) (*DatabaseLoginCodeStore, error) {
	connection, err := dbconn.Open(ctx, databaseURL, &loginCodeRecord{})
	if err != nil {
		return nil, fmt.Errorf("login_code.open: %w", err)
	}
	return &DatabaseLoginCodeStore{
		db:          connection.DB,
		driverLabel: connection.Driver,
		ttl:         ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseLoginCodeStore) Driver() string {
	return store.driverLabel
}

// Issue stores a new code bound to the normalized email and purges lapsed rows.
func (store *DatabaseLoginCodeStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := randomLoginCode(loginCodeSize)
	if err != nil {
		return "", fmt.Errorf("login_code.issue.%s: %w", store.driverLabel, err)
	}
	now := store.now()
	if err := store.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&loginCodeRecord{}).Error; err != nil {
		return "", fmt.Errorf("login_code.purge.%s: %w", store.driverLabel, err)
	}
	record := loginCodeRecord{Code: code, Email: NormalizeEmail(email), ExpiresAt: now.Add(store.ttl)}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("login_code.issue.%s: %w", store.driverLabel, err)
	}
	return code, nil
}

// Consume deletes the code and returns its email. Only the caller whose delete
// removed the row wins; concurrent consumers see ErrLoginCodeNotFound.
func (store *DatabaseLoginCodeStore) Consume(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrLoginCodeNotFound
	}
	var record loginCodeRecord
	err := store.db.WithContext(ctx).Where("code = ?", code).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrLoginCodeNotFound
		}
		return "", fmt.Errorf("login_code.lookup.%s: %w", store.driverLabel, err)
	}
	result := store.db.WithContext(ctx).Where("code = ?", code).Delete(&loginCodeRecord{})
	if result.Error != nil {
		return "", fmt.Errorf("login_code.consume.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected != 1 {
		return "", ErrLoginCodeNotFound
	}
	if store.now().After(record.ExpiresAt) {
		return "", ErrLoginCodeExpired
	}
	return record.Email, nil
}
