// Package dbconn opens GORM connections from postgres:// or sqlite:// URLs.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("dbconn.unsupported_dialect")
	// ErrEmptyDatabaseURL indicates that no database URL was supplied.
	ErrEmptyDatabaseURL = errors.New("dbconn.empty_database_url")

	errSQLiteEmptyPath     = errors.New("dbconn.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("dbconn.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("dbconn.unsupported_no_scheme")
)

// Connection is an open GORM handle plus the driver label used in error codes.
type Connection struct {
	DB     *gorm.DB
	Driver string
}

// Open resolves the dialector for databaseURL, connects, and migrates models.
func Open(ctx context.Context, databaseURL string, models ...any) (*Connection, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("dbconn.open: %w", ErrEmptyDatabaseURL)
	}
	dialector, driverLabel, err := ResolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("dbconn.open.%s: %w", driverLabel, openErr)
	}
	if len(models) > 0 {
		if migrateErr := gormDB.WithContext(ctx).AutoMigrate(models...); migrateErr != nil {
			return nil, fmt.Errorf("dbconn.migrate.%s: %w", driverLabel, migrateErr)
		}
	}
	return &Connection{DB: gormDB, Driver: driverLabel}, nil
}

// ResolveDialector maps a URL scheme to a GORM dialector and driver label.
func ResolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("dbconn.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("dbconn.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("dbconn.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("dbconn.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
