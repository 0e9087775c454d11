package identitypg

import (
	"context"
)

// EnsureSchema creates the accounts table if it does not exist. The unique
// indexes are what turns concurrent sign-ins into a detectable conflict.
func EnsureSchema(ctx context.Context, db *DB) error {
	_, err := db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE,
    email_verified BOOLEAN NOT NULL DEFAULT FALSE,
    google_id TEXT UNIQUE,
    apple_id TEXT UNIQUE,
    username TEXT UNIQUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`)
	return err
}
