// Package session mints access and refresh token pairs and rotates refresh
// tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/backerauth/pkg/tokencodec"
	"go.uber.org/zap"
)

const (
	// DefaultAccessTTL is the lifetime of an access token.
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL matches the refresh cookie lifetime.
	DefaultRefreshTTL = 180 * 24 * time.Hour
)

var (
	// ErrRefreshExpired indicates the refresh token lapsed; the caller must sign in again.
	ErrRefreshExpired = errors.New("session.refresh_expired")
	// ErrRefreshInvalid indicates a malformed, tampered, mistyped, or revoked refresh token.
	ErrRefreshInvalid = errors.New("session.refresh_invalid")
	// ErrAccessExpired indicates the access token lapsed and should be refreshed.
	ErrAccessExpired = errors.New("session.access_expired")
	// ErrAccessInvalid indicates an access token that must be rejected outright.
	ErrAccessInvalid = errors.New("session.access_invalid")

	errMissingCodec = errors.New("session.config.missing_codec")
)

// Token is a single minted token and its expiry.
type Token struct {
	Value     string
	Subject   string
	ExpiresAt time.Time
}

// Pair is the access and refresh tokens issued on sign-in.
type Pair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Config wires an Issuer.
type Config struct {
	Codec      *tokencodec.Codec
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Ledger is optional; without it rotated refresh tokens stay valid until expiry.
	Ledger RevocationLedger
	Logger *zap.Logger
}

// Issuer mints and verifies session tokens.
type Issuer struct {
	codec      *tokencodec.Codec
	accessTTL  time.Duration
	refreshTTL time.Duration
	ledger     RevocationLedger
	logger     *zap.Logger
}

// NewIssuer validates the configuration and applies TTL defaults.
func NewIssuer(config Config) (*Issuer, error) {
	if config.Codec == nil {
		return nil, errMissingCodec
	}
	accessTTL := config.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := config.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		codec:      config.Codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		ledger:     config.Ledger,
		logger:     logger,
	}, nil
}

// RefreshTTL reports the configured refresh lifetime.
func (issuer *Issuer) RefreshTTL() time.Duration {
	return issuer.refreshTTL
}

// IssuePair mints a fresh access and refresh token for accountID.
func (issuer *Issuer) IssuePair(ctx context.Context, accountID string) (Pair, error) {
	access, err := issuer.mint(accountID, tokencodec.TypeAccess, issuer.accessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("session.issue_pair: %w", err)
	}
	refresh, err := issuer.mint(accountID, tokencodec.TypeRefresh, issuer.refreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("session.issue_pair: %w", err)
	}
	return Pair{
		Access:           access.Value,
		Refresh:          refresh.Value,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// RefreshAccess mints a new access token from a valid refresh token. The
// refresh token itself is left untouched.
func (issuer *Issuer) RefreshAccess(ctx context.Context, refreshToken string) (Token, error) {
	claims, err := issuer.verifyRefresh(ctx, "refresh_access", refreshToken)
	if err != nil {
		return Token{}, err
	}
	access, err := issuer.mint(claims.SubjectID(), tokencodec.TypeAccess, issuer.accessTTL)
	if err != nil {
		return Token{}, fmt.Errorf("session.refresh_access: %w", err)
	}
	return access, nil
}

// RefreshRefresh rotates a valid refresh token. The replaced token id is
// revoked before the new token is minted; of two concurrent rotations of the
// same token only the one that records the revocation succeeds.
func (issuer *Issuer) RefreshRefresh(ctx context.Context, refreshToken string) (Token, error) {
	claims, err := issuer.verifyRefresh(ctx, "refresh_refresh", refreshToken)
	if err != nil {
		return Token{}, err
	}
	if issuer.ledger != nil {
		if err := issuer.ledger.Revoke(ctx, claims.TokenID(), claims.Expiry()); err != nil {
			if errors.Is(err, ErrAlreadyRevoked) {
				issuer.logger.Warn("refresh token rotated concurrently",
					zap.String("code", "session.refresh.anomalous"),
					zap.String("operation", "refresh_refresh"),
					zap.String("subject", claims.SubjectID()),
				)
				return Token{}, fmt.Errorf("session.refresh_refresh: %w: %w", ErrRefreshInvalid, err)
			}
			return Token{}, fmt.Errorf("session.refresh_refresh: %w", err)
		}
	}
	rotated, err := issuer.mint(claims.SubjectID(), tokencodec.TypeRefresh, issuer.refreshTTL)
	if err != nil {
		return Token{}, fmt.Errorf("session.refresh_refresh: %w", err)
	}
	return rotated, nil
}

// Revoke invalidates a refresh token on sign-out. Expired tokens need no
// record; invalid tokens report ErrRefreshInvalid.
func (issuer *Issuer) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := issuer.codec.Verify(refreshToken, tokencodec.TypeRefresh)
	if err != nil {
		if errors.Is(err, tokencodec.ErrExpired) {
			return nil
		}
		return fmt.Errorf("session.revoke: %w: %w", ErrRefreshInvalid, err)
	}
	if issuer.ledger == nil {
		return nil
	}
	if err := issuer.ledger.Revoke(ctx, claims.TokenID(), claims.Expiry()); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		return fmt.Errorf("session.revoke: %w", err)
	}
	return nil
}

// VerifyAccess checks a bearer access token and returns the account id.
func (issuer *Issuer) VerifyAccess(accessToken string) (string, error) {
	claims, err := issuer.codec.Verify(accessToken, tokencodec.TypeAccess)
	if err != nil {
		if errors.Is(err, tokencodec.ErrExpired) {
			return "", fmt.Errorf("session.verify_access: %w: %w", ErrAccessExpired, err)
		}
		return "", fmt.Errorf("session.verify_access: %w: %w", ErrAccessInvalid, err)
	}
	return claims.SubjectID(), nil
}

func (issuer *Issuer) verifyRefresh(ctx context.Context, operation string, refreshToken string) (*tokencodec.Claims, error) {
	claims, err := issuer.codec.Verify(refreshToken, tokencodec.TypeRefresh)
	if err != nil {
		if errors.Is(err, tokencodec.ErrExpired) {
			return nil, fmt.Errorf("session.%s: %w: %w", operation, ErrRefreshExpired, err)
		}
		issuer.logger.Warn("anomalous refresh token",
			zap.String("code", "session.refresh.anomalous"),
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, fmt.Errorf("session.%s: %w: %w", operation, ErrRefreshInvalid, err)
	}
	if issuer.ledger != nil {
		revoked, err := issuer.ledger.IsRevoked(ctx, claims.TokenID())
		if err != nil {
			return nil, fmt.Errorf("session.%s: %w", operation, err)
		}
		if revoked {
			issuer.logger.Warn("revoked refresh token replayed",
				zap.String("code", "session.refresh.anomalous"),
				zap.String("operation", operation),
				zap.String("subject", claims.SubjectID()),
			)
			return nil, fmt.Errorf("session.%s: revoked: %w", operation, ErrRefreshInvalid)
		}
	}
	return claims, nil
}

func (issuer *Issuer) mint(subject string, tokenType tokencodec.TokenType, ttl time.Duration) (Token, error) {
	value, expiresAt, err := issuer.codec.Issue(subject, tokenType, ttl, tokencodec.Extra{})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: value, Subject: subject, ExpiresAt: expiresAt}, nil
}
