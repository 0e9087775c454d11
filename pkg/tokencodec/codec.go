// Package tokencodec mints and verifies the signed, expiring tokens used by the
// session and entitlement chains.
package tokencodec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// TokenType tags what a token may be used for.
type TokenType string

const (
	TypeAccess      TokenType = "access"
	TypeRefresh     TokenType = "refresh"
	TypeEntitlement TokenType = "entitlement"
)

// notBeforeSkew tolerates small clock drift between issuer and verifier.
const notBeforeSkew = 30 * time.Second

// Sentinel errors exposed by the codec.
var (
	ErrMissingSigningKey = errors.New("token.codec.missing_signing_key")
	ErrMissingIssuer     = errors.New("token.codec.missing_issuer")
	ErrEmptySubject      = errors.New("token.codec.empty_subject")
	ErrInvalidTTL        = errors.New("token.codec.invalid_ttl")

	ErrMalformed    = errors.New("token.malformed")
	ErrBadSignature = errors.New("token.bad_signature")
	ErrExpired      = errors.New("token.expired")
	ErrWrongType    = errors.New("token.wrong_type")
)

// Config configures a Codec.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Claims is the payload carried by every token the codec mints.
type Claims struct {
	Type     TokenType `json:"typ"`
	Items    []string  `json:"items,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Series   string    `json:"series,omitempty"`
	jwt.RegisteredClaims
}

// Extra carries the optional claims attached at issue time.
type Extra struct {
	Items    []string
	Provider string
	Series   string
}

// SubjectID returns the subject the token was minted for.
func (claims *Claims) SubjectID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// TokenID returns the unique token identifier (jti).
func (claims *Claims) TokenID() string {
	if claims == nil {
		return ""
	}
	return claims.ID
}

// Expiry returns the expiry timestamp, or the zero time when absent.
func (claims *Claims) Expiry() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// ExpiresWithin reports whether the token is expired at now+margin.
func (claims *Claims) ExpiresWithin(now time.Time, margin time.Duration) bool {
	expiry := claims.Expiry()
	if expiry.IsZero() {
		return true
	}
	return !now.Add(margin).Before(expiry)
}

// HasItem reports whether contentID is listed in the items claim.
func (claims *Claims) HasItem(contentID string) bool {
	if claims == nil {
		return false
	}
	for _, item := range claims.Items {
		if item == contentID {
			return true
		}
	}
	return false
}

// Codec signs tokens with a process-wide HS256 key. It holds no mutable state.
type Codec struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// New constructs a Codec after validating the supplied configuration.
func New(configuration Config) (*Codec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.codec.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("token.codec.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// Issuer returns the configured iss claim.
func (codec *Codec) Issuer() string {
	return codec.issuer
}

// Issue mints a signed token for subject with the given type and lifetime.
func (codec *Codec) Issue(subject string, tokenType TokenType, ttl time.Duration, extra Extra) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("token.codec.issue: %w", ErrEmptySubject)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token.codec.issue: %w", ErrInvalidTTL)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type:     tokenType,
		Items:    extra.Items,
		Provider: extra.Provider,
		Series:   extra.Series,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token.codec.issue: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, issuer, type, and expiry. The signature is proven
// before any time-based claim is trusted, so a tampered token never reports
// ErrExpired.
func (codec *Codec) Verify(tokenString string, expected TokenType) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.verify: %w", ErrMalformed)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsedToken, parseErr := parser.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	})
	if parseErr != nil {
		return nil, fmt.Errorf("token.verify: %w", classifyParseError(parseErr))
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token.verify: %w", ErrBadSignature)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("token.verify: %w", ErrMalformed)
	}
	if claims.Issuer != codec.issuer {
		return nil, fmt.Errorf("token.verify: foreign issuer %q: %w", claims.Issuer, ErrBadSignature)
	}
	if claims.Type == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token.verify: %w", ErrMalformed)
	}
	if claims.Type != expected {
		return nil, fmt.Errorf("token.verify: got %s, want %s: %w", claims.Type, expected, ErrWrongType)
	}
	current := codec.clock.Now()
	if !current.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token.verify: %w", ErrExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("token.verify: not yet valid: %w", ErrMalformed)
	}
	return claims, nil
}

// Decode parses a token without verifying its signature. It exists for
// clients that only need to inspect expiry before deciding to refresh.
func Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.decode: %w", ErrMalformed)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("token.decode: %v: %w", err, ErrMalformed)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("token.decode: missing exp: %w", ErrMalformed)
	}
	return claims, nil
}

func classifyParseError(parseErr error) error {
	switch {
	case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid), errors.Is(parseErr, jwt.ErrTokenUnverifiable):
		return ErrBadSignature
	default:
		return ErrMalformed
	}
}
