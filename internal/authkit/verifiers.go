package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/tyemirov/backerauth/internal/identity"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

const appleSignInProvider = "apple.com"

var (
	errInvalidIssuer      = errors.New("authkit.invalid_issuer")
	errMissingSubject     = errors.New("authkit.missing_subject")
	errWrongSignInChannel = errors.New("authkit.wrong_sign_in_provider")
)

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator constructs the production validator backed by Google's JWKS.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// AppleTokenVerifier verifies Firebase ID tokens. *auth.Client satisfies it.
type AppleTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// NewAppleTokenVerifier builds a Firebase Auth client for projectID. An empty
// credentialsFile uses application default credentials.
func NewAppleTokenVerifier(ctx context.Context, projectID string, credentialsFile string) (AppleTokenVerifier, error) {
	var options []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		options = append(options, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, options...)
	if err != nil {
		return nil, fmt.Errorf("authkit.apple_verifier: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("authkit.apple_verifier: %w", err)
	}
	return client, nil
}

// googleAssertion turns a validated Google payload into an identity assertion.
func googleAssertion(payload *idtoken.Payload) (identity.Assertion, error) {
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return identity.Assertion{}, errInvalidIssuer
	}
	subject, _ := payload.Claims["sub"].(string)
	if subject == "" {
		subject = payload.Subject
	}
	if subject == "" {
		return identity.Assertion{}, errMissingSubject
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	return identity.Assertion{
		Provider:      identity.ProviderGoogle,
		ExternalID:    subject,
		Email:         email,
		EmailVerified: emailVerified,
	}, nil
}

// appleAssertion extracts the Apple subject from a Firebase token. Firebase
// lists it under firebase.identities["apple.com"].
func appleAssertion(token *auth.Token) (identity.Assertion, error) {
	if token.Firebase.SignInProvider != appleSignInProvider {
		return identity.Assertion{}, errWrongSignInChannel
	}
	subject := firstIdentity(token.Firebase.Identities[appleSignInProvider])
	if subject == "" {
		return identity.Assertion{}, errMissingSubject
	}
	email, _ := token.Claims["email"].(string)
	emailVerified, _ := token.Claims["email_verified"].(bool)
	return identity.Assertion{
		Provider:      identity.ProviderApple,
		ExternalID:    subject,
		Email:         email,
		EmailVerified: emailVerified,
	}, nil
}

func firstIdentity(value interface{}) string {
	switch typed := value.(type) {
	case []interface{}:
		if len(typed) > 0 {
			subject, _ := typed[0].(string)
			return subject
		}
	case []string:
		if len(typed) > 0 {
			return typed[0]
		}
	}
	return ""
}
