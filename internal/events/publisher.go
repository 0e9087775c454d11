// Package events publishes identity side effects (signup contact, login code
// delivery) to a message bus for downstream mailers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Kind names an event type and doubles as the "kind" message attribute.
type Kind string

const (
	KindSignupContact Kind = "signup_contact"
	KindLoginCode     Kind = "login_code"
)

var errMissingKind = errors.New("events.missing_kind")

// Event is the payload delivered to subscribers.
type Event struct {
	Kind       Kind      `json:"kind"`
	AccountID  string    `json:"account_id,omitempty"`
	Email      string    `json:"email"`
	Code       string    `json:"code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	// Publish sends event and waits for the broker to acknowledge it.
	Publish(ctx context.Context, event Event) error
	// Close releases any resources held by the publisher.
	Close() error
}

// encode serializes event and derives the message attributes used for filtering.
func encode(event Event) ([]byte, map[string]string, error) {
	if event.Kind == "" {
		return nil, nil, errMissingKind
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, nil, fmt.Errorf("events.encode: %w", err)
	}
	attributes := map[string]string{"kind": string(event.Kind)}
	if event.AccountID != "" {
		attributes["account_id"] = event.AccountID
	}
	return data, attributes, nil
}

// LogPublisher writes events to the logger. It stands in for a broker during
// local development, so login codes are visible in the server log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (publisher *LogPublisher) Publish(ctx context.Context, event Event) error {
	if _, _, err := encode(event); err != nil {
		return err
	}
	publisher.logger.Info("identity event",
		zap.String("code", "events.published"),
		zap.String("kind", string(event.Kind)),
		zap.String("account_id", event.AccountID),
		zap.String("email", event.Email),
		zap.String("login_code", event.Code),
	)
	return nil
}

// Close is a no-op.
func (publisher *LogPublisher) Close() error {
	return nil
}
