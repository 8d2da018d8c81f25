package domain

import (
	"context"
	"errors"
	"net/http"
)

type Service interface {
	// ApplyCredit records a normalized credit event and grants its seconds to
	// the account exactly once per (provider, provider_event_id) pair. Replays
	// return StatusDuplicate with the original grant, never an error.
	ApplyCredit(ctx context.Context, req ApplyRequest) (ApplyResponse, error)

	// IngestWebhook verifies and parses a raw provider payload, resolves the
	// target account, and delegates to ApplyCredit.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (ApplyResponse, error)

	ListEvents(ctx context.Context, accountID string, limit int) ([]CreditEvent, error)
}

// Adapter translates one payment provider's webhook format. Verify rejects
// payloads whose signature does not match before any parsing happens.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PurchaseEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

type AdapterConfig struct {
	WebhookSecret string
}

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidAmount    = errors.New("invalid_amount")
)
