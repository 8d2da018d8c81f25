package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg creditdomain.AdapterConfig) (creditdomain.Adapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, creditdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return creditdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return creditdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return creditdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*creditdomain.PurchaseEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, creditdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, creditdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload)
	default:
		return nil, creditdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string         `json:"id"`
	PaymentStatus string         `json:"payment_status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID       string         `json:"id"`
	Created  int64          `json:"created"`
	Metadata map[string]any `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*creditdomain.PurchaseEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, creditdomain.ErrInvalidPayload
	}
	if status := strings.TrimSpace(session.PaymentStatus); status != "" && status != "paid" {
		return nil, creditdomain.ErrEventIgnored
	}
	return a.buildEvent(event, payload, session.Created, session.Metadata)
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte) (*creditdomain.PurchaseEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, creditdomain.ErrInvalidPayload
	}
	return a.buildEvent(event, payload, intent.Created, intent.Metadata)
}

func (a *Adapter) buildEvent(event stripeEvent, payload []byte, created int64, metadata map[string]any) (*creditdomain.PurchaseEvent, error) {
	seconds, err := parseGrantedSeconds(metadata)
	if err != nil {
		return nil, err
	}

	accountID, externalRef, err := parseAccountReference(metadata)
	if err != nil {
		return nil, err
	}

	return &creditdomain.PurchaseEvent{
		Provider:           "stripe",
		ProviderEventID:    event.ID,
		AccountID:          accountID,
		AccountExternalRef: externalRef,
		SecondsGranted:     seconds,
		OccurredAt:         timestamp(created, event.Created),
		RawPayload:         payload,
	}, nil
}

// parseGrantedSeconds reads the purchased time from checkout metadata. The
// checkout flow writes either "seconds" or "minutes"; minutes win only when
// seconds is absent.
func parseGrantedSeconds(metadata map[string]any) (int64, error) {
	if raw := readMetadataValue(metadata, "seconds"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			return 0, creditdomain.ErrInvalidAmount
		}
		return seconds, nil
	}
	if raw := readMetadataValue(metadata, "minutes"); raw != "" {
		minutes, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || minutes <= 0 {
			return 0, creditdomain.ErrInvalidAmount
		}
		return minutes * 60, nil
	}
	return 0, creditdomain.ErrInvalidAmount
}

func parseAccountReference(metadata map[string]any) (snowflake.ID, string, error) {
	if raw := readMetadataValue(metadata, "account_id"); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return 0, "", creditdomain.ErrInvalidAccount
		}
		return id, "", nil
	}
	if ref := readMetadataValue(metadata, "account_external_ref"); ref != "" {
		return 0, ref, nil
	}
	return 0, "", creditdomain.ErrInvalidAccount
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
