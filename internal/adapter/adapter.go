// Package adapter defines the contract every payment provider client implements
// and the shared vocabulary the rest of the service is written against.
// Provider clients own their credentials, talk to exactly one external API,
// and normalize raw provider responses into PaymentResult, StatusResult and
// Verification values. Nothing outside a provider client sees a raw transport error.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Status is the normalized payment status reported by a provider client.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StatusTable maps a provider's native status strings to the shared vocabulary.
type StatusTable map[string]Status

// Map returns the normalized status for native. Unknown values map to
// StatusPending, never to StatusCompleted.
func (t StatusTable) Map(native string) Status {
	key := strings.TrimSpace(native)
	if s, ok := t[key]; ok {
		return s
	}
	if s, ok := t[strings.ToUpper(key)]; ok {
		return s
	}
	return StatusPending
}

// InitParams carries everything a provider needs to start a payment.
type InitParams struct {
	Amount        int64  // minor units of Currency
	Currency      string // ISO 4217, e.g. "XOF"
	Reference     string // our reference, the idempotency key
	CallbackURL   string // where the payer is sent back after a hosted flow
	WebhookURL    string // optional, provider-to-server notification URL
	CustomerEmail string
	CustomerPhone string
	CustomerName  string
	Description   string
	ProductName   string // line item label on hosted checkout pages
}

// PaymentResult holds the outcome of an initialize or refund call.
type PaymentResult struct {
	Success           bool
	Provider          string
	PaymentURL        string // redirect / hosted page, empty for push flows
	ProviderReference string // identifier assigned by the provider
	Message           string
	ErrorCode         string
	ErrorMessage      string
	HTTPStatus        int
	LatencyMs         int64
	Raw               json.RawMessage // provider payload snapshot
}

// StatusResult is the normalized answer to a status query.
type StatusResult struct {
	Status            Status
	NativeStatus      string
	ProviderReference string
	Amount            int64
	Currency          string
	Message           string
	Raw               json.RawMessage
}

// WebhookEvent is the provider-agnostic view of a verified callback.
type WebhookEvent struct {
	ID           string // provider event id when the provider sends one
	Label        string // event type or native status, used for the audit log
	Reference    string // our reference or the provider reference
	NativeStatus string // input to ProviderAdapter.MapStatus
	Actionable   bool   // false for events that never change payment state
}

// Verification is the result of authenticating an inbound webhook.
type Verification struct {
	Valid bool
	Event WebhookEvent
	Error string
}

// Invalid builds a rejected Verification.
func Invalid(format string, args ...interface{}) Verification {
	return Verification{Valid: false, Error: fmt.Sprintf(format, args...)}
}

// ProviderAdapter is implemented by each payment provider client.
type ProviderAdapter interface {
	// InitializePayment starts a payment for params.Reference. It must be called
	// at most once per reference; a second call is a caller error.
	// Provider-side failures are reported through PaymentResult.Success=false;
	// the returned error, when set, is a *ProviderError describing the same failure.
	InitializePayment(ctx context.Context, params InitParams) (PaymentResult, error)

	// GetTransactionStatus queries the provider. It never fails: "not found" and
	// transport problems are reported inside the result with a Message.
	GetTransactionStatus(ctx context.Context, providerReference string) StatusResult

	// VerifyWebhookSignature authenticates a raw callback body.
	VerifyWebhookSignature(payload []byte, signature string, headers http.Header) Verification

	// MapStatus normalizes a native status string through the provider's fixed table.
	MapStatus(native string) Status

	// SignatureHeader names the request header carrying the webhook signature,
	// or "" when the provider does not sign callbacks.
	SignatureHeader() string

	// GetName returns the lowercase provider key (e.g. "mtn", "orange", "stripe").
	GetName() string
}

// Refunder is the optional refund capability. Providers that cannot refund
// programmatically implement it and return Success=false with a clear reason.
type Refunder interface {
	// RefundTransaction refunds amount (0 means the full amount).
	RefundTransaction(ctx context.Context, providerReference string, amount int64) (PaymentResult, error)
}

// ProviderError describes a failed provider call after translation at the client boundary.
type ProviderError struct {
	Provider   string
	Operation  string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s: %s failed (HTTP %d, %s): %s", e.Provider, e.Operation, e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s failed (%s): %s", e.Provider, e.Operation, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Failure builds the failed PaymentResult and matching *ProviderError for a call.
func Failure(provider, operation, code, message string, httpStatus int, raw []byte, cause error) (PaymentResult, error) {
	res := PaymentResult{
		Success:      false,
		Provider:     provider,
		ErrorCode:    code,
		ErrorMessage: message,
		HTTPStatus:   httpStatus,
		Raw:          RawJSON(raw),
	}
	return res, &ProviderError{
		Provider:   provider,
		Operation:  operation,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        cause,
	}
}

// RawJSON returns b as a json.RawMessage when it is valid JSON, otherwise the
// body is wrapped as a JSON string so it can still be stored as a snapshot.
func RawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return json.RawMessage(quoted)
}
