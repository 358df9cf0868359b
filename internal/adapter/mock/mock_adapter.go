package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/vote-payments/internal/adapter"
)

// SignatureHeader is the header a MockAdapter reads when Secret is set.
const SignatureHeader = "X-Mock-Signature"

var statusTable = adapter.StatusTable{
	"PENDING":    adapter.StatusPending,
	"PROCESSING": adapter.StatusProcessing,
	"COMPLETED":  adapter.StatusCompleted,
	"FAILED":     adapter.StatusFailed,
	"CANCELLED":  adapter.StatusCancelled,
}

// MockAdapter is a scriptable implementation of adapter.ProviderAdapter and
// adapter.Refunder for tests. Each Func field overrides the default behavior.
type MockAdapter struct {
	Name   string
	Secret string // when set, webhooks must carry it in SignatureHeader

	InitializeFunc func(ctx context.Context, params adapter.InitParams) (adapter.PaymentResult, error)
	StatusFunc     func(ctx context.Context, providerReference string) adapter.StatusResult
	RefundFunc     func(ctx context.Context, providerReference string, amount int64) (adapter.PaymentResult, error)

	mu          sync.Mutex
	initCalls   []adapter.InitParams
	statusCalls []string
}

// NewMockAdapter creates a new MockAdapter.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{Name: name}
}

// GetName implements the ProviderAdapter interface.
func (m *MockAdapter) GetName() string {
	return m.Name
}

// SignatureHeader implements the ProviderAdapter interface.
func (m *MockAdapter) SignatureHeader() string {
	if m.Secret == "" {
		return ""
	}
	return SignatureHeader
}

// MapStatus accepts the shared vocabulary in any case.
func (m *MockAdapter) MapStatus(native string) adapter.Status {
	return statusTable.Map(native)
}

// InitializePayment records the call and, by default, succeeds with a fresh
// provider reference and a fake hosted page.
func (m *MockAdapter) InitializePayment(ctx context.Context, params adapter.InitParams) (adapter.PaymentResult, error) {
	m.mu.Lock()
	m.initCalls = append(m.initCalls, params)
	m.mu.Unlock()

	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, params)
	}
	start := time.Now()
	ref := "mock-" + uuid.NewString()
	raw, _ := json.Marshal(map[string]string{"id": ref, "reference": params.Reference})
	return adapter.PaymentResult{
		Success:           true,
		Provider:          m.Name,
		PaymentURL:        "https://pay.mock.local/" + ref,
		ProviderReference: ref,
		Message:           "mock payment created",
		HTTPStatus:        http.StatusOK,
		LatencyMs:         time.Since(start).Milliseconds(),
		Raw:               raw,
	}, nil
}

// GetTransactionStatus records the call and defaults to pending.
func (m *MockAdapter) GetTransactionStatus(ctx context.Context, providerReference string) adapter.StatusResult {
	m.mu.Lock()
	m.statusCalls = append(m.statusCalls, providerReference)
	m.mu.Unlock()

	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, providerReference)
	}
	return adapter.StatusResult{Status: adapter.StatusPending, NativeStatus: "PENDING", ProviderReference: providerReference}
}

type mockEvent struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// VerifyWebhookSignature accepts {"id","reference","status"} bodies. When Secret
// is set the signature must equal it.
func (m *MockAdapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) adapter.Verification {
	if m.Secret != "" {
		if signature == "" && headers != nil {
			signature = headers.Get(SignatureHeader)
		}
		if signature != m.Secret {
			return adapter.Invalid("signature mismatch")
		}
	}
	var ev mockEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return adapter.Invalid("malformed payload: %v", err)
	}
	if ev.Reference == "" || ev.Status == "" {
		return adapter.Invalid("reference and status are required")
	}
	return adapter.Verification{
		Valid: true,
		Event: adapter.WebhookEvent{ID: ev.ID, Label: ev.Status, Reference: ev.Reference, NativeStatus: ev.Status, Actionable: true},
	}
}

// RefundTransaction defaults to a successful full refund.
func (m *MockAdapter) RefundTransaction(ctx context.Context, providerReference string, amount int64) (adapter.PaymentResult, error) {
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, providerReference, amount)
	}
	return adapter.PaymentResult{Success: true, Provider: m.Name, ProviderReference: "refund-" + providerReference, Message: "mock refund"}, nil
}

// InitializeCalls returns the parameters of every InitializePayment call so far.
func (m *MockAdapter) InitializeCalls() []adapter.InitParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adapter.InitParams(nil), m.initCalls...)
}

// StatusCalls returns the provider references polled so far.
func (m *MockAdapter) StatusCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusCalls...)
}
