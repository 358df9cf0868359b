// Package stripe implements the hosted-checkout card provider client on top of
// the Stripe Go SDK: Checkout Sessions for payment, Refunds against the session's
// payment intent, and SDK-verified webhook events.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/yourorg/vote-payments/internal/adapter"
)

const (
	providerName       = "stripe"
	signatureHeader    = "Stripe-Signature"
	defaultProductName = "Paid vote"
)

// statusTable maps "<payment_status>/<session status>" pairs and the event types
// whose outcome does not depend on the session state.
var statusTable = adapter.StatusTable{
	"paid/complete":                adapter.StatusCompleted,
	"paid/open":                    adapter.StatusCompleted,
	"no_payment_required/complete": adapter.StatusCompleted,
	"no_payment_required/open":     adapter.StatusCompleted,
	"unpaid/complete":              adapter.StatusProcessing,
	"unpaid/open":                  adapter.StatusPending,
	"unpaid/expired":               adapter.StatusFailed,

	"checkout.session.async_payment_succeeded": adapter.StatusCompleted,
	"checkout.session.async_payment_failed":    adapter.StatusFailed,
	"payment_intent.succeeded":                 adapter.StatusCompleted,
	// Checkout lets the payer retry another card in the same session, so a
	// declined attempt only moves the payment forward.
	"payment_intent.payment_failed": adapter.StatusProcessing,
	"payment_intent.canceled":       adapter.StatusCancelled,
}

// Config holds the Stripe keys. APIURL overrides the API host, mainly for tests.
type Config struct {
	SecretKey     string
	WebhookSecret string
	APIURL        string
}

// StripeAdapter implements adapter.ProviderAdapter and adapter.Refunder for Stripe.
type StripeAdapter struct {
	sc            *client.API
	webhookSecret string
}

// NewStripeAdapter creates a new StripeAdapter. The SDK's own network retries
// are disabled: httpClient carries the timeout and circuit breaker, and each
// session is created with our reference as idempotency key.
func NewStripeAdapter(cfg Config, httpClient *http.Client) *StripeAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	backendCfg := func(url string) *stripe.BackendConfig {
		bc := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelWarn},
		}
		if url != "" {
			bc.URL = stripe.String(url)
		}
		return bc
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg(cfg.APIURL)),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg("")),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg("")),
	}
	return &StripeAdapter{
		sc:            client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

// GetName returns the name of the provider.
func (s *StripeAdapter) GetName() string {
	return providerName
}

// SignatureHeader names the header carrying the signed-event envelope.
func (s *StripeAdapter) SignatureHeader() string {
	return signatureHeader
}

// MapStatus normalizes a session status pair or an event type.
func (s *StripeAdapter) MapStatus(native string) adapter.Status {
	return statusTable.Map(strings.ToLower(strings.TrimSpace(native)))
}

// sessionStatus builds the native status key for a checkout session.
func sessionStatus(cs *stripe.CheckoutSession) string {
	return string(cs.PaymentStatus) + "/" + string(cs.Status)
}

// InitializePayment creates a Checkout Session and returns its hosted URL.
func (s *StripeAdapter) InitializePayment(ctx context.Context, p adapter.InitParams) (adapter.PaymentResult, error) {
	start := time.Now()
	description := p.Description
	if description == "" {
		description = "Vote - " + p.Reference
	}
	callback := p.CallbackURL
	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}

	product := defaultProductName
	if p.ProductName != "" {
		product = p.ProductName
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(strings.ToLower(p.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(product),
					Description: stripe.String(description),
				},
				UnitAmount: stripe.Int64(p.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(callback + sep + "session_id={CHECKOUT_SESSION_ID}&status=success"),
		CancelURL:         stripe.String(callback + sep + "status=cancelled"),
		ClientReferenceID: stripe.String(p.Reference),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"reference": p.Reference},
		},
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	params.AddMetadata("reference", p.Reference)
	params.AddMetadata("customer_phone", p.CustomerPhone)
	params.AddMetadata("customer_name", p.CustomerName)
	params.Context = ctx
	params.SetIdempotencyKey("session-" + p.Reference)

	cs, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		log.Printf("Stripe: checkout session for %s failed: %v", p.Reference, err)
		res, perr := failureFromError("initialize", err)
		res.LatencyMs = time.Since(start).Milliseconds()
		return res, perr
	}

	log.Printf("Stripe: checkout session %s created for %s", cs.ID, p.Reference)
	return adapter.PaymentResult{
		Success:           true,
		Provider:          providerName,
		PaymentURL:        cs.URL,
		ProviderReference: cs.ID,
		Message:           "Stripe checkout session created",
		HTTPStatus:        http.StatusOK,
		LatencyMs:         time.Since(start).Milliseconds(),
		Raw:               rawOf(cs.LastResponse, cs),
	}, nil
}

// GetTransactionStatus retrieves the Checkout Session.
func (s *StripeAdapter) GetTransactionStatus(ctx context.Context, sessionID string) adapter.StatusResult {
	cs, err := s.getSession(ctx, sessionID)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return adapter.StatusResult{
				Status:            adapter.StatusFailed,
				ProviderReference: sessionID,
				Message:           "checkout session not found at provider",
			}
		}
		log.Printf("Stripe: status query for %s failed: %v", sessionID, err)
		return adapter.StatusResult{
			Status:            adapter.StatusPending,
			ProviderReference: sessionID,
			Message:           "status query failed: " + err.Error(),
		}
	}

	native := sessionStatus(cs)
	return adapter.StatusResult{
		Status:            s.MapStatus(native),
		NativeStatus:      native,
		ProviderReference: sessionID,
		Amount:            cs.AmountTotal,
		Currency:          strings.ToUpper(string(cs.Currency)),
		Raw:               rawOf(cs.LastResponse, cs),
	}
}

// VerifyWebhookSignature verifies the Stripe-Signature envelope with the SDK and
// extracts the reference and status from the handled event types.
func (s *StripeAdapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) adapter.Verification {
	if signature == "" && headers != nil {
		signature = headers.Get(signatureHeader)
	}
	if signature == "" {
		return adapter.Invalid("missing signature")
	}
	if s.webhookSecret == "" {
		return adapter.Invalid("webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return adapter.Invalid("signature verification failed: %v", err)
	}

	eventType := string(event.Type)
	ev := adapter.WebhookEvent{ID: event.ID, Label: eventType}
	if event.Data == nil {
		return adapter.Verification{Valid: true, Event: ev}
	}

	switch eventType {
	case "checkout.session.completed", "checkout.session.expired",
		"checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return adapter.Invalid("malformed checkout session in %s: %v", eventType, err)
		}
		ev.Reference = referenceOf(cs.ClientReferenceID, cs.Metadata, cs.ID)
		ev.NativeStatus = sessionStatus(&cs)
		if eventType == "checkout.session.async_payment_succeeded" || eventType == "checkout.session.async_payment_failed" {
			ev.NativeStatus = eventType
		}
		ev.Actionable = true

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return adapter.Invalid("malformed payment intent in %s: %v", eventType, err)
		}
		ev.Reference = referenceOf("", pi.Metadata, "")
		ev.NativeStatus = eventType
		// Payment intents created outside our checkout carry no reference.
		ev.Actionable = ev.Reference != ""
	}
	return adapter.Verification{Valid: true, Event: ev}
}

// RefundTransaction refunds the payment intent behind a Checkout Session.
func (s *StripeAdapter) RefundTransaction(ctx context.Context, sessionID string, amount int64) (adapter.PaymentResult, error) {
	cs, err := s.getSession(ctx, sessionID)
	if err != nil {
		return failureFromError("refund", err)
	}
	if cs.PaymentIntent == nil || cs.PaymentIntent.ID == "" {
		return adapter.Failure(providerName, "refund", "NO_PAYMENT_INTENT", "no payment intent found for this session", 0, nil, nil)
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(cs.PaymentIntent.ID)}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx
	refund, err := s.sc.Refunds.New(params)
	if err != nil {
		log.Printf("Stripe: refund for %s failed: %v", sessionID, err)
		return failureFromError("refund", err)
	}

	log.Printf("Stripe: refund %s created for session %s", refund.ID, sessionID)
	return adapter.PaymentResult{
		Success:           true,
		Provider:          providerName,
		ProviderReference: refund.ID,
		Message:           fmt.Sprintf("refund %s", refund.Status),
		HTTPStatus:        http.StatusOK,
		Raw:               rawOf(refund.LastResponse, refund),
	}, nil
}

func (s *StripeAdapter) getSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	return s.sc.CheckoutSessions.Get(id, params)
}

func referenceOf(clientRef string, metadata map[string]string, fallback string) string {
	if clientRef != "" {
		return clientRef
	}
	if ref := metadata["reference"]; ref != "" {
		return ref
	}
	return fallback
}

// failureFromError translates an SDK error into the shared failure shape.
func failureFromError(operation string, err error) (adapter.PaymentResult, error) {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code := string(serr.Code)
		if serr.DeclineCode != "" {
			code = string(serr.DeclineCode)
		}
		if code == "" {
			code = string(serr.Type)
		}
		var raw []byte
		if serr.LastResponse != nil {
			raw = serr.LastResponse.RawJSON
		}
		return adapter.Failure(providerName, operation, code, serr.Msg, serr.HTTPStatusCode, raw, err)
	}
	return adapter.Failure(providerName, operation, "NETWORK_ERROR", err.Error(), 0, nil, err)
}

func rawOf(resp *stripe.APIResponse, v interface{}) json.RawMessage {
	if resp != nil && len(resp.RawJSON) > 0 {
		return adapter.RawJSON(resp.RawJSON)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
