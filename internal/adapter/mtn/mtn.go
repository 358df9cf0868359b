// Package mtn implements the request-to-pay mobile-money provider client
// against the MTN MoMo Collection API.
package mtn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/credentials"
	"github.com/yourorg/vote-payments/internal/monitor"
)

const (
	providerName       = "mtn"
	subscriptionHeader = "Ocp-Apim-Subscription-Key"
	defaultEnvironment = "sandbox"
	defaultPayerNote   = "Paid vote"
)

// statusTable is the fixed MTN vocabulary.
var statusTable = adapter.StatusTable{
	"SUCCESSFUL": adapter.StatusCompleted,
	"PENDING":    adapter.StatusProcessing,
	"ONGOING":    adapter.StatusProcessing,
	"FAILED":     adapter.StatusFailed,
	"REJECTED":   adapter.StatusFailed,
	"TIMEOUT":    adapter.StatusFailed,
}

// MTN does not sign callbacks; a callback is accepted when it has this shape.
const callbackSchema = `{
	"type": "object",
	"properties": {
		"referenceId": { "type": "string", "minLength": 1 },
		"externalId": { "type": "string" },
		"status": { "type": "string", "minLength": 1 },
		"reason": { "type": ["string", "object", "null"] }
	},
	"required": ["referenceId", "status"]
}`

// Config holds MTN MoMo credentials and endpoints.
type Config struct {
	BaseURL         string
	APIUser         string
	APIKey          string
	SubscriptionKey string
	Environment     string        // X-Target-Environment, e.g. "sandbox" or "mtncameroon"
	TokenMargin     time.Duration // subtracted from the token lifetime
	TokenStore      credentials.Store
}

// Client implements adapter.ProviderAdapter and adapter.Refunder for MTN MoMo.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *credentials.Cache
	callbacks  *monitor.ContractMonitor
}

// subscriptionTransport adds the API Management subscription key to every request,
// token exchange included.
type subscriptionTransport struct {
	key  string
	base http.RoundTripper
}

func (t *subscriptionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(subscriptionHeader, t.key)
	return t.base.RoundTrip(r)
}

// NewClient creates an MTN client. httpClient is typically adapter.NewHTTPClient.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		panic("mtn: http client cannot be nil")
	}
	if cfg.Environment == "" {
		cfg.Environment = defaultEnvironment
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	withKey := &http.Client{
		Timeout:   httpClient.Timeout,
		Transport: &subscriptionTransport{key: cfg.SubscriptionKey, base: base},
	}

	tokenCfg := &clientcredentials.Config{
		ClientID:     cfg.APIUser,
		ClientSecret: cfg.APIKey,
		TokenURL:     cfg.BaseURL + "/collection/token/",
	}
	return &Client{
		cfg:        cfg,
		httpClient: withKey,
		tokens: credentials.NewClientCredentialsCache(providerName, tokenCfg, withKey, credentials.Options{
			SafetyMargin: cfg.TokenMargin,
			Store:        cfg.TokenStore,
		}),
		callbacks: monitor.MustContractMonitor(callbackSchema),
	}
}

// GetName returns the name of the provider.
func (c *Client) GetName() string {
	return providerName
}

// SignatureHeader is empty: MTN callbacks carry no signature.
func (c *Client) SignatureHeader() string {
	return ""
}

// MapStatus normalizes an MTN status string.
func (c *Client) MapStatus(native string) adapter.Status {
	return statusTable.Map(native)
}

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        party  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitializePayment sends a request-to-pay prompt to the customer's phone.
// MTN answers 202 Accepted with an empty body; the X-Reference-Id we generate
// becomes the provider reference.
func (c *Client) InitializePayment(ctx context.Context, params adapter.InitParams) (adapter.PaymentResult, error) {
	start := time.Now()
	msisdn := normalizeMSISDN(params.CustomerPhone)
	if msisdn == "" {
		return adapter.Failure(providerName, "initialize", "INVALID_REQUEST", "customer phone is required", 0, nil, nil)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return adapter.Failure(providerName, "initialize", "AUTH_ERROR", "could not obtain access token", 0, nil, err)
	}

	description := params.Description
	if description == "" {
		description = defaultPayerNote
	}
	body, _ := json.Marshal(requestToPay{
		Amount:       strconv.FormatInt(params.Amount, 10),
		Currency:     params.Currency,
		ExternalID:   params.Reference,
		Payer:        party{PartyIDType: "MSISDN", PartyID: msisdn},
		PayerMessage: description,
		PayeeNote:    "Vote - " + params.Reference,
	})

	referenceID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(body))
	if err != nil {
		return adapter.Failure(providerName, "initialize", "REQUEST_BUILD_ERROR", err.Error(), 0, nil, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reference-Id", referenceID)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)
	if params.WebhookURL != "" {
		req.Header.Set("X-Callback-Url", params.WebhookURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("MTN: request-to-pay for %s failed: %v", params.Reference, err)
		return adapter.Failure(providerName, "initialize", "NETWORK_ERROR", err.Error(), 0, nil, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		var apiErr mtnError
		_ = json.Unmarshal(respBody, &apiErr)
		code, msg := apiErr.Code, apiErr.Message
		if code == "" {
			code = "PROVIDER_REJECTED"
		}
		if msg == "" {
			msg = fmt.Sprintf("request-to-pay returned HTTP %d", resp.StatusCode)
		}
		log.Printf("MTN: request-to-pay for %s rejected: HTTP %d %s", params.Reference, resp.StatusCode, code)
		res, perr := adapter.Failure(providerName, "initialize", code, msg, resp.StatusCode, respBody, nil)
		res.LatencyMs = time.Since(start).Milliseconds()
		return res, perr
	}

	log.Printf("MTN: request-to-pay %s accepted for %s", referenceID, params.Reference)
	raw, _ := json.Marshal(map[string]string{"referenceId": referenceID, "externalId": params.Reference})
	return adapter.PaymentResult{
		Success:           true,
		Provider:          providerName,
		ProviderReference: referenceID,
		Message:           "Payment request sent. Approve it on your phone.",
		HTTPStatus:        resp.StatusCode,
		LatencyMs:         time.Since(start).Milliseconds(),
		Raw:               raw,
	}, nil
}

type requestToPayStatus struct {
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	Reason     any    `json:"reason,omitempty"`
}

// GetTransactionStatus polls the request-to-pay resource. A 404 is reported as
// failed; transport problems and 5xx leave the payment pending.
func (c *Client) GetTransactionStatus(ctx context.Context, providerReference string) adapter.StatusResult {
	pending := func(msg string) adapter.StatusResult {
		return adapter.StatusResult{Status: adapter.StatusPending, ProviderReference: providerReference, Message: msg}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return pending("could not obtain access token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/collection/v1_0/requesttopay/"+providerReference, nil)
	if err != nil {
		return pending(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Target-Environment", c.cfg.Environment)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("MTN: status query for %s failed: %v", providerReference, err)
		return pending("status query failed: " + err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return adapter.StatusResult{
			Status:            adapter.StatusFailed,
			ProviderReference: providerReference,
			Message:           "transaction not found at provider",
			Raw:               adapter.RawJSON(body),
		}
	case resp.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		return pending("provider rejected the access token")
	case resp.StatusCode != http.StatusOK:
		return pending(fmt.Sprintf("status query returned HTTP %d", resp.StatusCode))
	}

	var st requestToPayStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return pending("malformed status response")
	}
	amount, _ := strconv.ParseFloat(st.Amount, 64)
	return adapter.StatusResult{
		Status:            statusTable.Map(st.Status),
		NativeStatus:      st.Status,
		ProviderReference: providerReference,
		Amount:            int64(amount),
		Currency:          st.Currency,
		Raw:               adapter.RawJSON(body),
	}
}

type callback struct {
	ReferenceID string `json:"referenceId"`
	ExternalID  string `json:"externalId"`
	Status      string `json:"status"`
}

// VerifyWebhookSignature validates an MTN callback by shape: MTN sends no
// signature, so referenceId and status must be present.
func (c *Client) VerifyWebhookSignature(payload []byte, _ string, _ http.Header) adapter.Verification {
	if err := c.callbacks.Check(payload); err != nil {
		return adapter.Invalid("invalid MTN callback payload: %v", err)
	}
	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return adapter.Invalid("invalid MTN callback payload: %v", err)
	}
	ref := cb.ExternalID
	if ref == "" {
		ref = cb.ReferenceID
	}
	return adapter.Verification{
		Valid: true,
		Event: adapter.WebhookEvent{
			ID:           cb.ReferenceID,
			Label:        cb.Status,
			Reference:    ref,
			NativeStatus: cb.Status,
			Actionable:   true,
		},
	}
}

// RefundTransaction always fails: the Collection API has no refund operation
// and MTN refunds are handled manually.
func (c *Client) RefundTransaction(_ context.Context, providerReference string, _ int64) (adapter.PaymentResult, error) {
	log.Printf("MTN: refund requested for %s, manual refund required", providerReference)
	return adapter.Failure(providerName, "refund", "REFUND_UNSUPPORTED", "manual refund required for MTN Mobile Money", 0, nil, nil)
}

// normalizeMSISDN strips formatting so "+226 70 00 00 00" becomes "22670000000".
func normalizeMSISDN(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
