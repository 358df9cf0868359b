// Package orange implements the hosted-redirect mobile-money provider client
// against the Orange Money Web Payment API.
package orange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/credentials"
	"github.com/yourorg/vote-payments/internal/monitor"
)

const (
	providerName           = "orange"
	DefaultTokenURL        = "https://api.orange.com/oauth/v3/token"
	DefaultSignatureHeader = "X-Orange-Signature"
	defaultLang            = "fr"
)

// statusTable is the fixed Orange vocabulary. EXPIRED has no terminal state of
// its own and is reported as cancelled on every path.
var statusTable = adapter.StatusTable{
	"SUCCESS":    adapter.StatusCompleted,
	"SUCCESSFUL": adapter.StatusCompleted,
	"PENDING":    adapter.StatusProcessing,
	"INITIATED":  adapter.StatusProcessing,
	"FAILED":     adapter.StatusFailed,
	"EXPIRED":    adapter.StatusCancelled,
	"CANCELLED":  adapter.StatusCancelled,
}

const notificationSchema = `{
	"type": "object",
	"properties": {
		"pay_token": { "type": "string", "minLength": 1 },
		"order_id": { "type": "string" },
		"status": { "type": "string", "minLength": 1 },
		"txnid": { "type": "string" }
	},
	"required": ["pay_token", "status"]
}`

// Config holds Orange Money credentials and endpoints.
type Config struct {
	BaseURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	MerchantKey     string // also the HMAC key for notifications
	SignatureHeader string
	TokenMargin     time.Duration
	TokenStore      credentials.Store
}

// Client implements adapter.ProviderAdapter and adapter.Refunder for Orange Money.
type Client struct {
	cfg           Config
	httpClient    *http.Client
	tokens        *credentials.Cache
	notifications *monitor.ContractMonitor
}

// NewClient creates an Orange Money client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		panic("orange: http client cannot be nil")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	tokenCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens: credentials.NewClientCredentialsCache(providerName, tokenCfg, httpClient, credentials.Options{
			SafetyMargin: cfg.TokenMargin,
			Store:        cfg.TokenStore,
		}),
		notifications: monitor.MustContractMonitor(notificationSchema),
	}
}

// GetName returns the name of the provider.
func (c *Client) GetName() string {
	return providerName
}

// SignatureHeader names the header carrying the notification HMAC.
func (c *Client) SignatureHeader() string {
	return c.cfg.SignatureHeader
}

// MapStatus normalizes an Orange status string.
func (c *Client) MapStatus(native string) adapter.Status {
	return statusTable.Map(native)
}

type transactionRequest struct {
	MerchantKey string `json:"merchant_key"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
	NotifURL    string `json:"notif_url"`
	Lang        string `json:"lang"`
	Reference   string `json:"reference"`
}

type transactionResponse struct {
	Status       int    `json:"status"`
	Message      string `json:"message"`
	PayToken     string `json:"pay_token"`
	PaymentToken string `json:"payment_token"`
	PaymentURL   string `json:"payment_url"`
	NotifToken   string `json:"notif_token"`
}

func (r transactionResponse) token() string {
	if r.PaymentToken != "" {
		return r.PaymentToken
	}
	return r.PayToken
}

// InitializePayment creates a web payment and returns the hosted payment page.
func (c *Client) InitializePayment(ctx context.Context, params adapter.InitParams) (adapter.PaymentResult, error) {
	start := time.Now()
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return adapter.Failure(providerName, "initialize", "AUTH_ERROR", "could not obtain access token", 0, nil, err)
	}

	notifURL := params.WebhookURL
	if notifURL == "" {
		notifURL = params.CallbackURL
	}
	reference := params.Description
	if reference == "" {
		reference = "Vote - " + params.Reference
	}
	body, _ := json.Marshal(transactionRequest{
		MerchantKey: c.cfg.MerchantKey,
		Currency:    params.Currency,
		OrderID:     params.Reference,
		Amount:      params.Amount,
		ReturnURL:   params.CallbackURL,
		CancelURL:   params.CallbackURL,
		NotifURL:    notifURL,
		Lang:        defaultLang,
		Reference:   reference,
	})

	status, respBody, err := c.do(ctx, token, http.MethodPost, "/webpayment/v1/transactionRequests", body)
	if err != nil {
		log.Printf("Orange: web payment for %s failed: %v", params.Reference, err)
		return adapter.Failure(providerName, "initialize", "NETWORK_ERROR", err.Error(), 0, nil, err)
	}

	var tr transactionResponse
	_ = json.Unmarshal(respBody, &tr)
	if status < 200 || status >= 300 || tr.token() == "" {
		msg := tr.Message
		if msg == "" {
			msg = fmt.Sprintf("web payment returned HTTP %d without a payment token", status)
		}
		log.Printf("Orange: web payment for %s rejected: HTTP %d", params.Reference, status)
		res, perr := adapter.Failure(providerName, "initialize", "PROVIDER_REJECTED", msg, status, respBody, nil)
		res.LatencyMs = time.Since(start).Milliseconds()
		return res, perr
	}

	payToken := tr.token()
	log.Printf("Orange: web payment %s created for %s", payToken, params.Reference)
	return adapter.PaymentResult{
		Success:           true,
		Provider:          providerName,
		PaymentURL:        c.cfg.BaseURL + "/webpayment/v1/paymentUrl/" + payToken,
		ProviderReference: payToken,
		Message:           "Orange Money payment created",
		HTTPStatus:        status,
		LatencyMs:         time.Since(start).Milliseconds(),
		Raw:               adapter.RawJSON(respBody),
	}, nil
}

type statusResponse struct {
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	OrderID  string  `json:"order_id"`
	TxnID    string  `json:"txnid"`
	Message  string  `json:"message"`
}

// GetTransactionStatus queries a web payment by pay token.
func (c *Client) GetTransactionStatus(ctx context.Context, providerReference string) adapter.StatusResult {
	pending := func(msg string) adapter.StatusResult {
		return adapter.StatusResult{Status: adapter.StatusPending, ProviderReference: providerReference, Message: msg}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return pending("could not obtain access token")
	}
	status, body, err := c.do(ctx, token, http.MethodGet, "/webpayment/v1/transactionRequests/"+providerReference, nil)
	if err != nil {
		log.Printf("Orange: status query for %s failed: %v", providerReference, err)
		return pending("status query failed: " + err.Error())
	}

	switch {
	case status == http.StatusNotFound:
		return adapter.StatusResult{
			Status:            adapter.StatusFailed,
			ProviderReference: providerReference,
			Message:           "transaction not found at provider",
			Raw:               adapter.RawJSON(body),
		}
	case status != http.StatusOK:
		return pending(fmt.Sprintf("status query returned HTTP %d", status))
	}

	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return pending("malformed status response")
	}
	return adapter.StatusResult{
		Status:            statusTable.Map(st.Status),
		NativeStatus:      st.Status,
		ProviderReference: providerReference,
		Amount:            int64(st.Amount),
		Currency:          st.Currency,
		Message:           st.Message,
		Raw:               adapter.RawJSON(body),
	}
}

type notification struct {
	PayToken string `json:"pay_token"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	TxnID    string `json:"txnid"`
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body keyed by the
// merchant key, then the notification shape.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) adapter.Verification {
	if signature == "" && headers != nil {
		signature = headers.Get(c.cfg.SignatureHeader)
	}
	if signature == "" {
		return adapter.Invalid("missing signature")
	}
	if c.cfg.MerchantKey == "" {
		return adapter.Invalid("merchant key not configured")
	}
	if !c.validSignature(payload, signature) {
		return adapter.Invalid("signature mismatch")
	}
	if err := c.notifications.Check(payload); err != nil {
		return adapter.Invalid("invalid Orange notification payload: %v", err)
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return adapter.Invalid("invalid Orange notification payload: %v", err)
	}
	ref := n.OrderID
	if ref == "" {
		ref = n.PayToken
	}
	return adapter.Verification{
		Valid: true,
		Event: adapter.WebhookEvent{
			ID:           n.TxnID,
			Label:        n.Status,
			Reference:    ref,
			NativeStatus: n.Status,
			Actionable:   true,
		},
	}
}

func (c *Client) validSignature(payload []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.MerchantKey))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature Orange would send for payload. Used by tests and
// the local webhook replay tooling.
func (c *Client) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.MerchantKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// RefundTransaction refunds a web payment; amount 0 refunds it fully.
func (c *Client) RefundTransaction(ctx context.Context, providerReference string, amount int64) (adapter.PaymentResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return adapter.Failure(providerName, "refund", "AUTH_ERROR", "could not obtain access token", 0, nil, err)
	}
	req := map[string]int64{}
	if amount > 0 {
		req["amount"] = amount
	}
	body, _ := json.Marshal(req)

	status, respBody, err := c.do(ctx, token, http.MethodPost, "/webpayment/v1/transactionRequests/"+providerReference+"/refund", body)
	if err != nil {
		return adapter.Failure(providerName, "refund", "NETWORK_ERROR", err.Error(), 0, nil, err)
	}
	if status < 200 || status >= 300 {
		var tr transactionResponse
		_ = json.Unmarshal(respBody, &tr)
		msg := tr.Message
		if msg == "" {
			msg = fmt.Sprintf("refund returned HTTP %d", status)
		}
		return adapter.Failure(providerName, "refund", "REFUND_REJECTED", msg, status, respBody, nil)
	}

	log.Printf("Orange: refund accepted for %s", providerReference)
	return adapter.PaymentResult{
		Success:           true,
		Provider:          providerName,
		ProviderReference: providerReference,
		Message:           "refund accepted",
		HTTPStatus:        status,
		Raw:               adapter.RawJSON(respBody),
	}, nil
}

// do performs an authenticated JSON call and returns the status and body.
// A 401 drops the cached token so the next call fetches a new one.
func (c *Client) do(ctx context.Context, token, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	return resp.StatusCode, respBody, nil
}
