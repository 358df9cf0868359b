package mtn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vote-payments/internal/adapter"
)

type fakeMTN struct {
	t           *testing.T
	tokenCalls  int32
	payCalls    int32
	payStatus   int
	statusCode  int
	statusBody  string
	lastPay     requestToPay
	lastHeaders http.Header
}

func (f *fakeMTN) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collection/token/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(f.t, ok)
		assert.Equal(f.t, "api-user", user)
		assert.Equal(f.t, "api-key", pass)
		assert.Equal(f.t, "sub-key", r.Header.Get(subscriptionHeader))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"mtn-token","token_type":"access_token","expires_in":3600}`))
	})
	mux.HandleFunc("/collection/v1_0/requesttopay", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.payCalls, 1)
		f.lastHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&f.lastPay)
		if f.payStatus == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(f.payStatus)
		_, _ = w.Write([]byte(`{"code":"PAYER_NOT_FOUND","message":"Payer not found"}`))
	})
	mux.HandleFunc("/collection/v1_0/requesttopay/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer mtn-token", r.Header.Get("Authorization"))
		w.WriteHeader(f.statusCode)
		_, _ = w.Write([]byte(f.statusBody))
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeMTN) {
	fake := &fakeMTN{t: t, statusCode: http.StatusOK}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:         server.URL + "/",
		APIUser:         "api-user",
		APIKey:          "api-key",
		SubscriptionKey: "sub-key",
		Environment:     "sandbox",
	}, adapter.NewHTTPClient("mtn-test-"+t.Name(), 5*time.Second, adapter.BreakerConfig{MaxFailures: 100}))
	return client, fake
}

func testParams() adapter.InitParams {
	return adapter.InitParams{
		Amount:        500,
		Currency:      "XOF",
		Reference:     "TXN-20240114-abc",
		WebhookURL:    "https://votes.example.com/webhooks/mtn",
		CustomerPhone: "+226 70 00 00 00",
		Description:   "Vote for candidate X",
	}
}

func TestClient_InitializePayment_Accepted(t *testing.T) {
	client, fake := newTestClient(t)

	res, err := client.InitializePayment(context.Background(), testParams())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "mtn", res.Provider)
	assert.Empty(t, res.PaymentURL)
	assert.Equal(t, fake.lastHeaders.Get("X-Reference-Id"), res.ProviderReference)
	assert.Len(t, res.ProviderReference, 36)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.payCalls))

	assert.Equal(t, "Bearer mtn-token", fake.lastHeaders.Get("Authorization"))
	assert.Equal(t, "sandbox", fake.lastHeaders.Get("X-Target-Environment"))
	assert.Equal(t, "https://votes.example.com/webhooks/mtn", fake.lastHeaders.Get("X-Callback-Url"))
	assert.Equal(t, "sub-key", fake.lastHeaders.Get(subscriptionHeader))

	assert.Equal(t, "500", fake.lastPay.Amount)
	assert.Equal(t, "TXN-20240114-abc", fake.lastPay.ExternalID)
	assert.Equal(t, "22670000000", fake.lastPay.Payer.PartyID)
	assert.Equal(t, "MSISDN", fake.lastPay.Payer.PartyIDType)
}

func TestClient_InitializePayment_ReusesToken(t *testing.T) {
	client, fake := newTestClient(t)

	for i := 0; i < 3; i++ {
		_, err := client.InitializePayment(context.Background(), testParams())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.payCalls))
}

func TestClient_InitializePayment_Rejected(t *testing.T) {
	client, fake := newTestClient(t)
	fake.payStatus = http.StatusBadRequest

	res, err := client.InitializePayment(context.Background(), testParams())
	require.Error(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "PAYER_NOT_FOUND", res.ErrorCode)
	assert.Equal(t, "Payer not found", res.ErrorMessage)
	assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)

	var perr *adapter.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "initialize", perr.Operation)
}

func TestClient_InitializePayment_MissingPhone(t *testing.T) {
	client, fake := newTestClient(t)
	params := testParams()
	params.CustomerPhone = ""

	res, err := client.InitializePayment(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, "INVALID_REQUEST", res.ErrorCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.tokenCalls), "no provider call without a phone")
}

func TestClient_InitializePayment_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/collection/token/") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"t","expires_in":3600}`))
			return
		}
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, SubscriptionKey: "k"},
		adapter.NewHTTPClient("mtn-timeout", 50*time.Millisecond, adapter.BreakerConfig{MaxFailures: 100}))

	res, err := client.InitializePayment(context.Background(), testParams())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "NETWORK_ERROR", res.ErrorCode)
}

func TestClient_GetTransactionStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantStatus adapter.Status
		wantAmount int64
		wantMsg    string
	}{
		{name: "Successful", code: 200, body: `{"amount":"500","currency":"XOF","status":"SUCCESSFUL"}`, wantStatus: adapter.StatusCompleted, wantAmount: 500},
		{name: "Pending", code: 200, body: `{"amount":"500","currency":"XOF","status":"PENDING"}`, wantStatus: adapter.StatusProcessing, wantAmount: 500},
		{name: "Failed", code: 200, body: `{"amount":"500","currency":"XOF","status":"FAILED","reason":"APPROVAL_REJECTED"}`, wantStatus: adapter.StatusFailed, wantAmount: 500},
		{name: "NotFound", code: 404, body: `{"code":"RESOURCE_NOT_FOUND"}`, wantStatus: adapter.StatusFailed, wantMsg: "not found"},
		{name: "ServerError", code: 503, body: ``, wantStatus: adapter.StatusPending, wantMsg: "HTTP 503"},
		{name: "Malformed", code: 200, body: `<html>`, wantStatus: adapter.StatusPending, wantMsg: "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, fake := newTestClient(t)
			fake.statusCode = tt.code
			fake.statusBody = tt.body

			res := client.GetTransactionStatus(context.Background(), "ref-1")
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, "ref-1", res.ProviderReference)
			assert.Equal(t, tt.wantAmount, res.Amount)
			if tt.wantMsg != "" {
				assert.Contains(t, res.Message, tt.wantMsg)
			}
		})
	}
}

func TestClient_MapStatus(t *testing.T) {
	client, _ := newTestClient(t)
	cases := map[string]adapter.Status{
		"SUCCESSFUL": adapter.StatusCompleted,
		"PENDING":    adapter.StatusProcessing,
		"ONGOING":    adapter.StatusProcessing,
		"FAILED":     adapter.StatusFailed,
		"REJECTED":   adapter.StatusFailed,
		"TIMEOUT":    adapter.StatusFailed,
		"successful": adapter.StatusCompleted,
		"WHATEVER":   adapter.StatusPending,
	}
	for native, want := range cases {
		assert.Equal(t, want, client.MapStatus(native), native)
	}
}

func TestClient_VerifyWebhookSignature(t *testing.T) {
	client, _ := newTestClient(t)
	assert.Empty(t, client.SignatureHeader())

	v := client.VerifyWebhookSignature([]byte(`{"referenceId":"r-1","externalId":"TXN-1","status":"SUCCESSFUL","amount":500}`), "", nil)
	require.True(t, v.Valid, v.Error)
	assert.Equal(t, "TXN-1", v.Event.Reference)
	assert.Equal(t, "SUCCESSFUL", v.Event.NativeStatus)
	assert.True(t, v.Event.Actionable)

	v = client.VerifyWebhookSignature([]byte(`{"referenceId":"r-1","status":"FAILED"}`), "", nil)
	require.True(t, v.Valid)
	assert.Equal(t, "r-1", v.Event.Reference, "falls back to the provider reference")

	v = client.VerifyWebhookSignature([]byte(`{"referenceId":"r-1"}`), "", nil)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Error, "status is required")

	v = client.VerifyWebhookSignature([]byte(`garbage`), "", nil)
	assert.False(t, v.Valid)
}

func TestClient_RefundTransaction(t *testing.T) {
	client, _ := newTestClient(t)
	var _ adapter.Refunder = client

	res, err := client.RefundTransaction(context.Background(), "ref-1", 0)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "REFUND_UNSUPPORTED", res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "manual refund required")
}

func TestNormalizeMSISDN(t *testing.T) {
	assert.Equal(t, "22670000000", normalizeMSISDN("+226 70-00-00-00"))
	assert.Equal(t, "", normalizeMSISDN("n/a"))
}
