// Package webhook ingests provider callbacks. Every endpoint runs the same
// pipeline: verify with the provider client, append to the audit log,
// normalize the native status, and hand off to ConfirmPayment. Endpoints answer
// 200 whatever happens after verification; providers retry non-2xx responses
// aggressively and a redelivered event that already failed would fail again.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/lifecycle"
	"github.com/yourorg/vote-payments/internal/reqctx"
	"github.com/yourorg/vote-payments/internal/store"
)

// MaxBodyBytes caps an accepted callback body.
const MaxBodyBytes = 1 << 20

var webhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "votepay_webhooks_received_total",
	Help: "Inbound provider callbacks by pipeline result.",
}, []string{"provider", "result"})

// GetWebhooksReceivedTotal exposes the callback counter for tests.
func GetWebhooksReceivedTotal() *prometheus.CounterVec {
	return webhooksReceivedTotal
}

// Providers is the orchestrator surface the pipeline needs.
type Providers interface {
	Get(key string) (adapter.ProviderAdapter, error)
	VerifyWebhook(provider string, payload []byte, signature string, headers http.Header) (adapter.Verification, error)
	MapStatus(provider, native string) (adapter.Status, error)
}

// Confirmer applies a normalized status. *lifecycle.Manager implements it.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, reference string, status adapter.Status, raw []byte) (*lifecycle.ConfirmResult, error)
}

// AuditLog appends webhook log entries. *store.Store implements it.
type AuditLog interface {
	AppendWebhookLog(ctx context.Context, entry *store.WebhookLog) error
}

// Response is the acknowledgement body sent to the provider.
type Response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Handler serves the per-provider webhook endpoints.
type Handler struct {
	providers Providers
	confirmer Confirmer
	audit     AuditLog
}

// NewHandler creates a new Handler.
func NewHandler(providers Providers, confirmer Confirmer, audit AuditLog) *Handler {
	if providers == nil {
		panic("Providers cannot be nil")
	}
	if confirmer == nil {
		panic("Confirmer cannot be nil")
	}
	if audit == nil {
		panic("AuditLog cannot be nil")
	}
	return &Handler{providers: providers, confirmer: confirmer, audit: audit}
}

// Register mounts POST /webhooks/<provider> for each provider key.
func (h *Handler) Register(r gin.IRoutes, providers ...string) {
	for _, p := range providers {
		r.POST("/webhooks/"+p, h.Handle(p))
	}
}

// Handle returns the gin handler for one provider.
func (h *Handler) Handle(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes))
		if err != nil {
			log.Printf("Webhook[%s]: failed to read body: %v", provider, err)
			webhooksReceivedTotal.WithLabelValues(provider, "unreadable").Inc()
			c.JSON(http.StatusOK, Response{Success: false, Message: "unreadable body"})
			return
		}
		md := reqctx.FromGin(c)
		c.JSON(http.StatusOK, h.Process(c.Request.Context(), provider, body, c.Request.Header, md.IPAddress))
	}
}

func (h *Handler) appendLog(ctx context.Context, entry *store.WebhookLog) {
	if err := h.audit.AppendWebhookLog(ctx, entry); err != nil {
		log.Printf("Webhook[%s]: failed to append audit entry for %q: %v", entry.Provider, entry.Reference, err)
	}
}

// Process runs the ingestion pipeline on a raw body and returns the acknowledgement.
// It never panics and never returns a non-acknowledgement.
func (h *Handler) Process(ctx context.Context, provider string, body []byte, headers http.Header, ip string) (resp Response) {
	payload := []byte(adapter.RawJSON(body))
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Webhook[%s]: recovered from panic: %v", provider, r)
			webhooksReceivedTotal.WithLabelValues(provider, "failed").Inc()
			h.appendLog(ctx, &store.WebhookLog{Provider: provider, SignatureValid: false, Payload: payload, Error: fmt.Sprintf("panic: %v", r), IPAddress: ip})
			resp = Response{Success: false, Message: "internal error"}
		}
	}()

	a, err := h.providers.Get(provider)
	if err != nil {
		log.Printf("Webhook[%s]: %v", provider, err)
		webhooksReceivedTotal.WithLabelValues(provider, "unknown_provider").Inc()
		return Response{Success: false, Message: "unknown provider"}
	}

	var signature string
	if header := a.SignatureHeader(); header != "" {
		signature = headers.Get(header)
	}
	v, err := h.providers.VerifyWebhook(provider, body, signature, headers)
	if err != nil {
		v = adapter.Invalid("%v", err)
	}
	if !v.Valid {
		log.Printf("Webhook[%s]: rejected delivery from %s: %s", provider, ip, v.Error)
		webhooksReceivedTotal.WithLabelValues(provider, "rejected").Inc()
		h.appendLog(ctx, &store.WebhookLog{
			Provider:       provider,
			Event:          "rejected",
			SignatureValid: false,
			Payload:        payload,
			Error:          v.Error,
			IPAddress:      ip,
		})
		return Response{Success: false, Message: "invalid signature or payload"}
	}

	ev := v.Event
	h.appendLog(ctx, &store.WebhookLog{
		Provider:       provider,
		Event:          ev.Label,
		Reference:      ev.Reference,
		SignatureValid: true,
		Payload:        payload,
		IPAddress:      ip,
	})

	if !ev.Actionable {
		log.Printf("Webhook[%s]: %s acknowledged without state change", provider, ev.Label)
		webhooksReceivedTotal.WithLabelValues(provider, "ignored").Inc()
		return Response{Success: true, Message: "event ignored"}
	}

	fail := func(err error) Response {
		log.Printf("Webhook[%s]: processing %q failed: %v", provider, ev.Reference, err)
		webhooksReceivedTotal.WithLabelValues(provider, "failed").Inc()
		h.appendLog(ctx, &store.WebhookLog{
			Provider:       provider,
			Event:          ev.Label,
			Reference:      ev.Reference,
			SignatureValid: true,
			Payload:        payload,
			Error:          err.Error(),
			IPAddress:      ip,
		})
		return Response{Success: false, Message: err.Error(), Reference: ev.Reference}
	}

	status, err := h.providers.MapStatus(provider, ev.NativeStatus)
	if err != nil {
		return fail(err)
	}
	result, err := h.confirmer.ConfirmPayment(ctx, ev.Reference, status, body)
	if err != nil {
		return fail(err)
	}

	outcome := "duplicate"
	if result.Applied {
		outcome = "applied"
	}
	webhooksReceivedTotal.WithLabelValues(provider, outcome).Inc()
	return Response{
		Success:   true,
		Reference: result.Transaction.Reference,
		Status:    strings.ToLower(string(result.Transaction.Status)),
	}
}
