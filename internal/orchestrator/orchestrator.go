// Package orchestrator resolves logical provider keys and payment methods to
// provider clients and delegates calls to them. It is the only component that
// knows several providers exist. The provider set is fixed at construction and
// the Orchestrator is safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/vote-payments/internal/adapter"
)

var (
	ErrUnknownProvider   = errors.New("orchestrator: unknown provider")
	ErrUnsupportedMethod = errors.New("orchestrator: unsupported payment method")
	ErrRefundUnsupported = errors.New("orchestrator: provider does not support refunds")
)

// PaymentMethod is the method a voter picks. Callers never deal in provider keys.
type PaymentMethod string

const (
	MethodMTNMobileMoney PaymentMethod = "MTN_MOBILE_MONEY"
	MethodOrangeMoney    PaymentMethod = "ORANGE_MONEY"
	MethodCard           PaymentMethod = "CARD"
)

var methodProviders = map[PaymentMethod]string{
	MethodMTNMobileMoney: "mtn",
	MethodOrangeMoney:    "orange",
	MethodCard:           "stripe",
}

// IsMobileMoney reports whether the method settles against a phone number.
func (m PaymentMethod) IsMobileMoney() bool {
	return m == MethodMTNMobileMoney || m == MethodOrangeMoney
}

var (
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votepay_provider_calls_total",
		Help: "Calls delegated to provider clients, by outcome.",
	}, []string{"provider", "operation", "outcome"})
	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "votepay_provider_call_duration_seconds",
		Help:    "Latency of calls delegated to provider clients.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)

// GetProviderCallsTotal exposes the provider call counter for tests.
func GetProviderCallsTotal() *prometheus.CounterVec {
	return providerCallsTotal
}

// GetProviderCallDuration exposes the provider latency histogram for tests.
func GetProviderCallDuration() *prometheus.HistogramVec {
	return providerCallDuration
}

// Orchestrator maps provider keys to provider clients.
type Orchestrator struct {
	providers map[string]adapter.ProviderAdapter
}

// NewOrchestrator registers each adapter under its lowercase GetName key.
func NewOrchestrator(adapters ...adapter.ProviderAdapter) *Orchestrator {
	o := &Orchestrator{providers: make(map[string]adapter.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			panic("ProviderAdapter cannot be nil")
		}
		key := normalizeKey(a.GetName())
		if key == "" {
			panic("ProviderAdapter name cannot be empty")
		}
		if _, dup := o.providers[key]; dup {
			panic(fmt.Sprintf("ProviderAdapter %q registered twice", key))
		}
		o.providers[key] = a
	}
	log.Printf("Orchestrator: registered providers %v", o.Providers())
	return o
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Providers lists the registered provider keys in sorted order.
func (o *Orchestrator) Providers() []string {
	keys := make([]string, 0, len(o.providers))
	for k := range o.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get resolves a provider key. Unknown keys fail with ErrUnknownProvider.
func (o *Orchestrator) Get(key string) (adapter.ProviderAdapter, error) {
	a, ok := o.providers[normalizeKey(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownProvider, key, strings.Join(o.Providers(), ", "))
	}
	return a, nil
}

// MethodToProvider maps a payment method to its provider key.
func (o *Orchestrator) MethodToProvider(method PaymentMethod) (string, error) {
	key, ok := methodProviders[PaymentMethod(strings.ToUpper(strings.TrimSpace(string(method))))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if _, registered := o.providers[key]; !registered {
		return "", fmt.Errorf("%w: %q is served by %s, which is not configured", ErrUnsupportedMethod, method, key)
	}
	return key, nil
}

func (o *Orchestrator) observe(provider, operation, outcome string, start time.Time) {
	providerCallsTotal.WithLabelValues(provider, operation, outcome).Inc()
	providerCallDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// InitializePayment delegates to the provider. A failed initialization is
// reported both in the result and as the returned error.
func (o *Orchestrator) InitializePayment(ctx context.Context, provider string, params adapter.InitParams) (adapter.PaymentResult, error) {
	a, err := o.Get(provider)
	if err != nil {
		return adapter.PaymentResult{}, err
	}

	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.InitializePayment")
	defer span.End()
	span.SetAttributes(attribute.String("provider", a.GetName()), attribute.String("reference", params.Reference))

	start := time.Now()
	res, err := a.InitializePayment(ctx, params)
	if err == nil && !res.Success {
		_, err = adapter.Failure(a.GetName(), "initialize", res.ErrorCode, res.ErrorMessage, res.HTTPStatus, nil, nil)
	}
	if err != nil {
		o.observe(a.GetName(), "initialize", "failure", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("Orchestrator: initialize via %s failed for %s: %v", a.GetName(), params.Reference, err)
		res.Success = false
		return res, err
	}
	o.observe(a.GetName(), "initialize", "success", start)
	return res, nil
}

// GetTransactionStatus delegates a status query. Provider clients never fail
// this call, so the only error is an unknown provider.
func (o *Orchestrator) GetTransactionStatus(ctx context.Context, provider, providerReference string) (adapter.StatusResult, error) {
	a, err := o.Get(provider)
	if err != nil {
		return adapter.StatusResult{}, err
	}

	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.GetTransactionStatus")
	defer span.End()
	span.SetAttributes(attribute.String("provider", a.GetName()), attribute.String("provider_reference", providerReference))

	start := time.Now()
	res := a.GetTransactionStatus(ctx, providerReference)
	o.observe(a.GetName(), "status", string(res.Status), start)
	span.SetAttributes(attribute.String("status", string(res.Status)))
	return res, nil
}

// VerifyWebhook authenticates a raw callback body with the provider's trust model.
func (o *Orchestrator) VerifyWebhook(provider string, payload []byte, signature string, headers http.Header) (adapter.Verification, error) {
	a, err := o.Get(provider)
	if err != nil {
		return adapter.Verification{}, err
	}
	start := time.Now()
	v := a.VerifyWebhookSignature(payload, signature, headers)
	outcome := "valid"
	if !v.Valid {
		outcome = "invalid"
	}
	o.observe(a.GetName(), "verify", outcome, start)
	return v, nil
}

// MapStatus normalizes a native status through the provider's table.
func (o *Orchestrator) MapStatus(provider, native string) (adapter.Status, error) {
	a, err := o.Get(provider)
	if err != nil {
		return "", err
	}
	return a.MapStatus(native), nil
}

// RefundTransaction delegates to providers that implement adapter.Refunder.
func (o *Orchestrator) RefundTransaction(ctx context.Context, provider, providerReference string, amount int64) (adapter.PaymentResult, error) {
	a, err := o.Get(provider)
	if err != nil {
		return adapter.PaymentResult{}, err
	}
	r, ok := a.(adapter.Refunder)
	if !ok {
		return adapter.PaymentResult{}, fmt.Errorf("%w: %s", ErrRefundUnsupported, a.GetName())
	}

	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.RefundTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("provider", a.GetName()), attribute.Int64("amount", amount))

	start := time.Now()
	res, err := r.RefundTransaction(ctx, providerReference, amount)
	if err == nil && !res.Success {
		_, err = adapter.Failure(a.GetName(), "refund", res.ErrorCode, res.ErrorMessage, res.HTTPStatus, nil, nil)
	}
	if err != nil {
		o.observe(a.GetName(), "refund", "failure", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("Orchestrator: refund via %s failed for %s: %v", a.GetName(), providerReference, err)
		res.Success = false
		return res, err
	}
	o.observe(a.GetName(), "refund", "success", start)
	return res, nil
}
