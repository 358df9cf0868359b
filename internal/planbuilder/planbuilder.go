package planbuilder

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/store"
)

var (
	planRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "votepay_plan_requests_total",
		Help: "Provider initialization plans built for vote attempts.",
	})
	planBuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "votepay_plan_build_duration_seconds",
		Help:    "Time spent building provider initialization plans.",
		Buckets: prometheus.DefBuckets,
	})
)

// GetPlanRequestsTotal exposes the plan counter for tests.
func GetPlanRequestsTotal() prometheus.Counter {
	return planRequestsTotal
}

// GetPlanBuildDurationSeconds exposes the build duration histogram for tests.
func GetPlanBuildDurationSeconds() prometheus.Histogram {
	return planBuildDurationSeconds
}

// Settings are the service-level URLs every plan is derived from.
type Settings struct {
	// PublicBaseURL is where providers reach this service; webhook URLs hang off it.
	PublicBaseURL string
	// ReturnURL is where hosted flows send the payer back. The vote reference is
	// appended as the "reference" query parameter. Defaults to the vote status page.
	ReturnURL string
	// DescriptionFormat receives the candidate name. Defaults to "Vote for %s".
	DescriptionFormat string
}

// Request is one vote attempt to plan for.
type Request struct {
	Vote          *store.Vote
	CandidateName string
	Provider      string
	Reference     string
}

// Decorator adjusts the parameters for one provider after the base plan is built.
type Decorator interface {
	Decorate(ctx context.Context, provider string, params *adapter.InitParams) error
}

// DecoratorFunc adapts a function to Decorator.
type DecoratorFunc func(ctx context.Context, provider string, params *adapter.InitParams) error

func (f DecoratorFunc) Decorate(ctx context.Context, provider string, params *adapter.InitParams) error {
	return f(ctx, provider, params)
}

// ProductName labels the purchase on hosted checkout pages.
func ProductName(name string) Decorator {
	return DecoratorFunc(func(ctx context.Context, provider string, params *adapter.InitParams) error {
		params.ProductName = name
		return nil
	})
}

// PlanBuilder turns a persisted vote into the InitParams handed to a provider.
type PlanBuilder struct {
	settings   Settings
	decorators []Decorator
}

// NewPlanBuilder creates a new PlanBuilder.
func NewPlanBuilder(settings Settings, decorators ...Decorator) *PlanBuilder {
	if settings.DescriptionFormat == "" {
		settings.DescriptionFormat = "Vote for %s"
	}
	settings.PublicBaseURL = strings.TrimRight(settings.PublicBaseURL, "/")
	return &PlanBuilder{settings: settings, decorators: decorators}
}

// WebhookURL returns the callback URL registered with provider, or "" when no
// public base URL is configured.
func (b *PlanBuilder) WebhookURL(provider string) string {
	if b.settings.PublicBaseURL == "" {
		return ""
	}
	return b.settings.PublicBaseURL + "/webhooks/" + provider
}

// Build constructs the provider parameters for a vote attempt.
func (b *PlanBuilder) Build(ctx context.Context, req Request) (adapter.InitParams, error) {
	start := time.Now()
	planRequestsTotal.Inc()
	defer func() { planBuildDurationSeconds.Observe(time.Since(start).Seconds()) }()

	tracer := otel.Tracer("planbuilder")
	ctx, span := tracer.Start(ctx, "PlanBuilder.Build")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.Provider), attribute.String("reference", req.Reference))

	if req.Vote == nil {
		return adapter.InitParams{}, fmt.Errorf("vote cannot be nil")
	}
	if req.Reference == "" {
		return adapter.InitParams{}, fmt.Errorf("reference cannot be empty")
	}

	callback, err := b.returnURL(req)
	if err != nil {
		return adapter.InitParams{}, err
	}

	name := req.CandidateName
	if name == "" {
		name = fmt.Sprintf("candidate %d", req.Vote.CandidateID)
	}
	params := adapter.InitParams{
		Amount:        req.Vote.Amount,
		Currency:      req.Vote.Currency,
		Reference:     req.Reference,
		CallbackURL:   callback,
		WebhookURL:    b.WebhookURL(req.Provider),
		CustomerEmail: req.Vote.VoterEmail,
		CustomerPhone: req.Vote.VoterPhone,
		CustomerName:  req.Vote.VoterName,
		Description:   fmt.Sprintf(b.settings.DescriptionFormat, name),
	}

	for _, d := range b.decorators {
		if err := d.Decorate(ctx, req.Provider, &params); err != nil {
			return adapter.InitParams{}, fmt.Errorf("failed to decorate plan for %s: %w", req.Provider, err)
		}
	}
	return params, nil
}

func (b *PlanBuilder) returnURL(req Request) (string, error) {
	base := b.settings.ReturnURL
	if base == "" {
		if b.settings.PublicBaseURL == "" {
			return "", nil
		}
		base = b.settings.PublicBaseURL + "/votes/" + req.Vote.ID
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid return URL %q: %w", base, err)
	}
	q := u.Query()
	q.Set("reference", req.Reference)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
