package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/vote-payments/internal/adapter"
	adaptermock "github.com/yourorg/vote-payments/internal/adapter/mock"
	"github.com/yourorg/vote-payments/internal/adapter/mtn"
	"github.com/yourorg/vote-payments/internal/adapter/orange"
	"github.com/yourorg/vote-payments/internal/adapter/stripe"
	"github.com/yourorg/vote-payments/internal/config"
	"github.com/yourorg/vote-payments/internal/credentials"
	"github.com/yourorg/vote-payments/internal/lifecycle"
	"github.com/yourorg/vote-payments/internal/orchestrator"
	"github.com/yourorg/vote-payments/internal/planbuilder"
	"github.com/yourorg/vote-payments/internal/policy"
	"github.com/yourorg/vote-payments/internal/reporting"
	"github.com/yourorg/vote-payments/internal/server"
	"github.com/yourorg/vote-payments/internal/store"
	"github.com/yourorg/vote-payments/internal/webhook"
)

// app is the wired service.
type app struct {
	store   *store.Store
	tokens  *credentials.RedisStore // nil when Redis is not configured
	orch    *orchestrator.Orchestrator
	votes   *lifecycle.Manager
	handler *gin.Engine
}

func (a *app) Close() error {
	var errs []error
	if a.tokens != nil {
		errs = append(errs, a.tokens.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func openStore(cfg config.DatabaseConfig) (*store.Store, error) {
	db, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	return store.New(db), nil
}

// buildAdapters registers one client per configured provider. With mockMissing,
// providers left unconfigured are served by in-process mocks for local runs.
func buildAdapters(cfg config.ProvidersConfig, tokens credentials.Store, mockMissing bool) []adapter.ProviderAdapter {
	breaker := adapter.BreakerConfig{MaxFailures: cfg.Breaker.MaxFailures, OpenTimeout: cfg.Breaker.OpenTimeout}
	var adapters []adapter.ProviderAdapter

	if cfg.MTN.BaseURL != "" {
		adapters = append(adapters, mtn.NewClient(mtn.Config{
			BaseURL:         cfg.MTN.BaseURL,
			APIUser:         cfg.MTN.APIUser,
			APIKey:          cfg.MTN.APIKey,
			SubscriptionKey: cfg.MTN.SubscriptionKey,
			Environment:     cfg.MTN.Environment,
			TokenMargin:     cfg.MTN.TokenMargin,
			TokenStore:      tokens,
		}, adapter.NewHTTPClient("mtn", cfg.Timeout, breaker)))
	} else if mockMissing {
		adapters = append(adapters, adaptermock.NewMockAdapter("mtn"))
	}

	if cfg.Orange.BaseURL != "" {
		adapters = append(adapters, orange.NewClient(orange.Config{
			BaseURL:         cfg.Orange.BaseURL,
			TokenURL:        cfg.Orange.TokenURL,
			ClientID:        cfg.Orange.ClientID,
			ClientSecret:    cfg.Orange.ClientSecret,
			MerchantKey:     cfg.Orange.MerchantKey,
			SignatureHeader: cfg.Orange.SignatureHeader,
			TokenMargin:     cfg.Orange.TokenMargin,
			TokenStore:      tokens,
		}, adapter.NewHTTPClient("orange", cfg.Timeout, breaker)))
	} else if mockMissing {
		adapters = append(adapters, adaptermock.NewMockAdapter("orange"))
	}

	if cfg.Stripe.SecretKey != "" {
		adapters = append(adapters, stripe.NewStripeAdapter(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			APIURL:        cfg.Stripe.APIURL,
		}, adapter.NewHTTPClient("stripe", cfg.Timeout, breaker)))
	} else if mockMissing {
		adapters = append(adapters, adaptermock.NewMockAdapter("stripe"))
	}
	return adapters
}

func buildApp(cfg *config.Config, mockMissing bool) (*app, error) {
	s, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{store: s}

	var tokens credentials.Store
	if cfg.Redis.Addr != "" {
		a.tokens = credentials.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		tokens = a.tokens
		log.Printf("Server: sharing provider tokens through redis at %s", cfg.Redis.Addr)
	}

	adapters := buildAdapters(cfg.Providers, tokens, mockMissing)
	if len(adapters) == 0 {
		_ = a.Close()
		return nil, errors.New("no payment provider configured")
	}
	a.orch = orchestrator.NewOrchestrator(adapters...)

	enforcer, err := policy.NewVotePolicyEnforcer(cfg.Voting.PolicyRules())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("loading voting rules: %w", err)
	}
	var decorators []planbuilder.Decorator
	if cfg.Voting.ProductName != "" {
		decorators = append(decorators, planbuilder.ProductName(cfg.Voting.ProductName))
	}
	plans := planbuilder.NewPlanBuilder(planbuilder.Settings{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		ReturnURL:     cfg.Server.ReturnURL,
	}, decorators...)
	a.votes = lifecycle.NewManager(s, a.orch, plans, enforcer, lifecycle.Config{
		DefaultAmount:   cfg.Voting.DefaultAmount,
		Currency:        cfg.Voting.Currency,
		ProviderTimeout: cfg.Providers.Timeout,
	})

	hooks := webhook.NewHandler(a.orch, a.votes, s)
	srv := server.New(a.votes, reporting.NewStatsReporter(s), hooks, a.orch.Providers(), server.Options{
		ServiceName: serviceName,
		CORSOrigins: cfg.Server.CORSOrigins,
		AdminAPIKey: cfg.Admin.APIKey,
	})
	a.handler = srv.Router()
	log.Printf("Server: providers enabled: %v", a.orch.Providers())
	return a, nil
}
