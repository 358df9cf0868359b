// Package credentials manages the access tokens provider clients present to
// their APIs. Tokens are obtained through the OAuth2 client-credentials grant,
// cached in memory with an absolute expiry, and optionally shared between
// service instances through a Store.
package credentials

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultSafetyMargin = 5 * time.Minute
	DefaultLifetime     = time.Hour
)

var tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "votepay_token_refreshes_total",
	Help: "Access tokens fetched from provider token endpoints.",
}, []string{"provider"})

// GetTokenRefreshesTotal exposes the refresh counter for tests.
func GetTokenRefreshesTotal() *prometheus.CounterVec {
	return tokenRefreshesTotal
}

// Fetcher obtains a fresh token from the provider.
type Fetcher func(ctx context.Context) (*oauth2.Token, error)

// Store shares tokens between instances. Get returns (nil, nil) on a miss.
type Store interface {
	Get(ctx context.Context, key string) (*oauth2.Token, error)
	Set(ctx context.Context, key string, token *oauth2.Token, ttl time.Duration) error
}

// Options tunes a Cache.
type Options struct {
	SafetyMargin    time.Duration // subtracted from the token lifetime
	DefaultLifetime time.Duration // used when the provider omits expires_in
	Store           Store         // optional shared cache
}

// Cache holds one provider's access token.
type Cache struct {
	provider        string
	fetch           Fetcher
	margin          time.Duration
	defaultLifetime time.Duration
	store           Store
	now             func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewCache creates a token cache for provider backed by fetch.
func NewCache(provider string, fetch Fetcher, opts Options) *Cache {
	if fetch == nil {
		panic("credentials: fetcher cannot be nil")
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.DefaultLifetime <= 0 {
		opts.DefaultLifetime = DefaultLifetime
	}
	return &Cache{
		provider:        provider,
		fetch:           fetch,
		margin:          opts.SafetyMargin,
		defaultLifetime: opts.DefaultLifetime,
		store:           opts.Store,
		now:             time.Now,
	}
}

// NewClientCredentialsCache builds a Cache that exchanges client id/secret for
// a token using HTTP Basic authentication against tokenURL.
func NewClientCredentialsCache(provider string, cfg *clientcredentials.Config, httpClient *http.Client, opts Options) *Cache {
	if cfg.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.AuthStyle = oauth2.AuthStyleInHeader
	}
	fetch := func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cfg.Token(ctx)
	}
	return NewCache(provider, fetch, opts)
}

// Token returns a valid access token, refreshing it when the cached one has
// expired. Callers racing on an expired token wait on the same refresh.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.accessToken != "" && now.Before(c.expiresAt) {
		return c.accessToken, nil
	}

	if c.store != nil {
		shared, err := c.store.Get(ctx, c.storeKey())
		if err != nil {
			log.Printf("Credentials[%s]: shared token lookup failed: %v", c.provider, err)
		} else if shared != nil && shared.AccessToken != "" && now.Before(shared.Expiry) {
			c.accessToken, c.expiresAt = shared.AccessToken, shared.Expiry
			return c.accessToken, nil
		}
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("credentials: %s token request failed: %w", c.provider, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("credentials: %s token endpoint returned no access token", c.provider)
	}
	tokenRefreshesTotal.WithLabelValues(c.provider).Inc()

	c.accessToken = tok.AccessToken
	c.expiresAt = c.expiryFor(now, tok)
	log.Printf("Credentials[%s]: access token refreshed, valid until %s", c.provider, c.expiresAt.Format(time.RFC3339))

	if c.store != nil {
		ttl := c.expiresAt.Sub(now)
		if err := c.store.Set(ctx, c.storeKey(), &oauth2.Token{AccessToken: c.accessToken, Expiry: c.expiresAt}, ttl); err != nil {
			log.Printf("Credentials[%s]: could not share token: %v", c.provider, err)
		}
	}
	return c.accessToken, nil
}

// expiryFor computes issue time + lifetime - safety margin. A lifetime shorter
// than the margin keeps half of it so the token is still usable.
func (c *Cache) expiryFor(issuedAt time.Time, tok *oauth2.Token) time.Time {
	lifetime := c.defaultLifetime
	if !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(issuedAt)
	}
	usable := lifetime - c.margin
	if usable <= 0 {
		usable = lifetime / 2
	}
	return issuedAt.Add(usable)
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
}

// ExpiresAt returns the absolute expiry of the cached token.
func (c *Cache) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Cache) storeKey() string {
	return "votepay:token:" + c.provider
}
