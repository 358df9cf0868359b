package adapter

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultHTTPTimeout       = 15 * time.Second
	defaultBreakerFailures   = 5
	defaultBreakerOpenPeriod = 30 * time.Second
	defaultHalfOpenRequests  = 2
)

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures that open the circuit
	OpenTimeout time.Duration // time spent open before probing again
}

// errUpstreamStatus marks a 5xx/429 response so the breaker counts it as a
// failure while the response itself is still handed back to the caller.
var errUpstreamStatus = errors.New("upstream returned a retryable status")

type breakerTransport struct {
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps base with a gobreaker circuit breaker named after the provider.
// Transport errors and 5xx/429 responses count as failures; when the circuit is
// open requests fail fast with gobreaker.ErrOpenState.
func NewBreakerTransport(name string, base http.RoundTripper, cfg BreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultBreakerOpenPeriod
	}
	maxFailures := cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: defaultHalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Breaker[%s]: state %s -> %s", name, from, to)
		},
	}
	return &breakerTransport{base: base, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	if errors.Is(err, errUpstreamStatus) {
		return out.(*http.Response), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.breaker.Name(), err)
	}
	return out.(*http.Response), nil
}

// NewHTTPClient returns the client provider adapters use for outbound calls:
// bounded by timeout and protected by a per-provider circuit breaker.
func NewHTTPClient(name string, timeout time.Duration, cfg BreakerConfig) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewBreakerTransport(name, http.DefaultTransport, cfg),
	}
}
