package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

func countingFetcher(calls *int32, lifetime time.Duration, now func() time.Time) Fetcher {
	return func(ctx context.Context) (*oauth2.Token, error) {
		n := atomic.AddInt32(calls, 1)
		time.Sleep(10 * time.Millisecond)
		return &oauth2.Token{AccessToken: "tok-" + string(rune('0'+n)), Expiry: now().Add(lifetime)}, nil
	}
}

func TestCache_ReusesTokenUntilExpiry(t *testing.T) {
	var calls int32
	clock := time.Date(2024, 1, 14, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	cache := NewCache("test-reuse", countingFetcher(&calls, time.Hour, now), Options{})
	cache.now = now

	tok1, err := cache.Token(context.Background())
	require.NoError(t, err)
	tok2, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, clock.Add(55*time.Minute), cache.ExpiresAt(), "expiry is issue time + lifetime - 5m margin")

	clock = clock.Add(56 * time.Minute)
	tok3, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_ConcurrentCallersTriggerOneRefresh(t *testing.T) {
	var calls int32
	cache := NewCache("test-concurrent", countingFetcher(&calls, time.Hour, time.Now), Options{})
	before := testutil.ToFloat64(GetTokenRefreshesTotal().WithLabelValues("test-concurrent"))

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
	after := testutil.ToFloat64(GetTokenRefreshesTotal().WithLabelValues("test-concurrent"))
	assert.Equal(t, 1.0, after-before)
}

func TestCache_ShortLifetimeKeepsHalf(t *testing.T) {
	clock := time.Date(2024, 1, 14, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	var calls int32
	cache := NewCache("test-short", countingFetcher(&calls, 2*time.Minute, now), Options{})
	cache.now = now

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Add(time.Minute), cache.ExpiresAt())
}

func TestCache_DefaultLifetimeWhenExpiryMissing(t *testing.T) {
	clock := time.Date(2024, 1, 14, 10, 0, 0, 0, time.UTC)
	cache := NewCache("test-default", func(ctx context.Context) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "abc"}, nil
	}, Options{DefaultLifetime: time.Hour, SafetyMargin: 5 * time.Minute})
	cache.now = func() time.Time { return clock }

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Add(55*time.Minute), cache.ExpiresAt())
}

func TestCache_FetchError(t *testing.T) {
	cache := NewCache("test-error", func(ctx context.Context) (*oauth2.Token, error) {
		return nil, errors.New("connection refused")
	}, Options{})

	_, err := cache.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test-error token request failed")

	empty := NewCache("test-empty", func(ctx context.Context) (*oauth2.Token, error) {
		return &oauth2.Token{}, nil
	}, Options{})
	_, err = empty.Token(context.Background())
	require.Error(t, err)
}

func TestCache_Invalidate(t *testing.T) {
	var calls int32
	cache := NewCache("test-invalidate", countingFetcher(&calls, time.Hour, time.Now), Options{})

	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Invalidate()
	assert.True(t, cache.ExpiresAt().IsZero())

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNewClientCredentialsCache_BasicAuthExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "orange-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cfg := &clientcredentials.Config{ClientID: "client-id", ClientSecret: "client-secret", TokenURL: server.URL}
	cache := NewClientCredentialsCache("test-cc", cfg, server.Client(), Options{})

	tok, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "orange-token", tok)
	assert.WithinDuration(t, time.Now().Add(55*time.Minute), cache.ExpiresAt(), 5*time.Second)
}

func TestCache_UsesSharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer store.Close()

	var calls int32
	first := NewCache("test-shared", countingFetcher(&calls, time.Hour, time.Now), Options{Store: store})
	tok, err := first.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("votepay:token:test-shared"))

	second := NewCache("test-shared", countingFetcher(&calls, time.Hour, time.Now), Options{Store: store})
	shared, err := second.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok, shared)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second instance must reuse the shared token")
}

func TestRedisStore_GetMissAndSet(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer store.Close()
	ctx := context.Background()

	tok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, tok)

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Set(ctx, "k", &oauth2.Token{AccessToken: "abc", Expiry: expiry}, time.Hour))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.AccessToken)
	assert.True(t, expiry.Equal(got.Expiry))

	mr.FastForward(2 * time.Hour)
	gone, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, store.Set(ctx, "ignored", &oauth2.Token{AccessToken: "x"}, 0))
	assert.False(t, mr.Exists("ignored"))
}
