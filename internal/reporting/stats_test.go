package reporting

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vote-payments/internal/store"
)

func TestSummarize(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		rows     []store.StatusAggregate
		expected *VoteStats
	}{
		{
			name:     "NoTransactions",
			rows:     nil,
			expected: &VoteStats{ByProvider: map[string]*ProviderStats{}, Since: since},
		},
		{
			name: "SingleProviderAllCompleted",
			rows: []store.StatusAggregate{
				{Provider: "mtn", Status: store.StatusCompleted, Count: 4, Amount: 2000},
			},
			expected: &VoteStats{
				ProviderStats: ProviderStats{Total: 4, Completed: 4, Revenue: 2000, SuccessRate: 1},
				ByProvider: map[string]*ProviderStats{
					"mtn": {Total: 4, Completed: 4, Revenue: 2000, SuccessRate: 1},
				},
				Since: since,
			},
		},
		{
			name: "MixedProvidersAndStatuses",
			rows: []store.StatusAggregate{
				{Provider: "mtn", Status: store.StatusCompleted, Count: 3, Amount: 1500},
				{Provider: "mtn", Status: store.StatusFailed, Count: 1, Amount: 500},
				{Provider: "orange", Status: store.StatusCancelled, Count: 2, Amount: 1000},
				{Provider: "orange", Status: store.StatusPending, Count: 5, Amount: 2500},
				{Provider: "stripe", Status: store.StatusProcessing, Count: 1, Amount: 2000},
			},
			expected: &VoteStats{
				ProviderStats: ProviderStats{Total: 12, Completed: 3, Failed: 1, Cancelled: 2, InFlight: 6, Revenue: 1500, SuccessRate: 0.5},
				ByProvider: map[string]*ProviderStats{
					"mtn":    {Total: 4, Completed: 3, Failed: 1, Revenue: 1500, SuccessRate: 0.75},
					"orange": {Total: 7, Cancelled: 2, InFlight: 5},
					"stripe": {Total: 1, InFlight: 1},
				},
				Since: since,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.rows, since)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Summarize() mismatch:\n  Got: %+v\n Want: %+v", got, tt.expected)
				for k, p := range got.ByProvider {
					if !reflect.DeepEqual(p, tt.expected.ByProvider[k]) {
						t.Errorf("ByProvider[%s] diff:\n  Got: %+v\n Want: %+v", k, p, tt.expected.ByProvider[k])
					}
				}
			}
		})
	}
}

type failingSource struct{}

func (failingSource) AggregateTransactions(ctx context.Context, since time.Time) ([]store.StatusAggregate, error) {
	return nil, errors.New("connection refused")
}

func TestStatsReporter_Generate(t *testing.T) {
	assert.Panics(t, func() { NewStatsReporter(nil) })

	_, err := NewStatsReporter(failingSource{}).Generate(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	db, err := store.Open("sqlite", store.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	var txs []*store.Transaction
	for i, provider := range []string{"mtn", "mtn", "stripe"} {
		v := &store.Vote{ID: uuid.NewString(), CandidateID: 1, Amount: int64(500 * (i + 1)), Currency: "XOF", PaymentMethod: "CARD", PaymentStatus: store.StatusPending}
		tx := &store.Transaction{ID: uuid.NewString(), Provider: provider, Reference: "TXN-" + uuid.NewString(), Amount: v.Amount, Currency: "XOF", Status: store.StatusPending, InitiatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateVoteWithTransaction(ctx, v, tx))
		txs = append(txs, tx)
	}
	require.NoError(t, s.Transition(ctx, txs[0], store.StatusPending, store.StatusCompleted, nil))
	require.NoError(t, s.Transition(ctx, txs[2], store.StatusPending, store.StatusFailed, nil))

	stats, err := NewStatsReporter(s).Generate(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(500), stats.Revenue)
	assert.Equal(t, int64(1), stats.ByProvider["mtn"].InFlight)
	assert.Equal(t, 1.0, stats.ByProvider["mtn"].SuccessRate)
	assert.Equal(t, 0.0, stats.ByProvider["stripe"].SuccessRate)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	stats, err = NewStatsReporter(s).Generate(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}
