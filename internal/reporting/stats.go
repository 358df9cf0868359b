// Package reporting summarizes transactions for the read-only admin endpoints.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/vote-payments/internal/store"
)

// ProviderStats are the counts for one provider.
type ProviderStats struct {
	Total       int64   `json:"total"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Cancelled   int64   `json:"cancelled"`
	InFlight    int64   `json:"in_flight"` // PENDING or PROCESSING
	Revenue     int64   `json:"revenue"`   // amount of COMPLETED transactions
	SuccessRate float64 `json:"success_rate"`
}

// VoteStats summarizes every transaction initiated since Since.
type VoteStats struct {
	ProviderStats
	ByProvider map[string]*ProviderStats `json:"by_provider"`
	Since      time.Time                 `json:"since,omitempty"`
}

func (p *ProviderStats) add(status store.PaymentStatus, count, amount int64) {
	p.Total += count
	switch status {
	case store.StatusCompleted:
		p.Completed += count
		p.Revenue += amount
	case store.StatusFailed:
		p.Failed += count
	case store.StatusCancelled:
		p.Cancelled += count
	default:
		p.InFlight += count
	}
}

// finalize computes the success rate over settled transactions only.
func (p *ProviderStats) finalize() {
	settled := p.Completed + p.Failed + p.Cancelled
	if settled == 0 {
		p.SuccessRate = 0
		return
	}
	p.SuccessRate = float64(p.Completed) / float64(settled)
}

// Summarize folds (provider, status) buckets into VoteStats.
func Summarize(rows []store.StatusAggregate, since time.Time) *VoteStats {
	stats := &VoteStats{ByProvider: make(map[string]*ProviderStats), Since: since}
	for _, row := range rows {
		p, ok := stats.ByProvider[row.Provider]
		if !ok {
			p = &ProviderStats{}
			stats.ByProvider[row.Provider] = p
		}
		p.add(row.Status, row.Count, row.Amount)
		stats.add(row.Status, row.Count, row.Amount)
	}
	for _, p := range stats.ByProvider {
		p.finalize()
	}
	stats.finalize()
	return stats
}

// StatsSource is the aggregate query StatsReporter reads. *store.Store implements it.
type StatsSource interface {
	AggregateTransactions(ctx context.Context, since time.Time) ([]store.StatusAggregate, error)
}

// StatsReporter generates VoteStats from the store.
type StatsReporter struct {
	src StatsSource
}

// NewStatsReporter creates a new StatsReporter.
func NewStatsReporter(src StatsSource) *StatsReporter {
	if src == nil {
		panic("StatsSource cannot be nil")
	}
	return &StatsReporter{src: src}
}

// Generate summarizes transactions initiated at or after since. A zero since covers everything.
func (r *StatsReporter) Generate(ctx context.Context, since time.Time) (*VoteStats, error) {
	rows, err := r.src.AggregateTransactions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("reporting: aggregating transactions: %w", err)
	}
	return Summarize(rows, since), nil
}
