package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedVote(t *testing.T, s *Store, candidateID uint, ref string) (*Vote, *Transaction) {
	t.Helper()
	v := &Vote{
		ID:            uuid.NewString(),
		CandidateID:   candidateID,
		VoterPhone:    "+22670000000",
		Amount:        500,
		Currency:      "XOF",
		PaymentMethod: "MTN_MOBILE_MONEY",
		PaymentStatus: StatusPending,
	}
	tx := &Transaction{
		ID:          uuid.NewString(),
		Provider:    "mtn",
		Reference:   ref,
		Amount:      500,
		Currency:    "XOF",
		Status:      StatusPending,
		InitiatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateVoteWithTransaction(context.Background(), v, tx))
	return v, tx
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_CreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Candidate{Name: "Candidate X"}
	require.NoError(t, s.CreateCandidate(ctx, c))

	v, tx := seedVote(t, s, c.ID, "TXN-20240114-aaa")
	assert.Equal(t, v.ID, tx.VoteID)

	got, err := s.GetVote(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Transaction)
	assert.Equal(t, "TXN-20240114-aaa", got.Transaction.Reference)

	require.NoError(t, s.MarkInitialized(ctx, tx.ID, "mtn-ref-1", "", []byte(`{"referenceId":"mtn-ref-1"}`)))

	byOurs, err := s.FindTransaction(ctx, "TXN-20240114-aaa")
	require.NoError(t, err)
	byTheirs, err := s.FindTransaction(ctx, "mtn-ref-1")
	require.NoError(t, err)
	assert.Equal(t, byOurs.ID, byTheirs.ID)
	assert.JSONEq(t, `{"referenceId":"mtn-ref-1"}`, string(byTheirs.ProviderPayload))

	_, err = s.FindTransaction(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindTransaction(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetVote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCandidate(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReferenceIsUnique(t *testing.T) {
	s := newTestStore(t)
	seedVote(t, s, 1, "TXN-dup")

	v := &Vote{ID: uuid.NewString(), CandidateID: 1, Amount: 1, Currency: "XOF", PaymentMethod: "CARD", PaymentStatus: StatusPending}
	tx := &Transaction{ID: uuid.NewString(), Provider: "stripe", Reference: "TXN-dup", Amount: 1, Currency: "XOF", Status: StatusPending, InitiatedAt: time.Now()}
	err := s.CreateVoteWithTransaction(context.Background(), v, tx)
	require.Error(t, err)

	_, err = s.GetVote(context.Background(), v.ID)
	assert.ErrorIs(t, err, ErrNotFound, "vote insert must roll back with the transaction insert")
}

func TestStore_TransitionIncrementsCandidateOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Candidate{Name: "X"}
	require.NoError(t, s.CreateCandidate(ctx, c))
	v, tx := seedVote(t, s, c.ID, "TXN-1")

	require.NoError(t, s.Transition(ctx, tx, StatusPending, StatusCompleted, []byte(`{"status":"SUCCESSFUL"}`)))
	err := s.Transition(ctx, tx, StatusPending, StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrStatusChanged)

	cand, err := s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cand.VoteCount)
	assert.Equal(t, int64(500), cand.Revenue)

	got, err := s.GetVote(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.PaymentStatus)
	assert.Equal(t, StatusCompleted, got.Transaction.Status)
	assert.NotNil(t, got.Transaction.CompletedAt)
}

func TestStore_ConcurrentTransitionsApplyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Candidate{Name: "X"}
	require.NoError(t, s.CreateCandidate(ctx, c))
	_, tx := seedVote(t, s, c.ID, "TXN-race")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Transition(ctx, tx, StatusPending, StatusCompleted, nil)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrStatusChanged), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	cand, err := s.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cand.VoteCount)
}

func TestStore_TransitionToFailedLeavesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Candidate{Name: "X"}
	require.NoError(t, s.CreateCandidate(ctx, c))
	_, tx := seedVote(t, s, c.ID, "TXN-2")

	require.NoError(t, s.Transition(ctx, tx, StatusPending, StatusFailed, nil))
	cand, _ := s.GetCandidate(ctx, c.ID)
	assert.Equal(t, int64(0), cand.VoteCount)
}

func TestStore_MarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v, tx := seedVote(t, s, 1, "TXN-3")

	require.NoError(t, s.MarkFailed(ctx, tx, "provider timeout", nil))
	got, err := s.GetVote(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.PaymentStatus)
	assert.Equal(t, "provider timeout", got.Transaction.FailureReason)

	assert.ErrorIs(t, s.MarkFailed(ctx, tx, "again", nil), ErrStatusChanged)
}

func TestStore_MarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v, tx := seedVote(t, s, 1, "TXN-utf8")

	reason := "x" + strings.Repeat("é", 300)
	require.NoError(t, s.MarkFailed(ctx, tx, reason, nil))
	got, err := s.GetVote(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.Transaction.FailureReason))
	assert.LessOrEqual(t, len(got.Transaction.FailureReason), 512)
	assert.True(t, strings.HasPrefix(reason, got.Transaction.FailureReason))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "", truncate("é", 1))
}

func TestStore_MarkInitializedKeepsTerminalPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Candidate{Name: "X"}
	require.NoError(t, s.CreateCandidate(ctx, c))
	_, tx := seedVote(t, s, c.ID, "TXN-early")

	require.NoError(t, s.Transition(ctx, tx, StatusPending, StatusCompleted, []byte(`{"webhook":true}`)))
	require.NoError(t, s.MarkInitialized(ctx, tx.ID, "mtn-early", "", []byte(`{"init":true}`)))

	got, err := s.GetTransactionByVote(ctx, tx.VoteID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "mtn-early", got.ProviderReference)
	assert.JSONEq(t, `{"webhook":true}`, string(got.ProviderPayload))

	assert.ErrorIs(t, s.MarkInitialized(ctx, "missing", "ref", "", nil), ErrNotFound)
}

func TestStore_GetTransactionByVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v, tx := seedVote(t, s, 1, "TXN-by-vote")

	got, err := s.GetTransactionByVote(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)

	_, err = s.GetTransactionByVote(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WebhookLogsAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendWebhookLog(ctx, &WebhookLog{
			Provider:       "mtn",
			Event:          "SUCCESSFUL",
			Reference:      "TXN-4",
			SignatureValid: true,
			Payload:        []byte(`{"status":"SUCCESSFUL"}`),
			IPAddress:      "10.0.0.1",
		}))
	}
	logs, err := s.WebhookLogs(ctx, "TXN-4")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.False(t, logs[0].ReceivedAt.IsZero())
	assert.Less(t, logs[0].ID, logs[1].ID)
}

func TestStore_ListVotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedVote(t, s, 1, "TXN-list-"+uuid.NewString())
	}
	_, tx := seedVote(t, s, 2, "TXN-target")
	require.NoError(t, s.Transition(ctx, tx, StatusPending, StatusCompleted, nil))

	votes, total, err := s.ListVotes(ctx, VoteFilter{CandidateID: 1, Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, votes, 2)

	votes, total, err = s.ListVotes(ctx, VoteFilter{Reference: "TXN-target"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, votes, 1)
	assert.Equal(t, uint(2), votes[0].CandidateID)
	require.NotNil(t, votes[0].Transaction)

	_, total, err = s.ListVotes(ctx, VoteFilter{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	_, total, err = s.ListVotes(ctx, VoteFilter{From: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStore_AggregateTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, t1 := seedVote(t, s, 1, "TXN-a")
	seedVote(t, s, 1, "TXN-b")
	require.NoError(t, s.Transition(ctx, t1, StatusPending, StatusCompleted, nil))

	rows, err := s.AggregateTransactions(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byStatus := map[PaymentStatus]StatusAggregate{}
	for _, r := range rows {
		assert.Equal(t, "mtn", r.Provider)
		byStatus[r.Status] = r
	}
	assert.Equal(t, int64(1), byStatus[StatusCompleted].Count)
	assert.Equal(t, int64(500), byStatus[StatusPending].Amount)
}
