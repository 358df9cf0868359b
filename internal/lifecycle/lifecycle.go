// Package lifecycle owns vote and transaction records. It creates them in
// PENDING, asks the orchestrator to initialize the payment, and applies status
// transitions reported by webhooks or status polls. ConfirmPayment is the single
// idempotent transition entry point; terminal transactions never change again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/vote-payments/internal/adapter"
	"github.com/yourorg/vote-payments/internal/orchestrator"
	"github.com/yourorg/vote-payments/internal/planbuilder"
	"github.com/yourorg/vote-payments/internal/policy"
	"github.com/yourorg/vote-payments/internal/reqctx"
	"github.com/yourorg/vote-payments/internal/store"
)

const (
	maxNameLength    = 100
	maxMessageLength = 200
)

var (
	votesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votepay_votes_created_total",
		Help: "Vote creation attempts by payment method and outcome.",
	}, []string{"method", "outcome"})
	confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votepay_confirmations_total",
		Help: "Payment confirmation attempts by outcome.",
	}, []string{"outcome"})
)

// GetVotesCreatedTotal exposes the creation counter for tests.
func GetVotesCreatedTotal() *prometheus.CounterVec {
	return votesCreatedTotal
}

// GetConfirmationsTotal exposes the confirmation counter for tests.
func GetConfirmationsTotal() *prometheus.CounterVec {
	return confirmationsTotal
}

// Repository is the persistence the manager needs. *store.Store implements it.
type Repository interface {
	GetCandidate(ctx context.Context, id uint) (*store.Candidate, error)
	CreateVoteWithTransaction(ctx context.Context, v *store.Vote, tx *store.Transaction) error
	GetVote(ctx context.Context, id string) (*store.Vote, error)
	GetTransactionByVote(ctx context.Context, voteID string) (*store.Transaction, error)
	FindTransaction(ctx context.Context, reference string) (*store.Transaction, error)
	MarkInitialized(ctx context.Context, txID, providerRef, paymentURL string, raw []byte) error
	MarkFailed(ctx context.Context, t *store.Transaction, reason string, raw []byte) error
	Transition(ctx context.Context, t *store.Transaction, from, next store.PaymentStatus, raw []byte) error
	ListVotes(ctx context.Context, f store.VoteFilter) ([]store.Vote, int64, error)
}

// PaymentGateway is the orchestrator surface the manager calls.
// *orchestrator.Orchestrator implements it.
type PaymentGateway interface {
	MethodToProvider(method orchestrator.PaymentMethod) (string, error)
	InitializePayment(ctx context.Context, provider string, params adapter.InitParams) (adapter.PaymentResult, error)
	GetTransactionStatus(ctx context.Context, provider, providerReference string) (adapter.StatusResult, error)
	RefundTransaction(ctx context.Context, provider, providerReference string, amount int64) (adapter.PaymentResult, error)
}

// Config tunes the manager.
type Config struct {
	DefaultAmount int64
	Currency      string
	// ProviderTimeout bounds every outbound provider call.
	ProviderTimeout time.Duration
	// ConfirmAttempts bounds re-reads after losing a conditional update race.
	ConfirmAttempts int
}

// VoteInput is a voter's request.
type VoteInput struct {
	CandidateID   uint   `json:"candidate_id"`
	PaymentMethod string `json:"payment_method"`
	Phone         string `json:"phone,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	Message       string `json:"message,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
}

// CreateResult is returned by Create.
type CreateResult struct {
	Vote        *store.Vote
	Transaction *store.Transaction
	PaymentURL  string
}

// ConfirmResult reports the stored transaction after a confirmation and
// whether this call changed it.
type ConfirmResult struct {
	Transaction *store.Transaction
	Applied     bool
}

// StatusCheck is the answer to CheckPaymentStatus.
type StatusCheck struct {
	Vote    *store.Vote
	Polled  bool
	Message string
}

// Manager is the vote/transaction lifecycle manager.
type Manager struct {
	repo     Repository
	payments PaymentGateway
	plans    *planbuilder.PlanBuilder
	policy   *policy.VotePolicyEnforcer
	cfg      Config
	now      func() time.Time
}

// NewManager creates a new Manager.
func NewManager(repo Repository, payments PaymentGateway, plans *planbuilder.PlanBuilder, pol *policy.VotePolicyEnforcer, cfg Config) *Manager {
	if repo == nil {
		panic("Repository cannot be nil")
	}
	if payments == nil {
		panic("PaymentGateway cannot be nil")
	}
	if plans == nil {
		panic("PlanBuilder cannot be nil")
	}
	if pol == nil {
		panic("VotePolicyEnforcer cannot be nil")
	}
	if cfg.Currency == "" {
		cfg.Currency = "XOF"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 3
	}
	return &Manager{repo: repo, payments: payments, plans: plans, policy: pol, cfg: cfg, now: time.Now}
}

// NewReference returns a TXN-YYYYMMDD-<32 hex> reference.
func NewReference(now time.Time) string {
	return "TXN-" + now.UTC().Format("20060102") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Manager) validate(in *VoteInput) (orchestrator.PaymentMethod, string, error) {
	method := orchestrator.PaymentMethod(strings.ToUpper(strings.TrimSpace(in.PaymentMethod)))
	if method == "" {
		return "", "", invalid("payment_method", "is required")
	}
	provider, err := m.payments.MethodToProvider(method)
	if err != nil {
		return "", "", &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("%q is not supported", in.PaymentMethod), Err: err}
	}
	if in.CandidateID == 0 {
		return "", "", invalid("candidate_id", "is required")
	}

	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(in.Email)
	if method.IsMobileMoney() {
		if in.Phone == "" {
			return "", "", invalid("phone", "is required for %s", method)
		}
	} else if in.Email == "" {
		return "", "", invalid("email", "is required for %s", method)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return "", "", invalid("email", "is not a valid address")
		}
	}
	if utf8.RuneCountInString(in.Name) > maxNameLength {
		return "", "", invalid("name", "must be at most %d characters", maxNameLength)
	}
	if utf8.RuneCountInString(in.Message) > maxMessageLength {
		return "", "", invalid("message", "must be at most %d characters", maxMessageLength)
	}

	if in.Amount == 0 {
		in.Amount = m.cfg.DefaultAmount
	}
	if in.Amount <= 0 {
		return "", "", invalid("amount", "must be positive")
	}
	decision, err := m.policy.Evaluate(policy.VoteAttributes{
		Amount:   in.Amount,
		Currency: m.cfg.Currency,
		Method:   string(method),
		Provider: provider,
	})
	if err != nil {
		return "", "", fmt.Errorf("lifecycle: evaluating vote rules: %w", err)
	}
	if !decision.Allowed {
		return "", "", invalid("amount", "%s", decision.Reason)
	}
	return method, provider, nil
}

// Create validates the input, persists a PENDING vote and transaction, and
// initializes the payment. When the provider fails the transaction is FAILED
// before Create returns; the result is still returned alongside an error
// wrapping ErrPaymentInitFailed.
func (m *Manager) Create(ctx context.Context, in VoteInput, md reqctx.RequestMetadata) (*CreateResult, error) {
	tracer := otel.Tracer("lifecycle")
	ctx, span := tracer.Start(ctx, "Lifecycle.Create")
	defer span.End()

	method, provider, err := m.validate(&in)
	if err != nil {
		votesCreatedTotal.WithLabelValues(string(method), "rejected").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", provider), attribute.String("method", string(method)))

	candidate, err := m.repo.GetCandidate(ctx, in.CandidateID)
	if errors.Is(err, store.ErrNotFound) {
		votesCreatedTotal.WithLabelValues(string(method), "rejected").Inc()
		return nil, fmt.Errorf("%w: %d", ErrCandidateNotFound, in.CandidateID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading candidate %d: %w", in.CandidateID, err)
	}

	now := m.now().UTC()
	vote := &store.Vote{
		ID:            uuid.NewString(),
		CandidateID:   candidate.ID,
		VoterPhone:    in.Phone,
		VoterEmail:    in.Email,
		VoterName:     strings.TrimSpace(in.Name),
		Message:       strings.TrimSpace(in.Message),
		Amount:        in.Amount,
		Currency:      m.cfg.Currency,
		PaymentMethod: string(method),
		PaymentStatus: store.StatusPending,
		IPAddress:     md.IPAddress,
		UserAgent:     md.UserAgent,
	}
	tx := &store.Transaction{
		ID:          uuid.NewString(),
		Provider:    provider,
		Reference:   NewReference(now),
		Amount:      in.Amount,
		Currency:    m.cfg.Currency,
		Status:      store.StatusPending,
		InitiatedAt: now,
	}
	if err := m.repo.CreateVoteWithTransaction(ctx, vote, tx); err != nil {
		return nil, fmt.Errorf("lifecycle: persisting vote: %w", err)
	}
	vote.Transaction = tx
	span.SetAttributes(attribute.String("reference", tx.Reference))
	log.Printf("Lifecycle: vote %s created, reference %s via %s (trace %s)", vote.ID, tx.Reference, provider, md.TraceID)

	result := &CreateResult{Vote: vote, Transaction: tx}

	params, err := m.plans.Build(ctx, planbuilder.Request{
		Vote:          vote,
		CandidateName: candidate.Name,
		Provider:      provider,
		Reference:     tx.Reference,
	})
	if err != nil {
		return result, m.failInit(ctx, result, method, err.Error(), nil)
	}

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	res, err := m.payments.InitializePayment(initCtx, provider, params)
	cancel()
	if err != nil || !res.Success {
		reason := res.ErrorMessage
		if reason == "" && err != nil {
			reason = err.Error()
		}
		if reason == "" {
			reason = "provider rejected the payment"
		}
		return result, m.failInit(ctx, result, method, reason, res.Raw)
	}

	if err := m.repo.MarkInitialized(ctx, tx.ID, res.ProviderReference, res.PaymentURL, adapter.RawJSON(res.Raw)); err != nil {
		// The provider accepted the payment; its webhook can still find the
		// transaction by our reference.
		log.Printf("Lifecycle: failed to record provider reference for %s: %v", tx.Reference, err)
		return result, fmt.Errorf("lifecycle: recording provider reference for %s: %w", tx.Reference, err)
	}
	result.PaymentURL = res.PaymentURL

	// A webhook may have confirmed the payment before the provider answered.
	stored, err := m.repo.GetTransactionByVote(ctx, vote.ID)
	if err != nil {
		return result, fmt.Errorf("lifecycle: reloading transaction %s: %w", tx.Reference, err)
	}
	vote.Transaction = stored
	vote.PaymentStatus = stored.Status
	result.Transaction = stored

	votesCreatedTotal.WithLabelValues(string(method), "initialized").Inc()
	return result, nil
}

func (m *Manager) failInit(ctx context.Context, result *CreateResult, method orchestrator.PaymentMethod, reason string, raw []byte) error {
	votesCreatedTotal.WithLabelValues(string(method), "init_failed").Inc()
	tx := result.Transaction
	log.Printf("Lifecycle: initialization failed for %s: %s", tx.Reference, reason)

	// The caller's context may be the one that timed out.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.repo.MarkFailed(writeCtx, tx, reason, adapter.RawJSON(raw)); err != nil {
		return fmt.Errorf("lifecycle: marking %s failed after %q: %w", tx.Reference, reason, err)
	}
	tx.Status = store.StatusFailed
	tx.FailureReason = reason
	result.Vote.PaymentStatus = store.StatusFailed
	return fmt.Errorf("%w: %s", ErrPaymentInitFailed, reason)
}

// ToPaymentStatus converts a provider-normalized status into the stored vocabulary.
func ToPaymentStatus(s adapter.Status) store.PaymentStatus {
	switch s {
	case adapter.StatusProcessing:
		return store.StatusProcessing
	case adapter.StatusCompleted:
		return store.StatusCompleted
	case adapter.StatusFailed:
		return store.StatusFailed
	case adapter.StatusCancelled:
		return store.StatusCancelled
	default:
		return store.StatusPending
	}
}

// advances reports whether moving from current to next makes forward progress.
// Non-terminal states only move forward; terminal states never move.
func advances(current, next store.PaymentStatus) bool {
	if current.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return current == store.StatusPending && next == store.StatusProcessing
}

// ConfirmPayment applies status to the transaction found by our reference or
// the provider reference. A terminal transaction is left untouched and the call
// succeeds. Transitions are conditional on the status read, so a concurrent
// webhook and poll apply at most one change and increment counters once.
func (m *Manager) ConfirmPayment(ctx context.Context, reference string, status adapter.Status, raw []byte) (*ConfirmResult, error) {
	tracer := otel.Tracer("lifecycle")
	ctx, span := tracer.Start(ctx, "Lifecycle.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("reference", reference), attribute.String("status", string(status)))

	next := ToPaymentStatus(status)
	payload := adapter.RawJSON(raw)

	for attempt := 1; attempt <= m.cfg.ConfirmAttempts; attempt++ {
		tx, err := m.repo.FindTransaction(ctx, reference)
		if errors.Is(err, store.ErrNotFound) {
			confirmationsTotal.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, reference)
		}
		if err != nil {
			return nil, fmt.Errorf("lifecycle: loading transaction %s: %w", reference, err)
		}

		if tx.Status.IsTerminal() {
			confirmationsTotal.WithLabelValues("noop_terminal").Inc()
			log.Printf("Lifecycle: %s already %s, ignoring %s", tx.Reference, tx.Status, next)
			return &ConfirmResult{Transaction: tx}, nil
		}
		if !advances(tx.Status, next) {
			confirmationsTotal.WithLabelValues("noop_stale").Inc()
			return &ConfirmResult{Transaction: tx}, nil
		}

		err = m.repo.Transition(ctx, tx, tx.Status, next, payload)
		if errors.Is(err, store.ErrStatusChanged) {
			log.Printf("Lifecycle: %s changed concurrently, re-reading (attempt %d)", tx.Reference, attempt)
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("lifecycle: transitioning %s to %s: %w", tx.Reference, next, err)
		}

		confirmationsTotal.WithLabelValues("applied").Inc()
		log.Printf("Lifecycle: %s %s -> %s", tx.Reference, tx.Status, next)
		tx.Status = next
		if len(payload) > 0 {
			tx.ProviderPayload = []byte(payload)
		}
		if next.IsTerminal() {
			done := m.now().UTC()
			tx.CompletedAt = &done
		}
		return &ConfirmResult{Transaction: tx, Applied: true}, nil
	}
	return nil, fmt.Errorf("lifecycle: confirmation of %s did not settle after %d attempts", reference, m.cfg.ConfirmAttempts)
}

// CheckPaymentStatus polls the provider for a non-terminal transaction and
// feeds the answer through ConfirmPayment. Terminal transactions, and those the
// provider never acknowledged, are returned as stored without an external call.
func (m *Manager) CheckPaymentStatus(ctx context.Context, voteID string) (*StatusCheck, error) {
	tracer := otel.Tracer("lifecycle")
	ctx, span := tracer.Start(ctx, "Lifecycle.CheckPaymentStatus")
	defer span.End()

	vote, err := m.GetVote(ctx, voteID)
	if err != nil {
		return nil, err
	}
	tx := vote.Transaction
	if tx == nil {
		return nil, fmt.Errorf("%w: vote %s", ErrTransactionNotFound, voteID)
	}
	if tx.Status.IsTerminal() || tx.ProviderReference == "" {
		return &StatusCheck{Vote: vote}, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	st, err := m.payments.GetTransactionStatus(pollCtx, tx.Provider, tx.ProviderReference)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("lifecycle: polling %s: %w", tx.Reference, err)
	}
	if _, err := m.ConfirmPayment(ctx, tx.Reference, st.Status, st.Raw); err != nil {
		return nil, err
	}

	vote, err = m.GetVote(ctx, voteID)
	if err != nil {
		return nil, err
	}
	return &StatusCheck{Vote: vote, Polled: true, Message: st.Message}, nil
}

// Refund refunds a completed vote through its provider. amount 0 refunds in full.
// The stored status is not changed.
func (m *Manager) Refund(ctx context.Context, voteID string, amount int64) (adapter.PaymentResult, error) {
	vote, err := m.GetVote(ctx, voteID)
	if err != nil {
		return adapter.PaymentResult{}, err
	}
	tx := vote.Transaction
	if tx == nil {
		return adapter.PaymentResult{}, fmt.Errorf("%w: vote %s", ErrTransactionNotFound, voteID)
	}
	if tx.Status != store.StatusCompleted {
		return adapter.PaymentResult{}, invalid("vote", "only completed payments can be refunded (status %s)", tx.Status)
	}
	if amount < 0 || amount > tx.Amount {
		return adapter.PaymentResult{}, invalid("amount", "must be between 0 and %d", tx.Amount)
	}

	refundCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	res, err := m.payments.RefundTransaction(refundCtx, tx.Provider, tx.ProviderReference, amount)
	if err != nil {
		return res, err
	}
	log.Printf("Lifecycle: refund %s issued for %s via %s", res.ProviderReference, tx.Reference, tx.Provider)
	return res, nil
}

// GetVote loads a vote with its transaction.
func (m *Manager) GetVote(ctx context.Context, voteID string) (*store.Vote, error) {
	vote, err := m.repo.GetVote(ctx, voteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVoteNotFound, voteID)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading vote %s: %w", voteID, err)
	}
	return vote, nil
}

// ListVotes returns a filtered page of votes for the admin listing.
func (m *Manager) ListVotes(ctx context.Context, f store.VoteFilter) ([]store.Vote, int64, error) {
	return m.repo.ListVotes(ctx, f)
}
