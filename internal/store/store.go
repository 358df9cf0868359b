// Package store persists votes, transactions, webhook logs and candidate
// counters through gorm. The transaction status column is the serialization
// point for confirmations: every transition is a conditional update guarded by
// the status the caller observed.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: record not found")
	// ErrStatusChanged is returned when a conditional transition lost a race.
	ErrStatusChanged = errors.New("store: status changed concurrently")
)

// Open connects to the configured database. driver is "sqlite" or "mysql".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// sqlite allows a single writer; serialize through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// MemoryDSN returns a DSN for a named, process-local in-memory sqlite database.
func MemoryDSN(name string) string {
	return "file:" + name + "?mode=memory&cache=shared"
}

// Store is the repository used by the lifecycle manager, the webhook pipeline
// and the read-only admin endpoints.
type Store struct {
	db *gorm.DB
}

// New wraps an open database handle.
func New(db *gorm.DB) *Store {
	if db == nil {
		panic("store: db cannot be nil")
	}
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Candidate{}, &Vote{}, &Transaction{}, &WebhookLog{})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateCandidate inserts a candidate. Used by seeding and tests.
func (s *Store) CreateCandidate(ctx context.Context, c *Candidate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// GetCandidate loads a candidate with its counters.
func (s *Store) GetCandidate(ctx context.Context, id uint) (*Candidate, error) {
	var c Candidate
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateVoteWithTransaction persists a vote and its first transaction atomically.
func (s *Store) CreateVoteWithTransaction(ctx context.Context, v *Vote, tx *Transaction) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Omit("Transaction").Create(v).Error; err != nil {
			return fmt.Errorf("create vote: %w", err)
		}
		tx.VoteID = v.ID
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return nil
	})
}

// GetVote loads a vote with its latest transaction.
func (s *Store) GetVote(ctx context.Context, id string) (*Vote, error) {
	var v Vote
	err := s.db.WithContext(ctx).
		Preload("Transaction", func(db *gorm.DB) *gorm.DB { return db.Order("initiated_at DESC") }).
		First(&v, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

// GetTransactionByVote returns the most recent transaction for a vote.
func (s *Store) GetTransactionByVote(ctx context.Context, voteID string) (*Transaction, error) {
	var t Transaction
	err := s.db.WithContext(ctx).Where("vote_id = ?", voteID).Order("initiated_at DESC").First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindTransaction looks a transaction up by our reference or the provider reference.
func (s *Store) FindTransaction(ctx context.Context, reference string) (*Transaction, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	var t Transaction
	err := s.db.WithContext(ctx).
		Where("reference = ?", reference).
		Or("provider_reference = ?", reference).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// MarkInitialized records the provider acknowledgement of a transaction. The
// provider payload is only stamped while the transaction is still open, so a
// confirmation that raced ahead of the acknowledgement keeps its payload.
func (s *Store) MarkInitialized(ctx context.Context, txID, providerRef, paymentURL string, raw []byte) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := db.Model(&Transaction{}).Where("id = ?", txID).Updates(map[string]interface{}{
			"provider_reference": providerRef,
			"payment_url":        paymentURL,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if len(raw) == 0 {
			return nil
		}
		return db.Model(&Transaction{}).
			Where("id = ? AND status IN ?", txID, []PaymentStatus{StatusPending, StatusProcessing}).
			Update("provider_payload", datatypes.JSON(raw)).Error
	})
}

// MarkFailed moves a PENDING transaction and its vote to FAILED with a reason.
func (s *Store) MarkFailed(ctx context.Context, t *Transaction, reason string, raw []byte) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		updates := map[string]interface{}{
			"status":         StatusFailed,
			"failure_reason": truncate(reason, 512),
		}
		if len(raw) > 0 {
			updates["provider_payload"] = datatypes.JSON(raw)
		}
		res := db.Model(&Transaction{}).Where("id = ? AND status = ?", t.ID, StatusPending).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusChanged
		}
		return db.Model(&Vote{}).Where("id = ?", t.VoteID).Update("payment_status", StatusFailed).Error
	})
}

// Transition moves a transaction from the status the caller observed to next,
// stamps the payload and mirrors the status on the vote. A transition into
// COMPLETED increments the candidate's vote count and revenue in the same
// database transaction. It returns ErrStatusChanged when the row no longer
// holds from, so callers can re-read and decide again.
func (s *Store) Transition(ctx context.Context, t *Transaction, from, next PaymentStatus, raw []byte) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		updates := map[string]interface{}{"status": next}
		if len(raw) > 0 {
			updates["provider_payload"] = datatypes.JSON(raw)
		}
		if next.IsTerminal() {
			updates["completed_at"] = time.Now().UTC()
		}
		res := db.Model(&Transaction{}).Where("id = ? AND status = ?", t.ID, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusChanged
		}

		if err := db.Model(&Vote{}).Where("id = ?", t.VoteID).Update("payment_status", next).Error; err != nil {
			return fmt.Errorf("update vote status: %w", err)
		}
		if next != StatusCompleted {
			return nil
		}

		var v Vote
		if err := db.Select("candidate_id").First(&v, "id = ?", t.VoteID).Error; err != nil {
			return fmt.Errorf("load vote %s: %w", t.VoteID, notFound(err))
		}
		res = db.Model(&Candidate{}).Where("id = ?", v.CandidateID).Updates(map[string]interface{}{
			"vote_count": gorm.Expr("vote_count + ?", 1),
			"revenue":    gorm.Expr("revenue + ?", t.Amount),
		})
		if res.Error != nil {
			return fmt.Errorf("increment candidate %d: %w", v.CandidateID, res.Error)
		}
		if res.RowsAffected == 0 {
			log.Printf("Store: candidate %d missing, counters not incremented for %s", v.CandidateID, t.Reference)
		}
		return nil
	})
}

// AppendWebhookLog inserts an audit entry. Entries are never updated.
func (s *Store) AppendWebhookLog(ctx context.Context, entry *WebhookLog) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// WebhookLogs returns the audit entries for a reference, oldest first.
func (s *Store) WebhookLogs(ctx context.Context, reference string) ([]WebhookLog, error) {
	var logs []WebhookLog
	err := s.db.WithContext(ctx).Where("reference = ?", reference).Order("id ASC").Find(&logs).Error
	return logs, err
}

// VoteFilter narrows ListVotes. Zero values are ignored.
type VoteFilter struct {
	CandidateID uint
	Method      string
	Status      PaymentStatus
	Phone       string
	Reference   string
	From        time.Time
	To          time.Time
	Page        int
	Limit       int
}

func (f VoteFilter) scope(root *gorm.DB) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if f.CandidateID != 0 {
			q = q.Where("candidate_id = ?", f.CandidateID)
		}
		if f.Method != "" {
			q = q.Where("payment_method = ?", f.Method)
		}
		if f.Status != "" {
			q = q.Where("payment_status = ?", f.Status)
		}
		if f.Phone != "" {
			q = q.Where("voter_phone = ?", f.Phone)
		}
		if f.Reference != "" {
			sub := root.Model(&Transaction{}).Select("vote_id").
				Where("reference = ? OR provider_reference = ?", f.Reference, f.Reference)
			q = q.Where("id IN (?)", sub)
		}
		if !f.From.IsZero() {
			q = q.Where("created_at >= ?", f.From.UTC())
		}
		if !f.To.IsZero() {
			q = q.Where("created_at <= ?", f.To.UTC())
		}
		return q
	}
}

// ListVotes returns one page of votes, newest first, and the total match count.
func (s *Store) ListVotes(ctx context.Context, f VoteFilter) ([]Vote, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Vote{}).Scopes(f.scope(s.db)).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	var votes []Vote
	err := s.db.WithContext(ctx).Scopes(f.scope(s.db)).
		Preload("Transaction").
		Order("created_at DESC").
		Limit(limit).Offset((page - 1) * limit).
		Find(&votes).Error
	return votes, total, err
}

// StatusAggregate is one (provider, status) bucket of transactions.
type StatusAggregate struct {
	Provider string
	Status   PaymentStatus
	Count    int64
	Amount   int64
}

// AggregateTransactions groups transactions by provider and status.
func (s *Store) AggregateTransactions(ctx context.Context, since time.Time) ([]StatusAggregate, error) {
	var rows []StatusAggregate
	q := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("provider, status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount")
	if !since.IsZero() {
		q = q.Where("initiated_at >= ?", since.UTC())
	}
	err := q.Group("provider, status").Order("provider, status").Scan(&rows).Error
	return rows, err
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
