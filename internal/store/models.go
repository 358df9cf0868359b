package store

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentStatus is the status shared by Vote and Transaction records.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusProcessing PaymentStatus = "PROCESSING"
	StatusCompleted  PaymentStatus = "COMPLETED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusCancelled  PaymentStatus = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Candidate is the aggregate the engine increments on a completed payment.
// Catalog management lives elsewhere; only the counters are written here.
type Candidate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(150);not null" json:"name"`
	VoteCount int64     `gorm:"not null;default:0" json:"vote_count"`
	Revenue   int64     `gorm:"not null;default:0" json:"revenue"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vote is one voting attempt. It is never deleted.
type Vote struct {
	ID            string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	CandidateID   uint          `gorm:"index;not null" json:"candidate_id"`
	VoterPhone    string        `gorm:"type:varchar(32);index" json:"voter_phone,omitempty"`
	VoterEmail    string        `gorm:"type:varchar(255)" json:"voter_email,omitempty"`
	VoterName     string        `gorm:"type:varchar(100)" json:"voter_name,omitempty"`
	Message       string        `gorm:"type:varchar(200)" json:"message,omitempty"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Currency      string        `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentMethod string        `gorm:"type:varchar(32);index;not null" json:"payment_method"`
	PaymentStatus PaymentStatus `gorm:"type:varchar(16);index;not null" json:"payment_status"`
	IPAddress     string        `gorm:"type:varchar(64)" json:"-"`
	UserAgent     string        `gorm:"type:varchar(255)" json:"-"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`

	Transaction *Transaction `gorm:"foreignKey:VoteID" json:"transaction,omitempty"`
}

// Transaction is a payment attempt for a Vote.
type Transaction struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	VoteID            string         `gorm:"type:varchar(36);index;not null" json:"vote_id"`
	Provider          string         `gorm:"type:varchar(16);index;not null" json:"provider"`
	Reference         string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	ProviderReference string         `gorm:"type:varchar(128);index" json:"provider_reference,omitempty"`
	Amount            int64          `gorm:"not null" json:"amount"`
	Currency          string         `gorm:"type:varchar(3);not null" json:"currency"`
	Status            PaymentStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	PaymentURL        string         `gorm:"type:varchar(1024)" json:"payment_url,omitempty"`
	FailureReason     string         `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	ProviderPayload   datatypes.JSON `json:"provider_payload,omitempty"`
	InitiatedAt       time.Time      `json:"initiated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// WebhookLog is the append-only audit of inbound provider callbacks.
type WebhookLog struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Provider       string         `gorm:"type:varchar(16);index;not null" json:"provider"`
	Event          string         `gorm:"type:varchar(128)" json:"event"`
	Reference      string         `gorm:"type:varchar(128);index" json:"reference"`
	SignatureValid bool           `gorm:"not null" json:"signature_valid"`
	Payload        datatypes.JSON `json:"payload"`
	Error          string         `gorm:"type:text" json:"error,omitempty"`
	IPAddress      string         `gorm:"type:varchar(64)" json:"ip_address"`
	ReceivedAt     time.Time      `gorm:"index;not null" json:"received_at"`
}
