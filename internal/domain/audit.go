package domain

import "time"

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// AuditEntry records one processing attempt. Rows are append-only.
type AuditEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	MerchantID    string    `json:"merchant_id"`
	PayloadHash   string    `json:"payload_hash"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
