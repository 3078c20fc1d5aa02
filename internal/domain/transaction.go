package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusInitiated       TransactionStatus = "INITIATED"
	StatusPending         TransactionStatus = "PENDING"
	StatusSuccess         TransactionStatus = "SUCCESS"
	StatusFailed          TransactionStatus = "FAILED"
	StatusTimeout         TransactionStatus = "TIMEOUT"
	StatusRefunded        TransactionStatus = "REFUNDED"
	StatusPartialRefunded TransactionStatus = "PARTIAL_REFUNDED"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated: {StatusPending},
	StatusPending:   {StatusSuccess, StatusFailed, StatusTimeout},
	StatusSuccess:   {StatusRefunded, StatusPartialRefunded},
}

// CanTransition reports whether a recorded transaction may move from one
// status to another.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsInitial reports whether a first delivery may create a record in s.
func (s TransactionStatus) IsInitial() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// WebhookTransaction is one payment-status event reported by the bank,
// keyed by the bank-assigned transaction id.
type WebhookTransaction struct {
	TransactionID     string            `json:"transaction_id"`
	MerchantID        string            `json:"merchant_id"`
	MerchantName      string            `json:"merchant_name"`
	TerminalID        string            `json:"terminal_id"`
	BankReference     string            `json:"bank_reference"`
	MerchantTxnID     string            `json:"merchant_transaction_id"`
	QRReference       string            `json:"qr_reference"`
	Amount            decimal.Decimal   `json:"amount"`
	AmountMinor       int64             `json:"amount_minor"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	StatusCode        string            `json:"status_code"`
	StatusDescription string            `json:"status_description"`
	PayerVPA          string            `json:"payer_vpa"`
	PayerName         string            `json:"payer_name"`
	PayerMobile       string            `json:"payer_mobile"`
	TransactionTime   time.Time         `json:"transaction_time"`
	SettlementAmount  decimal.Decimal   `json:"settlement_amount"`
	SettlementTime    *time.Time        `json:"settlement_time,omitempty"`
	PaymentMode       string            `json:"payment_mode"`
	MerchantCategory  string            `json:"merchant_category_code"`
	TipAmount         decimal.Decimal   `json:"tip_amount"`
	ConvenienceFee    decimal.Decimal   `json:"convenience_fee"`
	Checksum          string            `json:"checksum"`
	PayloadHash       string            `json:"payload_hash"`
	ReceivedAt        time.Time         `json:"received_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DailyAggregate holds per-merchant counters for successful transactions
// on one calendar day.
type DailyAggregate struct {
	MerchantID       string    `json:"merchant_id"`
	Day              string    `json:"day"`
	TxnCount         int64     `json:"txn_count"`
	TotalAmountMinor int64     `json:"total_amount_minor"`
	UpdatedAt        time.Time `json:"updated_at"`
}
