package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpagate/vpagate/internal/domain"
)

const transactionColumns = `transaction_id, merchant_id, merchant_name, terminal_id,
	bank_reference, merchant_txn_id, qr_reference, amount, amount_minor, currency,
	status, status_code, status_description, payer_vpa, payer_name, payer_mobile,
	transaction_time, settlement_amount, settlement_time, payment_mode,
	merchant_category, tip_amount, convenience_fee, checksum, payload_hash,
	received_at, updated_at`

// InsertTransaction stores tx unless a row with the same transaction id
// already exists. It reports false when the insert was a no-op, which the
// caller treats as a concurrent duplicate delivery.
func (q *Queries) InsertTransaction(ctx context.Context, tx *domain.WebhookTransaction) (bool, error) {
	res, err := q.exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		tx.TransactionID, tx.MerchantID, tx.MerchantName, tx.TerminalID,
		tx.BankReference, tx.MerchantTxnID, tx.QRReference, tx.Amount, tx.AmountMinor, tx.Currency,
		string(tx.Status), tx.StatusCode, tx.StatusDescription, tx.PayerVPA, tx.PayerName, tx.PayerMobile,
		formatTime(tx.TransactionTime), tx.SettlementAmount, formatNullableTime(tx.SettlementTime), tx.PaymentMode,
		tx.MerchantCategory, tx.TipAmount, tx.ConvenienceFee, tx.Checksum, tx.PayloadHash,
		formatTime(tx.ReceivedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateTransactionStatus applies a later status report to an existing
// row, but only while the row still carries the status the caller
// observed. A false result means another delivery got there first.
func (q *Queries) UpdateTransactionStatus(ctx context.Context, from domain.TransactionStatus, tx *domain.WebhookTransaction) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE transactions SET
			status = ?, status_code = ?, status_description = ?,
			settlement_amount = ?, settlement_time = ?,
			checksum = ?, payload_hash = ?, updated_at = ?
		WHERE transaction_id = ? AND merchant_id = ? AND status = ?`,
		string(tx.Status), tx.StatusCode, tx.StatusDescription,
		tx.SettlementAmount, formatNullableTime(tx.SettlementTime),
		tx.Checksum, tx.PayloadHash, formatTime(tx.UpdatedAt),
		tx.TransactionID, tx.MerchantID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update transaction status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetTransaction looks a transaction up within one merchant's scope.
func (q *Queries) GetTransaction(ctx context.Context, merchantID, transactionID string) (*domain.WebhookTransaction, error) {
	row := q.queryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE merchant_id = ? AND transaction_id = ?",
		merchantID, transactionID,
	)
	return scanTransaction(row)
}

// GetTransactionByID ignores merchant scope; it backs the cross-merchant
// collision check.
func (q *Queries) GetTransactionByID(ctx context.Context, transactionID string) (*domain.WebhookTransaction, error) {
	row := q.queryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE transaction_id = ?",
		transactionID,
	)
	return scanTransaction(row)
}

func (q *Queries) CountTransactions(ctx context.Context) (int, error) {
	var count int
	err := q.queryRow(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count)
	return count, err
}

// --- helpers ---

func scanTransaction(row *sql.Row) (*domain.WebhookTransaction, error) {
	var tx domain.WebhookTransaction
	var status, txnTime, receivedAt, updatedAt string
	var settlementTime sql.NullString

	err := row.Scan(
		&tx.TransactionID, &tx.MerchantID, &tx.MerchantName, &tx.TerminalID,
		&tx.BankReference, &tx.MerchantTxnID, &tx.QRReference, &tx.Amount, &tx.AmountMinor, &tx.Currency,
		&status, &tx.StatusCode, &tx.StatusDescription, &tx.PayerVPA, &tx.PayerName, &tx.PayerMobile,
		&txnTime, &tx.SettlementAmount, &settlementTime, &tx.PaymentMode,
		&tx.MerchantCategory, &tx.TipAmount, &tx.ConvenienceFee, &tx.Checksum, &tx.PayloadHash,
		&receivedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Status = domain.TransactionStatus(status)
	tx.TransactionTime = parseTime(txnTime)
	tx.SettlementTime = parseNullableTime(settlementTime)
	tx.ReceivedAt = parseTime(receivedAt)
	tx.UpdatedAt = parseTime(updatedAt)
	return &tx, nil
}

// IncrementDailyAggregate adds one successful transaction of amountMinor to
// the merchant's counters for day.
func (q *Queries) IncrementDailyAggregate(ctx context.Context, merchantID, day string, amountMinor int64, now time.Time) error {
	_, err := q.exec(ctx,
		`INSERT INTO daily_aggregates (merchant_id, day, txn_count, total_amount_minor, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (merchant_id, day) DO UPDATE SET
			txn_count = daily_aggregates.txn_count + 1,
			total_amount_minor = daily_aggregates.total_amount_minor + excluded.total_amount_minor,
			updated_at = excluded.updated_at`,
		merchantID, day, amountMinor, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("increment daily aggregate: %w", err)
	}
	return nil
}

// GetDailyAggregate returns zero counters for a day with no successful
// transactions.
func (q *Queries) GetDailyAggregate(ctx context.Context, merchantID, day string) (*domain.DailyAggregate, error) {
	agg := &domain.DailyAggregate{MerchantID: merchantID, Day: day}
	var updatedAt string
	err := q.queryRow(ctx,
		`SELECT txn_count, total_amount_minor, updated_at FROM daily_aggregates
		WHERE merchant_id = ? AND day = ?`,
		merchantID, day,
	).Scan(&agg.TxnCount, &agg.TotalAmountMinor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily aggregate: %w", err)
	}
	agg.UpdatedAt = parseTime(updatedAt)
	return agg, nil
}
