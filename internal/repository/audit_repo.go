package repository

import (
	"context"
	"fmt"

	"github.com/vpagate/vpagate/internal/domain"
)

// InsertAudit appends an audit entry. There is no update or delete.
func (q *Queries) InsertAudit(ctx context.Context, e *domain.AuditEntry) error {
	_, err := q.exec(ctx,
		`INSERT INTO reconciliation_audit
		(id, transaction_id, merchant_id, payload_hash, outcome, error, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TransactionID, e.MerchantID, e.PayloadHash, string(e.Outcome), e.Error,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns the entries for one transaction, oldest first.
func (q *Queries) ListAudit(ctx context.Context, transactionID string) ([]domain.AuditEntry, error) {
	rows, err := q.query(ctx,
		`SELECT id, transaction_id, merchant_id, payload_hash, outcome, error, created_at
		FROM reconciliation_audit WHERE transaction_id = ? ORDER BY created_at, id`,
		transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var outcome, createdAt string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.MerchantID, &e.PayloadHash,
			&outcome, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Outcome = domain.Outcome(outcome)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
