// Package reconciliation applies validated bank callbacks to stored
// transactions exactly once.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/notify"
	"github.com/vpagate/vpagate/internal/repository"
)

// dayLayout is the key format for daily aggregates.
const dayLayout = "2006-01-02"

// errLostRace aborts a unit of work whose conditional write matched no row
// because a concurrent delivery of the same transaction committed first.
var errLostRace = errors.New("concurrent delivery won")

// errConcurrentUpdate is returned when a delivery loses two races in a row.
// It is a storage-class failure; the bank's redelivery resolves it.
var errConcurrentUpdate = errors.New("transaction updated concurrently")

// Result is what happened to one callback.
type Result struct {
	Outcome     domain.Outcome             `json:"outcome"`
	Transaction *domain.WebhookTransaction `json:"transaction"`
	PrevStatus  domain.TransactionStatus   `json:"prev_status,omitempty"`
}

// Engine records transactions, moves them through the status machine and
// keeps per-merchant daily totals in step.
type Engine struct {
	db   *repository.DB
	sink notify.Sink
	log  *zap.Logger
	loc  *time.Location
	now  func() time.Time

	// beforeWrite runs between the lookup and the write. Tests use it to
	// interleave a competing delivery.
	beforeWrite func(tx *domain.WebhookTransaction)
}

// NewEngine builds an engine. loc decides which calendar day a transaction
// counts towards.
func NewEngine(db *repository.DB, sink notify.Sink, log *zap.Logger, loc *time.Location) *Engine {
	if sink == nil {
		sink = notify.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{db: db, sink: sink, log: log.Named("reconciliation"), loc: loc, now: time.Now}
}

// Process applies tx. Redeliveries, including concurrent ones, come back as
// domain.OutcomeDuplicate without touching storage. Every write for one
// callback commits or rolls back together.
func (e *Engine) Process(ctx context.Context, tx *domain.WebhookTransaction) (*Result, error) {
	now := e.now().UTC()
	if tx.ReceivedAt.IsZero() {
		tx.ReceivedAt = now
	}
	tx.UpdatedAt = now
	return e.process(ctx, tx, true)
}

// process judges tx against the stored row. When a concurrent delivery
// commits between the lookup and the write, the losing delivery is judged
// again against the winner's row, once.
func (e *Engine) process(ctx context.Context, tx *domain.WebhookTransaction, retry bool) (*Result, error) {
	existing, err := e.db.GetTransactionByID(ctx, tx.TransactionID)
	if e.beforeWrite != nil {
		e.beforeWrite(tx)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return e.insert(ctx, tx, retry)
	case err != nil:
		e.auditFailure(ctx, tx, err)
		return nil, fmt.Errorf("lookup %s: %w", tx.TransactionID, err)
	}

	if existing.MerchantID != tx.MerchantID {
		err := fmt.Errorf("%w: transaction %s belongs to another merchant", domain.ErrIntegrity, tx.TransactionID)
		e.auditFailure(ctx, tx, err)
		return nil, err
	}
	if existing.Status == tx.Status {
		e.log.Info("duplicate delivery",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("status", string(tx.Status)),
		)
		return &Result{Outcome: domain.OutcomeDuplicate, Transaction: existing, PrevStatus: existing.Status}, nil
	}
	if !domain.CanTransition(existing.Status, tx.Status) {
		err := fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition,
			existing.Status, tx.Status, tx.TransactionID)
		e.auditFailure(ctx, tx, err)
		return nil, err
	}
	return e.update(ctx, existing, tx, retry)
}

func (e *Engine) insert(ctx context.Context, tx *domain.WebhookTransaction, retry bool) (*Result, error) {
	if !tx.Status.IsInitial() {
		err := fmt.Errorf("%w: unknown transaction %s reported as %s", domain.ErrInvalidTransition,
			tx.TransactionID, tx.Status)
		e.auditFailure(ctx, tx, err)
		return nil, err
	}

	err := e.db.WithTx(ctx, func(q *repository.Queries) error {
		ok, err := q.InsertTransaction(ctx, tx)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		if tx.Status == domain.StatusSuccess {
			if err := q.IncrementDailyAggregate(ctx, tx.MerchantID, e.day(tx.TransactionTime), tx.AmountMinor, tx.UpdatedAt); err != nil {
				return err
			}
		}
		return q.InsertAudit(ctx, e.auditEntry(tx, domain.OutcomeAccepted, ""))
	})
	if errors.Is(err, errLostRace) {
		return e.afterRace(ctx, tx, retry)
	}
	if err != nil {
		e.auditFailure(ctx, tx, err)
		return nil, fmt.Errorf("record %s: %w", tx.TransactionID, err)
	}

	res := &Result{Outcome: domain.OutcomeAccepted, Transaction: tx}
	e.committed(ctx, res)
	return res, nil
}

func (e *Engine) update(ctx context.Context, existing, tx *domain.WebhookTransaction, retry bool) (*Result, error) {
	err := e.db.WithTx(ctx, func(q *repository.Queries) error {
		ok, err := q.UpdateTransactionStatus(ctx, existing.Status, tx)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		if tx.Status == domain.StatusSuccess {
			// Amount and time are fixed by the first report.
			if err := q.IncrementDailyAggregate(ctx, existing.MerchantID, e.day(existing.TransactionTime), existing.AmountMinor, tx.UpdatedAt); err != nil {
				return err
			}
		}
		return q.InsertAudit(ctx, e.auditEntry(tx, domain.OutcomeUpdated, ""))
	})
	if errors.Is(err, errLostRace) {
		return e.afterRace(ctx, tx, retry)
	}
	if err != nil {
		e.auditFailure(ctx, tx, err)
		return nil, fmt.Errorf("update %s: %w", tx.TransactionID, err)
	}

	stored, err := e.db.GetTransaction(ctx, tx.MerchantID, tx.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", tx.TransactionID, err)
	}
	res := &Result{Outcome: domain.OutcomeUpdated, Transaction: stored, PrevStatus: existing.Status}
	e.committed(ctx, res)
	return res, nil
}

// afterRace handles a delivery that lost a conditional write to a
// concurrent one. The same status is a duplicate; a different status is
// judged as a transition from the winner's row.
func (e *Engine) afterRace(ctx context.Context, tx *domain.WebhookTransaction, retry bool) (*Result, error) {
	stored, err := e.db.GetTransactionByID(ctx, tx.TransactionID)
	if err != nil {
		e.auditFailure(ctx, tx, err)
		return nil, fmt.Errorf("reload %s after concurrent write: %w", tx.TransactionID, err)
	}
	if stored.MerchantID == tx.MerchantID && stored.Status == tx.Status {
		e.log.Info("concurrent delivery already applied", zap.String("transaction_id", tx.TransactionID))
		return &Result{Outcome: domain.OutcomeDuplicate, Transaction: stored, PrevStatus: stored.Status}, nil
	}
	if !retry {
		err := fmt.Errorf("%w: %s changed concurrently to %s", errConcurrentUpdate, tx.TransactionID, stored.Status)
		e.auditFailure(ctx, tx, err)
		return nil, err
	}
	e.log.Info("concurrent delivery changed status, re-evaluating",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("stored_status", string(stored.Status)),
		zap.String("status", string(tx.Status)),
	)
	return e.process(ctx, tx, false)
}

func (e *Engine) committed(ctx context.Context, res *Result) {
	tx := res.Transaction
	e.log.Info("transaction reconciled",
		zap.String("outcome", string(res.Outcome)),
		zap.String("transaction_id", tx.TransactionID),
		zap.String("merchant_id", tx.MerchantID),
		zap.String("status", string(tx.Status)),
		zap.String("prev_status", string(res.PrevStatus)),
		zap.Int64("amount_minor", tx.AmountMinor),
	)

	ev := notify.Event{
		ID:            uuid.NewString(),
		Outcome:       res.Outcome,
		TransactionID: tx.TransactionID,
		MerchantID:    tx.MerchantID,
		Status:        tx.Status,
		PrevStatus:    res.PrevStatus,
		AmountMinor:   tx.AmountMinor,
		Currency:      tx.Currency,
		QRReference:   tx.QRReference,
		OccurredAt:    tx.UpdatedAt,
	}
	if err := e.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("publish event", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
	}
}

// auditFailure records a failed attempt outside the rolled-back unit. It is
// best effort; the original error is what the caller sees.
func (e *Engine) auditFailure(ctx context.Context, tx *domain.WebhookTransaction, cause error) {
	entry := e.auditEntry(tx, domain.OutcomeFailed, cause.Error())
	if errors.Is(cause, domain.ErrInvalidTransition) || errors.Is(cause, domain.ErrIntegrity) {
		entry.Outcome = domain.OutcomeRejected
	}
	if err := e.db.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Warn("audit failure", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
	}
	e.log.Error("reconciliation failed",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("merchant_id", tx.MerchantID),
		zap.Error(cause),
	)
}

func (e *Engine) auditEntry(tx *domain.WebhookTransaction, outcome domain.Outcome, msg string) *domain.AuditEntry {
	return &domain.AuditEntry{
		ID:            uuid.NewString(),
		TransactionID: tx.TransactionID,
		MerchantID:    tx.MerchantID,
		PayloadHash:   tx.PayloadHash,
		Outcome:       outcome,
		Error:         msg,
		CreatedAt:     e.now().UTC(),
	}
}

func (e *Engine) day(t time.Time) string {
	return t.In(e.loc).Format(dayLayout)
}

// Lookup returns a stored transaction within one merchant's scope.
func (e *Engine) Lookup(ctx context.Context, merchantID, transactionID string) (*domain.WebhookTransaction, error) {
	return e.db.GetTransaction(ctx, merchantID, transactionID)
}

// DailyAggregate returns the merchant's success counters for day
// (YYYY-MM-DD in the engine's timezone).
func (e *Engine) DailyAggregate(ctx context.Context, merchantID, day string) (*domain.DailyAggregate, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("%w: day %q is not YYYY-MM-DD", domain.ErrFormat, day)
	}
	return e.db.GetDailyAggregate(ctx, merchantID, day)
}

// History returns the audit trail for a transaction, oldest first.
func (e *Engine) History(ctx context.Context, transactionID string) ([]domain.AuditEntry, error) {
	return e.db.ListAudit(ctx, transactionID)
}
