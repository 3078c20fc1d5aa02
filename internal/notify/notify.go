// Package notify publishes reconciliation outcomes. Publishing is
// fire-and-forget: a failing sink never affects the callback that produced
// the event.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/domain"
)

// Event describes what happened to one callback.
type Event struct {
	ID            string                   `json:"id" bson:"_id"`
	Outcome       domain.Outcome           `json:"outcome" bson:"outcome"`
	TransactionID string                   `json:"transaction_id" bson:"transaction_id"`
	MerchantID    string                   `json:"merchant_id" bson:"merchant_id"`
	Status        domain.TransactionStatus `json:"status" bson:"status"`
	PrevStatus    domain.TransactionStatus `json:"prev_status,omitempty" bson:"prev_status,omitempty"`
	AmountMinor   int64                    `json:"amount_minor" bson:"amount_minor"`
	Currency      string                   `json:"currency" bson:"currency"`
	QRReference   string                   `json:"qr_reference,omitempty" bson:"qr_reference,omitempty"`
	OccurredAt    time.Time                `json:"occurred_at" bson:"occurred_at"`
}

type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// LogSink writes events to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Publish(_ context.Context, e Event) error {
	s.log.Info("reconciliation event",
		zap.String("event_id", e.ID),
		zap.String("outcome", string(e.Outcome)),
		zap.String("transaction_id", e.TransactionID),
		zap.String("merchant_id", e.MerchantID),
		zap.String("status", string(e.Status)),
		zap.Int64("amount_minor", e.AmountMinor),
	)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
