// Package ingestion runs one bank callback through decoding, validation
// and reconciliation.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/currency"
	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/reconciliation"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/webhook"
)

// Envelope is the JSON body the bank posts.
type Envelope struct {
	MerchantID    string `json:"merchantId"`
	EncryptedData string `json:"encryptedData"`
}

// Service handles ingestion of encrypted status callbacks.
type Service struct {
	keys      *Keyring
	decoder   webhook.Decoder
	validator *validation.Validator
	engine    *reconciliation.Engine
	currency  string
	log       *zap.Logger
	now       func() time.Time
}

// NewService creates a new ingestion service. Amounts are recorded in
// currencyCode.
func NewService(
	keys *Keyring,
	decoder webhook.Decoder,
	validator *validation.Validator,
	engine *reconciliation.Engine,
	currencyCode string,
	log *zap.Logger,
) *Service {
	return &Service{
		keys:      keys,
		decoder:   decoder,
		validator: validator,
		engine:    engine,
		currency:  currencyCode,
		log:       log.Named("ingestion"),
		now:       time.Now,
	}
}

// Ingest decrypts, parses, validates and reconciles one callback. Rejected
// callbacks are logged and never stored.
func (s *Service) Ingest(ctx context.Context, env Envelope) (*reconciliation.Result, error) {
	start := s.now()
	hash := fmt.Sprintf("%x", sha256.Sum256([]byte(env.EncryptedData)))
	log := s.log.With(zap.String("merchant_id", env.MerchantID), zap.String("payload_hash", hash))

	res, err := s.ingest(ctx, env, hash)
	if err != nil {
		log.Warn("callback rejected", zap.Error(err), zap.Duration("elapsed", s.now().Sub(start)))
		return nil, err
	}
	log.Info("callback processed",
		zap.String("transaction_id", res.Transaction.TransactionID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
	return res, nil
}

func (s *Service) ingest(ctx context.Context, env Envelope, hash string) (*reconciliation.Result, error) {
	if env.EncryptedData == "" {
		return nil, fmt.Errorf("%w: encryptedData is required", domain.ErrFormat)
	}

	merchant, err := s.keys.Lookup(env.MerchantID)
	if err != nil {
		return nil, err
	}

	plain, err := webhook.Decrypt(env.EncryptedData, merchant.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	payload, err := s.decoder.Parse(plain)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	tx := payload.Txn
	if tx.MerchantID != merchant.ID {
		return nil, fmt.Errorf("%w: payload merchant %q does not match %q", domain.ErrIntegrity, tx.MerchantID, merchant.ID)
	}

	now := s.now()
	if err := s.validator.Validate(payload, merchant, now); err != nil {
		return nil, err
	}

	tx.Currency = s.currency
	if tx.AmountMinor, err = currency.ToMinor(tx.Amount, s.currency); err != nil {
		return nil, err
	}
	tx.PayloadHash = hash
	tx.ReceivedAt = now.UTC()

	return s.engine.Process(ctx, tx)
}
