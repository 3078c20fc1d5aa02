// Package qr issues payment addresses to merchants and resolves them back.
package qr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/pool"
	"github.com/vpagate/vpagate/internal/repository"
	"github.com/vpagate/vpagate/internal/vpa"
)

// suggestionCount is how many alternatives accompany ErrCodeTaken.
const suggestionCount = 5

// TakenError is returned when a preferred identifier cannot be issued.
type TakenError struct {
	Code         string
	Alternatives []string
}

func (e *TakenError) Error() string {
	return fmt.Sprintf("identifier %s is already taken", e.Code)
}

func (e *TakenError) Unwrap() error { return domain.ErrCodeTaken }

type Service struct {
	db    *repository.DB
	pool  *pool.Manager
	codec *vpa.Codec
	log   *zap.Logger
	now   func() time.Time
}

func NewService(db *repository.DB, p *pool.Manager, codec *vpa.Codec, log *zap.Logger) *Service {
	return &Service{db: db, pool: p, codec: codec, log: log.Named("qr"), now: time.Now}
}

// Issue binds an identifier to merchantID and records the QR code. With a
// preferred code the merchant gets exactly that code or a *TakenError
// carrying suggestions; without one the pool picks.
func (s *Service) Issue(ctx context.Context, merchantID, preferred string) (*domain.QRCode, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant id is required", domain.ErrValidation)
	}

	var code string
	if preferred != "" {
		preferred = strings.ToUpper(strings.TrimSpace(preferred))
		if !vpa.ValidCode(preferred) {
			return nil, fmt.Errorf("%w: %q is not a valid identifier", domain.ErrFormat, preferred)
		}
		ok, err := s.reservePreferred(ctx, preferred)
		if err != nil {
			return nil, err
		}
		if !ok {
			alts, err := s.codec.Alternatives(ctx, preferred, suggestionCount, s.db.CodeTaken)
			if err != nil {
				s.log.Warn("suggest alternatives", zap.String("code", preferred), zap.Error(err))
			}
			return nil, &TakenError{Code: preferred, Alternatives: alts}
		}
		code = preferred
	} else {
		id, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire identifier: %w", err)
		}
		code = id.Code
	}

	now := s.now()
	qr := &domain.QRCode{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		Identifier: code,
		VPA:        s.codec.Format(code),
		CreatedAt:  now,
	}
	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		if err := q.InsertQRCode(ctx, qr); err != nil {
			return err
		}
		return q.MarkUsed(ctx, code, merchantID, now)
	})
	if err != nil {
		// The reservation outlives a cancelled request.
		if rerr := s.db.ReleaseCode(context.WithoutCancel(ctx), code); rerr != nil {
			s.log.Error("release identifier", zap.String("code", code), zap.Error(rerr))
		}
		return nil, fmt.Errorf("issue %s: %w", code, err)
	}

	s.log.Info("qr issued",
		zap.String("merchant_id", merchantID),
		zap.String("vpa", qr.VPA),
		zap.Bool("preferred", preferred != ""),
	)
	return qr, nil
}

// reservePreferred claims the code from the pool if it is sitting there
// unused, otherwise tries to reserve it outright.
func (s *Service) reservePreferred(ctx context.Context, code string) (bool, error) {
	ok, err := s.db.ClaimCode(ctx, code, s.now())
	if err != nil || ok {
		return ok, err
	}
	return s.db.ReserveCode(ctx, code, s.now())
}

// Resolve returns the QR record behind a payment address.
func (s *Service) Resolve(ctx context.Context, addr string) (*domain.QRCode, error) {
	code, err := s.codec.Extract(addr)
	if err != nil {
		return nil, err
	}
	qr, err := s.db.GetQRCodeByIdentifier(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, addr)
	}
	return qr, err
}
