// Package validation checks decoded callbacks before anything is stored:
// checksum first, then freshness, then amount.
package validation

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/webhook"
)

const (
	DefaultMaxAge     = 24 * time.Hour
	DefaultFutureSkew = 5 * time.Minute
)

var (
	DefaultMinAmount = decimal.RequireFromString("1.00")
	DefaultMaxAmount = decimal.RequireFromString("100000.00")
)

// Options configures a Validator. Zero durations and amounts take the
// package defaults.
type Options struct {
	Checksum      ChecksumStrategy
	MaxAge        time.Duration
	FutureSkew    time.Duration
	SkipFreshness bool
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
}

type Validator struct {
	checksum      ChecksumStrategy
	maxAge        time.Duration
	futureSkew    time.Duration
	skipFreshness bool
	lo, hi        decimal.Decimal
}

func New(opts Options) *Validator {
	v := &Validator{
		checksum:      opts.Checksum,
		maxAge:        opts.MaxAge,
		futureSkew:    opts.FutureSkew,
		skipFreshness: opts.SkipFreshness,
		lo:            opts.MinAmount,
		hi:            opts.MaxAmount,
	}
	if v.checksum == nil {
		v.checksum = HMACSHA256{}
	}
	if v.maxAge <= 0 {
		v.maxAge = DefaultMaxAge
	}
	if v.futureSkew <= 0 {
		v.futureSkew = DefaultFutureSkew
	}
	if v.lo.IsZero() {
		v.lo = DefaultMinAmount
	}
	if v.hi.IsZero() {
		v.hi = DefaultMaxAmount
	}
	return v
}

// Strategy returns the checksum strategy in use.
func (v *Validator) Strategy() ChecksumStrategy { return v.checksum }

// VerifyChecksum recomputes the digest over fields and compares it with the
// received hex value in constant time.
func (v *Validator) VerifyChecksum(fields []string, received string, key []byte) error {
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: checksum is not hex", domain.ErrIntegrity)
	}
	if !hmac.Equal(got, v.checksum.Sum(fields, key)) {
		return fmt.Errorf("%w: checksum mismatch", domain.ErrIntegrity)
	}
	return nil
}

// VerifyFreshness rejects timestamps older than the maximum age or too far
// in the future.
func (v *Validator) VerifyFreshness(ts, now time.Time) error {
	if v.skipFreshness {
		return nil
	}
	if age := now.Sub(ts); age > v.maxAge {
		return fmt.Errorf("%w: transaction time %s is %s old", domain.ErrValidation,
			ts.Format(time.RFC3339), age.Truncate(time.Second))
	}
	if ts.Sub(now) > v.futureSkew {
		return fmt.Errorf("%w: transaction time %s is in the future", domain.ErrValidation,
			ts.Format(time.RFC3339))
	}
	return nil
}

// VerifyAmount checks lo <= amount <= hi and amount > 0.
func VerifyAmount(amount, lo, hi decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s must be positive", domain.ErrValidation, amount)
	}
	if amount.LessThan(lo) || amount.GreaterThan(hi) {
		return fmt.Errorf("%w: amount %s outside [%s, %s]", domain.ErrValidation, amount, lo, hi)
	}
	return nil
}

// Validate runs every check against the payload and stops at the first
// failure. It never touches storage.
func (v *Validator) Validate(p *webhook.Payload, m domain.Merchant, now time.Time) error {
	if err := v.VerifyChecksum(p.Fields, p.Checksum, m.ChecksumKey); err != nil {
		return err
	}
	if err := v.VerifyFreshness(p.Txn.TransactionTime, now); err != nil {
		return err
	}
	return VerifyAmount(p.Txn.Amount, v.lo, v.hi)
}
