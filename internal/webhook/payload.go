package webhook

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpagate/vpagate/internal/domain"
)

// Positions of the fields in the decrypted record.
const (
	FieldMerchantID = iota
	FieldMerchantName
	FieldTerminalID
	FieldTransactionID
	FieldBankReference
	FieldMerchantTxnID
	FieldAmount
	FieldStatus
	FieldStatusCode
	FieldStatusDescription
	FieldPayerVPA
	FieldPayerName
	FieldPayerMobile
	FieldTransactionTime
	FieldSettlementAmount
	FieldSettlementTime
	FieldPaymentMode
	FieldMerchantCategory
	FieldTipAmount
	FieldConvenienceFee
	FieldChecksum

	// FieldCount is the exact number of fields, checksum included.
	FieldCount
)

// Separator delimits fields in the plaintext record.
const Separator = "|"

// TimeLayout is the bank's timestamp format. Timestamps carry no zone and
// are read in the decoder's location.
const TimeLayout = "2006-01-02 15:04:05"

// IST is the bank's default timezone.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Payload is a decoded callback. Fields holds the signed fields (everything
// before the checksum) exactly as received.
type Payload struct {
	Fields   []string
	Checksum string
	Txn      *domain.WebhookTransaction
}

// Decoder parses plaintext records. The zero value reads timestamps in IST.
type Decoder struct {
	Location *time.Location
}

// Parse decodes a plaintext record with the default Decoder.
func Parse(plaintext []byte) (*Payload, error) {
	return Decoder{}.Parse(plaintext)
}

// Parse splits the record and interprets each field. The field count is
// checked before anything else.
func (d Decoder) Parse(plaintext []byte) (*Payload, error) {
	loc := d.Location
	if loc == nil {
		loc = IST
	}

	raw := strings.Split(strings.TrimRight(string(plaintext), "\r\n"), Separator)
	if len(raw) != FieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", domain.ErrFormat, FieldCount, len(raw))
	}
	// The checksum covers the raw fields; only the interpreted values are
	// trimmed.
	parts := make([]string, len(raw))
	for i, f := range raw {
		parts[i] = strings.TrimSpace(f)
	}

	tx := &domain.WebhookTransaction{
		MerchantID:        parts[FieldMerchantID],
		MerchantName:      parts[FieldMerchantName],
		TerminalID:        parts[FieldTerminalID],
		TransactionID:     parts[FieldTransactionID],
		BankReference:     parts[FieldBankReference],
		MerchantTxnID:     parts[FieldMerchantTxnID],
		QRReference:       parts[FieldMerchantTxnID],
		StatusCode:        parts[FieldStatusCode],
		StatusDescription: parts[FieldStatusDescription],
		PayerVPA:          parts[FieldPayerVPA],
		PayerName:         parts[FieldPayerName],
		PayerMobile:       parts[FieldPayerMobile],
		PaymentMode:       parts[FieldPaymentMode],
		MerchantCategory:  parts[FieldMerchantCategory],
		Checksum:          parts[FieldChecksum],
	}
	if tx.MerchantID == "" {
		return nil, fmt.Errorf("%w: empty merchant id", domain.ErrFormat)
	}
	if tx.TransactionID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", domain.ErrFormat)
	}

	var err error
	if tx.Status, err = NormalizeStatus(parts[FieldStatus]); err != nil {
		return nil, err
	}
	if tx.Amount, err = parseAmount("amount", parts[FieldAmount], true); err != nil {
		return nil, err
	}
	if tx.SettlementAmount, err = parseAmount("settlement amount", parts[FieldSettlementAmount], false); err != nil {
		return nil, err
	}
	if tx.TipAmount, err = parseAmount("tip amount", parts[FieldTipAmount], false); err != nil {
		return nil, err
	}
	if tx.ConvenienceFee, err = parseAmount("convenience fee", parts[FieldConvenienceFee], false); err != nil {
		return nil, err
	}

	tx.TransactionTime, err = parseTime(parts[FieldTransactionTime], loc)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction time: %v", domain.ErrFormat, err)
	}
	if s := parts[FieldSettlementTime]; s != "" {
		st, err := parseTime(s, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: settlement time: %v", domain.ErrFormat, err)
		}
		tx.SettlementTime = &st
	}

	return &Payload{
		Fields:   raw[:FieldChecksum],
		Checksum: raw[FieldChecksum],
		Txn:      tx,
	}, nil
}

// NormalizeStatus maps the bank's status spellings onto TransactionStatus.
func NormalizeStatus(s string) (domain.TransactionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "S":
		return domain.StatusSuccess, nil
	case "FAILURE", "FAILED", "F":
		return domain.StatusFailed, nil
	case "PENDING", "P":
		return domain.StatusPending, nil
	case "TIMEOUT", "T":
		return domain.StatusTimeout, nil
	case "REFUNDED":
		return domain.StatusRefunded, nil
	case "PARTIAL_REFUNDED":
		return domain.StatusPartialRefunded, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", domain.ErrFormat, s)
}

func parseAmount(name, s string, required bool) (decimal.Decimal, error) {
	if s == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%w: empty %s", domain.ErrFormat, name)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q: %v", domain.ErrFormat, name, s, err)
	}
	return d, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, loc)
	if err != nil {
		// Some bank environments send ISO timestamps with an offset.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t, nil
}
