package webhook

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpagate/vpagate/internal/domain"
)

// Encoder renders transactions in the bank's record layout. The zero value
// writes timestamps in IST.
type Encoder struct {
	Location *time.Location
}

// Fields returns the signed fields for tx, in position order.
func (e Encoder) Fields(tx *domain.WebhookTransaction) []string {
	loc := e.Location
	if loc == nil {
		loc = IST
	}

	f := make([]string, FieldChecksum)
	f[FieldMerchantID] = tx.MerchantID
	f[FieldMerchantName] = tx.MerchantName
	f[FieldTerminalID] = tx.TerminalID
	f[FieldTransactionID] = tx.TransactionID
	f[FieldBankReference] = tx.BankReference
	f[FieldMerchantTxnID] = tx.MerchantTxnID
	f[FieldAmount] = formatAmount(tx.Amount)
	f[FieldStatus] = string(tx.Status)
	f[FieldStatusCode] = tx.StatusCode
	f[FieldStatusDescription] = tx.StatusDescription
	f[FieldPayerVPA] = tx.PayerVPA
	f[FieldPayerName] = tx.PayerName
	f[FieldPayerMobile] = tx.PayerMobile
	f[FieldTransactionTime] = tx.TransactionTime.In(loc).Format(TimeLayout)
	f[FieldSettlementAmount] = optionalAmount(tx.SettlementAmount)
	if tx.SettlementTime != nil {
		f[FieldSettlementTime] = tx.SettlementTime.In(loc).Format(TimeLayout)
	}
	f[FieldPaymentMode] = tx.PaymentMode
	f[FieldMerchantCategory] = tx.MerchantCategory
	f[FieldTipAmount] = optionalAmount(tx.TipAmount)
	f[FieldConvenienceFee] = optionalAmount(tx.ConvenienceFee)
	return f
}

// Format joins the signed fields and the checksum into a plaintext record.
func Format(fields []string, checksum string) []byte {
	return []byte(strings.Join(fields, Separator) + Separator + checksum)
}

func optionalAmount(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return formatAmount(d)
}

// formatAmount writes at least two decimal places and never rounds.
func formatAmount(d decimal.Decimal) string {
	places := int32(2)
	if e := -d.Exponent(); e > places {
		places = e
	}
	return d.StringFixed(places)
}
