package ingestion

import (
	"fmt"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/webhook"
)

// Seal renders tx the way the bank does: fields signed with the merchant's
// checksum key, then encrypted with its encryption key. It backs the
// simulator and the fixture generator.
func Seal(m domain.Merchant, tx *domain.WebhookTransaction, s validation.ChecksumStrategy, enc webhook.Encoder) (Envelope, error) {
	fields := enc.Fields(tx)
	plain := webhook.Format(fields, validation.Sign(s, fields, m.ChecksumKey))
	ct, err := webhook.Encrypt(plain, m.EncryptionKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", tx.TransactionID, err)
	}
	return Envelope{MerchantID: m.ID, EncryptedData: ct}, nil
}
