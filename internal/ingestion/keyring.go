package ingestion

import (
	"fmt"

	"github.com/vpagate/vpagate/internal/domain"
)

// Keyring holds the configured merchants and their shared keys.
type Keyring struct {
	merchants map[string]domain.Merchant
	sole      *domain.Merchant
}

func NewKeyring(merchants []domain.Merchant) *Keyring {
	k := &Keyring{merchants: make(map[string]domain.Merchant, len(merchants))}
	for _, m := range merchants {
		k.merchants[m.ID] = m
	}
	if len(merchants) == 1 {
		m := merchants[0]
		k.sole = &m
	}
	return k
}

// Lookup returns the merchant for id. An empty id resolves to the only
// configured merchant, if there is exactly one.
func (k *Keyring) Lookup(id string) (domain.Merchant, error) {
	if id == "" {
		if k.sole == nil {
			return domain.Merchant{}, fmt.Errorf("%w: merchantId is required", domain.ErrUnknownMerchant)
		}
		return *k.sole, nil
	}
	m, ok := k.merchants[id]
	if !ok {
		return domain.Merchant{}, fmt.Errorf("%w: %s", domain.ErrUnknownMerchant, id)
	}
	return m, nil
}

func (k *Keyring) Len() int { return len(k.merchants) }
