package domain

import "time"

type IdentifierState string

const (
	IdentifierUnused   IdentifierState = "UNUSED"
	IdentifierReserved IdentifierState = "RESERVED"
	IdentifierUsed     IdentifierState = "USED"
)

// Identifier is a short code from the pool. It only moves forward
// UNUSED -> RESERVED -> USED and is never handed out twice.
type Identifier struct {
	Code       string          `json:"code"`
	State      IdentifierState `json:"state"`
	MerchantID string          `json:"merchant_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ReservedAt *time.Time      `json:"reserved_at,omitempty"`
	UsedAt     *time.Time      `json:"used_at,omitempty"`
}

// QRCode is the issuance record binding an identifier, and therefore its
// payment address, to a merchant.
type QRCode struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	Identifier string    `json:"identifier"`
	VPA        string    `json:"vpa"`
	CreatedAt  time.Time `json:"created_at"`
}

// PoolStats counts pool rows per state.
type PoolStats struct {
	Unused   int `json:"unused"`
	Reserved int `json:"reserved"`
	Used     int `json:"used"`
}
