package domain

// Merchant holds the keys shared with the bank for one merchant account.
type Merchant struct {
	ID            string
	Name          string
	EncryptionKey []byte
	ChecksumKey   []byte
}
