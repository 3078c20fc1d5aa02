package ingestion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/notify"
	"github.com/vpagate/vpagate/internal/reconciliation"
	"github.com/vpagate/vpagate/internal/repository"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/webhook"
)

var (
	chai = domain.Merchant{
		ID:            "M001",
		Name:          "Chai Point",
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
		ChecksumKey:   []byte("chai-checksum"),
	}
	dosa = domain.Merchant{
		ID:            "M002",
		Name:          "Dosa Corner",
		EncryptionKey: []byte("fedcba9876543210"),
		ChecksumKey:   []byte("dosa-checksum"),
	}
)

type fixture struct {
	svc    *Service
	db     *repository.DB
	engine *reconciliation.Engine
}

func newFixture(t *testing.T, merchants ...domain.Merchant) *fixture {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zaptest.NewLogger(t)
	engine := reconciliation.NewEngine(db, notify.Nop{}, log, webhook.IST)
	svc := NewService(NewKeyring(merchants), webhook.Decoder{}, validation.New(validation.Options{}), engine, "INR", log)
	return &fixture{svc: svc, db: db, engine: engine}
}

func callback(m domain.Merchant, id string, status domain.TransactionStatus, amount string) *domain.WebhookTransaction {
	return &domain.WebhookTransaction{
		MerchantID:      m.ID,
		MerchantName:    m.Name,
		TransactionID:   id,
		BankReference:   "412345678901",
		MerchantTxnID:   "QRABCDE",
		Amount:          decimal.RequireFromString(amount),
		Status:          status,
		StatusCode:      "00",
		PayerVPA:        "alice@okbank",
		TransactionTime: time.Now().Add(-time.Minute),
		PaymentMode:     "UPI",
	}
}

// seal renders tx as the bank would, optionally tampering with the signed
// fields after the checksum was computed.
func seal(t *testing.T, m domain.Merchant, tx *domain.WebhookTransaction, tamper func([]string)) string {
	t.Helper()
	fields := webhook.Encoder{}.Fields(tx)
	sum := validation.Sign(validation.HMACSHA256{}, fields, m.ChecksumKey)
	if tamper != nil {
		tamper(fields)
	}
	ct, err := webhook.Encrypt(webhook.Format(fields, sum), m.EncryptionKey)
	require.NoError(t, err)
	return ct
}

func TestIngestSuccess(t *testing.T) {
	f := newFixture(t, chai, dosa)
	ctx := context.Background()

	env := Envelope{MerchantID: "M001", EncryptedData: seal(t, chai, callback(chai, "TXN-1", domain.StatusSuccess, "150.50"), nil)}
	res, err := f.svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)

	stored, err := f.engine.Lookup(ctx, "M001", "TXN-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.Equal(t, int64(15050), stored.AmountMinor)
	assert.Equal(t, "INR", stored.Currency)
	assert.Equal(t, "QRABCDE", stored.QRReference)
	assert.Len(t, stored.PayloadHash, 64)

	day := stored.TransactionTime.In(webhook.IST).Format("2006-01-02")
	agg, err := f.engine.DailyAggregate(ctx, "M001", day)
	require.NoError(t, err)
	assert.Equal(t, int64(15050), agg.TotalAmountMinor)

	// Same bytes again.
	res, err = f.svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	agg, err = f.engine.DailyAggregate(ctx, "M001", day)
	require.NoError(t, err)
	assert.Equal(t, int64(15050), agg.TotalAmountMinor)
}

func TestIngestTamperedAmountIsRejected(t *testing.T) {
	f := newFixture(t, chai)
	ctx := context.Background()

	ct := seal(t, chai, callback(chai, "TXN-2", domain.StatusSuccess, "150.50"), func(fields []string) {
		fields[webhook.FieldAmount] = "15050.00"
	})
	_, err := f.svc.Ingest(ctx, Envelope{MerchantID: "M001", EncryptedData: ct})
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	n, err := f.db.CountTransactions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestRejections(t *testing.T) {
	f := newFixture(t, chai, dosa)
	good := callback(chai, "TXN-3", domain.StatusSuccess, "150.50")

	stale := callback(chai, "TXN-4", domain.StatusSuccess, "150.50")
	stale.TransactionTime = time.Now().Add(-48 * time.Hour)

	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{"unknown merchant", Envelope{MerchantID: "M999", EncryptedData: seal(t, chai, good, nil)}, domain.ErrUnknownMerchant},
		{"missing merchant with several configured", Envelope{EncryptedData: seal(t, chai, good, nil)}, domain.ErrUnknownMerchant},
		{"empty payload", Envelope{MerchantID: "M001"}, domain.ErrFormat},
		{"not base64", Envelope{MerchantID: "M001", EncryptedData: "***"}, domain.ErrFormat},
		{"merchant mismatch", Envelope{MerchantID: "M002", EncryptedData: seal(t, dosa, good, nil)}, domain.ErrIntegrity},
		{"stale", Envelope{MerchantID: "M001", EncryptedData: seal(t, chai, stale, nil)}, domain.ErrValidation},
		{"over limit", Envelope{MerchantID: "M001", EncryptedData: seal(t, chai, callback(chai, "TXN-5", domain.StatusSuccess, "250000.00"), nil)}, domain.ErrValidation},
		{"sub-paise amount", Envelope{MerchantID: "M001", EncryptedData: seal(t, chai, callback(chai, "TXN-6", domain.StatusSuccess, "10.005"), nil)}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Ingest(context.Background(), tt.env)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, err := f.db.CountTransactions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestSoleMerchantDefault(t *testing.T) {
	f := newFixture(t, chai)
	res, err := f.svc.Ingest(context.Background(), Envelope{
		EncryptedData: seal(t, chai, callback(chai, "TXN-7", domain.StatusPending, "99.00"), nil),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
}

func TestSealUsesConfiguredStrategy(t *testing.T) {
	f := newFixture(t, chai)
	ctx := context.Background()

	env, err := Seal(chai, callback(chai, "TXN-8", domain.StatusSuccess, "12.00"), validation.HMACSHA256{}, webhook.Encoder{})
	require.NoError(t, err)
	assert.Equal(t, "M001", env.MerchantID)
	res, err := f.svc.Ingest(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)

	// Signed with a strategy the service does not use.
	env, err = Seal(chai, callback(chai, "TXN-9", domain.StatusSuccess, "12.00"), validation.SaltedSHA256{}, webhook.Encoder{})
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, env)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}
