package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpagate/vpagate/internal/domain"
)

// testBackends returns a fresh sqlite database and, when
// VPAGATE_TEST_POSTGRES_DSN is set, a truncated PostgreSQL database.
func testBackends(t *testing.T) map[string]*DB {
	t.Helper()
	backends := map[string]*DB{}

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	backends[DriverSQLite] = db

	if dsn := os.Getenv("VPAGATE_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(DriverPostgres, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		for _, table := range []string{"identifier_pool", "qr_codes", "transactions", "daily_aggregates", "reconciliation_audit"} {
			_, err := pg.sql.Exec("TRUNCATE " + table)
			require.NoError(t, err)
		}
		backends[DriverPostgres] = pg
	}
	return backends
}

func sampleTransaction(id string) *domain.WebhookTransaction {
	now := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	return &domain.WebhookTransaction{
		TransactionID:     id,
		MerchantID:        "M001",
		MerchantName:      "Chai Point",
		TerminalID:        "T01",
		BankReference:     "412345678901",
		MerchantTxnID:     "QRABCDE",
		QRReference:       "QRABCDE",
		Amount:            decimal.RequireFromString("150.50"),
		AmountMinor:       15050,
		Currency:          "INR",
		Status:            domain.StatusPending,
		StatusCode:        "01",
		StatusDescription: "Pending",
		PayerVPA:          "alice@okbank",
		PayerName:         "Alice",
		PayerMobile:       "9999999999",
		TransactionTime:   now,
		SettlementAmount:  decimal.Zero,
		PaymentMode:       "UPI",
		MerchantCategory:  "5411",
		TipAmount:         decimal.Zero,
		ConvenienceFee:    decimal.Zero,
		Checksum:          "abc",
		PayloadHash:       "hash-1",
		ReceivedAt:        now,
		UpdatedAt:         now,
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?,?)"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", postgresDialect.rebind(q))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}

func TestPoolClaims(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			_, err := db.ClaimUnused(ctx, now)
			assert.ErrorIs(t, err, domain.ErrNotFound, "empty pool")

			n, err := db.InsertUnused(ctx, []string{"AAAAA", "BBBBB", "CCCCC"}, now)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			n, err = db.InsertUnused(ctx, []string{"AAAAA", "DDDDD"}, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "existing codes are ignored")

			code, err := db.ClaimUnused(ctx, now)
			require.NoError(t, err)
			id, err := db.GetIdentifier(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, domain.IdentifierReserved, id.State)
			require.NotNil(t, id.ReservedAt)

			require.NoError(t, db.MarkUsed(ctx, code, "M001", now))
			assert.ErrorIs(t, db.MarkUsed(ctx, code, "M001", now), domain.ErrInvalidTransition)

			stats, err := db.PoolStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, domain.PoolStats{Unused: 3, Used: 1}, stats)

			seq, err := db.ClaimSequential(ctx, now, 10)
			require.NoError(t, err)
			assert.NotEqual(t, code, seq)

			ok, err := db.ClaimCode(ctx, seq, now)
			require.NoError(t, err)
			assert.False(t, ok, "already reserved")
		})
	}
}

func TestConcurrentClaimUnusedIsUnique(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 40

			codes := make([]string, n)
			for i := range codes {
				codes[i] = fmt.Sprintf("P%04d", i)
			}
			_, err := db.InsertUnused(ctx, codes, time.Now())
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				got  = map[string]int{}
				wg   sync.WaitGroup
				errs = make(chan error, n)
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := db.ClaimUnused(ctx, time.Now())
					if err != nil {
						errs <- err
						return
					}
					mu.Lock()
					got[c]++
					mu.Unlock()
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}
			assert.Len(t, got, n)
			for c, k := range got {
				assert.Equal(t, 1, k, "code %s claimed twice", c)
			}
		})
	}
}

func TestReserveCodeRespectsIssuedCodes(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, db.InsertQRCode(ctx, &domain.QRCode{
				ID: "qr-1", MerchantID: "M001", Identifier: "ISSUE", VPA: "pay.ISSUE@vpagate", CreatedAt: now,
			}))

			ok, err := db.ReserveCode(ctx, "ISSUE", now)
			require.NoError(t, err)
			assert.False(t, ok, "issued outside the pool")

			ok, err = db.ReserveCode(ctx, "FRESH", now)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = db.ReserveCode(ctx, "FRESH", now)
			require.NoError(t, err)
			assert.False(t, ok, "second reservation loses")

			exists, err := db.CodeExists(ctx, "ISSUE")
			require.NoError(t, err)
			assert.True(t, exists)

			taken, err := db.CodeTaken(ctx, "FRESH")
			require.NoError(t, err)
			assert.True(t, taken)

			_, err = db.InsertUnused(ctx, []string{"IDLE1"}, now)
			require.NoError(t, err)
			taken, err = db.CodeTaken(ctx, "IDLE1")
			require.NoError(t, err)
			assert.False(t, taken, "unused rows are still available")

			found, err := db.ExistingCodes(ctx, []string{"ISSUE", "FRESH", "IDLE1", "NOPE1"})
			require.NoError(t, err)
			assert.Equal(t, map[string]bool{"ISSUE": true, "FRESH": true, "IDLE1": true}, found)

			qr, err := db.GetQRCodeByIdentifier(ctx, "ISSUE")
			require.NoError(t, err)
			assert.Equal(t, "pay.ISSUE@vpagate", qr.VPA)
		})
	}
}

func TestTransactionInsertIfAbsent(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx := sampleTransaction("TXN-1")

			ok, err := db.InsertTransaction(ctx, tx)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = db.InsertTransaction(ctx, tx)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := db.GetTransaction(ctx, "M001", "TXN-1")
			require.NoError(t, err)
			assert.True(t, got.Amount.Equal(tx.Amount))
			assert.Equal(t, int64(15050), got.AmountMinor)
			assert.Equal(t, domain.StatusPending, got.Status)
			assert.True(t, got.TransactionTime.Equal(tx.TransactionTime))
			assert.Nil(t, got.SettlementTime)

			_, err = db.GetTransaction(ctx, "M999", "TXN-1")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			next := *tx
			next.Status = domain.StatusSuccess
			settled := tx.TransactionTime.Add(time.Hour)
			next.SettlementTime = &settled

			ok, err = db.UpdateTransactionStatus(ctx, domain.StatusPending, &next)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = db.UpdateTransactionStatus(ctx, domain.StatusPending, &next)
			require.NoError(t, err)
			assert.False(t, ok, "status moved on")

			got, err = db.GetTransactionByID(ctx, "TXN-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, got.Status)
			require.NotNil(t, got.SettlementTime)
		})
	}
}

func TestDailyAggregateAndRollback(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, db.IncrementDailyAggregate(ctx, "M001", "2024-05-02", 100, now))
			require.NoError(t, db.IncrementDailyAggregate(ctx, "M001", "2024-05-02", 250, now))

			agg, err := db.GetDailyAggregate(ctx, "M001", "2024-05-02")
			require.NoError(t, err)
			assert.Equal(t, int64(2), agg.TxnCount)
			assert.Equal(t, int64(350), agg.TotalAmountMinor)

			empty, err := db.GetDailyAggregate(ctx, "M001", "2024-05-03")
			require.NoError(t, err)
			assert.Zero(t, empty.TxnCount)

			boom := fmt.Errorf("boom")
			err = db.WithTx(ctx, func(q *Queries) error {
				if _, err := q.InsertTransaction(ctx, sampleTransaction("TXN-RB")); err != nil {
					return err
				}
				if err := q.IncrementDailyAggregate(ctx, "M001", "2024-05-02", 1000, now); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			_, err = db.GetTransactionByID(ctx, "TXN-RB")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			agg, err = db.GetDailyAggregate(ctx, "M001", "2024-05-02")
			require.NoError(t, err)
			assert.Equal(t, int64(350), agg.TotalAmountMinor)
		})
	}
}

func TestAuditAppend(t *testing.T) {
	for name, db := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, outcome := range []domain.Outcome{domain.OutcomeAccepted, domain.OutcomeUpdated} {
				require.NoError(t, db.InsertAudit(ctx, &domain.AuditEntry{
					ID:            fmt.Sprintf("a-%d", i),
					TransactionID: "TXN-A",
					MerchantID:    "M001",
					PayloadHash:   "h",
					Outcome:       outcome,
					CreatedAt:     base.Add(time.Duration(i) * time.Second),
				}))
			}
			entries, err := db.ListAudit(ctx, "TXN-A")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, domain.OutcomeAccepted, entries[0].Outcome)
			assert.Equal(t, domain.OutcomeUpdated, entries[1].Outcome)
		})
	}
}
