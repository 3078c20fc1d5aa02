package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/ingestion"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/webhook"
)

// fixture is one callback in delivery order with the outcome the service
// should report for it.
type fixture struct {
	Seq           int                `json:"seq"`
	TransactionID string             `json:"transaction_id"`
	MerchantID    string             `json:"merchant_id"`
	Status        string             `json:"status"`
	Amount        string             `json:"amount"`
	Expect        string             `json:"expect"`
	Envelope      ingestion.Envelope `json:"envelope"`
}

type merchant struct {
	domain.Merchant
	encHex, sumHex string
}

func main() {
	rng := rand.New(rand.NewPCG(42, 7))
	baseDir := findTestdataDir()

	// All callbacks fall on 2024-05-01 in IST. Replaying them needs
	// webhook.skip_freshness, which the generated config sets.
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, webhook.IST)

	merchants := []merchant{
		newMerchant(rng, "M001", "Chai Point"),
		newMerchant(rng, "M002", "Dosa Corner"),
		newMerchant(rng, "M003", "Filter Kaapi Co"),
	}
	strategy := validation.HMACSHA256{}
	enc := webhook.Encoder{Location: webhook.IST}

	var out []fixture
	emit := func(m merchant, tx *domain.WebhookTransaction, expect string, tamper bool) ingestion.Envelope {
		env, err := ingestion.Seal(m.Merchant, tx, strategy, enc)
		if err != nil {
			panic(err)
		}
		if tamper {
			env = tamperAmount(m.Merchant, tx, strategy, enc)
		}
		out = append(out, fixture{
			Seq:           len(out) + 1,
			TransactionID: tx.TransactionID,
			MerchantID:    m.ID,
			Status:        string(tx.Status),
			Amount:        tx.Amount.StringFixed(2),
			Expect:        expect,
			Envelope:      env,
		})
		return env
	}

	for i := 1; i <= 60; i++ {
		m := merchants[rng.IntN(len(merchants))]
		paise := 100 + rng.Int64N(500000)
		tx := &domain.WebhookTransaction{
			MerchantID:      m.ID,
			MerchantName:    m.Name,
			TerminalID:      fmt.Sprintf("T%04d", rng.IntN(50)+1),
			TransactionID:   fmt.Sprintf("UPI%09d", i),
			BankReference:   fmt.Sprintf("4%011d", rng.Int64N(1e11)),
			MerchantTxnID:   fmt.Sprintf("QR%03d", rng.IntN(200)),
			Amount:          decimal.New(paise, -2),
			Status:          domain.StatusPending,
			StatusCode:      "00",
			PayerVPA:        fmt.Sprintf("payer%d@okbank", rng.IntN(1000)),
			PayerName:       "Test Payer",
			PayerMobile:     fmt.Sprintf("98%08d", rng.IntN(1e8)),
			TransactionTime: start.Add(time.Duration(rng.IntN(12*60)) * time.Minute),
			PaymentMode:     "UPI",
		}

		// Lifecycle distribution: 70% pending then success, 15% straight to
		// success, 10% pending then failed, 5% tampered.
		roll := rng.Float64()
		switch {
		case roll < 0.70:
			emit(m, tx, "accepted", false)
			tx.Status = domain.StatusSuccess
			env := emit(m, tx, "updated", false)
			if rng.IntN(4) == 0 {
				// Redelivery of the exact same ciphertext.
				out = append(out, redeliver(out[len(out)-1], len(out)+1, env))
			}
			if rng.IntN(10) == 0 {
				tx.Status = domain.StatusRefunded
				emit(m, tx, "updated", false)
			}
		case roll < 0.85:
			tx.Status = domain.StatusSuccess
			emit(m, tx, "accepted", false)
		case roll < 0.95:
			emit(m, tx, "accepted", false)
			tx.Status = domain.StatusFailed
			emit(m, tx, "updated", false)
		default:
			tx.Status = domain.StatusSuccess
			emit(m, tx, "integrity_error", true)
		}
	}

	writeJSONFile(filepath.Join(baseDir, "callbacks.json"), out)
	fmt.Printf("Generated %d callbacks -> callbacks.json\n", len(out))

	writeIndexCSV(filepath.Join(baseDir, "callbacks.csv"), out)
	fmt.Printf("Wrote delivery index -> callbacks.csv\n")

	writeConfig(filepath.Join(baseDir, "vpagate.yaml"), merchants)
	fmt.Printf("Wrote merchant keyring -> vpagate.yaml\n")
}

func newMerchant(rng *rand.Rand, id, name string) merchant {
	key := make([]byte, 32)
	sum := make([]byte, 32)
	for i := range key {
		key[i] = byte(rng.IntN(256))
		sum[i] = byte(rng.IntN(256))
	}
	return merchant{
		Merchant: domain.Merchant{ID: id, Name: name, EncryptionKey: key, ChecksumKey: sum},
		encHex:   hex.EncodeToString(key),
		sumHex:   hex.EncodeToString(sum),
	}
}

// tamperAmount signs the original fields, then inflates the amount so the
// checksum no longer matches.
func tamperAmount(m domain.Merchant, tx *domain.WebhookTransaction, s validation.ChecksumStrategy, enc webhook.Encoder) ingestion.Envelope {
	fields := enc.Fields(tx)
	sum := validation.Sign(s, fields, m.ChecksumKey)
	fields[webhook.FieldAmount] = tx.Amount.Mul(decimal.NewFromInt(10)).StringFixed(2)
	ct, err := webhook.Encrypt(webhook.Format(fields, sum), m.EncryptionKey)
	if err != nil {
		panic(err)
	}
	return ingestion.Envelope{MerchantID: m.ID, EncryptedData: ct}
}

func redeliver(prev fixture, seq int, env ingestion.Envelope) fixture {
	prev.Seq = seq
	prev.Expect = "duplicate"
	prev.Envelope = env
	return prev
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func writeIndexCSV(path string, fixtures []fixture) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"seq", "transaction_id", "merchant_id", "status", "amount", "expect"})
	for _, fx := range fixtures {
		w.Write([]string{strconv.Itoa(fx.Seq), fx.TransactionID, fx.MerchantID, fx.Status, fx.Amount, fx.Expect})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		panic(err)
	}
}

// writeConfig emits a development config carrying the generated keys so
// the fixtures can be replayed against `vpagate serve`.
func writeConfig(path string, merchants []merchant) {
	v := viper.New()
	v.Set("env", "development")
	v.Set("webhook.skip_freshness", true)
	v.Set("webhook.timezone_offset", "+05:30")

	list := make([]map[string]any, 0, len(merchants))
	for _, m := range merchants {
		list = append(list, map[string]any{
			"id":             m.ID,
			"name":           m.Name,
			"encryption_key": m.encHex,
			"checksum_key":   m.sumHex,
		})
	}
	v.Set("merchants", list)

	if err := v.WriteConfigAs(path); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	candidates := []string{
		"testdata",
		"./testdata",
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	// Fallback.
	return "testdata"
}
