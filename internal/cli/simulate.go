package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vpagate/vpagate/internal/config"
	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/ingestion"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/webhook"
)

type simulateOptions struct {
	merchantID    string
	transactionID string
	qrReference   string
	amount        string
	status        string
	age           time.Duration
	url           string
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Build a signed, encrypted bank callback",
		Long: `Builds a callback exactly as the bank would send it, using the configured
merchant keys and checksum strategy. The envelope is printed, or posted to
--url when given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			env, err := buildEnvelope(cfg, opts, time.Now())
			if err != nil {
				return err
			}
			if opts.url == "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(env)
			}
			return post(cmd.OutOrStdout(), opts.url, env)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.merchantID, "merchant", "m", "", "Merchant id (defaults to the first configured merchant)")
	f.StringVar(&opts.transactionID, "txn", "", "Bank transaction id (random when empty)")
	f.StringVar(&opts.qrReference, "qr", "", "Identifier the payer scanned")
	f.StringVarP(&opts.amount, "amount", "a", "100.00", "Amount in major units")
	f.StringVarP(&opts.status, "status", "s", "SUCCESS", "Reported status")
	f.DurationVar(&opts.age, "age", 0, "How long ago the transaction happened")
	f.StringVar(&opts.url, "url", "", "Callback endpoint to post to")
	return cmd
}

func buildEnvelope(cfg *config.Config, opts *simulateOptions, now time.Time) (ingestion.Envelope, error) {
	merchants, err := cfg.MerchantKeys()
	if err != nil {
		return ingestion.Envelope{}, err
	}
	m := merchants[0]
	if opts.merchantID != "" {
		found := false
		for _, c := range merchants {
			if c.ID == opts.merchantID {
				m, found = c, true
				break
			}
		}
		if !found {
			return ingestion.Envelope{}, fmt.Errorf("%w: %s", domain.ErrUnknownMerchant, opts.merchantID)
		}
	}

	strategy, err := validation.StrategyByName(cfg.Webhook.Checksum)
	if err != nil {
		return ingestion.Envelope{}, err
	}
	loc, err := cfg.Webhook.Location()
	if err != nil {
		return ingestion.Envelope{}, err
	}
	amount, err := decimal.NewFromString(opts.amount)
	if err != nil {
		return ingestion.Envelope{}, fmt.Errorf("amount %q: %w", opts.amount, err)
	}
	status, err := webhook.NormalizeStatus(opts.status)
	if err != nil {
		return ingestion.Envelope{}, err
	}

	txnID := opts.transactionID
	if txnID == "" {
		txnID = "SIM" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}

	tx := &domain.WebhookTransaction{
		MerchantID:      m.ID,
		MerchantName:    m.Name,
		TerminalID:      "SIM0001",
		TransactionID:   txnID,
		BankReference:   fmt.Sprintf("%012d", now.UnixNano()%1e12),
		MerchantTxnID:   opts.qrReference,
		Amount:          amount,
		Status:          status,
		StatusCode:      "00",
		PayerVPA:        "payer@simbank",
		PayerName:       "Simulated Payer",
		TransactionTime: now.Add(-opts.age),
		PaymentMode:     "UPI",
	}
	return ingestion.Seal(m, tx, strategy, webhook.Encoder{Location: loc})
}

func post(out io.Writer, url string, env ingestion.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback rejected with %s", resp.Status)
	}
	return nil
}
