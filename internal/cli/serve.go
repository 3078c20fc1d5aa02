package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Starts the HTTP API: bank callbacks, QR issuance and lookups.

Startup fails when no merchant key is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if n, err := a.pool.EnsureCapacity(ctx); err != nil {
		log.Warn("initial pool refill failed", zap.Error(err))
	} else if n > 0 {
		log.Info("pool topped up", zap.Int("inserted", n))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("db", a.db.Driver()),
			zap.Int("merchants", a.keys.Len()),
			zap.String("lock", cfg.Lock.Backend),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
