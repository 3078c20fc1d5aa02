package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/ingestion"
	"github.com/vpagate/vpagate/internal/pool"
	"github.com/vpagate/vpagate/internal/qr"
	"github.com/vpagate/vpagate/internal/reconciliation"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	ingestSvc *ingestion.Service,
	qrSvc *qr.Service,
	engine *reconciliation.Engine,
	poolMgr *pool.Manager,
	log *zap.Logger,
) http.Handler {
	h := &Handlers{
		ingest: ingestSvc,
		qr:     qrSvc,
		engine: engine,
		pool:   poolMgr,
		log:    log.Named("api"),
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Bank callbacks.
		r.Post("/webhooks/bank", h.BankWebhook)

		// Merchants.
		r.Route("/merchants/{merchantID}", func(r chi.Router) {
			r.Post("/qr", h.IssueQR)
			r.Get("/transactions/{transactionID}", h.GetTransaction)
			r.Get("/aggregates/{day}", h.GetDailyAggregate)
		})

		// Identifiers.
		r.Get("/vpa/{vpa}", h.ResolveVPA)
		r.Get("/pool/stats", h.PoolStats)
	})

	return r
}

// requestLogger logs one line per request after the handler returns.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
