package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/api"
	"github.com/vpagate/vpagate/internal/config"
	"github.com/vpagate/vpagate/internal/ingestion"
	"github.com/vpagate/vpagate/internal/lock"
	"github.com/vpagate/vpagate/internal/notify"
	"github.com/vpagate/vpagate/internal/pool"
	"github.com/vpagate/vpagate/internal/qr"
	"github.com/vpagate/vpagate/internal/reconciliation"
	"github.com/vpagate/vpagate/internal/repository"
	"github.com/vpagate/vpagate/internal/validation"
	"github.com/vpagate/vpagate/internal/vpa"
	"github.com/vpagate/vpagate/internal/webhook"
)

const redisLockPrefix = "vpagate:lock:"

// app holds every long-lived dependency, built once at startup and torn
// down in reverse order by close.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *repository.DB
	keys   *ingestion.Keyring
	pool   *pool.Manager
	engine *reconciliation.Engine
	ingest *ingestion.Service
	qr     *qr.Service

	sink    *notify.AsyncSink
	closers []func(ctx context.Context) error
}

// newStorage opens the database and the pool manager only. It backs the
// pool subcommands, which need no merchant keys. Without withLock no
// advisory lock is opened, so the subcommands run beside a serving process
// that holds the Bolt file.
func newStorage(cfg *config.Config, log *zap.Logger, withLock bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	db, err := repository.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	var locker lock.Locker
	if withLock {
		locker, err = a.openLocker()
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
	}

	a.pool = pool.NewManager(db, locker, log, pool.Options{
		MinUnused:   cfg.Pool.MinUnused,
		RefillBatch: cfg.Pool.RefillBatch,
		MaxAttempts: cfg.Pool.MaxAttempts,
		ScanLimit:   cfg.Pool.ScanLimit,
		LockTTL:     cfg.Lock.TTL,
	})
	return a, nil
}

// newApp builds the full service graph. The configuration must already
// have passed Validate.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	merchants, err := cfg.MerchantKeys()
	if err != nil {
		return nil, err
	}
	strategy, err := validation.StrategyByName(cfg.Webhook.Checksum)
	if err != nil {
		return nil, err
	}
	lo, hi, err := cfg.Webhook.AmountBounds()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Webhook.Location()
	if err != nil {
		return nil, err
	}

	a, err := newStorage(cfg, log, true)
	if err != nil {
		return nil, err
	}

	sink, err := a.openSink(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.keys = ingestion.NewKeyring(merchants)
	a.engine = reconciliation.NewEngine(a.db, sink, log, loc)
	a.ingest = ingestion.NewService(
		a.keys,
		webhook.Decoder{Location: loc},
		validation.New(validation.Options{
			Checksum:      strategy,
			MaxAge:        cfg.Webhook.MaxAge,
			SkipFreshness: cfg.Webhook.SkipFreshness,
			MinAmount:     lo,
			MaxAmount:     hi,
		}),
		a.engine,
		cfg.Webhook.Currency,
		log,
	)
	a.qr = qr.NewService(a.db, a.pool, vpa.NewCodec(cfg.VPA.Prefix, cfg.VPA.Suffix), log)
	return a, nil
}

func (a *app) openLocker() (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Lock.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return lock.NewRedisLocker(client, redisLockPrefix), nil
	case "bolt":
		bl, err := lock.OpenBolt(a.cfg.Lock.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return bl.Close() })
		return bl, nil
	case "none", "":
		a.log.Warn("no advisory lock configured, allocation uses the sequential fallback only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
	}
}

// openSink always logs events and additionally stores them in MongoDB when
// a URI is configured. Delivery is asynchronous.
func (a *app) openSink(ctx context.Context) (notify.Sink, error) {
	sinks := notify.Multi{notify.NewLogSink(a.log)}
	if uri := a.cfg.Notify.MongoURI; uri != "" {
		ms, err := notify.DialMongo(ctx, uri, a.cfg.Notify.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ms.Close)
		sinks = append(sinks, ms)
	}
	a.sink = notify.NewAsyncSink(sinks, a.cfg.Notify.QueueSize, a.log)
	return a.sink, nil
}

func (a *app) router() http.Handler {
	return api.NewRouter(a.ingest, a.qr, a.engine, a.pool, a.log)
}

// close waits for background refills, drains queued events and releases
// resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Wait()
	}
	var errs []error
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
