// Package pool hands out short identifiers for payment addresses. Storage
// arbitrates every claim; the advisory lock only keeps concurrent
// allocators from racing on the same random candidate.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vpagate/vpagate/internal/domain"
	"github.com/vpagate/vpagate/internal/lock"
	"github.com/vpagate/vpagate/internal/vpa"
)

const (
	DefaultMinUnused   = 1000
	DefaultRefillBatch = 5000
	DefaultMaxAttempts = 10
	DefaultScanLimit   = 4096

	sequentialPoolLimit = 64
	refillTimeout       = 2 * time.Minute
	candidateLockPrefix = "vpa:candidate:"
)

// Store is the part of storage the manager needs. *repository.DB satisfies
// it.
type Store interface {
	ClaimUnused(ctx context.Context, now time.Time) (string, error)
	ClaimSequential(ctx context.Context, now time.Time, limit int) (string, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	ReserveCode(ctx context.Context, code string, now time.Time) (bool, error)
	ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error)
	InsertUnused(ctx context.Context, codes []string, now time.Time) (int, error)
	CountUnused(ctx context.Context) (int, error)
	PoolStats(ctx context.Context) (domain.PoolStats, error)
}

// Options tunes a Manager. Zero values take the package defaults; a
// negative MinUnused turns background refills off.
type Options struct {
	MinUnused   int
	RefillBatch int
	MaxAttempts int
	ScanLimit   int
	LockTTL     time.Duration
}

type Manager struct {
	store  Store
	locker lock.Locker
	log    *zap.Logger

	minUnused   int
	refillBatch int
	maxAttempts int
	scanLimit   int
	lockTTL     time.Duration

	refilling atomic.Bool
	wg        sync.WaitGroup

	now         func() time.Time
	randomCode  func() string
	randomIndex func() int
}

// NewManager builds a manager. locker may be nil, in which case the random
// step is skipped and allocation goes straight to the sequential fallback.
func NewManager(store Store, locker lock.Locker, log *zap.Logger, opts Options) *Manager {
	m := &Manager{
		store:       store,
		locker:      locker,
		log:         log.Named("pool"),
		minUnused:   opts.MinUnused,
		refillBatch: opts.RefillBatch,
		maxAttempts: opts.MaxAttempts,
		scanLimit:   opts.ScanLimit,
		lockTTL:     opts.LockTTL,
		now:         time.Now,
		randomCode:  vpa.RandomCode,
		randomIndex: func() int { return rand.IntN(vpa.SpaceSize) },
	}
	if m.minUnused == 0 {
		m.minUnused = DefaultMinUnused
	}
	if m.refillBatch <= 0 {
		m.refillBatch = DefaultRefillBatch
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.scanLimit <= 0 {
		m.scanLimit = DefaultScanLimit
	}
	if m.lockTTL <= 0 {
		m.lockTTL = lock.DefaultTTL
	}
	return m
}

// Acquire reserves one identifier. It tries, in order: the pre-generated
// pool, random candidates under the advisory lock, a locked scan of the
// pool, and a walk of the code space. Returns domain.ErrAllocationExhausted
// when all of them come up empty.
func (m *Manager) Acquire(ctx context.Context) (domain.Identifier, error) {
	defer m.MaybeRefill()

	code, err := m.claim(ctx)
	if err != nil {
		return domain.Identifier{}, err
	}
	now := m.now()
	return domain.Identifier{
		Code:       code,
		State:      domain.IdentifierReserved,
		CreatedAt:  now,
		ReservedAt: &now,
	}, nil
}

func (m *Manager) claim(ctx context.Context) (string, error) {
	code, err := m.store.ClaimUnused(ctx, m.now())
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("claim from pool: %w", err)
	}

	m.log.Warn("pool empty, generating candidates")

	code, err = m.claimRandom(ctx)
	if err != nil || code != "" {
		return code, err
	}

	code, err = m.store.ClaimSequential(ctx, m.now(), sequentialPoolLimit)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("sequential claim: %w", err)
	}

	return m.walk(ctx)
}

// claimRandom returns "" with a nil error when the random step gave up
// without a failure worth surfacing.
func (m *Manager) claimRandom(ctx context.Context) (string, error) {
	if m.locker == nil {
		return "", nil
	}
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		candidate := m.randomCode()
		ok, err := m.tryCandidate(ctx, candidate)
		switch {
		case errors.Is(err, domain.ErrLockTimeout):
			m.log.Debug("candidate locked", zap.String("code", candidate), zap.Int("attempt", attempt))
			continue
		case errors.Is(err, domain.ErrLockUnavailable):
			m.log.Warn("lock service unavailable, falling back to sequential scan", zap.Error(err))
			return "", nil
		case err != nil:
			return "", err
		case ok:
			return candidate, nil
		}
	}
	m.log.Warn("random candidates exhausted", zap.Int("attempts", m.maxAttempts))
	return "", nil
}

func (m *Manager) tryCandidate(ctx context.Context, code string) (bool, error) {
	h, err := m.locker.Acquire(ctx, candidateLockPrefix+code, m.lockTTL)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("release candidate lock", zap.String("key", h.Key()), zap.Error(err))
		}
	}()

	exists, err := m.store.CodeExists(ctx, code)
	if err != nil {
		return false, fmt.Errorf("check candidate %s: %w", code, err)
	}
	if exists {
		return false, nil
	}
	ok, err := m.store.ReserveCode(ctx, code, m.now())
	if err != nil {
		return false, fmt.Errorf("reserve candidate %s: %w", code, err)
	}
	return ok, nil
}

// walk reserves the first free code after a random starting point. It
// looks at no more than scanLimit codes, so exhaustion can be reported
// while free codes remain beyond the scanned window.
func (m *Manager) walk(ctx context.Context) (string, error) {
	start := m.randomIndex()
	for i := 0; i < m.scanLimit; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code := vpa.CodeAt(start + i)
		ok, err := m.store.ReserveCode(ctx, code, m.now())
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", code, err)
		}
		if ok {
			return code, nil
		}
	}
	m.log.Error("identifier allocation exhausted", zap.Int("scan_limit", m.scanLimit))
	return "", domain.ErrAllocationExhausted
}

// Refill generates n distinct candidates, drops any already known, and
// adds the rest to the pool as UNUSED. Returns how many were inserted.
func (m *Manager) Refill(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if n > vpa.SpaceSize {
		n = vpa.SpaceSize
	}

	seen := make(map[string]bool, n)
	codes := make([]string, 0, n)
	for len(codes) < n {
		c := m.randomCode()
		if seen[c] {
			continue
		}
		seen[c] = true
		codes = append(codes, c)
	}

	existing, err := m.store.ExistingCodes(ctx, codes)
	if err != nil {
		return 0, fmt.Errorf("check existing: %w", err)
	}
	fresh := codes[:0]
	for _, c := range codes {
		if !existing[c] {
			fresh = append(fresh, c)
		}
	}

	inserted, err := m.store.InsertUnused(ctx, fresh, m.now())
	if err != nil {
		return inserted, fmt.Errorf("insert: %w", err)
	}
	m.log.Info("pool refilled",
		zap.Int("requested", n),
		zap.Int("collisions", len(existing)),
		zap.Int("inserted", inserted),
	)
	return inserted, nil
}

// MaybeRefill starts a background refill when the pool is running low. It
// returns at once; at most one refill runs at a time.
func (m *Manager) MaybeRefill() {
	if m.minUnused < 0 {
		return
	}
	if !m.refilling.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refilling.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), refillTimeout)
		defer cancel()

		if _, err := m.refillIfLow(ctx); err != nil {
			m.log.Error("background refill failed", zap.Error(err))
		}
	}()
}

// EnsureCapacity refills synchronously if the pool is below the minimum.
func (m *Manager) EnsureCapacity(ctx context.Context) (int, error) {
	return m.refillIfLow(ctx)
}

func (m *Manager) refillIfLow(ctx context.Context) (int, error) {
	unused, err := m.store.CountUnused(ctx)
	if err != nil {
		return 0, err
	}
	if unused >= m.minUnused {
		return 0, nil
	}
	return m.Refill(ctx, m.refillBatch)
}

func (m *Manager) Stats(ctx context.Context) (domain.PoolStats, error) {
	return m.store.PoolStats(ctx)
}

// Wait blocks until background refills finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}
